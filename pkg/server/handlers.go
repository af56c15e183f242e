package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tankwatch/tankwatch/pkg/log"
	"github.com/tankwatch/tankwatch/pkg/types"
)

// handleGetSnapshot serves the most recently published snapshot.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.coordinator.Latest()
	if snap == nil {
		writeJSONError(w, "no snapshot available yet", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

// handleGetHealth serves the most recent cycle result so a consumer can
// distinguish fresh data from stale data behind a failing poll loop.
func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	cycle := s.coordinator.LastCycle()
	if cycle == nil {
		writeJSONError(w, "no cycle has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, cycle)
}

// handleHistoryCycles serves cycle results in the requested RFC3339 range,
// defaulting to the last 24 hours.
func (s *Server) handleHistoryCycles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid start time", http.StatusBadRequest)
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, "invalid end time", http.StatusBadRequest)
			return
		}
		end = t
	}
	if !start.Before(end) {
		writeJSONError(w, "start must be before end", http.StatusBadRequest)
		return
	}

	cycles, err := s.storage.GetCycleHistory(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get cycle history", slog.Any("error", err))
		writeJSONError(w, "failed to get cycle history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Cycles []types.CycleResult `json:"cycles"`
	}{Cycles: cycles})
}

type settingsResponse struct {
	Settings types.Settings `json:"settings"`
	Version  int            `json:"version"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settingsResponse{Settings: settings, Version: version})
}

// handleUpdateSettings replaces the stored settings. The caller echoes the
// version it read; a mismatch means someone else changed settings since.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req settingsResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settings := req.Settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, currentVersion, err := s.storage.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	if req.Version != currentVersion {
		writeJSONError(w, "settings changed since last read", http.StatusConflict)
		return
	}

	if err := s.storage.SetSettings(ctx, settings, currentVersion+1); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settingsResponse{Settings: settings, Version: currentVersion + 1})
}

// handlePoll runs one cycle synchronously and returns its result.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := s.coordinator.RunNow(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "manual poll failed", slog.Any("error", err))
		writeJSONError(w, "poll did not complete", http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}
