package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

func withEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailContextKey, email)
}

// authMiddleware gates the mutating endpoints. Callers present a bearer ID
// token, verified either against a configured OIDC audience or, for
// scheduler-triggered polls, against the poll-specific audience. When no
// auth is configured at all the check is bypassed for local use.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		rawToken := parts[1]

		email, ok := s.verifyToken(r, rawToken)
		if !ok {
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		if !s.emailAllowed(email) {
			slog.WarnContext(ctx, "unauthorized email", slog.String("email", email), slog.String("path", r.URL.Path))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}
		slog.DebugContext(ctx, "authorized", slog.String("email", email), slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(withEmail(ctx, email)))
	})
}

func (s *Server) verifyToken(r *http.Request, rawToken string) (string, bool) {
	ctx := r.Context()
	for name, verify := range s.oidcVerifiers {
		token, err := verify(ctx, rawToken)
		if err != nil {
			slog.DebugContext(ctx, "oidc verification failed", slog.String("provider", name), slog.Any("error", err))
			continue
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := token.Claims(&claims); err != nil || claims.Email == "" {
			slog.WarnContext(ctx, "invalid email in id token", slog.String("provider", name))
			continue
		}
		return claims.Email, true
	}

	// Cloud Scheduler hits /api/poll with a Google-signed token for a
	// dedicated audience rather than a user login.
	if s.pollAudience != "" && r.URL.Path == "/api/poll" {
		payload, err := s.tokenValidator(ctx, rawToken, s.pollAudience)
		if err != nil {
			slog.WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			return "", false
		}
		email, _ := payload.Claims["email"].(string)
		if email == "" {
			return "", false
		}
		return email, true
	}
	return "", false
}

func (s *Server) emailAllowed(email string) bool {
	for _, admin := range s.adminEmails {
		if email == admin {
			return true
		}
	}
	return false
}
