package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tankwatch/tankwatch/pkg/log"
	"github.com/tankwatch/tankwatch/pkg/types"
)

const latestSnapshotDoc = "latest"

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists settings, snapshots, and cycle history.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty when it can be inferred from the environment.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document. A missing document yields the defaults at version 0.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.DefaultSettings(), 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	s, err := unmarshalDoc[types.Settings](ctx, doc, "settings")
	if err != nil {
		return types.Settings{}, 0, err
	}
	return s.WithDefaults(), version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveSnapshot stores the snapshot under the "latest" document and appends
// it to the snapshot history keyed by its timestamp.
func (f *FirestoreProvider) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	data := map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": snap.TakenAt,
	}
	coll := f.client.Collection("snapshots")
	if _, err := coll.Doc(latestSnapshotDoc).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save latest snapshot: %w", err)
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := snap.TakenAt.UTC().Format(time.RFC3339)
	if _, err := coll.Doc(docID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to append snapshot history: %w", err)
	}
	return nil
}

// GetLatestSnapshot retrieves the last stored snapshot, or nil when none
// has been stored.
func (f *FirestoreProvider) GetLatestSnapshot(ctx context.Context) (*types.Snapshot, error) {
	doc, err := f.client.Collection("snapshots").Doc(latestSnapshotDoc).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch latest snapshot: %w", err)
	}
	snap, err := unmarshalDoc[types.Snapshot](ctx, doc, "snapshot")
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// InsertCycle adds a cycle record to the "cycle_history" collection as a
// JSON blob. The document ID is the RFC3339 start timestamp for efficient
// range queries.
func (f *FirestoreProvider) InsertCycle(ctx context.Context, result types.CycleResult) error {
	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle result: %w", err)
	}
	docID := result.StartedAt.UTC().Format(time.RFC3339)
	_, err = f.client.Collection("cycle_history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": result.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert cycle result: %w", err)
	}
	return nil
}

// GetCycleHistory retrieves cycle records within the specified time range.
// Uses document ID range queries for efficient filtering without reading
// all documents.
func (f *FirestoreProvider) GetCycleHistory(ctx context.Context, start, end time.Time) ([]types.CycleResult, error) {
	coll := f.client.Collection("cycle_history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(time.RFC3339))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(time.RFC3339))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var results []types.CycleResult
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating cycle history: %w", err)
		}
		r, err := unmarshalDoc[types.CycleResult](ctx, doc, "cycle")
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// unmarshalDoc decodes the "json" string field every document in this
// schema carries.
func unmarshalDoc[T any](ctx context.Context, doc *firestore.DocumentSnapshot, kind string) (T, error) {
	var out T
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("kind", kind), slog.String("docID", doc.Ref.ID))
		return out, fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("kind", kind), slog.String("docID", doc.Ref.ID))
		return out, fmt.Errorf("%s document %s 'json' field is not a string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("kind", kind), slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return out, fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return out, nil
}
