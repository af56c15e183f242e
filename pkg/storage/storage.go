// Package storage persists snapshots, cycle results, and runtime settings.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/tankwatch/tankwatch/pkg/types"
)

// Database defines the interface for persisting poll output and retrieving
// settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Snapshots
	// SaveSnapshot stores the snapshot as the latest and appends it to the
	// snapshot history.
	SaveSnapshot(ctx context.Context, snap *types.Snapshot) error
	// GetLatestSnapshot returns nil without error when no snapshot has been
	// stored yet.
	GetLatestSnapshot(ctx context.Context) (*types.Snapshot, error)

	// Cycle history
	InsertCycle(ctx context.Context, result types.CycleResult) error
	GetCycleHistory(ctx context.Context, start, end time.Time) ([]types.CycleResult, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
