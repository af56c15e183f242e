package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tankwatch/tankwatch/pkg/storage"
	"github.com/tankwatch/tankwatch/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.DefaultSettings(), 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestSnapshot(ctx context.Context) (*types.Snapshot, error) {
	args := m.Called(ctx)
	if snap, ok := args.Get(0).(*types.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) InsertCycle(ctx context.Context, result types.CycleResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockDatabase) GetCycleHistory(ctx context.Context, start, end time.Time) ([]types.CycleResult, error) {
	args := m.Called(ctx, start, end)
	if results, ok := args.Get(0).([]types.CycleResult); ok {
		return results, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
