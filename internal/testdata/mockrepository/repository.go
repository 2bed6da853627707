package mockrepository

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"analytics-engine/internal/model"
	"analytics-engine/internal/repository"
)

type Repository struct {
	mock.Mock
}

// Interface compliance check
var _ repository.AnalyticsRepository = &Repository{}

func (m *Repository) InsertBatch(ctx context.Context, rows []model.Analytics) error {
	args := m.Called(ctx, rows)
	return args.Error(0)
}

func (m *Repository) QueryRange(ctx context.Context, filter repository.RangeFilter) ([]model.Analytics, error) {
	args := m.Called(ctx, filter)
	var rows []model.Analytics
	if args.Get(0) != nil {
		rows = args.Get(0).([]model.Analytics)
	}
	return rows, args.Error(1)
}

func (m *Repository) TotalCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Repository) CountsByType(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	var counts map[string]int64
	if args.Get(0) != nil {
		counts = args.Get(0).(map[string]int64)
	}
	return counts, args.Error(1)
}

func (m *Repository) OldestNewest(ctx context.Context) (*time.Time, *time.Time, error) {
	args := m.Called(ctx)
	var oldest, newest *time.Time
	if args.Get(0) != nil {
		oldest = args.Get(0).(*time.Time)
	}
	if args.Get(1) != nil {
		newest = args.Get(1).(*time.Time)
	}
	return oldest, newest, args.Error(2)
}

func (m *Repository) DeleteBefore(ctx context.Context, eventType string, cutoff time.Time) error {
	args := m.Called(ctx, eventType, cutoff)
	return args.Error(0)
}
