package mockservice

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"analytics-engine/internal/model"
	"analytics-engine/internal/service"
)

type Ingest struct {
	mock.Mock
}

// Interface compliance check
var _ service.IngestService = &Ingest{}

func (m *Ingest) PublishEvent(ctx context.Context, req model.EventRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *Ingest) GetRealtimeMetrics(ctx context.Context, eventType, category string) (model.WindowedMetric, error) {
	args := m.Called(ctx, eventType, category)
	return args.Get(0).(model.WindowedMetric), args.Error(1)
}

func (m *Ingest) GetUserMetrics(ctx context.Context, userID, eventType string) (model.UserMetrics, error) {
	args := m.Called(ctx, userID, eventType)
	return args.Get(0).(model.UserMetrics), args.Error(1)
}

type Pipelines struct {
	mock.Mock
}

// Interface compliance check
var _ service.PipelineService = &Pipelines{}

func (m *Pipelines) GetPipelineResults(ctx context.Context, name string, from, to time.Time) ([]model.AggregationResult, error) {
	args := m.Called(ctx, name, from, to)
	var results []model.AggregationResult
	if args.Get(0) != nil {
		results = args.Get(0).([]model.AggregationResult)
	}
	return results, args.Error(1)
}

type Retention struct {
	mock.Mock
}

// Interface compliance check
var _ service.RetentionService = &Retention{}

func (m *Retention) Status(ctx context.Context) (model.RetentionStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.RetentionStatus), args.Error(1)
}
