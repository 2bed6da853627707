package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"analytics-engine/internal/cache"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/repository"
	mockrepository "analytics-engine/internal/testdata/mockrepository"
)

type PipelineTestSuite struct {
	suite.Suite

	store   *cache.Store
	repo    *mockrepository.Repository
	metrics *observability.Metrics
	engine  *PipelineEngine
	now     time.Time
	ctx     context.Context
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) SetupTest() {
	redis := miniredis.RunT(s.T())
	store, err := cache.NewStore("redis://" + redis.Addr())
	s.Require().NoError(err)
	s.store = store

	s.repo = &mockrepository.Repository{}
	s.metrics = observability.NewMetrics(prometheus.NewRegistry())
	s.now = time.Unix(1700000000, 0).UTC()
	s.ctx = context.Background()

	s.engine = NewPipelineEngine(s.repo, s.store, s.metrics, logrus.New())
	s.engine.now = func() time.Time { return s.now }
}

func (s *PipelineTestSuite) TearDownTest() {
	s.store.Close()
}

func pipelineRow(userID, event string, value float64, ts time.Time) model.Analytics {
	return model.Analytics{
		Type:      "user_action",
		Category:  "engagement",
		UserID:    userID,
		Event:     event,
		Timestamp: ts,
		Metrics:   model.MetricSummary{Value: value, Count: 1},
	}
}

// TestRegister_ConfigurationErrors uses table-driven tests to verify all
// registration constraints.
func (s *PipelineTestSuite) TestRegister_ConfigurationErrors() {
	tests := []struct {
		name     string
		pipeline model.AggregationPipeline
	}{
		{
			name:     "Missing Name",
			pipeline: model.AggregationPipeline{Type: model.PipelineGroupBy, TimeWindow: time.Hour},
		},
		{
			name:     "Unknown Type",
			pipeline: model.AggregationPipeline{Name: "p", Type: "median", TimeWindow: time.Hour},
		},
		{
			name:     "Non-positive Window",
			pipeline: model.AggregationPipeline{Name: "p", Type: model.PipelineFunnel},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Error(s.engine.Register(tt.pipeline))
		})
	}
}

func (s *PipelineTestSuite) TestRegister_DuplicateName() {
	p := model.AggregationPipeline{Name: "daily", Type: model.PipelineTimeSeries, TimeWindow: time.Hour}
	s.Require().NoError(s.engine.Register(p))
	s.Error(s.engine.Register(p))
}

// TestRunAll_GroupBy executes a group-by pipeline end to end and reads
// the cached results back through the query surface.
func (s *PipelineTestSuite) TestRunAll_GroupBy() {
	rows := []model.Analytics{
		pipelineRow("u1", "view", 1, s.now.Add(-3*time.Hour)),
		pipelineRow("u1", "view", 2, s.now.Add(-2*time.Hour)),
		pipelineRow("u2", "view", 5, s.now.Add(-time.Hour)),
	}
	s.repo.On("QueryRange", mock.Anything, mock.MatchedBy(func(f repository.RangeFilter) bool {
		return f.From.Equal(s.now.Add(-24*time.Hour)) && f.To.Equal(s.now)
	})).Return(rows, nil)

	s.Require().NoError(s.engine.Register(model.AggregationPipeline{
		Name:       "events_by_user",
		Type:       model.PipelineGroupBy,
		TimeWindow: 24 * time.Hour,
		GroupBy:    []string{"userId"},
		Metrics:    []string{"value"},
	}))

	s.engine.RunAll(s.ctx)

	results, err := s.engine.GetPipelineResults(s.ctx, "events_by_user", s.now.Add(-time.Minute), s.now)
	s.Require().NoError(err)
	s.Require().Len(results, 2)

	s.Equal(map[string]string{"userId": "u1"}, results[0].Group)
	s.Equal(3.0, results[0].Metrics["value"])
	s.Equal(int64(2), results[0].Count)

	s.Equal(map[string]string{"userId": "u2"}, results[1].Group)
	s.Equal(5.0, results[1].Metrics["value"])
	s.Equal(int64(1), results[1].Count)
}

func (s *PipelineTestSuite) TestRunGroupBy_SortAndLimit() {
	rows := []model.Analytics{
		pipelineRow("u1", "view", 1, s.now.Add(-3*time.Hour)),
		pipelineRow("u2", "view", 2, s.now.Add(-time.Hour)),
		pipelineRow("u3", "view", 4, s.now.Add(-2*time.Hour)),
	}

	// Newest two rows only: u2 then u3.
	results := s.engine.runGroupBy(model.AggregationPipeline{
		Name:       "recent",
		Type:       model.PipelineGroupBy,
		TimeWindow: 24 * time.Hour,
		GroupBy:    []string{"userId"},
		Metrics:    []string{"value"},
		SortBy:     "timestamp",
		Limit:      2,
	}, rows)

	s.Require().Len(results, 2)
	s.Equal("u2", results[0].Group["userId"])
	s.Equal("u3", results[1].Group["userId"])
}

func (s *PipelineTestSuite) TestRunTimeSeries_SharedTimestamp() {
	rows := []model.Analytics{
		pipelineRow("u1", "view", 1, s.now.Add(-2*time.Hour)),
		pipelineRow("u2", "view", 2, s.now.Add(-time.Hour)),
	}

	results := s.engine.runTimeSeries(model.AggregationPipeline{
		Name:       "daily",
		Type:       model.PipelineTimeSeries,
		TimeWindow: 24 * time.Hour,
		GroupBy:    []string{"type", "category"},
		Metrics:    []string{"value", "count"},
	}, rows, s.now)

	s.Require().Len(results, 1)
	s.Require().NotNil(results[0].Timestamp)
	s.True(results[0].Timestamp.Equal(s.now))
	s.Equal(3.0, results[0].Metrics["value"])
	s.Equal(2.0, results[0].Metrics["count"])
	s.Equal(int64(2), results[0].Count)
}

// TestRunFunnel verifies stages are evaluated in declared order and each
// conversion rate is relative to the previous stage.
func (s *PipelineTestSuite) TestRunFunnel() {
	rows := []model.Analytics{}
	stageCounts := map[string]int{"signup": 4, "activate": 2, "purchase": 1}
	for stage, n := range stageCounts {
		for i := 0; i < n; i++ {
			rows = append(rows, pipelineRow("u1", stage, 0, s.now))
		}
	}

	results := s.engine.runFunnel(model.AggregationPipeline{
		Name:       "onboarding",
		Type:       model.PipelineFunnel,
		TimeWindow: time.Hour,
		Metrics:    []string{"signup", "activate", "purchase"},
	}, rows)

	s.Require().Len(results, 3)
	s.Equal("signup", results[0].Group["stage"])
	s.Equal(1.0, results[0].Metrics["conversion_rate"])
	s.Equal(4.0, results[0].Metrics["count"])
	s.Equal(0.5, results[1].Metrics["conversion_rate"])
	s.Equal(0.5, results[2].Metrics["conversion_rate"])
}

func (s *PipelineTestSuite) TestRunFunnel_EmptyStage() {
	results := s.engine.runFunnel(model.AggregationPipeline{
		Name:       "onboarding",
		Type:       model.PipelineFunnel,
		TimeWindow: time.Hour,
		Metrics:    []string{"signup", "activate"},
	}, []model.Analytics{pipelineRow("u1", "other", 0, s.now)})

	s.Require().Len(results, 2)
	s.Zero(results[0].Metrics["count"])
	s.Equal(1.0, results[0].Metrics["conversion_rate"], "the first stage is its own baseline")
	s.Zero(results[1].Metrics["conversion_rate"], "an empty previous stage cannot divide")
}

func (s *PipelineTestSuite) TestRunCohort_BucketsByInterval() {
	interval := 7 * 24 * time.Hour
	early := s.now.Add(-10 * 24 * time.Hour)
	late := s.now

	results := s.engine.runCohort(model.AggregationPipeline{
		Name:           "weekly",
		Type:           model.PipelineCohort,
		TimeWindow:     28 * 24 * time.Hour,
		CohortInterval: interval,
	}, []model.Analytics{
		pipelineRow("u1", "view", 0, early),
		pipelineRow("u2", "view", 0, early.Add(time.Hour)),
		pipelineRow("u3", "view", 0, late),
	})

	s.Require().Len(results, 2)
	s.Equal(early.Truncate(interval).Format("2006-01-02"), results[0].Group["cohort"])
	s.Equal(int64(2), results[0].Count)
	s.Equal(late.Truncate(interval).Format("2006-01-02"), results[1].Group["cohort"])
	s.Equal(int64(1), results[1].Count)
}

// TestRunAll_FailureIsolated verifies a failing pipeline is logged and
// skipped without blocking others or deregistering itself.
func (s *PipelineTestSuite) TestRunAll_FailureIsolated() {
	s.repo.On("QueryRange", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	s.Require().NoError(s.engine.Register(model.AggregationPipeline{
		Name:       "broken",
		Type:       model.PipelineTimeSeries,
		TimeWindow: time.Hour,
	}))

	s.NotPanics(func() { s.engine.RunAll(s.ctx) })
	s.Equal(1.0, testutil.ToFloat64(s.metrics.JobErrors.WithLabelValues("pipeline")))

	results, err := s.engine.GetPipelineResults(s.ctx, "broken", s.now.Add(-time.Hour), s.now)
	s.NoError(err)
	s.Empty(results)
}

func (s *PipelineTestSuite) TestColumnFilters_WhitelistsAttributes() {
	out := columnFilters(map[string]string{
		"userId":   "u1",
		"platform": "ios",
		"bogus":    "x",
	})
	s.Equal(map[string]string{"user_id": "u1", "platform": "ios"}, out)
}
