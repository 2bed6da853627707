package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"analytics-engine/internal/cache"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/repository"
)

const (
	pipelineResultTTL     = 24 * time.Hour
	defaultCohortInterval = 7 * 24 * time.Hour
)

// PipelineService is the pipeline surface consumed by the HTTP layer.
type PipelineService interface {
	GetPipelineResults(ctx context.Context, name string, from, to time.Time) ([]model.AggregationResult, error)
}

// PipelineEngine executes registered aggregation pipelines on a shared
// schedule and caches their results.
type PipelineEngine struct {
	repo    repository.AnalyticsRepository
	cache   *cache.Store
	metrics *observability.Metrics
	log     *logrus.Entry

	pipelines []model.AggregationPipeline
	names     map[string]struct{}
	now       func() time.Time
}

// NewPipelineEngine constructs an engine with no pipelines registered.
func NewPipelineEngine(repo repository.AnalyticsRepository, store *cache.Store, metrics *observability.Metrics, log *logrus.Logger) *PipelineEngine {
	return &PipelineEngine{
		repo:    repo,
		cache:   store,
		metrics: metrics,
		log:     log.WithField("component", "pipeline"),
		names:   map[string]struct{}{},
		now:     time.Now,
	}
}

// Register adds a pipeline. Unknown types and duplicate names are
// configuration errors; callers should fail startup on them.
func (e *PipelineEngine) Register(p model.AggregationPipeline) error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if _, exists := e.names[p.Name]; exists {
		return fmt.Errorf("pipeline %q already registered", p.Name)
	}
	switch p.Type {
	case model.PipelineTimeSeries, model.PipelineGroupBy, model.PipelineFunnel, model.PipelineCohort:
	default:
		return fmt.Errorf("pipeline %q: unknown type %q", p.Name, p.Type)
	}
	if p.TimeWindow <= 0 {
		return fmt.Errorf("pipeline %q: time window must be positive", p.Name)
	}

	e.pipelines = append(e.pipelines, p)
	e.names[p.Name] = struct{}{}
	return nil
}

// RunAll executes every registered pipeline once. A failing pipeline is
// logged and skipped; it neither deregisters itself nor blocks others.
func (e *PipelineEngine) RunAll(ctx context.Context) {
	executedAt := e.now().UTC()
	for _, p := range e.pipelines {
		start := time.Now()
		if err := e.runOne(ctx, p, executedAt); err != nil {
			e.metrics.JobErrors.WithLabelValues("pipeline").Inc()
			e.log.WithError(err).WithField("pipeline", p.Name).Error("pipeline execution failed")
			continue
		}
		e.metrics.JobDuration.WithLabelValues("pipeline").Observe(time.Since(start).Seconds())
	}
}

func (e *PipelineEngine) runOne(ctx context.Context, p model.AggregationPipeline, executedAt time.Time) error {
	filter := repository.RangeFilter{
		From:   executedAt.Add(-p.TimeWindow),
		To:     executedAt,
		Equals: columnFilters(p.Filters),
	}
	rows, err := e.repo.QueryRange(ctx, filter)
	if err != nil {
		return fmt.Errorf("query rows: %w", err)
	}

	var results []model.AggregationResult
	switch p.Type {
	case model.PipelineTimeSeries:
		results = e.runTimeSeries(p, rows, executedAt)
	case model.PipelineGroupBy:
		results = e.runGroupBy(p, rows)
	case model.PipelineFunnel:
		results = e.runFunnel(p, rows)
	case model.PipelineCohort:
		results = e.runCohort(p, rows)
	}

	return e.cache.StorePipelineResults(ctx, p.Name, executedAt, results, pipelineResultTTL)
}

// GetPipelineResults scans the cached executions of a pipeline within
// the time range. An unknown or not-yet-executed pipeline returns an
// empty result set; "no data yet" is a normal state.
func (e *PipelineEngine) GetPipelineResults(ctx context.Context, name string, from, to time.Time) ([]model.AggregationResult, error) {
	return e.cache.PipelineResults(ctx, name, from, to)
}

func (e *PipelineEngine) runTimeSeries(p model.AggregationPipeline, rows []model.Analytics, executedAt time.Time) []model.AggregationResult {
	type bucket struct {
		group   map[string]string
		metrics map[string]float64
		count   int64
	}
	buckets := map[string]*bucket{}
	order := []string{}

	for _, row := range rows {
		group := extractGroup(row, p.GroupBy)
		key := groupKey(group, p.GroupBy)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{group: group, metrics: map[string]float64{}}
			buckets[key] = b
			order = append(order, key)
		}
		for _, metric := range p.Metrics {
			b.metrics[metric] += metricValue(row, metric)
		}
		b.count++
	}

	ts := executedAt
	results := make([]model.AggregationResult, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		results = append(results, model.AggregationResult{
			Timestamp: &ts,
			Group:     b.group,
			Metrics:   b.metrics,
			Count:     b.count,
		})
	}
	return results
}

func (e *PipelineEngine) runGroupBy(p model.AggregationPipeline, rows []model.Analytics) []model.AggregationResult {
	if p.SortBy == "timestamp" {
		sort.SliceStable(rows, func(a, b int) bool {
			return rows[a].Timestamp.After(rows[b].Timestamp)
		})
	}
	if p.Limit > 0 && len(rows) > p.Limit {
		rows = rows[:p.Limit]
	}

	type bucket struct {
		group   map[string]string
		metrics map[string]float64
		count   int64
	}
	buckets := map[string]*bucket{}
	order := []string{}

	for _, row := range rows {
		group := extractGroup(row, p.GroupBy)
		key := groupKey(group, p.GroupBy)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{group: group, metrics: map[string]float64{}}
			buckets[key] = b
			order = append(order, key)
		}
		for _, metric := range p.Metrics {
			b.metrics[metric] += metricValue(row, metric)
		}
		b.count++
	}

	results := make([]model.AggregationResult, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		results = append(results, model.AggregationResult{
			Group:   b.group,
			Metrics: b.metrics,
			Count:   b.count,
		})
	}
	return results
}

// runFunnel evaluates stages strictly in declared order; each stage's
// conversion rate depends on the previous stage's count.
func (e *PipelineEngine) runFunnel(p model.AggregationPipeline, rows []model.Analytics) []model.AggregationResult {
	counts := make(map[string]int64, len(p.Metrics))
	for _, row := range rows {
		counts[row.Event]++
	}

	results := make([]model.AggregationResult, 0, len(p.Metrics))
	var previous int64
	for i, stage := range p.Metrics {
		count := counts[stage]
		rate := 0.0
		if i == 0 {
			rate = 1.0
		} else if previous > 0 {
			rate = float64(count) / float64(previous)
		}
		results = append(results, model.AggregationResult{
			Group: map[string]string{"stage": stage},
			Metrics: map[string]float64{
				"count":           float64(count),
				"conversion_rate": rate,
			},
			Count: count,
		})
		previous = count
	}
	return results
}

func (e *PipelineEngine) runCohort(p model.AggregationPipeline, rows []model.Analytics) []model.AggregationResult {
	interval := p.CohortInterval
	if interval <= 0 {
		interval = defaultCohortInterval
	}

	counts := map[string]int64{}
	order := []string{}
	for _, row := range rows {
		cohort := row.Timestamp.UTC().Truncate(interval).Format("2006-01-02")
		if _, ok := counts[cohort]; !ok {
			order = append(order, cohort)
		}
		counts[cohort]++
	}

	results := make([]model.AggregationResult, 0, len(order))
	for _, cohort := range order {
		results = append(results, model.AggregationResult{
			Group:   map[string]string{"cohort": cohort},
			Metrics: map[string]float64{"count": float64(counts[cohort])},
			Count:   counts[cohort],
		})
	}
	return results
}

// attributeColumns maps pipeline attribute names onto durable-store
// columns for pushdown filtering.
var attributeColumns = map[string]string{
	"type":     "type",
	"category": "category",
	"userId":   "user_id",
	"event":    "event",
	"session":  "session",
	"source":   "source",
	"platform": "platform",
	"version":  "version",
}

func columnFilters(filters map[string]string) map[string]string {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]string, len(filters))
	for attr, val := range filters {
		if col, ok := attributeColumns[attr]; ok {
			out[col] = val
		}
	}
	return out
}

func extractGroup(row model.Analytics, groupBy []string) map[string]string {
	group := make(map[string]string, len(groupBy))
	for _, attr := range groupBy {
		group[attr] = attributeValue(row, attr)
	}
	return group
}

func groupKey(group map[string]string, groupBy []string) string {
	key := ""
	for _, attr := range groupBy {
		key += group[attr] + "\x00"
	}
	return key
}

func attributeValue(row model.Analytics, attr string) string {
	switch attr {
	case "type":
		return row.Type
	case "category":
		return row.Category
	case "userId":
		return row.UserID
	case "event":
		return row.Event
	case "session":
		return row.Session
	case "source":
		return row.Source
	case "platform":
		return row.Platform
	case "version":
		return row.Version
	default:
		return ""
	}
}

// metricValue extracts one requested metric from a row. Unknown names
// fall through to the custom metric map.
func metricValue(row model.Analytics, name string) float64 {
	switch name {
	case "value":
		return row.Metrics.Value
	case "count":
		return float64(row.Metrics.Count)
	case "duration":
		if row.Data.Duration != nil {
			return *row.Data.Duration
		}
		return 0
	default:
		return row.Metrics.Custom[name]
	}
}
