package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"analytics-engine/internal/archive"
	"analytics-engine/internal/cache"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/repository"
)

// RetentionService is the retention surface consumed by the HTTP layer.
type RetentionService interface {
	Status(ctx context.Context) (model.RetentionStatus, error)
}

// RetentionManager enforces per-type retention policies: optional
// pre-aggregation, optional archival, then deletion of expired rows.
type RetentionManager struct {
	repo     repository.AnalyticsRepository
	cache    *cache.Store
	archiver archive.Archiver
	metrics  *observability.Metrics
	log      *logrus.Entry

	policies []model.RetentionPolicy
	now      func() time.Time
}

// NewRetentionManager constructs a manager with no policies registered.
// The archiver may be nil when no archive target is configured.
func NewRetentionManager(repo repository.AnalyticsRepository, store *cache.Store, archiver archive.Archiver, metrics *observability.Metrics, log *logrus.Logger) *RetentionManager {
	return &RetentionManager{
		repo:     repo,
		cache:    store,
		archiver: archiver,
		metrics:  metrics,
		log:      log.WithField("component", "retention"),
		now:      time.Now,
	}
}

// RegisterPolicy validates and adds a policy. Invalid policies are
// configuration errors; callers should fail startup on them.
func (m *RetentionManager) RegisterPolicy(p model.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Archive != nil && p.Archive.Enabled && m.archiver == nil {
		return fmt.Errorf("retention policy %q: archive enabled but no archive target configured", p.Type)
	}
	m.policies = append(m.policies, p)
	return nil
}

// RunAll sweeps every policy in registration order. A failing policy is
// logged and the remaining policies still run.
func (m *RetentionManager) RunAll(ctx context.Context) {
	start := time.Now()
	for _, p := range m.policies {
		if err := m.runPolicy(ctx, p); err != nil {
			m.metrics.JobErrors.WithLabelValues("retention").Inc()
			m.log.WithError(err).WithField("policy", p.Type).Error("retention policy failed")
		}
	}
	m.metrics.JobDuration.WithLabelValues("retention").Observe(time.Since(start).Seconds())
}

func (m *RetentionManager) runPolicy(ctx context.Context, p model.RetentionPolicy) error {
	cutoff := m.now().UTC().AddDate(0, 0, -p.Duration)

	typeFilter := p.Type
	if p.Type == model.TypeAll {
		typeFilter = ""
	}

	var expired []model.Analytics
	if p.Aggregation != nil || (p.Archive != nil && p.Archive.Enabled) {
		rows, err := m.repo.QueryRange(ctx, repository.RangeFilter{
			From: time.Unix(0, 0).UTC(),
			To:   cutoff,
			Type: typeFilter,
		})
		if err != nil {
			return fmt.Errorf("query expired rows: %w", err)
		}
		expired = rows
	}

	if p.Aggregation != nil && len(expired) > 0 {
		summaries := preAggregate(p, expired)
		if err := m.repo.InsertBatch(ctx, summaries); err != nil {
			return fmt.Errorf("persist pre-aggregates: %w", err)
		}
		m.log.WithFields(logrus.Fields{
			"policy":     p.Type,
			"rows":       len(expired),
			"aggregates": len(summaries),
		}).Info("pre-aggregated expired rows")
	}

	if p.Archive != nil && p.Archive.Enabled && len(expired) > 0 {
		exportCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err := m.archiver.Export(exportCtx, expired, p.Archive.Destination, p.Archive.Compress)
		cancel()
		if err != nil {
			// Rows that failed to archive must survive until the next sweep.
			return fmt.Errorf("archive export: %w", err)
		}
		m.log.WithFields(logrus.Fields{
			"policy":   p.Type,
			"archived": len(expired),
		}).Info("archived expired rows")
	}

	if p.Aggregation != nil && p.Aggregation.KeepRaw {
		return nil
	}

	if err := m.repo.DeleteBefore(ctx, typeFilter, cutoff); err != nil {
		return fmt.Errorf("delete expired rows: %w", err)
	}

	if p.Type == model.TypeAll {
		purged, err := m.cache.PurgeRawEventsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge raw snapshots: %w", err)
		}
		if purged > 0 {
			m.log.WithField("purged", purged).Info("purged stale raw snapshots")
		}
	}
	return nil
}

// preAggregate folds expired rows into one durable summary per
// (category, interval bucket), tagged with the original type so the
// coarse history survives deletion.
func preAggregate(p model.RetentionPolicy, rows []model.Analytics) []model.Analytics {
	type bucket struct {
		row    model.Analytics
		sums   map[string]float64
		counts map[string]int64
	}
	buckets := map[string]*bucket{}
	order := []string{}

	for _, row := range rows {
		start := row.Timestamp.UTC().Truncate(p.Aggregation.Interval)
		key := row.Type + ":" + row.Category + ":" + start.Format(time.RFC3339)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				row: model.Analytics{
					Type:      row.Type,
					Category:  row.Category,
					Event:     row.Type + "_" + row.Category + "_aggregated",
					Timestamp: start,
					Source:    "retention",
					Metrics:   model.MetricSummary{},
				},
				sums:   map[string]float64{},
				counts: map[string]int64{},
			}
			buckets[key] = b
			order = append(order, key)
		}

		b.row.Metrics.Count += row.Metrics.Count
		for _, metric := range p.Aggregation.Metrics {
			b.sums[metric] += metricValue(row, metric)
			b.counts[metric]++
		}
	}

	summaries := make([]model.Analytics, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		if sum, ok := b.sums["value"]; ok {
			b.row.Metrics.Value = sum
		}
		custom := map[string]float64{}
		for metric, sum := range b.sums {
			if metric == "value" {
				continue
			}
			custom[metric] = sum
		}
		if len(custom) > 0 {
			b.row.Metrics.Custom = custom
		}
		summaries = append(summaries, b.row)
	}
	return summaries
}

// Status reports registered policies plus live durable-store metrics.
func (m *RetentionManager) Status(ctx context.Context) (model.RetentionStatus, error) {
	total, err := m.repo.TotalCount(ctx)
	if err != nil {
		return model.RetentionStatus{}, fmt.Errorf("total count: %w", err)
	}
	counts, err := m.repo.CountsByType(ctx)
	if err != nil {
		return model.RetentionStatus{}, fmt.Errorf("counts by type: %w", err)
	}
	oldest, newest, err := m.repo.OldestNewest(ctx)
	if err != nil {
		return model.RetentionStatus{}, fmt.Errorf("oldest/newest: %w", err)
	}

	policies := make([]model.RetentionPolicy, len(m.policies))
	copy(policies, m.policies)

	return model.RetentionStatus{
		Policies: policies,
		Metrics: model.StoreMetrics{
			TotalRecords: total,
			Oldest:       oldest,
			Newest:       newest,
			CountsByType: counts,
		},
	}, nil
}
