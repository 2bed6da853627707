package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"analytics-engine/internal/cache"
	"analytics-engine/internal/config"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/repository"
)

// Rollup windows and their spans.
const (
	RollupHourly  = "hourly"
	RollupDaily   = "daily"
	RollupWeekly  = "weekly"
	RollupMonthly = "monthly"
)

// RollupSpans maps each rollup window to the range it covers.
var RollupSpans = map[string]time.Duration{
	RollupHourly:  time.Hour,
	RollupDaily:   24 * time.Hour,
	RollupWeekly:  7 * 24 * time.Hour,
	RollupMonthly: 30 * 24 * time.Hour,
}

// RollupRunner computes coarse-granularity aggregates over durable rows
// and stores them with the global retention TTL. Each cadence runs as
// its own job; one failing cadence never blocks the others.
type RollupRunner struct {
	repo    repository.AnalyticsRepository
	cache   *cache.Store
	metrics *observability.Metrics
	log     *logrus.Entry

	retention time.Duration
	now       func() time.Time
}

// NewRollupRunner constructs the rollup runner.
func NewRollupRunner(repo repository.AnalyticsRepository, store *cache.Store, metrics *observability.Metrics, log *logrus.Logger, cfg *config.Config) *RollupRunner {
	return &RollupRunner{
		repo:      repo,
		cache:     store,
		metrics:   metrics,
		log:       log.WithField("component", "rollup"),
		retention: cfg.GlobalRetention,
		now:       time.Now,
	}
}

// Run executes one rollup for the named window, grouping rows from
// [now - span, now) by (type, category).
func (r *RollupRunner) Run(ctx context.Context, window string) error {
	span, ok := RollupSpans[window]
	if !ok {
		return fmt.Errorf("unknown rollup window: %s", window)
	}

	start := time.Now()
	now := r.now().UTC()

	rows, err := r.repo.QueryRange(ctx, repository.RangeFilter{From: now.Add(-span), To: now})
	if err != nil {
		r.metrics.JobErrors.WithLabelValues("rollup_" + window).Inc()
		return fmt.Errorf("rollup %s query: %w", window, err)
	}

	records := aggregateRollup(window, now, rows)
	for _, rec := range records {
		if err := r.cache.StoreRollup(ctx, rec, r.retention); err != nil {
			r.metrics.JobErrors.WithLabelValues("rollup_" + window).Inc()
			return fmt.Errorf("rollup %s store: %w", window, err)
		}
	}

	r.metrics.JobDuration.WithLabelValues("rollup_" + window).Observe(time.Since(start).Seconds())
	r.log.WithFields(logrus.Fields{
		"window": window,
		"rows":   len(rows),
		"groups": len(records),
	}).Info("rollup complete")
	return nil
}

type rollupAccumulator struct {
	rec        model.RollupRecord
	users      map[string]struct{}
	customSums map[string]float64
	customCnts map[string]int64
}

// aggregateRollup folds rows into one record per (type, category):
// count, sum, min, max, avg, distinct users, per-custom-metric averages.
func aggregateRollup(window string, now time.Time, rows []model.Analytics) []model.RollupRecord {
	groups := map[string]*rollupAccumulator{}
	order := []string{}

	for _, row := range rows {
		key := row.Type + ":" + row.Category
		acc, ok := groups[key]
		if !ok {
			acc = &rollupAccumulator{
				rec: model.RollupRecord{
					Window:    window,
					Type:      row.Type,
					Category:  row.Category,
					Timestamp: now,
				},
				users:      map[string]struct{}{},
				customSums: map[string]float64{},
				customCnts: map[string]int64{},
			}
			groups[key] = acc
			order = append(order, key)
		}

		value := row.Metrics.Value
		if acc.rec.Count == 0 || value < acc.rec.Min {
			acc.rec.Min = value
		}
		if acc.rec.Count == 0 || value > acc.rec.Max {
			acc.rec.Max = value
		}
		acc.rec.Count++
		acc.rec.Sum += value

		if row.UserID != "" {
			acc.users[row.UserID] = struct{}{}
		}
		for name, v := range row.Metrics.Custom {
			acc.customSums[name] += v
			acc.customCnts[name]++
		}
	}

	records := make([]model.RollupRecord, 0, len(order))
	for _, key := range order {
		acc := groups[key]
		acc.rec.Avg = acc.rec.Sum / float64(acc.rec.Count)
		acc.rec.UniqueUsers = int64(len(acc.users))
		if len(acc.customSums) > 0 {
			acc.rec.CustomAvgs = make(map[string]float64, len(acc.customSums))
			for name, sum := range acc.customSums {
				acc.rec.CustomAvgs[name] = sum / float64(acc.customCnts[name])
			}
		}
		records = append(records, acc.rec)
	}
	return records
}
