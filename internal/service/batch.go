package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"analytics-engine/internal/cache"
	"analytics-engine/internal/config"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/repository"
)

const batchLockName = "batch-persistence"

// BatchWorker drains the staging list into the durable store on a
// fixed schedule. Runs are guarded by a single-flight lock so two
// drains can never interleave.
type BatchWorker struct {
	cache   *cache.Store
	repo    repository.AnalyticsRepository
	metrics *observability.Metrics
	log     *logrus.Entry

	batchSize int
	chunkSize int
	lockTTL   time.Duration
}

// NewBatchWorker constructs the batch persistence worker.
func NewBatchWorker(store *cache.Store, repo repository.AnalyticsRepository, metrics *observability.Metrics, log *logrus.Logger, cfg *config.Config) *BatchWorker {
	return &BatchWorker{
		cache:     store,
		repo:      repo,
		metrics:   metrics,
		log:       log.WithField("component", "batch"),
		batchSize: cfg.BatchSize,
		chunkSize: cfg.BatchChunkSize,
		lockTTL:   cfg.BatchLockTTL,
	}
}

// Run executes one drain cycle. Staged entries are only trimmed after
// their chunk has been durably written, so a crash mid-run loses
// nothing; the next run retries the remainder (at-least-once).
func (w *BatchWorker) Run(ctx context.Context) error {
	start := time.Now()

	acquired, err := w.cache.AcquireLock(ctx, batchLockName, w.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire batch lock: %w", err)
	}
	if !acquired {
		w.log.Debug("previous batch run still in flight, skipping")
		return nil
	}
	defer func() {
		if err := w.cache.ReleaseLock(context.WithoutCancel(ctx), batchLockName); err != nil {
			w.log.WithError(err).Warn("release batch lock")
		}
	}()

	entries, err := w.cache.StagedEvents(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("read staging list: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	persisted, err := w.persistChunks(ctx, entries)

	// Trim what made it to durable storage even when a later chunk
	// failed; the untrimmed remainder is retried next cycle.
	if persisted > 0 {
		if trimErr := w.cache.TrimStaged(context.WithoutCancel(ctx), persisted); trimErr != nil {
			w.log.WithError(trimErr).Error("trim staged events")
		}
	}

	duration := time.Since(start)
	w.metrics.JobDuration.WithLabelValues("batch").Observe(duration.Seconds())
	w.log.WithFields(logrus.Fields{
		"staged":    len(entries),
		"persisted": persisted,
		"duration":  duration.String(),
	}).Info("batch persistence cycle complete")

	if err != nil {
		w.metrics.JobErrors.WithLabelValues("batch").Inc()
		return err
	}
	return nil
}

// persistChunks converts staged entries chunk by chunk and bulk-inserts
// each chunk. Returns how many staged entries are safe to trim.
func (w *BatchWorker) persistChunks(ctx context.Context, entries []string) (int, error) {
	persisted := 0
	for chunkStart := 0; chunkStart < len(entries); chunkStart += w.chunkSize {
		end := chunkStart + w.chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[chunkStart:end]

		rows := w.transform(chunk)
		if len(rows) > 0 {
			insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := w.repo.InsertBatch(insertCtx, rows)
			cancel()
			if err != nil {
				return persisted, fmt.Errorf("insert chunk at offset %d: %w", chunkStart, err)
			}
			w.metrics.BatchRows.Add(float64(len(rows)))
		}

		// Malformed entries in the chunk were logged and skipped; they
		// still count as consumed.
		persisted += len(chunk)
	}
	return persisted, nil
}

// transform decodes staged entries into durable rows, tolerating and
// logging individual malformed entries without aborting the chunk.
func (w *BatchWorker) transform(chunk []string) []model.Analytics {
	rows := make([]model.Analytics, 0, len(chunk))
	for _, raw := range chunk {
		var staged model.StagedEvent
		if err := json.Unmarshal([]byte(raw), &staged); err != nil {
			w.log.WithError(err).Warn("skipping malformed staged entry")
			continue
		}
		rows = append(rows, staged.Event.ToAnalytics())
	}
	return rows
}
