package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"analytics-engine/internal/cache"
	"analytics-engine/internal/config"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/queue"
)

// ValidationError represents user input issues. Events failing
// validation are dropped, never requeued.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IngestService is the ingestion surface consumed by the HTTP layer.
type IngestService interface {
	PublishEvent(ctx context.Context, req model.EventRequest) error
	GetRealtimeMetrics(ctx context.Context, eventType, category string) (model.WindowedMetric, error)
	GetUserMetrics(ctx context.Context, userID, eventType string) (model.UserMetrics, error)
}

// ingestor consumes the event queue, updates the real-time window
// store, and stages events for batch persistence.
type ingestor struct {
	cache     *cache.Store
	publisher message.Publisher
	metrics   *observability.Metrics
	log       *logrus.Entry

	windowSize   time.Duration
	maxSkew      int
	historyLimit int
	rawTTL       time.Duration
	userTTL      time.Duration

	now func() time.Time
}

// Ingestor combines the queue-consumer loop with the ingestion API.
type Ingestor interface {
	IngestService
	Run(ctx context.Context, sub message.Subscriber) error
}

// NewIngestor constructs the ingestion service.
func NewIngestor(store *cache.Store, publisher message.Publisher, metrics *observability.Metrics, log *logrus.Logger, cfg *config.Config) Ingestor {
	return &ingestor{
		cache:        store,
		publisher:    publisher,
		metrics:      metrics,
		log:          log.WithField("component", "ingest"),
		windowSize:   cfg.WindowSize,
		maxSkew:      cfg.WindowMaxSkew,
		historyLimit: cfg.UserHistoryLimit,
		rawTTL:       cfg.RawEventTTL,
		userTTL:      cfg.UserMetricsTTL,
		now:          time.Now,
	}
}

// Run consumes the event topic until the context is canceled. One
// message is processed to completion before it is acknowledged.
func (i *ingestor) Run(ctx context.Context, sub message.Subscriber) error {
	messages, err := sub.Subscribe(ctx, queue.TopicEvents)
	if err != nil {
		return err
	}

	for msg := range messages {
		i.handleMessage(ctx, msg)
	}
	return nil
}

// handleMessage applies the full ingestion sequence to one message.
// Validation failures ack-and-drop to avoid poison-message loops;
// store failures nack so the broker redelivers.
func (i *ingestor) handleMessage(ctx context.Context, msg *message.Message) {
	event, err := i.buildEvent(msg.Payload)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			i.metrics.ValidationDrops.Inc()
			i.log.WithError(err).Warn("dropping invalid event")
			msg.Ack()
			return
		}
		i.log.WithError(err).Error("build event")
		msg.Nack()
		return
	}

	if err := i.aggregate(ctx, event); err != nil {
		i.log.WithError(err).WithFields(logrus.Fields{
			"type":     event.Type,
			"category": event.Category,
		}).Error("aggregate event, requeueing")
		msg.Nack()
		return
	}

	// Best-effort fan-out; a publish failure must not fail the event.
	i.publishRealtime(event)

	if err := i.stage(ctx, event); err != nil {
		i.log.WithError(err).Error("stage event, requeueing")
		msg.Nack()
		return
	}

	i.metrics.EventsProcessed.Inc()
	msg.Ack()
}

// buildEvent parses and validates an inbound payload.
func (i *ingestor) buildEvent(payload []byte) (model.AnalyticsEvent, error) {
	var req model.EventRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return model.AnalyticsEvent{}, &ValidationError{Message: "malformed event payload: " + err.Error()}
	}
	return i.buildFromRequest(req)
}

func (i *ingestor) buildFromRequest(req model.EventRequest) (model.AnalyticsEvent, error) {
	if req.Type == "" {
		return model.AnalyticsEvent{}, &ValidationError{Message: "type is required"}
	}
	if req.Category == "" {
		return model.AnalyticsEvent{}, &ValidationError{Message: "category is required"}
	}
	if req.Timestamp == 0 {
		return model.AnalyticsEvent{}, &ValidationError{Message: "timestamp is required"}
	}

	return model.AnalyticsEvent{
		Type:      req.Type,
		Category:  req.Category,
		UserID:    req.UserID,
		Data:      req.Data,
		Timestamp: time.Unix(req.Timestamp, 0).UTC(),
		Session:   req.Session,
		Source:    req.Source,
		Platform:  req.Platform,
		Version:   req.Version,
	}, nil
}

// aggregate runs the steps that must all succeed before the queue
// message may be acknowledged: raw snapshot, window counters, per-user
// history.
func (i *ingestor) aggregate(ctx context.Context, event model.AnalyticsEvent) error {
	if err := i.cache.StoreRawEvent(ctx, event, i.rawTTL); err != nil {
		return err
	}

	window := i.windowStart(event.Timestamp)
	if err := i.cache.UpdateWindow(ctx, event.Type, event.Category, window, event.Data.Value, i.now().UTC(), i.rawTTL); err != nil {
		return err
	}

	if event.UserID != "" {
		entry := model.UserEvent{
			Type:      event.Type,
			Category:  event.Category,
			Timestamp: event.Timestamp,
			Value:     event.Data.Value,
		}
		if err := i.cache.AppendUserEvent(ctx, event.UserID, entry, i.historyLimit, i.userTTL); err != nil {
			return err
		}
	}
	return nil
}

// windowStart keys windows by the event timestamp, not arrival time, so
// delayed events land in the window they belong to. Lateness beyond the
// skew bound is clamped to the oldest still-writable window; future
// timestamps are clamped to the current window.
func (i *ingestor) windowStart(ts time.Time) time.Time {
	current := i.now().UTC().Truncate(i.windowSize)
	oldest := current.Add(-time.Duration(i.maxSkew) * i.windowSize)

	window := ts.UTC().Truncate(i.windowSize)
	if window.Before(oldest) {
		return oldest
	}
	if window.After(current) {
		return current
	}
	return window
}

func (i *ingestor) publishRealtime(event model.AnalyticsEvent) {
	update := model.RealtimeUpdate{
		Type:      event.Type,
		Category:  event.Category,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		i.metrics.PublishFailures.Inc()
		i.log.WithError(err).Warn("marshal realtime update")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := i.publisher.Publish(queue.TopicRealtime, msg); err != nil {
		i.metrics.PublishFailures.Inc()
		i.log.WithError(err).Warn("publish realtime update")
	}
}

func (i *ingestor) stage(ctx context.Context, event model.AnalyticsEvent) error {
	staged := model.StagedEvent{Event: event, DedupeKey: event.DedupeKey()}
	payload, err := json.Marshal(staged)
	if err != nil {
		return err
	}
	return i.cache.StageEvent(ctx, payload)
}

// PublishEvent validates an HTTP-submitted event and hands it to the
// queue, so both ingestion paths share the same processing pipeline.
func (i *ingestor) PublishEvent(ctx context.Context, req model.EventRequest) error {
	if _, err := i.buildFromRequest(req); err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return i.publisher.Publish(queue.TopicEvents, message.NewMessage(watermill.NewUUID(), payload))
}

// GetRealtimeMetrics returns the current window's counters for a
// (type, category) pair. A missing window yields the zero value.
func (i *ingestor) GetRealtimeMetrics(ctx context.Context, eventType, category string) (model.WindowedMetric, error) {
	window := i.now().UTC().Truncate(i.windowSize)
	return i.cache.GetWindow(ctx, eventType, category, window)
}

// GetUserMetrics returns a user's bounded history and running totals.
func (i *ingestor) GetUserMetrics(ctx context.Context, userID, eventType string) (model.UserMetrics, error) {
	return i.cache.GetUserMetrics(ctx, userID, eventType, i.historyLimit)
}
