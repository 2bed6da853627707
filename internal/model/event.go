package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types delivered by the queue. Arbitrary values are accepted;
// these constants cover the types the engine ships defaults for.
const (
	EventTypeUserAction  = "user_action"
	EventTypeAchievement = "achievement"
	EventTypeSystem      = "system"
)

// Event categories.
const (
	CategoryEngagement   = "engagement"
	CategoryPerformance  = "performance"
	CategoryMonetization = "monetization"
)

// TypeAll matches every event type in a retention policy.
const TypeAll = "all"

// EventData carries the open attribute map of an incoming event. Known
// numeric fields are promoted to typed members so the aggregation path
// never walks a generic map; everything else lands in Extra.
type EventData struct {
	Value    *float64           `json:"value,omitempty"`
	Duration *float64           `json:"duration,omitempty"`
	Custom   map[string]float64 `json:"custom,omitempty"`
	Extra    map[string]any     `json:"extra,omitempty"`
}

// UnmarshalJSON routes unknown attributes into Extra instead of
// dropping them.
func (d *EventData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		switch key {
		case "value":
			var v float64
			if err := json.Unmarshal(val, &v); err != nil {
				return fmt.Errorf("data.value must be numeric: %w", err)
			}
			d.Value = &v
		case "duration":
			var v float64
			if err := json.Unmarshal(val, &v); err != nil {
				return fmt.Errorf("data.duration must be numeric: %w", err)
			}
			d.Duration = &v
		case "custom":
			if err := json.Unmarshal(val, &d.Custom); err != nil {
				return fmt.Errorf("data.custom must be a numeric map: %w", err)
			}
		default:
			var v any
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			if d.Extra == nil {
				d.Extra = map[string]any{}
			}
			d.Extra[key] = v
		}
	}
	return nil
}

// MarshalJSON flattens Extra back alongside the typed fields so the
// wire shape matches what producers sent.
func (d EventData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.Value != nil {
		out["value"] = *d.Value
	}
	if d.Duration != nil {
		out["duration"] = *d.Duration
	}
	if len(d.Custom) > 0 {
		out["custom"] = d.Custom
	}
	return json.Marshal(out)
}

// EventRequest is the inbound queue and HTTP payload.
type EventRequest struct {
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	UserID    string    `json:"userId,omitempty"`
	Data      EventData `json:"data"`
	Timestamp int64     `json:"timestamp"`
	Session   string    `json:"session,omitempty"`
	Source    string    `json:"source,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// AnalyticsEvent is the validated in-flight event.
type AnalyticsEvent struct {
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	UserID    string    `json:"userId,omitempty"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session,omitempty"`
	Source    string    `json:"source,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// EventLabel is the derived type_category label stored on durable rows.
func (e AnalyticsEvent) EventLabel() string {
	return e.Type + "_" + e.Category
}

// DedupeKey identifies a staged event; a re-delivered event collapses
// onto the same key so batch persistence stays idempotent.
func (e AnalyticsEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.Type, e.Category, e.UserID, e.Timestamp.UnixMilli())
}

// StagedEvent is the staging-list entry consumed by the batch
// persistence worker.
type StagedEvent struct {
	Event     AnalyticsEvent `json:"event"`
	DedupeKey string         `json:"dedupe_key"`
}

// RealtimeUpdate is the compact fan-out message for live consumers.
type RealtimeUpdate struct {
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// MetricSummary is the derived numeric summary on a durable row.
type MetricSummary struct {
	Value  float64            `json:"value"`
	Count  uint64             `json:"count"`
	Custom map[string]float64 `json:"custom,omitempty"`
}

// Analytics is the durable record written by the batch persistence
// worker. Immutable once written; only the retention manager removes it.
type Analytics struct {
	Type      string        `json:"type"`
	Category  string        `json:"category"`
	UserID    string        `json:"userId,omitempty"`
	Event     string        `json:"event"`
	Data      EventData     `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
	Metrics   MetricSummary `json:"metrics"`
	Session   string        `json:"session,omitempty"`
	Source    string        `json:"source,omitempty"`
	Platform  string        `json:"platform,omitempty"`
	Version   string        `json:"version,omitempty"`
}

// ToAnalytics converts an in-flight event into its durable form.
func (e AnalyticsEvent) ToAnalytics() Analytics {
	summary := MetricSummary{Count: 1, Custom: e.Data.Custom}
	if e.Data.Value != nil {
		summary.Value = *e.Data.Value
	}
	return Analytics{
		Type:      e.Type,
		Category:  e.Category,
		UserID:    e.UserID,
		Event:     e.EventLabel(),
		Data:      e.Data,
		Timestamp: e.Timestamp,
		Metrics:   summary,
		Session:   e.Session,
		Source:    e.Source,
		Platform:  e.Platform,
		Version:   e.Version,
	}
}
