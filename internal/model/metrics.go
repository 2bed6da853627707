package model

import (
	"fmt"
	"time"
)

// WindowedMetric is the real-time counter set for one
// (type, category, window) triple. A zero value means "no data yet".
type WindowedMetric struct {
	Count      int64     `json:"count"`
	Sum        float64   `json:"sum"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	LastUpdate time.Time `json:"last_update"`
}

// UserEvent is one entry in a user's bounded history.
type UserEvent struct {
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value,omitempty"`
}

// UserAggregates are the running per-user totals.
type UserAggregates struct {
	TotalEvents int64   `json:"total_events"`
	TotalValue  float64 `json:"total_value"`
}

// UserMetrics is the operational-API view of one user's activity.
type UserMetrics struct {
	RecentEvents []UserEvent    `json:"recent_events"`
	Aggregates   UserAggregates `json:"aggregates"`
}

// Pipeline types. Anything else is a configuration error raised at
// registration time.
const (
	PipelineTimeSeries = "time-series"
	PipelineGroupBy    = "group-by"
	PipelineFunnel     = "funnel"
	PipelineCohort     = "cohort"
)

// AggregationPipeline is a named, scheduled recipe for a derived
// analysis. Registered once at startup.
type AggregationPipeline struct {
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	TimeWindow     time.Duration     `json:"time_window"`
	GroupBy        []string          `json:"group_by,omitempty"`
	Metrics        []string          `json:"metrics,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	SortBy         string            `json:"sort_by,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	CohortInterval time.Duration     `json:"cohort_interval,omitempty"`
}

// AggregationResult is one row of a pipeline execution.
type AggregationResult struct {
	Timestamp *time.Time         `json:"timestamp,omitempty"`
	Group     map[string]string  `json:"group,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
	Count     int64              `json:"count"`
}

// RollupRecord is one coarse-granularity aggregate per
// (window, type, category) stored with the global retention TTL.
type RollupRecord struct {
	Window      string             `json:"window"`
	Type        string             `json:"type"`
	Category    string             `json:"category"`
	Timestamp   time.Time          `json:"timestamp"`
	Count       int64              `json:"count"`
	Sum         float64            `json:"sum"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Avg         float64            `json:"avg"`
	UniqueUsers int64              `json:"unique_users"`
	CustomAvgs  map[string]float64 `json:"custom_avgs,omitempty"`
}

// AggregationRule pre-aggregates rows before retention deletes them.
type AggregationRule struct {
	Interval time.Duration `json:"interval"`
	Metrics  []string      `json:"metrics"`
	KeepRaw  bool          `json:"keep_raw"`
}

// ArchiveStrategy exports rows to cold storage before deletion.
type ArchiveStrategy struct {
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination"`
	Compress    bool   `json:"compress"`
}

// RetentionPolicy bounds how long raw rows of one type live.
type RetentionPolicy struct {
	Type        string           `json:"type"`
	Duration    int              `json:"duration_days"`
	Aggregation *AggregationRule `json:"aggregation,omitempty"`
	Archive     *ArchiveStrategy `json:"archive,omitempty"`
}

// Validate rejects unusable policies at registration time.
func (p RetentionPolicy) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("retention policy type is required")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("retention policy %q: duration must be positive", p.Type)
	}
	if p.Archive != nil && p.Archive.Enabled && p.Archive.Destination == "" {
		return fmt.Errorf("retention policy %q: archive destination is required", p.Type)
	}
	if p.Aggregation != nil && p.Aggregation.Interval <= 0 {
		return fmt.Errorf("retention policy %q: aggregation interval must be positive", p.Type)
	}
	return nil
}

// StoreMetrics are the live durable-store figures in the retention
// status response.
type StoreMetrics struct {
	TotalRecords int64            `json:"total_records"`
	Oldest       *time.Time       `json:"oldest,omitempty"`
	Newest       *time.Time       `json:"newest,omitempty"`
	CountsByType map[string]int64 `json:"counts_by_type"`
}

// RetentionStatus is the operational view of the retention manager.
type RetentionStatus struct {
	Policies []RetentionPolicy `json:"policies"`
	Metrics  StoreMetrics      `json:"metrics"`
}
