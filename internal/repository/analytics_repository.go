package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"analytics-engine/internal/model"
)

// RangeFilter narrows a durable-store range query. Equals holds
// column/value equality filters; only whitelisted columns are accepted.
type RangeFilter struct {
	From     time.Time
	To       time.Time
	Type     string
	Category string
	Equals   map[string]string
}

// AnalyticsRepository defines the durable-store operations the engine
// consumes: bulk insert, range queries, grouped counts, deletion and
// oldest/newest lookups.
type AnalyticsRepository interface {
	// InsertBatch writes rows using a single prepared batch.
	InsertBatch(ctx context.Context, rows []model.Analytics) error

	// QueryRange returns rows with ts in [filter.From, filter.To).
	QueryRange(ctx context.Context, filter RangeFilter) ([]model.Analytics, error)

	// TotalCount returns the number of durable rows.
	TotalCount(ctx context.Context) (int64, error)

	// CountsByType returns per-type row counts.
	CountsByType(ctx context.Context) (map[string]int64, error)

	// OldestNewest returns the earliest and latest row timestamps, or
	// nils when the table is empty.
	OldestNewest(ctx context.Context) (*time.Time, *time.Time, error)

	// DeleteBefore removes rows older than cutoff, optionally limited
	// to one event type. An empty type deletes across all types.
	DeleteBefore(ctx context.Context, eventType string, cutoff time.Time) error
}

type analyticsRepository struct {
	conn clickhouse.Conn
}

// NewAnalyticsRepository creates an AnalyticsRepository backed by ClickHouse.
func NewAnalyticsRepository(conn clickhouse.Conn) AnalyticsRepository {
	return &analyticsRepository{conn: conn}
}

const insertQuery = `
	INSERT INTO analytics
		(type, category, user_id, event, data, metric_value, metric_count, metric_custom, ts, session, source, platform, version)
`

func (r *analyticsRepository) InsertBatch(ctx context.Context, rows []model.Analytics) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range rows {
		data, err := json.Marshal(row.Data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		custom, err := marshalCustom(row.Metrics.Custom)
		if err != nil {
			return err
		}

		if err := batch.Append(
			row.Type,
			row.Category,
			row.UserID,
			row.Event,
			string(data),
			row.Metrics.Value,
			row.Metrics.Count,
			custom,
			row.Timestamp,
			row.Session,
			row.Source,
			row.Platform,
			row.Version,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// filterColumns whitelists equality-filter columns so query building
// can never interpolate arbitrary identifiers.
var filterColumns = map[string]struct{}{
	"type": {}, "category": {}, "user_id": {}, "event": {},
	"session": {}, "source": {}, "platform": {}, "version": {},
}

func buildWhere(filter RangeFilter) (string, []any, error) {
	clauses := []string{"ts >= ?", "ts < ?"}
	args := []any{filter.From, filter.To}

	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, filter.Category)
	}
	for col, val := range filter.Equals {
		if _, ok := filterColumns[col]; !ok {
			return "", nil, fmt.Errorf("unsupported filter column: %s", col)
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, val)
	}

	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (r *analyticsRepository) QueryRange(ctx context.Context, filter RangeFilter) ([]model.Analytics, error) {
	where, args, err := buildWhere(filter)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT type, category, user_id, event, data, metric_value, metric_count, metric_custom, ts, session, source, platform, version
		FROM analytics %s
		ORDER BY ts`, where)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var out []model.Analytics
	for rows.Next() {
		var (
			row       model.Analytics
			data      string
			custom    string
			metricVal float64
			metricCnt uint64
		)
		if err := rows.Scan(
			&row.Type, &row.Category, &row.UserID, &row.Event,
			&data, &metricVal, &metricCnt, &custom, &row.Timestamp,
			&row.Session, &row.Source, &row.Platform, &row.Version,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &row.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
		row.Metrics.Value = metricVal
		row.Metrics.Count = metricCnt
		if custom != "" && custom != "{}" {
			if err := json.Unmarshal([]byte(custom), &row.Metrics.Custom); err != nil {
				return nil, fmt.Errorf("unmarshal custom metrics: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *analyticsRepository) TotalCount(ctx context.Context) (int64, error) {
	var count uint64
	if err := r.conn.QueryRow(ctx, `SELECT count() FROM analytics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total count: %w", err)
	}
	return int64(count), nil
}

func (r *analyticsRepository) CountsByType(ctx context.Context) (map[string]int64, error) {
	rows, err := r.conn.Query(ctx, `SELECT type, count() FROM analytics GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counts by type: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			eventType string
			count     uint64
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[eventType] = int64(count)
	}
	return counts, rows.Err()
}

func (r *analyticsRepository) OldestNewest(ctx context.Context) (*time.Time, *time.Time, error) {
	var count uint64
	if err := r.conn.QueryRow(ctx, `SELECT count() FROM analytics`).Scan(&count); err != nil {
		return nil, nil, fmt.Errorf("oldest/newest count: %w", err)
	}
	if count == 0 {
		return nil, nil, nil
	}

	var oldest, newest time.Time
	if err := r.conn.QueryRow(ctx, `SELECT min(ts), max(ts) FROM analytics`).Scan(&oldest, &newest); err != nil {
		return nil, nil, fmt.Errorf("oldest/newest: %w", err)
	}
	return &oldest, &newest, nil
}

func (r *analyticsRepository) DeleteBefore(ctx context.Context, eventType string, cutoff time.Time) error {
	query := `ALTER TABLE analytics DELETE WHERE ts < ?`
	args := []any{cutoff}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	if err := r.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return nil
}

func marshalCustom(custom map[string]float64) (string, error) {
	if len(custom) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(custom)
	if err != nil {
		return "", fmt.Errorf("marshal custom metrics: %w", err)
	}
	return string(b), nil
}
