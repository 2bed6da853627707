package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"analytics-engine/internal/model"
)

// Key layout. Raw events and pipeline results keep a sorted-set index
// scored by timestamp so lookups never scan the keyspace.
const (
	rawEventKeyFmt   = "analytics:events:%s:%s"       // type, uuid
	rawIndexKeyFmt   = "analytics:events:index:%s"    // type
	rawTypesKey      = "analytics:events:types"       // set of known types
	windowKeyFmt     = "analytics:window:%s:%s:%d"    // type, category, window start unix
	userHistoryFmt   = "analytics:user:%s:%s:history" // userID, type
	userAggFmt       = "analytics:user:%s:%s:aggregates"
	stagingKey       = "analytics:staging"
	rollupKeyFmt     = "analytics:rollup:%s:%s:%s:%d" // window, type, category, ts unix
	rollupIndexFmt   = "analytics:rollup:index:%s"    // window
	pipelineKeyFmt   = "aggregation:%s:%d"            // name, exec ts unix
	pipelineIndexFmt = "aggregation:index:%s"         // name
	lockKeyFmt       = "analytics:lock:%s"
)

// windowUpdateScript applies one event to a window's counters in a
// single atomic step, so concurrent ingestion cannot lose an update.
var windowUpdateScript = redis.NewScript(`
local key = KEYS[1]
redis.call('HINCRBY', key, 'count', 1)
if ARGV[1] == '1' then
	local v = tonumber(ARGV[2])
	redis.call('HINCRBYFLOAT', key, 'sum', ARGV[2])
	local min = redis.call('HGET', key, 'min')
	if not min or v < tonumber(min) then
		redis.call('HSET', key, 'min', ARGV[2])
	end
	local max = redis.call('HGET', key, 'max')
	if not max or v > tonumber(max) then
		redis.call('HSET', key, 'max', ARGV[2])
	end
end
redis.call('HSET', key, 'last_update', ARGV[3])
redis.call('EXPIRE', key, ARGV[4])
return redis.call('HGET', key, 'count')
`)

// Store wraps Redis with the window-store operations the engine needs.
// All mutations use atomic primitives or scripts; nothing here does a
// read-modify-write round trip.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// StoreRawEvent keeps a TTL-bound snapshot of the raw event and indexes
// its key by event timestamp.
func (s *Store) StoreRawEvent(ctx context.Context, event model.AnalyticsEvent, ttl time.Duration) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal raw event: %w", err)
	}

	key := fmt.Sprintf(rawEventKeyFmt, event.Type, uuid.NewString())
	index := fmt.Sprintf(rawIndexKeyFmt, event.Type)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.ZAdd(ctx, index, &redis.Z{Score: float64(event.Timestamp.UnixMilli()), Member: key})
	pipe.SAdd(ctx, rawTypesKey, event.Type)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store raw event: %w", err)
	}
	return nil
}

// UpdateWindow atomically applies one event to the window's counters.
func (s *Store) UpdateWindow(ctx context.Context, eventType, category string, windowStart time.Time, value *float64, now time.Time, ttl time.Duration) error {
	key := fmt.Sprintf(windowKeyFmt, eventType, category, windowStart.Unix())

	hasValue := "0"
	val := "0"
	if value != nil {
		hasValue = "1"
		val = strconv.FormatFloat(*value, 'f', -1, 64)
	}

	err := windowUpdateScript.Run(ctx, s.client, []string{key},
		hasValue, val, now.UnixMilli(), int(ttl.Seconds())).Err()
	if err != nil {
		return fmt.Errorf("update window %s: %w", key, err)
	}
	return nil
}

// GetWindow reads a window's counters. A missing window yields the
// zero value, never an error; "no data yet" is a normal state.
func (s *Store) GetWindow(ctx context.Context, eventType, category string, windowStart time.Time) (model.WindowedMetric, error) {
	key := fmt.Sprintf(windowKeyFmt, eventType, category, windowStart.Unix())

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return model.WindowedMetric{}, fmt.Errorf("get window %s: %w", key, err)
	}
	if len(fields) == 0 {
		return model.WindowedMetric{}, nil
	}

	var metric model.WindowedMetric
	metric.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
	metric.Sum, _ = strconv.ParseFloat(fields["sum"], 64)
	metric.Min, _ = strconv.ParseFloat(fields["min"], 64)
	metric.Max, _ = strconv.ParseFloat(fields["max"], 64)
	if raw, ok := fields["last_update"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			metric.LastUpdate = time.UnixMilli(ms).UTC()
		}
	}
	return metric, nil
}

// AppendUserEvent pushes onto the user's bounded history and bumps the
// running aggregates. History keeps ring-buffer semantics via LTRIM.
func (s *Store) AppendUserEvent(ctx context.Context, userID string, event model.UserEvent, limit int, ttl time.Duration) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal user event: %w", err)
	}

	historyKey := fmt.Sprintf(userHistoryFmt, userID, event.Type)
	aggKey := fmt.Sprintf(userAggFmt, userID, event.Type)

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, historyKey, payload)
	pipe.LTrim(ctx, historyKey, 0, int64(limit-1))
	pipe.HIncrBy(ctx, aggKey, "total_events", 1)
	if event.Value != nil {
		pipe.HIncrByFloat(ctx, aggKey, "total_value", *event.Value)
	}
	pipe.Expire(ctx, historyKey, ttl)
	pipe.Expire(ctx, aggKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append user event: %w", err)
	}
	return nil
}

// GetUserMetrics returns the bounded history plus running aggregates.
// Unknown users yield empty metrics.
func (s *Store) GetUserMetrics(ctx context.Context, userID, eventType string, limit int) (model.UserMetrics, error) {
	historyKey := fmt.Sprintf(userHistoryFmt, userID, eventType)
	aggKey := fmt.Sprintf(userAggFmt, userID, eventType)

	entries, err := s.client.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return model.UserMetrics{}, fmt.Errorf("user history: %w", err)
	}

	metrics := model.UserMetrics{RecentEvents: make([]model.UserEvent, 0, len(entries))}
	for _, raw := range entries {
		var ev model.UserEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		metrics.RecentEvents = append(metrics.RecentEvents, ev)
	}

	agg, err := s.client.HGetAll(ctx, aggKey).Result()
	if err != nil {
		return model.UserMetrics{}, fmt.Errorf("user aggregates: %w", err)
	}
	metrics.Aggregates.TotalEvents, _ = strconv.ParseInt(agg["total_events"], 10, 64)
	metrics.Aggregates.TotalValue, _ = strconv.ParseFloat(agg["total_value"], 64)

	return metrics, nil
}

// StageEvent appends a staged payload for the batch persistence worker.
func (s *Store) StageEvent(ctx context.Context, payload []byte) error {
	if err := s.client.RPush(ctx, stagingKey, payload).Err(); err != nil {
		return fmt.Errorf("stage event: %w", err)
	}
	return nil
}

// StagedEvents peeks at up to max staged payloads without consuming them.
func (s *Store) StagedEvents(ctx context.Context, max int) ([]string, error) {
	entries, err := s.client.LRange(ctx, stagingKey, 0, int64(max-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read staged events: %w", err)
	}
	return entries, nil
}

// TrimStaged drops the first n staged payloads after they have been
// durably persisted.
func (s *Store) TrimStaged(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.client.LTrim(ctx, stagingKey, int64(n), -1).Err(); err != nil {
		return fmt.Errorf("trim staged events: %w", err)
	}
	return nil
}

// StagedCount reports the staging backlog length.
func (s *Store) StagedCount(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, stagingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("staged count: %w", err)
	}
	return n, nil
}

// AcquireLock takes a single-flight lock. Returns false when another
// holder has it. The TTL guards against a crashed holder.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, fmt.Sprintf(lockKeyFmt, name), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock frees a single-flight lock.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, fmt.Sprintf(lockKeyFmt, name)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// StoreRollup persists one coarse-granularity aggregate with the global
// retention TTL and indexes it by timestamp.
func (s *Store) StoreRollup(ctx context.Context, rec model.RollupRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rollup: %w", err)
	}

	key := fmt.Sprintf(rollupKeyFmt, rec.Window, rec.Type, rec.Category, rec.Timestamp.Unix())
	index := fmt.Sprintf(rollupIndexFmt, rec.Window)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.ZAdd(ctx, index, &redis.Z{Score: float64(rec.Timestamp.Unix()), Member: key})
	pipe.ZRemRangeByScore(ctx, index, "-inf", strconv.FormatInt(rec.Timestamp.Add(-ttl).Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rollup: %w", err)
	}
	return nil
}

// StorePipelineResults caches one pipeline execution's result set and
// indexes it by execution timestamp.
func (s *Store) StorePipelineResults(ctx context.Context, name string, executedAt time.Time, results []model.AggregationResult, ttl time.Duration) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal pipeline results: %w", err)
	}

	key := fmt.Sprintf(pipelineKeyFmt, name, executedAt.Unix())
	index := fmt.Sprintf(pipelineIndexFmt, name)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.ZAdd(ctx, index, &redis.Z{Score: float64(executedAt.Unix()), Member: key})
	pipe.ZRemRangeByScore(ctx, index, "-inf", strconv.FormatInt(executedAt.Add(-ttl).Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store pipeline results: %w", err)
	}
	return nil
}

// PipelineResults returns all cached executions of a pipeline whose
// timestamp falls in [from, to]. Entries whose value already expired
// are skipped.
func (s *Store) PipelineResults(ctx context.Context, name string, from, to time.Time) ([]model.AggregationResult, error) {
	index := fmt.Sprintf(pipelineIndexFmt, name)

	keys, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline index: %w", err)
	}
	if len(keys) == 0 {
		return []model.AggregationResult{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline results: %w", err)
	}

	out := []model.AggregationResult{}
	for _, val := range values {
		raw, ok := val.(string)
		if !ok {
			continue
		}
		var results []model.AggregationResult
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			continue
		}
		out = append(out, results...)
	}
	return out, nil
}

// PurgeRawEventsBefore deletes raw event snapshots whose embedded
// timestamp precedes the cutoff, walking the per-type indexes instead
// of scanning the keyspace.
func (s *Store) PurgeRawEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	types, err := s.client.SMembers(ctx, rawTypesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("raw event types: %w", err)
	}

	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	purged := 0
	for _, eventType := range types {
		index := fmt.Sprintf(rawIndexKeyFmt, eventType)
		keys, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return purged, fmt.Errorf("raw index %s: %w", eventType, err)
		}
		if len(keys) == 0 {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, keys...)
		pipe.ZRemRangeByScore(ctx, index, "-inf", max)
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, fmt.Errorf("purge raw events %s: %w", eventType, err)
		}
		purged += len(keys)
	}
	return purged, nil
}
