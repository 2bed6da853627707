package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	HTTPPort     string
	AppMode      string
	FiberPrefork bool
	LogLevel     string

	ClickHouseAddr     string
	ClickHouseDB       string
	ClickHouseUsername string
	ClickHousePassword string

	RedisURL string

	// NATSURL selects the broker transport; empty runs the in-process
	// Pub/Sub, which is only meant for development and tests.
	NATSURL       string
	NATSStream    string
	QueueGroup    string
	AckWait       time.Duration
	MaxDeliver    int
	MaxReconnects int

	WindowSize       time.Duration
	WindowMaxSkew    int
	RawEventTTL      time.Duration
	UserHistoryLimit int
	UserMetricsTTL   time.Duration
	GlobalRetention  time.Duration

	BatchInterval  time.Duration
	BatchSize      int
	BatchChunkSize int
	BatchLockTTL   time.Duration

	PipelineInterval  time.Duration
	RetentionSchedule string

	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:     getEnv("HTTP_PORT", ":8080"),
		AppMode:      strings.ToLower(getEnv("APP_MODE", "dev")),
		FiberPrefork: parseBoolEnv("FIBER_PREFORK", false),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		ClickHouseDB:       getEnv("CLICKHOUSE_DB", "analytics"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),

		NATSURL:       os.Getenv("NATS_URL"),
		NATSStream:    getEnv("NATS_STREAM", "ANALYTICS"),
		QueueGroup:    getEnv("QUEUE_GROUP", "analytics-engine"),
		AckWait:       parseDurationEnv("ACK_WAIT", 30*time.Second),
		MaxDeliver:    parseIntEnv("MAX_DELIVER", 5),
		MaxReconnects: parseIntEnv("MAX_RECONNECTS", 10),

		WindowSize:       parseDurationEnv("WINDOW_SIZE", time.Minute),
		WindowMaxSkew:    parseIntEnv("WINDOW_MAX_SKEW", 2),
		RawEventTTL:      parseDurationEnv("RAW_EVENT_TTL", 24*time.Hour),
		UserHistoryLimit: parseIntEnv("USER_HISTORY_LIMIT", 50),
		UserMetricsTTL:   parseDurationEnv("USER_METRICS_TTL", 30*24*time.Hour),
		GlobalRetention:  parseDurationEnv("GLOBAL_RETENTION", 90*24*time.Hour),

		BatchInterval:  parseDurationEnv("BATCH_INTERVAL", 5*time.Minute),
		BatchSize:      parseIntEnv("BATCH_SIZE", 1000),
		BatchChunkSize: parseIntEnv("BATCH_CHUNK_SIZE", 100),
		BatchLockTTL:   parseDurationEnv("BATCH_LOCK_TTL", 4*time.Minute),

		PipelineInterval:  parseDurationEnv("PIPELINE_INTERVAL", time.Minute),
		RetentionSchedule: getEnv("RETENTION_SCHEDULE", "0 3 * * *"),

		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3UsePathStyle: parseBoolEnv("S3_USE_PATH_STYLE", false),
	}

	cfg.ClickHouseAddr = os.Getenv("CLICKHOUSE_ADDR")
	if cfg.ClickHouseAddr == "" {
		return nil, fmt.Errorf("CLICKHOUSE_ADDR is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseIntEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
