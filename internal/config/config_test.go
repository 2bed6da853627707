package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiredVariables(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDR", "")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("CLICKHOUSE_ADDR", "localhost:9000")
	_, err = Load()
	require.Error(t, err, "REDIS_URL is still missing")

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "localhost:9000", cfg.ClickHouseAddr)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDR", "localhost:9000")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPPort)
	require.Equal(t, time.Minute, cfg.WindowSize)
	require.Equal(t, 2, cfg.WindowMaxSkew)
	require.Equal(t, 24*time.Hour, cfg.RawEventTTL)
	require.Equal(t, 50, cfg.UserHistoryLimit)
	require.Equal(t, 90*24*time.Hour, cfg.GlobalRetention)
	require.Equal(t, 5*time.Minute, cfg.BatchInterval)
	require.Equal(t, 1000, cfg.BatchSize)
	require.Equal(t, 100, cfg.BatchChunkSize)
	require.Equal(t, "0 3 * * *", cfg.RetentionSchedule)
	require.Empty(t, cfg.NATSURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDR", "ch:9000")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("WINDOW_SIZE", "30s")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("FIBER_PREFORK", "true")
	t.Setenv("WINDOW_MAX_SKEW", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.WindowSize)
	require.Equal(t, 250, cfg.BatchSize)
	require.True(t, cfg.FiberPrefork)
	require.Equal(t, 2, cfg.WindowMaxSkew, "unparseable values fall back to the default")
}
