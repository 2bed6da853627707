package db

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// RunMigrations ensures required tables exist. This keeps the service
// self-contained without an external migration step.
func RunMigrations(ctx context.Context, conn clickhouse.Conn) error {
	err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS analytics
(
	type            String,
	category        String,
	user_id         String DEFAULT '',
	event           String,
	data            String DEFAULT '{}',
	metric_value    Float64 DEFAULT 0,
	metric_count    UInt64 DEFAULT 1,
	metric_custom   String DEFAULT '{}',
	ts              DateTime64(3, 'UTC'),
	session         String DEFAULT '',
	source          String DEFAULT '',
	platform        String DEFAULT '',
	version         String DEFAULT '',
	ingested_at     DateTime DEFAULT now()
)
ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMMDD(ts)
ORDER BY (type, category, user_id, ts, event)
SETTINGS
    index_granularity = 8192;
`)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
