// Package sqlitedb 打开内嵌的 SQLite 库（单机部署、本地开发、测试用）。
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open 打开 path 指向的库文件并建表。
//
// SQLite 只有一个写者：连接数限制为 1，所有事务天然串行，
// 认领 worker 槽位时不需要 FOR UPDATE 也不会出现两个实例抢到同一行。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// 时间列统一存 epoch 毫秒，避免驱动之间的时间格式差异。
const schema = `
CREATE TABLE IF NOT EXISTS snowflake_workers (
  worker_num INTEGER PRIMARY KEY,
  owner_name TEXT NOT NULL DEFAULT 'NONE',
  status TEXT NOT NULL DEFAULT 'IDLE' CHECK (status IN ('IDLE', 'ACTIVE')),
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snowflake_workers_status_updated ON snowflake_workers (status, updated_at);

CREATE TABLE IF NOT EXISTS url_mappings (
  short_code TEXT PRIMARY KEY,
  long_url TEXT NOT NULL CHECK (length(long_url) <= 2048),
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  short_code TEXT NOT NULL,
  long_url TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  failed_at INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'RESOLVED', 'FAILED'))
);
CREATE INDEX IF NOT EXISTS idx_failed_events_status_retry ON failed_events (status, retry_count);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
