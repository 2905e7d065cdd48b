package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"snowlink.local/internal/app/shortlink"
)

// SQLite 版本的三个仓储，和 pgx 版本语义一致，供单机部署和测试使用。
// 时间列存 epoch 毫秒。

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint failed") || strings.Contains(msg, "datatype mismatch") {
		return fmt.Errorf("%w: %w", shortlink.ErrPersistenceFatal, err)
	}
	return fmt.Errorf("%w: %w", shortlink.ErrPersistenceTransient, err)
}

type SQLiteMappingsRepo struct {
	db *sql.DB
}

func NewSQLiteMappingsRepo(db *sql.DB) *SQLiteMappingsRepo {
	return &SQLiteMappingsRepo{db: db}
}

func (r *SQLiteMappingsRepo) Save(ctx context.Context, m shortlink.UrlMapping) (shortlink.UrlMapping, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO url_mappings (short_code, long_url, created_at) VALUES (?,?,?)`,
		m.ShortCode, m.LongURL, m.CreatedAt); err != nil {
		return shortlink.UrlMapping{}, classifySQLite(err)
	}
	return m, nil
}

func (r *SQLiteMappingsRepo) SaveAll(ctx context.Context, ms []shortlink.UrlMapping) ([]shortlink.UrlMapping, error) {
	if len(ms) == 0 {
		return ms, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO url_mappings (short_code, long_url, created_at) VALUES (?,?,?)`)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer stmt.Close()
	for _, m := range ms {
		if _, err := stmt.ExecContext(ctx, m.ShortCode, m.LongURL, m.CreatedAt); err != nil {
			return nil, classifySQLite(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySQLite(err)
	}
	return ms, nil
}

func (r *SQLiteMappingsRepo) FindByShortCode(ctx context.Context, code string) (shortlink.UrlMapping, error) {
	m := shortlink.UrlMapping{ShortCode: code}
	err := r.db.QueryRowContext(ctx, `SELECT long_url, created_at FROM url_mappings WHERE short_code=?`, code).
		Scan(&m.LongURL, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shortlink.UrlMapping{}, shortlink.ErrMappingNotFound
	}
	if err != nil {
		return shortlink.UrlMapping{}, classifySQLite(err)
	}
	return m, nil
}

func (r *SQLiteMappingsRepo) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM url_mappings WHERE short_code=?`, code).Scan(&n); err != nil {
		return false, classifySQLite(err)
	}
	return n > 0, nil
}

type SQLiteOutboxRepo struct {
	db *sql.DB
}

func NewSQLiteOutboxRepo(db *sql.DB) *SQLiteOutboxRepo {
	return &SQLiteOutboxRepo{db: db}
}

func (r *SQLiteOutboxRepo) Append(ctx context.Context, e shortlink.OutboxEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_type, aggregate_id, payload, created_at) VALUES (?,?,?,?)`,
		e.AggregateType, e.AggregateID, string(e.Payload), e.CreatedAt.UnixMilli())
	return classifySQLite(err)
}

func (r *SQLiteOutboxRepo) FindUnprocessed(ctx context.Context, limit int) ([]shortlink.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_type, aggregate_id, payload, created_at FROM outbox_events ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var out []shortlink.OutboxEntry
	for rows.Next() {
		var (
			e         shortlink.OutboxEntry
			payload   string
			createdMS int64
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &payload, &createdMS); err != nil {
			return nil, classifySQLite(err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, e)
	}
	return out, classifySQLite(rows.Err())
}

func (r *SQLiteOutboxRepo) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM outbox_events WHERE id IN `, ids)
	_, err := r.db.ExecContext(ctx, query, args...)
	return classifySQLite(err)
}

type SQLiteFailedEventsRepo struct {
	db *sql.DB
}

func NewSQLiteFailedEventsRepo(db *sql.DB) *SQLiteFailedEventsRepo {
	return &SQLiteFailedEventsRepo{db: db}
}

func (r *SQLiteFailedEventsRepo) SaveAll(ctx context.Context, events []shortlink.FailedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO failed_events (short_code, long_url, created_at, failed_at, retry_count, last_error, status)
VALUES (?,?,?,?,?,?,?)`,
			e.ShortCode, e.LongURL, e.CreatedAt, e.FailedAt.UnixMilli(), e.RetryCount, e.LastError, string(e.Status)); err != nil {
			return classifySQLite(err)
		}
	}
	return classifySQLite(tx.Commit())
}

func (r *SQLiteFailedEventsRepo) Update(ctx context.Context, e shortlink.FailedEvent) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE failed_events SET retry_count=?, last_error=?, status=? WHERE id=?`,
		e.RetryCount, e.LastError, string(e.Status), e.ID)
	if err != nil {
		return classifySQLite(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFailedEventNotFound
	}
	return nil
}

func (r *SQLiteFailedEventsRepo) FindByStatus(ctx context.Context, status shortlink.FailedStatus, limit int) ([]shortlink.FailedEvent, error) {
	return r.query(ctx, `
SELECT id, short_code, long_url, created_at, failed_at, retry_count, last_error, status
FROM failed_events WHERE status=? ORDER BY failed_at LIMIT ?`, string(status), limit)
}

func (r *SQLiteFailedEventsRepo) FindRetryable(ctx context.Context, maxRetry, limit int) ([]shortlink.FailedEvent, error) {
	return r.query(ctx, `
SELECT id, short_code, long_url, created_at, failed_at, retry_count, last_error, status
FROM failed_events WHERE status='PENDING' AND retry_count < ? ORDER BY failed_at LIMIT ?`, maxRetry, limit)
}

func (r *SQLiteFailedEventsRepo) DeleteResolvedOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_events WHERE status='RESOLVED' AND failed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, classifySQLite(err)
	}
	return res.RowsAffected()
}

func (r *SQLiteFailedEventsRepo) query(ctx context.Context, q string, args ...any) ([]shortlink.FailedEvent, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var out []shortlink.FailedEvent
	for rows.Next() {
		var (
			e        shortlink.FailedEvent
			failedMS int64
			status   string
		)
		if err := rows.Scan(&e.ID, &e.ShortCode, &e.LongURL, &e.CreatedAt, &failedMS, &e.RetryCount, &e.LastError, &status); err != nil {
			return nil, classifySQLite(err)
		}
		e.FailedAt = time.UnixMilli(failedMS)
		e.Status = shortlink.FailedStatus(status)
		out = append(out, e)
	}
	return out, classifySQLite(rows.Err())
}

// inClause 生成 "prefix (?,?,?)" 和对应参数。
func inClause(prefix string, ids []int64) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("(")
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args[i] = id
	}
	b.WriteString(")")
	return b.String(), args
}
