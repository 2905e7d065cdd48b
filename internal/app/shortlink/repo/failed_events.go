package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"snowlink.local/internal/app/shortlink"
)

var ErrFailedEventNotFound = errors.New("failed event not found")

// FailedEventsRepo 是死信表 failed_events 的 pgx 实现。
type FailedEventsRepo struct {
	db *pgxpool.Pool
}

func NewFailedEventsRepo(db *pgxpool.Pool) *FailedEventsRepo {
	return &FailedEventsRepo{db: db}
}

var failedEventColumns = []string{"short_code", "long_url", "created_at", "failed_at", "retry_count", "last_error", "status"}

// SaveAll 用 COPY 批量写入：死信通常是一整批失败，逐条 INSERT 太慢。
func (r *FailedEventsRepo) SaveAll(ctx context.Context, events []shortlink.FailedEvent) error {
	if len(events) == 0 {
		return nil
	}
	dbctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := r.db.CopyFrom(dbctx, pgx.Identifier{"failed_events"}, failedEventColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.ShortCode, e.LongURL, e.CreatedAt, e.FailedAt, e.RetryCount, e.LastError, string(e.Status)}, nil
		}))
	return classify(err)
}

func (r *FailedEventsRepo) Update(ctx context.Context, e shortlink.FailedEvent) error {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	tag, err := r.db.Exec(dbctx,
		`UPDATE failed_events SET retry_count=$2, last_error=$3, status=$4 WHERE id=$1`,
		e.ID, e.RetryCount, e.LastError, string(e.Status))
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFailedEventNotFound
	}
	return nil
}

func (r *FailedEventsRepo) FindByStatus(ctx context.Context, status shortlink.FailedStatus, limit int) ([]shortlink.FailedEvent, error) {
	return r.query(ctx, `
SELECT id, short_code, long_url, created_at, failed_at, retry_count, last_error, status
FROM failed_events WHERE status=$1 ORDER BY failed_at LIMIT $2`, string(status), limit)
}

// FindRetryable 取 PENDING 且重试次数未到上限的死信，最早失败的先处理。
func (r *FailedEventsRepo) FindRetryable(ctx context.Context, maxRetry, limit int) ([]shortlink.FailedEvent, error) {
	return r.query(ctx, `
SELECT id, short_code, long_url, created_at, failed_at, retry_count, last_error, status
FROM failed_events WHERE status='PENDING' AND retry_count < $1 ORDER BY failed_at LIMIT $2`, maxRetry, limit)
}

func (r *FailedEventsRepo) DeleteResolvedOlderThan(ctx context.Context, before time.Time) (int64, error) {
	dbctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tag, err := r.db.Exec(dbctx, `DELETE FROM failed_events WHERE status='RESOLVED' AND failed_at < $1`, before)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (r *FailedEventsRepo) query(ctx context.Context, sql string, args ...any) ([]shortlink.FailedEvent, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := r.db.Query(dbctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []shortlink.FailedEvent
	for rows.Next() {
		var (
			e      shortlink.FailedEvent
			status string
		)
		if err := rows.Scan(&e.ID, &e.ShortCode, &e.LongURL, &e.CreatedAt, &e.FailedAt, &e.RetryCount, &e.LastError, &status); err != nil {
			return nil, classify(err)
		}
		e.Status = shortlink.FailedStatus(status)
		out = append(out, e)
	}
	return out, classify(rows.Err())
}
