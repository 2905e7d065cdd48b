package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"snowlink.local/internal/app/shortlink"
)

// OutboxRepo 是 outbox_events 表的 pgx 实现。
type OutboxRepo struct {
	db *pgxpool.Pool
}

func NewOutboxRepo(db *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{db: db}
}

func (r *OutboxRepo) Append(ctx context.Context, e shortlink.OutboxEntry) error {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	// 写入路径要求这一步和“决定发码”一起成功或一起失败：一条 INSERT 就是一个事务
	_, err := r.db.Exec(dbctx,
		`INSERT INTO outbox_events (aggregate_type, aggregate_id, payload, created_at) VALUES ($1,$2,$3,$4)`,
		e.AggregateType, e.AggregateID, string(e.Payload), e.CreatedAt)
	return classify(err)
}

// FindUnprocessed 按写入顺序取最早的 limit 条。
func (r *OutboxRepo) FindUnprocessed(ctx context.Context, limit int) ([]shortlink.OutboxEntry, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := r.db.Query(dbctx,
		`SELECT id, aggregate_type, aggregate_id, payload, created_at FROM outbox_events ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []shortlink.OutboxEntry
	for rows.Next() {
		var (
			e       shortlink.OutboxEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &payload, &e.CreatedAt); err != nil {
			return nil, classify(err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func (r *OutboxRepo) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.Exec(dbctx, `DELETE FROM outbox_events WHERE id = ANY($1)`, ids)
	return classify(err)
}
