package workerlease

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore 用行锁实现槽位认领。
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Claim 在一个事务里 SELECT ... FOR UPDATE SKIP LOCKED 锁住 count 行空闲槽位，再改成 ACTIVE。
//
// 并发认领时，后到的事务跳过已被锁住的行，直接拿后面的空闲槽位，不会和前者重叠；
// 剩余空闲行不足 count 时整体回滚，不留下部分认领。
func (s *PostgresStore) Claim(ctx context.Context, owner string, count int, now time.Time) ([]int64, error) {
	dbctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.Begin(dbctx)
	if err != nil {
		slog.Error(err.Error())
		return nil, err
	}
	defer tx.Rollback(dbctx) // 提交后 rollback 无效，可忽略

	rows, err := tx.Query(dbctx,
		`SELECT worker_num FROM snowflake_workers WHERE status='IDLE' ORDER BY worker_num LIMIT $1 FOR UPDATE SKIP LOCKED`, count)
	if err != nil {
		slog.Error(err.Error())
		return nil, err
	}
	nums, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		slog.Error(err.Error())
		return nil, err
	}
	if len(nums) < count {
		return nil, &InsufficientCapacityError{Requested: count, Available: len(nums)}
	}

	if _, err := tx.Exec(dbctx,
		`UPDATE snowflake_workers SET status='ACTIVE', owner_name=$1, updated_at=$2 WHERE worker_num = ANY($3)`,
		owner, now, nums); err != nil {
		slog.Error(err.Error())
		return nil, err
	}
	if err := tx.Commit(dbctx); err != nil {
		slog.Error(err.Error())
		return nil, err
	}
	return nums, nil
}

func (s *PostgresStore) Touch(ctx context.Context, workerNum int64, now time.Time) (bool, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	tag, err := s.db.Exec(dbctx,
		`UPDATE snowflake_workers SET updated_at=$2 WHERE worker_num=$1 AND status='ACTIVE'`, workerNum, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TouchOwned(ctx context.Context, workerNum int64, owner string, now time.Time) (bool, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	tag, err := s.db.Exec(dbctx,
		`UPDATE snowflake_workers SET updated_at=$3 WHERE worker_num=$1 AND owner_name=$2 AND status='ACTIVE'`,
		workerNum, owner, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseStale 锁住过期的 ACTIVE 行再改回 IDLE。
// 和心跳并发时：心跳先提交则 UPDATE 的条件不再成立，这一行不会被误收回。
func (s *PostgresStore) ReleaseStale(ctx context.Context, before, now time.Time) ([]int64, error) {
	dbctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.Begin(dbctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(dbctx)

	rows, err := tx.Query(dbctx,
		`SELECT worker_num FROM snowflake_workers WHERE status='ACTIVE' AND updated_at < $1 ORDER BY worker_num FOR UPDATE`, before)
	if err != nil {
		return nil, err
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, tx.Commit(dbctx)
	}

	rows, err = tx.Query(dbctx, `
UPDATE snowflake_workers SET status='IDLE', owner_name='NONE', updated_at=$3
WHERE worker_num = ANY($1) AND status='ACTIVE' AND updated_at < $2
RETURNING worker_num`, candidates, before, now)
	if err != nil {
		return nil, err
	}
	released, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return released, tx.Commit(dbctx)
}

func (s *PostgresStore) ReleaseOwner(ctx context.Context, owner string, now time.Time) (int, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	tag, err := s.db.Exec(dbctx,
		`UPDATE snowflake_workers SET status='IDLE', owner_name='NONE', updated_at=$2 WHERE owner_name=$1 AND status='ACTIVE'`,
		owner, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Slot, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := s.db.Query(dbctx,
		`SELECT worker_num, owner_name, status, created_at, updated_at FROM snowflake_workers ORDER BY worker_num`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Slot, error) {
		var (
			sl     Slot
			status string
		)
		err := row.Scan(&sl.WorkerNum, &sl.OwnerName, &status, &sl.CreatedAt, &sl.UpdatedAt)
		sl.Status = Status(status)
		return sl, err
	})
}

func (s *PostgresStore) Seed(ctx context.Context, size int, now time.Time) (int, error) {
	dbctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tag, err := s.db.Exec(dbctx, `
INSERT INTO snowflake_workers (worker_num, owner_name, status, created_at, updated_at)
SELECT n, 'NONE', 'IDLE', $2, $2 FROM generate_series(0, $1 - 1) AS n
ON CONFLICT (worker_num) DO NOTHING`, size, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
