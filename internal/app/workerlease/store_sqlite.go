package workerlease

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteStore 依赖 SQLite 的库级写锁：连接池只有一个连接（sqlitedb.Open 保证），
// 事务之间完全串行，认领和回收不会交错。
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Claim(ctx context.Context, owner string, count int, now time.Time) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT worker_num FROM snowflake_workers WHERE status='IDLE' ORDER BY worker_num LIMIT ?`, count)
	if err != nil {
		return nil, err
	}
	nums, err := scanInt64s(rows)
	if err != nil {
		return nil, err
	}
	if len(nums) < count {
		return nil, &InsufficientCapacityError{Requested: count, Available: len(nums)}
	}

	for _, n := range nums {
		// status='IDLE' 再判断一次，整体像一次 compare-and-swap
		res, err := tx.ExecContext(ctx,
			`UPDATE snowflake_workers SET status='ACTIVE', owner_name=?, updated_at=? WHERE worker_num=? AND status='IDLE'`,
			owner, now.UnixMilli(), n)
		if err != nil {
			return nil, err
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return nil, &InsufficientCapacityError{Requested: count, Available: 0}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return nums, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, workerNum int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snowflake_workers SET updated_at=? WHERE worker_num=? AND status='ACTIVE'`, now.UnixMilli(), workerNum)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) TouchOwned(ctx context.Context, workerNum int64, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snowflake_workers SET updated_at=? WHERE worker_num=? AND owner_name=? AND status='ACTIVE'`,
		now.UnixMilli(), workerNum, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, before, now time.Time) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT worker_num FROM snowflake_workers WHERE status='ACTIVE' AND updated_at < ? ORDER BY worker_num`, before.UnixMilli())
	if err != nil {
		return nil, err
	}
	nums, err := scanInt64s(rows)
	if err != nil {
		return nil, err
	}
	for _, n := range nums {
		if _, err := tx.ExecContext(ctx,
			`UPDATE snowflake_workers SET status='IDLE', owner_name='NONE', updated_at=? WHERE worker_num=?`,
			now.UnixMilli(), n); err != nil {
			return nil, err
		}
	}
	return nums, tx.Commit()
}

func (s *SQLiteStore) ReleaseOwner(ctx context.Context, owner string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snowflake_workers SET status='IDLE', owner_name='NONE', updated_at=? WHERE owner_name=? AND status='ACTIVE'`,
		now.UnixMilli(), owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_num, owner_name, status, created_at, updated_at FROM snowflake_workers ORDER BY worker_num`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var (
			sl                   Slot
			status               string
			createdMS, updatedMS int64
		)
		if err := rows.Scan(&sl.WorkerNum, &sl.OwnerName, &status, &createdMS, &updatedMS); err != nil {
			return nil, err
		}
		sl.Status = Status(status)
		sl.CreatedAt = time.UnixMilli(createdMS)
		sl.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Seed(ctx context.Context, size int, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for n := 0; n < size; n++ {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO snowflake_workers (worker_num, owner_name, status, created_at, updated_at)
VALUES (?, 'NONE', 'IDLE', ?, ?)`, n, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return 0, err
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
