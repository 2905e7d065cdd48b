package repo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"snowlink.local/internal/app/shortlink"
)

// MappingsRepo 是 url_mappings 表的 pgx 实现。
//
// 写入全部是 ON CONFLICT (short_code) DO NOTHING：管道是至少一次投递，
// 同一条映射可能被写两次，第二次必须是无害的。
type MappingsRepo struct {
	db *pgxpool.Pool
}

func NewMappingsRepo(db *pgxpool.Pool) *MappingsRepo {
	return &MappingsRepo{db: db}
}

func (r *MappingsRepo) Save(ctx context.Context, m shortlink.UrlMapping) (shortlink.UrlMapping, error) {
	dbctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := r.db.Exec(dbctx,
		`INSERT INTO url_mappings (short_code, long_url, created_at) VALUES ($1,$2,$3) ON CONFLICT (short_code) DO NOTHING`,
		m.ShortCode, m.LongURL, m.CreatedAt); err != nil {
		slog.Error(err.Error())
		return shortlink.UrlMapping{}, classify(err)
	}
	return m, nil
}

// SaveAll 一条语句写完整批：unnest 把三个数组展开成行。
func (r *MappingsRepo) SaveAll(ctx context.Context, ms []shortlink.UrlMapping) ([]shortlink.UrlMapping, error) {
	if len(ms) == 0 {
		return ms, nil
	}
	codes := make([]string, len(ms))
	urls := make([]string, len(ms))
	created := make([]int64, len(ms))
	for i, m := range ms {
		codes[i], urls[i], created[i] = m.ShortCode, m.LongURL, m.CreatedAt
	}

	dbctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := r.db.Exec(dbctx, `
INSERT INTO url_mappings (short_code, long_url, created_at)
SELECT * FROM unnest($1::text[], $2::text[], $3::bigint[])
ON CONFLICT (short_code) DO NOTHING`, codes, urls, created)
	if err != nil {
		return nil, classify(err)
	}
	if n := tag.RowsAffected(); n < int64(len(ms)) {
		slog.Debug("url_mappings: duplicates skipped", "batch", len(ms), "inserted", n)
	}
	return ms, nil
}

func (r *MappingsRepo) FindByShortCode(ctx context.Context, code string) (shortlink.UrlMapping, error) {
	dbctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	m := shortlink.UrlMapping{ShortCode: code}
	err := r.db.QueryRow(dbctx, `SELECT long_url, created_at FROM url_mappings WHERE short_code=$1`, code).
		Scan(&m.LongURL, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return shortlink.UrlMapping{}, shortlink.ErrMappingNotFound
	}
	if err != nil {
		slog.Error(err.Error())
		return shortlink.UrlMapping{}, classify(err)
	}
	return m, nil
}

func (r *MappingsRepo) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	dbctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var exists bool
	if err := r.db.QueryRow(dbctx, `SELECT EXISTS(SELECT 1 FROM url_mappings WHERE short_code=$1)`, code).Scan(&exists); err != nil {
		return false, classify(err)
	}
	return exists, nil
}
