package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/pipeline"
	"snowlink.local/internal/app/shortlink/repo"
	"snowlink.local/internal/app/workerlease"
	"snowlink.local/internal/platform/config"
	"snowlink.local/internal/platform/db"
	"snowlink.local/internal/platform/migrate"
	"snowlink.local/internal/platform/sqlitedb"
	"snowlink.local/migrations"
)

// storage 是按 DB_DRIVER 选出来的一组存储适配器，上层只依赖端口接口。
type storage struct {
	mappings shortlink.MappingStore
	outbox   pipeline.OutboxStore
	dlq      pipeline.DeadLetterStore
	slots    workerlease.Store

	ping  func(ctx context.Context) error
	close func()
}

func openStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	switch cfg.DBDriver {
	case "postgres":
		return openPostgres(ctx, cfg)
	case "sqlite":
		return openSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q (want postgres or sqlite)", cfg.DBDriver)
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*storage, error) {
	dbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pool, err := db.New(dbCtx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(dbCtx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("数据库连接成功", "driver", "postgres")

	if cfg.AutoMigrate {
		res, err := migrate.Up(ctx, pool, migrate.Options{Dir: cfg.MigrationsDir, FS: migrations.FS})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("migrations applied", "applied", res.AppliedFiles, "skipped", len(res.SkippedFiles))
	}

	return &storage{
		mappings: repo.NewMappingsRepo(pool),
		outbox:   repo.NewOutboxRepo(pool),
		dlq:      repo.NewFailedEventsRepo(pool),
		slots:    workerlease.NewPostgresStore(pool),
		ping:     pool.Ping,
		close:    pool.Close,
	}, nil
}

func openSQLite(ctx context.Context, cfg config.Config) (*storage, error) {
	sqlDB, err := sqlitedb.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	slog.Info("数据库连接成功", "driver", "sqlite", "path", cfg.SQLitePath)
	return &storage{
		mappings: repo.NewSQLiteMappingsRepo(sqlDB),
		outbox:   repo.NewSQLiteOutboxRepo(sqlDB),
		dlq:      repo.NewSQLiteFailedEventsRepo(sqlDB),
		slots:    workerlease.NewSQLiteStore(sqlDB),
		ping:     sqlDB.PingContext,
		close:    func() { _ = sqlDB.Close() },
	}, nil
}
