// seedworkers 一次性写入 worker 槽位 0..size-1（已存在的行保持不变，可重复执行）。
//
//	go run ./cmd/tools/seedworkers -size 1024
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"snowlink.local/internal/app/idgen"
	"snowlink.local/internal/app/workerlease"
	"snowlink.local/internal/platform/config"
	"snowlink.local/internal/platform/db"
	"snowlink.local/internal/platform/migrate"
	"snowlink.local/internal/platform/sqlitedb"
	"snowlink.local/migrations"
)

func main() {
	cfg := config.Load()
	size := flag.Int("size", cfg.WorkerPoolSize, "number of worker slots (max 1024)")
	flag.Parse()

	if *size <= 0 || *size > idgen.MaxWorkerID+1 {
		log.Fatalf("size must be in 1..%d", idgen.MaxWorkerID+1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store workerlease.Store
	switch cfg.DBDriver {
	case "sqlite":
		sqlDB, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal(err)
		}
		defer sqlDB.Close()
		store = workerlease.NewSQLiteStore(sqlDB)
	default:
		pool, err := db.New(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		if _, err := migrate.Up(ctx, pool, migrate.Options{Dir: cfg.MigrationsDir, FS: migrations.FS}); err != nil {
			log.Fatal(err)
		}
		store = workerlease.NewPostgresStore(pool)
	}

	n, err := workerlease.NewManager(store).Seed(ctx, *size)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("seeded %d new slots (size=%d)\n", n, *size)
}
