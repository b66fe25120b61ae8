package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ecoshare/db"
)

// ApplyMigrations opens a pool on dsn and runs the embedded migrations.
// With isolate set, everything lands in a fresh schema that the returned
// teardown drops again, so runs can share one database.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: parse dsn: %w", err)
	}
	teardown := func(context.Context) error { return nil }

	if isolate {
		schema := pgx.Identifier{fmt.Sprintf("ecoshare_run_%d", time.Now().UnixNano())}.Sanitize()
		if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
			return nil, nil, err
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+schema)
			return err
		}
		teardown = func(ctx context.Context) error {
			return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: open pool: %w", err)
	}
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		_ = teardown(context.Background())
		return nil, nil, err
	}
	if isolate && len(applied) == 0 {
		pool.Close()
		_ = teardown(context.Background())
		return nil, nil, fmt.Errorf("infra: no migrations applied to a fresh schema")
	}
	return pool, teardown, nil
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("infra: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("infra: %q: %w", sql, err)
	}
	return nil
}
