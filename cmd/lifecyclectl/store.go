package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/internal/workflow"
)

// openStore connects to the store selected by the driver flag. The returned
// func releases it.
func openStore(ctx context.Context, opts *rootOptions) (workflow.Store, func(), error) {
	switch opts.driver {
	case config.DriverSQLite:
		if _, err := os.Stat(opts.sqlitePath); err != nil {
			return nil, nil, fmt.Errorf("sqlite database %s: %w", opts.sqlitePath, err)
		}
		store, err := workflow.OpenSQLite(ctx, opts.sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.DriverPostgres:
		dsn := os.Getenv(opts.dsnEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("%s environment variable not set", opts.dsnEnv)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return workflow.NewPgStore(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", opts.driver)
	}
}
