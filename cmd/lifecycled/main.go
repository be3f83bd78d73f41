// Package main is the entry point for the lifecycle server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/lifecycle/internal/config"
	"github.com/pitabwire/lifecycle/internal/definition"
	"github.com/pitabwire/lifecycle/internal/idempotency"
	"github.com/pitabwire/lifecycle/internal/observability"
	"github.com/pitabwire/lifecycle/internal/resilience"
	"github.com/pitabwire/lifecycle/internal/transport"
	"github.com/pitabwire/lifecycle/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "lifecycled", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Definitions: any validation error aborts startup.
	catalog, err := definition.Load(cfg.Definitions.Directories)
	if err != nil {
		var verr *definition.ValidationError
		if errors.As(err, &verr) {
			for _, ve := range verr.Errors {
				logger.Error("definition validation error",
					zap.String("path", ve.Path), zap.String("code", ve.Code), zap.String("error", ve.Message))
			}
		}
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(catalog.Len()))
	logger.Info("definitions loaded",
		zap.Strings("entity_types", catalog.EntityTypes()),
		zap.String("checksum", catalog.Checksum()),
	)

	store, storeCloser, err := buildStore(ctx, cfg.Store, metrics, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	if storeCloser != nil {
		defer storeCloser()
	}

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	svc := workflow.NewService(catalog, store, nil,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)

	var guard *idempotency.Guard
	if idemStore != nil {
		guard = idempotency.NewGuard(idemStore, cfg.Idempotency.DefaultTTL,
			idempotency.WithLogger(logger),
			idempotency.WithMetrics(metrics),
		)
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{Definitions: catalog}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.Store = hc
	}
	if idemStore != nil {
		readinessChecks.IdempotencyStore = idemStore
	}

	deps := transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Authenticate:  transport.JWTAuthenticator(cfg.Identity, jwks),
		Service:       svc,
		Definitions:   catalog,
		Idempotency:   guard,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler:  observability.HandleReady(readinessChecks),
	}
	if cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = observability.Handler()
	}
	router := transport.NewRouter(deps)

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("idempotency", guard != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the entity and audit store selected by cfg.Driver.
func buildStore(ctx context.Context, cfg config.StoreConfig, metrics *observability.Metrics, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory store, state is lost on restart")
		return workflow.NewMemoryStore(), nil, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		// The database may still be starting; retry until ConnectTimeout.
		pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
			pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			return pool, nil
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.Warn("store not reachable, retrying", zap.Error(err), zap.Duration("retry_in", next))
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: migrate: %w", err)
		}
		logger.Info("using postgres store")
		return withBreaker(store, cfg.Breaker, metrics, logger), pool.Close, nil

	case config.DriverSQLite:
		store, err := workflow.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return withBreaker(store, cfg.Breaker, metrics, logger), func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// withBreaker puts a circuit breaker in front of a database store when enabled.
func withBreaker(store workflow.Store, cfg config.BreakerConfig, metrics *observability.Metrics, logger *zap.Logger) workflow.Store {
	if !cfg.Enabled {
		return store
	}
	breaker := resilience.New(resilience.Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout,
		OnStateChange: func(from, to resilience.State) {
			metrics.SetStoreBreakerState(int(to))
			logger.Warn("store circuit breaker state changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return workflow.NewBreakerStore(store, breaker)
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency: ping redis: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil

	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	}
}
