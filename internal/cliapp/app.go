// Package cliapp wires configuration, telemetry and the database into one
// bulk job run by the bulkmerge command.
package cliapp

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"bulkmerge/bulk"
	"bulkmerge/internal/config"
	"bulkmerge/internal/logging"
	"bulkmerge/internal/observability"
)

// App owns the runtime resources of one bulkmerge invocation.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider
	meterProvider  *observability.MeterProvider
	tracerProvider *observability.TracerProvider
	metrics        *observability.BulkMetrics

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }
	adapter    bulk.Adapter
	engine     *bulk.Engine

	metricsSrv *http.Server

	// stdin and stdout are swapped by tests.
	stdin  io.Reader
	stdout io.Writer

	cleanup cleanupStack

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{cfg: cfg, logger: logger, stdin: os.Stdin, stdout: os.Stdout}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Init connects to the database and starts telemetry. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, metrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	var metricsSrv *http.Server
	if meterProvider != nil {
		metricsSrv = startMetricsServer(a.cfg, a.logger)
		cleanup.push("metrics server", func(shutdownCtx context.Context) error {
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("connecting to database",
		slog.String("driver", a.cfg.Database.DriverName()),
		slog.String("host", a.cfg.Database.Host),
		slog.String("database", a.cfg.Database.Database),
		slog.Bool("dsn_present", a.cfg.Database.DSN != ""),
	)

	db, dbStatsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	adapter, err := buildAdapter(a.cfg)
	if err != nil {
		return err
	}
	engine := bulk.New(db, adapter,
		bulk.WithLogger(a.logger),
		bulk.WithMetrics(metrics),
		bulk.WithSessionConfig(sessionConfig(a.cfg)),
	)

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.tracerProvider = tracerProvider
	a.metrics = metrics
	a.metricsSrv = metricsSrv
	a.db = db
	a.dbStatsReg = dbStatsReg
	a.adapter = adapter
	a.engine = engine
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}

// Shutdown releases all acquired resources. It is safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.stateMu.Unlock()

		cleanup.run(ctx, a.logger)
	})

	return nil
}
