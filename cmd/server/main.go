/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave approval server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags)
  2. Build the logger
  3. Open the store selected by the driver
  4. Create the leave service, stale monitor and API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port             HTTP server port (default: 8080)
  -driver           sqlite, postgres or memory (default: sqlite)
  -db               SQLite database path (default: leave.db)
                    Use ":memory:" for in-memory database
  -postgres-dsn     PostgreSQL connection string
  -log-level        debug, info, warn, error (default: info)
  -log-format       json or console (default: json)
  -reject-overlaps  Refuse overlapping leave requests

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the stale monitor
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/leave.db"

  # Run against PostgreSQL
  LEAVE_POSTGRES_DSN=postgres://localhost/leave ./server -driver=postgres

  # Run on different port with readable logs
  ./server -port=3000 -log-format=console

SEE ALSO:
  - config/config.go: All settings and their environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/apprh/leave-engine/api"
	"github.com/apprh/leave-engine/config"
	"github.com/apprh/leave-engine/leave"
	"github.com/apprh/leave-engine/logging"
	"github.com/apprh/leave-engine/store/memory"
	"github.com/apprh/leave-engine/store/postgres"
	"github.com/apprh/leave-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	defer closeStore()

	svc := leave.NewService(store,
		leave.WithLogger(logger),
		leave.WithOverlapCheck(cfg.RejectOverlaps),
	)

	monitor := api.NewPendingMonitor(svc, logger)
	monitor.CheckInterval = cfg.MonitorInterval
	monitor.StaleAfter = cfg.StaleAfter
	monitor.Enabled = cfg.MonitorEnabled
	monitor.Start()
	defer monitor.Stop()

	handler := api.NewHandler(svc, monitor, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("driver", cfg.DBDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the store for the configured driver and a function
// that releases it.
func openStore(ctx context.Context, cfg config.Config) (leave.Store, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverMemory:
		return memory.New(), func() {}, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
