/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the intake engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, then environment)
  2. Build the logger
  3. Open the store and migrate the schema
  4. Build metrics, nutrition lookups and the tracker
  5. Configure the HTTP router
  6. Start the provisioning scheduler
  7. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Path to an optional .env file (default: .env)
  -port    Overrides PORT
  -db      Overrides DB_DSN. Use ":memory:" with sqlite3 for a throwaway run

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels an in-flight provisioning run)
  2. Stop accepting new connections and drain active requests
  3. Close database connection
  4. Flush the logger

EXAMPLES:
  # Local run with SQLite and demo scenarios
  DEMO_SCENARIOS=true ./server -db="./data/intake.db"

  # Postgres
  DB_DRIVER=postgres DB_DSN="postgres://intake@localhost/intake?sslmode=disable" ./server

SEE ALSO:
  - config/config.go: Every environment variable
  - api/server.go: Router configuration
  - api/scheduler.go: Daily provisioning
*/
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

	"github.com/warp/intake-engine/api"
	"github.com/warp/intake-engine/config"
	"github.com/warp/intake-engine/logger"
	"github.com/warp/intake-engine/metrics"
	"github.com/warp/intake-engine/nutrition"
	"github.com/warp/intake-engine/store/sqldb"
	"github.com/warp/intake-engine/tracker"
)

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dsn := flag.String("db", "", "Database DSN (overrides DB_DSN)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dsn != "" {
		cfg.DBDSN = *dsn
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	// Initialize store
	store, err := sqldb.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	m := metrics.New()

	lookups := nutrition.Chain{nutrition.NewOpenFoodFacts(cfg.OFFBaseURL, cfg.OFFRatePerSec, log.With("component", "openfoodfacts"))}
	if cfg.USDAAPIKey != "" {
		lookups = append(lookups, nutrition.NewUSDA(cfg.USDABaseURL, cfg.USDAAPIKey))
	}

	svc := tracker.New(store, tracker.Options{
		Lookup:           lookups,
		Metrics:          m,
		Log:              log.With("component", "tracker"),
		ProvisionWorkers: cfg.ProvisionWorkers,
	})

	var demo *tracker.Service
	if cfg.DemoScenarios {
		demo = tracker.New(store, tracker.Options{
			Lookup:           api.DemoCatalog(),
			Log:              log.With("component", "demo"),
			ProvisionWorkers: cfg.ProvisionWorkers,
		})
	}

	handler := api.NewHandler(svc, demo, store, m, log.With("component", "api"))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	limiter := api.NewRateLimiter(cfg.APIRatePerSec, cfg.APIRateBurst, log.With("component", "ratelimit"))
	limiter.StartCleanup(ctx, 10*time.Minute)

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     limiter,
	})

	var scheduler *api.ProvisionScheduler
	if cfg.SchedulerEnabled {
		scheduler, err = api.NewProvisionScheduler(svc, cfg.ProvisionCron, log)
		if err != nil {
			return err
		}
		scheduler.Start()
	} else {
		log.Info("provisioning scheduler disabled")
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"addr", server.Addr,
			"db_driver", cfg.DBDriver,
			"lookups", lookups.Name(),
			"demo_scenarios", cfg.DemoScenarios,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if scheduler != nil {
			scheduler.Stop()
		}
		return fmt.Errorf("server failed: %w", err)
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
