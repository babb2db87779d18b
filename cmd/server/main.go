/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and configuration (config.LoadConfig)
  2. Configure logging
  3. Open the ledger store (memory | sqlite | postgres)
  4. Load the rule catalogue
  5. Start the notification dispatcher (log + RabbitMQ sinks)
  6. Connect the Redis rate limiter (optional)
  7. Configure HTTP router, start the audit scheduler and the server

COMMAND-LINE FLAGS:
  -config  Directory holding an optional .env file (default: .)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Drain pending notifications
  5. Close store and broker connections

EXAMPLES:
  # Development, file database
  STORE_DRIVER=sqlite SQLITE_PATH=./data/points.db ./server

  # Production
  STORE_DRIVER=postgres DATABASE_URL=postgres://... \
  RABBITMQ_URL=amqp://... REDIS_URL=redis://... ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/notify"
	"github.com/warp/points-ledger/rewards"
	"github.com/warp/points-ledger/store/postgres"
	"github.com/warp/points-ledger/store/sqlite"
)

// ledgerStore is what every backend provides.
type ledgerStore interface {
	ledger.AccountDirectory
	ledger.HistoryJournal
}

func main() {
	configDir := flag.String("config", ".", "Directory holding an optional .env file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx := context.Background()

	// Store
	st, pinger, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()

	// Rules
	rules, err := loadRules(cfg.RulesFile)
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	logger.WithField("rules", len(rules.Rules())).Info("Rule catalogue loaded")

	// Notifications
	publisher := newPublisher(cfg.RabbitMQURL, logger)
	defer publisher.Close()
	dispatcher := notify.NewDispatcher(cfg.NotifyQueueSize, logger,
		notify.NewLogSink(logger),
		notify.NewRabbitSink(publisher, cfg.NotifyExchange),
	)
	dispatcher.Start()

	// Engine
	engine := ledger.NewEngine(st, st, rules, dispatcher)
	engine.MaxConflictRetries = cfg.MaxConflictRetries
	engine.Logger = logger

	// Handler
	handler := api.NewHandler(engine, st, st, rules)
	handler.Store = pinger
	handler.Logger = logger
	handler.Auditor.Logger = logger

	// Rate limiter
	opts := api.RouterOptions{
		AllowedOrigins:  cfg.Origins(),
		RateLimit:       cfg.RateLimitPerMinute,
		RateLimitWindow: time.Minute,
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, rate limiter will fail open")
		}
		opts.Limiter = api.NewRedisRateLimiter(rdb, cfg.RedisRateLimitPrefix)
	} else {
		logger.Info("REDIS_URL not set, rate limiting disabled")
	}

	// Create router
	router := api.NewRouter(handler, opts)

	// Audit scheduler
	scheduler, err := api.NewAuditScheduler(handler.Auditor, cfg.AuditSchedule, logger)
	if err != nil {
		logger.Fatalf("Failed to create audit scheduler: %v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatalf("Failed to start audit scheduler: %v", err)
	}

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(log.Fields{"port": cfg.ServerPort, "store": cfg.StoreDriver}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	scheduler.Stop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Notifications left undelivered")
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger log.FieldLogger) (ledgerStore, api.Pinger, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("Using in-memory store, data is lost on restart")
		return store.NewMemory(), nil, func() {}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, closer(s, logger), nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, nil, err
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return s, s, closer(s, logger), nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func closer(c io.Closer, logger log.FieldLogger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}
}

func loadRules(path string) (*rewards.Registry, error) {
	if path == "" {
		return rewards.NewRegistry(rewards.DefaultRules()...)
	}
	rules, err := rewards.LoadRules(path)
	if err != nil {
		return nil, err
	}
	return rewards.NewRegistry(rules...)
}

// newPublisher connects to RabbitMQ, degrading to a logging publisher so the
// ledger keeps serving when the broker is down.
func newPublisher(url string, logger log.FieldLogger) notify.Publisher {
	if url == "" {
		logger.Info("RABBITMQ_URL not set, events are only logged")
		return notify.FallbackPublisher{Logger: logger}
	}
	producer, err := notify.NewEventProducer(url, logger)
	if err != nil {
		logger.WithError(err).Warn("RabbitMQ unavailable, events are only logged")
		return notify.FallbackPublisher{Logger: logger}
	}
	return producer
}
