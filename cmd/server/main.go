package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/agrosettle/service/config"
	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/metrics"
	natspkg "github.com/brojonat/agrosettle/service/nats"
	"github.com/brojonat/agrosettle/service/server"
	"github.com/brojonat/agrosettle/service/settlement"
	"github.com/brojonat/agrosettle/service/solana"
	"github.com/brojonat/agrosettle/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// A local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"executor", cfg.SettlementExecutor,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	applied, err := db.RunMigrations(ctx, dbPool)
	if err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "migrations", applied)
	}

	store := db.NewStore(dbPool)

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize NATS publisher and subscriber
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()

	natsSubscriber, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create NATS subscriber", "error", err)
		os.Exit(1)
	}
	defer natsSubscriber.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	settler, closeSettler, err := newSettler(cfg, store, natsPublisher, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create settlement executor", "error", err)
		os.Exit(1)
	}
	defer closeSettler()

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, store, settler, natsSubscriber, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// newSettler returns the settlement executor selected by SETTLEMENT_EXECUTOR and
// a func that releases it.
func newSettler(cfg *config.Config, store *db.Store, publisher natspkg.Publisher, m *metrics.Metrics, logger *slog.Logger) (server.Settler, func(), error) {
	switch cfg.SettlementExecutor {
	case config.ExecutorTemporal:
		c, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("settlements run as temporal workflows",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)
		return c, c.Close, nil

	case config.ExecutorInline:
		if err := cfg.RequireMintAuthority(); err != nil {
			return nil, nil, err
		}
		chain, err := solana.Dial(solana.DialConfig{
			Endpoints:        cfg.SolanaRPCURL,
			RPS:              cfg.SolanaRPCRPS,
			MintAddress:      cfg.MintAddress,
			MintAuthorityKey: cfg.MintAuthorityKey,
			ConfirmTimeout:   cfg.MintConfirmTimeout,
			ConfirmInterval:  cfg.MintConfirmInterval,
		}, m, logger)
		if err != nil {
			return nil, nil, err
		}
		svc := settlement.NewService(store, chain, settlementOptions(cfg), m, logger).
			WithNotifier(natspkg.NewNotifier(publisher))
		logger.Warn("settlements run inline in the HTTP process; a restart mid-settlement is not resumed")
		return svc, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown settlement executor %q", cfg.SettlementExecutor)
	}
}

func settlementOptions(cfg *config.Config) settlement.Options {
	return settlement.Options{
		DirectPaymentAddress: cfg.DirectPaymentAddress,
		PoolAddress:          cfg.PoolAddress,
		TokenPrice:           cfg.TokenPrice,
		PoolTokenPrice:       cfg.PoolTokenPrice,
		PaymentTokenMint:     cfg.PaymentTokenMint,
		Poll: settlement.PollConfig{
			MaxAttempts: cfg.VerifyMaxAttempts,
			Delay:       cfg.VerifyRetryDelay,
			Sleep:       settlement.ContextSleep,
		},
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
