// Package main is the entry point for the gateway edge process.
// Edges terminate client and executor WebSockets, expose the internal HTTP
// API, and exchange frames with the brain tier over the shared bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/database"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/edge"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting gateway edge...", zap.String("edge_id", cfg.Server.EdgeID))
	tracing.Init("gateway-edge")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the bus. The redis driver also backs route and reservation
	// state; other drivers fall back to process-local state.
	var (
		msgBus      bus.Bus
		redisClient *redis.Client
	)
	switch cfg.Bus.Driver {
	case "redis":
		if cfg.Bus.RedisURL == "" && cfg.TestMode {
			log.Info("Using in-memory bus (test mode)")
			msgBus = bus.NewMemoryBus()
			break
		}
		redisClient, err = bus.NewRedisClient(ctx, cfg.Bus.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		msgBus = bus.NewRedisBus(redisClient, log)
		log.Info("Connected to Redis bus")
	case "nats":
		natsBus, err := bus.NewNATSBus(cfg.Bus.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		msgBus = natsBus
		log.Info("Connected to NATS bus")
	default:
		log.Info("Using in-memory bus (single-process mode)")
		msgBus = bus.NewMemoryBus()
	}

	// 5. Connect the store
	var st store.Store
	if cfg.Database.URL != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()
		st, err = store.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize store schema", zap.Error(err))
		}
		log.Info("Connected to PostgreSQL")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory store (test mode)")
		st = store.NewMemoryStore()
	}

	// 6. Route and reservation state
	var state scheduler.State
	if redisClient != nil {
		state = scheduler.NewRedisState(redisClient, log)
	} else {
		log.Warn("Using in-memory scheduler state; multi-process deployments require the redis driver")
		state = scheduler.NewMemoryState()
	}

	// 7. Start the edge service
	svc := edge.New(cfg, edge.Deps{
		Bus:     msgBus,
		Store:   st,
		State:   state,
		Results: results.NewStore(msgBus, cfg.Dispatch),
		Metrics: metrics.New(prometheus.DefaultRegisterer),
	}, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start edge service", zap.Error(err))
	}
	log.Info("Edge service ready",
		zap.String("addr", svc.Addr()),
		zap.String("edge_id", cfg.Server.EdgeID))

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down edge...")
	if err := svc.Stop(); err != nil {
		log.Error("Edge stop error", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Edge stopped")
}
