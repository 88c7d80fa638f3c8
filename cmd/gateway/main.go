// Package main is the unified entry point for the gateway.
// This single binary runs an edge and a brain together on shared
// infrastructure, which is the easiest way to run the gateway locally or in
// single-node deployments. Production splits the tiers into cmd/edge and
// cmd/brain replicas.
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

	"github.com/vespid-ai/gateway/internal/brain"
	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/database"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/edge"
	"github.com/vespid-ai/gateway/internal/jobs"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/secrets"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/tracing"
	"github.com/vespid-ai/gateway/internal/workspace"
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

	log.Info("Starting gateway (unified mode)...",
		zap.String("edge_id", cfg.Server.EdgeID),
		zap.Int("brain_workers", cfg.Brain.Workers))
	tracing.Init("gateway")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the bus shared by both tiers
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

	// 5. Connect the store shared by both tiers
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

	// 6. Route and reservation state plus the continuation queue
	var (
		state scheduler.State
		queue jobs.Queue
	)
	if redisClient != nil {
		state = scheduler.NewRedisState(redisClient, log)
		queue = jobs.NewRedisQueue(redisClient, cfg.Jobs.ContinuationQueueName)
	} else {
		state = scheduler.NewMemoryState()
		queue = jobs.NewMemoryQueue()
	}

	// 7. Workspace snapshot presigning
	presigner, err := workspace.NewPresigner(ctx, cfg.Workspace)
	if err != nil {
		log.Fatal("Failed to configure workspace presigner", zap.Error(err))
	}
	if presigner == nil {
		log.Warn("Workspace S3 bucket not configured; snapshot access is disabled")
	}

	// 8. Secret unsealing
	kekB64 := cfg.Secrets.KEKBase64
	if kekB64 == "" {
		kekB64, err = secrets.GenerateKEK()
		if err != nil {
			log.Fatal("Failed to generate ephemeral KEK", zap.Error(err))
		}
		log.Warn("GATEWAY_KEK_BASE64 not set; sealed secrets will not resolve")
	}
	kek, err := secrets.NewKEKProvider(kekB64)
	if err != nil {
		log.Fatal("Failed to load KEK", zap.Error(err))
	}

	// Both tiers share one metrics registry; the edge serves it on /metrics.
	m := metrics.New(prometheus.DefaultRegisterer)
	res := results.NewStore(msgBus, cfg.Dispatch)

	// 9. Start the brain first so dispatches published by the edge always
	// have a consumer group waiting.
	brainSvc := brain.New(cfg, brain.Deps{
		Bus:        msgBus,
		Store:      st,
		Scheduler:  scheduler.New(state, cfg.Scheduler, log),
		Quotas:     scheduler.NewQuotaCache(st, msgBus, cfg.Scheduler, log),
		Results:    res,
		Workspaces: workspace.NewCoordinator(st, msgBus, presigner, log),
		Secrets:    secrets.NewService(st, kek, log),
		Queue:      queue,
		Metrics:    m,
	}, log)
	if err := brainSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start brain service", zap.Error(err))
	}
	log.Info("Brain service started", zap.String("consumer", brainSvc.Consumer()))

	// 10. Start the edge
	edgeSvc := edge.New(cfg, edge.Deps{
		Bus:     msgBus,
		Store:   st,
		State:   state,
		Results: res,
		Metrics: m,
	}, log)
	if err := edgeSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start edge service", zap.Error(err))
	}
	log.Info("Gateway ready",
		zap.String("addr", edgeSvc.Addr()),
		zap.String("websocket_client", "/ws/client"),
		zap.String("websocket_executor", "/ws/executor"),
		zap.String("internal_api", "/internal/v1"))

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway...")
	if err := edgeSvc.Stop(); err != nil {
		log.Error("Edge stop error", zap.Error(err))
	}
	if err := brainSvc.Stop(); err != nil {
		log.Error("Brain stop error", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Gateway stopped")
}
