// Package main is the entry point for the gateway brain process.
// Brains drain the to-brain stream as one consumer group: they select
// executors, coordinate workspace snapshots, and drive interactive turns.
// Any number of brain replicas can share the group.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/brain"
	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/database"
	"github.com/vespid-ai/gateway/internal/common/httpmw"
	"github.com/vespid-ai/gateway/internal/common/logger"
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

	log.Info("Starting gateway brain...", zap.Int("workers", cfg.Brain.Workers))
	tracing.Init("gateway-brain")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the bus. The redis driver also backs route and reservation
	// state and the continuation queue; other drivers fall back to
	// process-local implementations.
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

	// 6. Route and reservation state plus the continuation queue
	var (
		state scheduler.State
		queue jobs.Queue
	)
	if redisClient != nil {
		state = scheduler.NewRedisState(redisClient, log)
		queue = jobs.NewRedisQueue(redisClient, cfg.Jobs.ContinuationQueueName)
	} else {
		log.Warn("Using in-memory scheduler state and continuation queue; multi-process deployments require the redis driver")
		state = scheduler.NewMemoryState()
		queue = jobs.NewMemoryQueue()
	}

	// 7. Workspace snapshot presigning. A nil presigner is fine: dispatches
	// that need snapshot URLs fail individually instead.
	presigner, err := workspace.NewPresigner(ctx, cfg.Workspace)
	if err != nil {
		log.Fatal("Failed to configure workspace presigner", zap.Error(err))
	}
	if presigner == nil {
		log.Warn("Workspace S3 bucket not configured; snapshot access is disabled")
	}

	// 8. Secret unsealing. An unconfigured KEK gets an ephemeral replacement
	// so the process still runs; sealed secrets then fail to resolve.
	kekB64 := cfg.Secrets.KEKBase64
	if kekB64 == "" {
		kekB64, err = secrets.GenerateKEK()
		if err != nil {
			log.Fatal("Failed to generate ephemeral KEK", zap.Error(err))
		}
		log.Warn("GATEWAY_KEK_BASE64 not set; sealed secrets will not resolve on this brain")
	}
	kek, err := secrets.NewKEKProvider(kekB64)
	if err != nil {
		log.Fatal("Failed to load KEK", zap.Error(err))
	}

	// 9. Start the brain service
	m := metrics.New(prometheus.DefaultRegisterer)
	svc := brain.New(cfg, brain.Deps{
		Bus:        msgBus,
		Store:      st,
		Scheduler:  scheduler.New(state, cfg.Scheduler, log),
		Quotas:     scheduler.NewQuotaCache(st, msgBus, cfg.Scheduler, log),
		Results:    results.NewStore(msgBus, cfg.Dispatch),
		Workspaces: workspace.NewCoordinator(st, msgBus, presigner, log),
		Secrets:    secrets.NewService(st, kek, log),
		Queue:      queue,
		Metrics:    m,
	}, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start brain service", zap.Error(err))
	}
	log.Info("Brain service started", zap.String("consumer", svc.Consumer()))

	// 10. Health and metrics endpoint
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "brain"))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "consumer": svc.Consumer()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Brain health endpoint listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start health endpoint", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down brain...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Health endpoint shutdown error", zap.Error(err))
	}
	if err := svc.Stop(); err != nil {
		log.Error("Brain stop error", zap.Error(err))
	}
	cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Brain stopped")
}
