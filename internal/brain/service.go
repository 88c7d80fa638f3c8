// Package brain implements the gateway's worker tier. Brains consume the
// to-brain stream as one consumer group, so any brain process may claim any
// frame: workflow dispatches are executed against a selected executor with
// workspace coordination, session sends run the pin/failover turn protocol,
// and resets and cancels mutate session state. Every dispatch is completed by
// writing its reply key, success or failure, so edges never wait past their
// deadline on a brain that gave up.
package brain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/jobs"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/secrets"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/workspace"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

const (
	readBatch = 16
	readBlock = 5 * time.Second
)

// Deps are the collaborators a brain runs on. All of them are shared-state
// clients; the brain itself keeps no durable state and any instance can be
// restarted at will.
type Deps struct {
	Bus        bus.Bus
	Store      store.Store
	Scheduler  *scheduler.Scheduler
	Quotas     *scheduler.QuotaCache
	Results    *results.Store
	Workspaces *workspace.Coordinator
	Secrets    *secrets.Service
	Queue      jobs.Queue
	Metrics    *metrics.Metrics
}

// Service is one brain process: a pool of workers draining the to-brain
// stream.
type Service struct {
	cfg        *config.Config
	bus        bus.Bus
	store      store.Store
	scheduler  *scheduler.Scheduler
	quotas     *scheduler.QuotaCache
	results    *results.Store
	workspaces *workspace.Coordinator
	secrets    *secrets.Service
	queue      jobs.Queue
	metrics    *metrics.Metrics
	logger     *logger.Logger

	// consumer prefixes the per-worker consumer names registered with the
	// bus group.
	consumer string

	// activeTurns maps sessionID to the *activeTurn this process is driving.
	// Cancels can only act on turns homed here; see handleSessionCancel.
	activeTurns sync.Map

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a brain service. It does not touch the bus until Start.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Service {
	return &Service{
		cfg:        cfg,
		bus:        deps.Bus,
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		quotas:     deps.Quotas,
		results:    deps.Results,
		workspaces: deps.Workspaces,
		secrets:    deps.Secrets,
		queue:      deps.Queue,
		metrics:    deps.Metrics,
		logger:     log.Named("brain"),
		consumer:   "brain-" + randomHex(4),
	}
}

// Consumer returns the process consumer identity used in worker consumer
// names registered with the bus group.
func (s *Service) Consumer() string { return s.consumer }

// Start ensures the consumer group and launches the worker pool. Workers run
// until Stop or until ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if err := s.bus.EnsureGroup(ctx, bus.StreamToBrain, bus.GroupBrain); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("ensure brain group: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	workers := s.cfg.Brain.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("%s-%d", s.consumer, i)
		s.wg.Add(1)
		go s.worker(runCtx, name)
	}

	s.logger.Info("brain service started",
		zap.String("consumer", s.consumer),
		zap.Int("workers", workers))
	return nil
}

// Stop cancels the workers and waits for in-flight frames to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("brain service stopped")
	return nil
}

// worker is one group consumer: read a batch, handle each frame, ack. Frames
// are acked even when handling fails — the handler has already completed the
// request by writing a failed reply, and a poison frame must not wedge the
// group. Redelivery only happens when a worker dies mid-batch.
func (s *Service) worker(ctx context.Context, consumer string) {
	defer s.wg.Done()
	log := s.logger.WithFields(zap.String("consumer", consumer))

	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := s.bus.ReadGroup(ctx, bus.StreamToBrain, bus.GroupBrain, consumer, readBatch, readBlock)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("bus read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			s.handleDelivery(ctx, d)
			if err := s.bus.Ack(ctx, bus.StreamToBrain, bus.GroupBrain, d.ID); err != nil && !errors.Is(err, bus.ErrClosed) {
				log.Warn("ack failed", zap.String("deliveryId", d.ID), zap.Error(err))
			}
		}
	}
}

// handleDelivery routes one raw frame by its type discriminator. A panic in a
// handler is contained to the frame that caused it.
func (s *Service) handleDelivery(ctx context.Context, d bus.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panicked",
				zap.String("deliveryId", d.ID),
				zap.Any("panic", r))
		}
	}()

	frameType, err := v1.PeekFrameType(d.Payload)
	if err != nil {
		s.logger.Warn("undecodable frame", zap.String("deliveryId", d.ID), zap.Error(err))
		return
	}
	s.metrics.RecordFrame("brain", frameType)

	switch frameType {
	case v1.FrameWorkflowDispatch:
		var frame v1.WorkflowDispatchFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad workflow_dispatch frame", zap.Error(err))
			return
		}
		s.handleWorkflowDispatch(ctx, &frame)
	case v1.FrameSessionSend:
		var frame v1.SessionSendFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad session_send frame", zap.Error(err))
			return
		}
		s.handleSessionSend(ctx, &frame)
	case v1.FrameSessionReset:
		var frame v1.SessionResetFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad session_reset frame", zap.Error(err))
			return
		}
		s.handleSessionReset(ctx, &frame)
	case v1.FrameSessionCancel:
		var frame v1.SessionCancelFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad session_cancel frame", zap.Error(err))
			return
		}
		s.handleSessionCancel(ctx, &frame)
	case v1.FrameExecutorEvent:
		var frame v1.ExecutorEventFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad executor_event frame", zap.Error(err))
			return
		}
		s.handleExecutorEvent(ctx, &frame)
	default:
		s.logger.Warn("unknown frame type on to-brain stream", zap.String("frameType", frameType))
	}
}

// handleExecutorEvent receives passthrough executor telemetry. The gateway
// has no downstream consumer for these; they are surfaced in logs for
// incident work and counted.
func (s *Service) handleExecutorEvent(_ context.Context, frame *v1.ExecutorEventFrame) {
	s.logger.WithExecutorID(frame.ExecutorID).Debug("executor event",
		zap.Int("bytes", len(frame.Event)))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
