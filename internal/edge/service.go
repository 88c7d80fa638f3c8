// Package edge implements the gateway's connection tier. An edge terminates
// client and executor WebSockets, serves the internal dispatch API, and
// bridges both onto the bus: locally accepted work is published to the
// shared to-brain stream, and this edge's private stream delivers broadcast
// events, executor commands, and reply frames back to the sockets homed
// here. Edges keep no durable state; everything they know is rebuilt from
// reconnects and TTL'd bus keys.
package edge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/store"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Deps are the collaborators an edge runs on. Ingress and Outbound are
// optional; absent adapters degrade to the no-op implementations.
type Deps struct {
	Bus      bus.Bus
	Store    store.Store
	State    scheduler.State
	Results  *results.Store
	Metrics  *metrics.Metrics
	Ingress  Ingress
	Outbound Outbound
}

// Service is one edge process: two socket hubs, the internal HTTP API, and
// a consumer draining this edge's private stream.
type Service struct {
	cfg     *config.Config
	edgeID  string
	bus     bus.Bus
	store   store.Store
	state   scheduler.State
	results *results.Store
	metrics *metrics.Metrics
	logger  *logger.Logger

	clients  *ClientHub
	agents   *AgentHub
	waiters  *waiters
	ingress  Ingress
	outbound Outbound

	consumer string

	srv *http.Server
	ln  net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an edge service. It does not touch the bus or the network until
// Start.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Service {
	lg := log.Named("edge")
	edgeID := cfg.Server.EdgeID

	ingress := deps.Ingress
	if ingress == nil {
		ingress = NoopIngress{}
	}
	outbound := deps.Outbound
	if outbound == nil {
		outbound = NewLogOutbound(lg)
	}

	s := &Service{
		cfg:      cfg,
		edgeID:   edgeID,
		bus:      deps.Bus,
		store:    deps.Store,
		state:    deps.State,
		results:  deps.Results,
		metrics:  deps.Metrics,
		logger:   lg,
		waiters:  newWaiters(),
		ingress:  ingress,
		outbound: outbound,
		consumer: "edge-" + randomHex(4),
	}
	s.clients = NewClientHub(edgeID, deps.Bus, deps.Store, NewClientAuth(deps.Store, cfg.Auth), deps.Metrics, lg)
	s.agents = NewAgentHub(edgeID, &cfg.Scheduler, deps.Bus, deps.Store, deps.State, deps.Results, NewExecutorAuth(deps.Store), deps.Metrics, lg)
	return s
}

// Clients exposes the client hub for in-process collaborators.
func (s *Service) Clients() *ClientHub { return s.clients }

// Agents exposes the executor hub for in-process collaborators.
func (s *Service) Agents() *AgentHub { return s.agents }

// Addr returns the bound listen address. Useful when the configured address
// carries port zero.
func (s *Service) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start ensures this edge's consumer group, binds the HTTP listener, and
// launches the server and stream consumer. The listener is bound
// synchronously so a taken port fails Start instead of a background
// goroutine.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	if err := s.bus.EnsureGroup(ctx, bus.StreamToEdge(s.edgeID), bus.GroupEdge); err != nil {
		return fail(fmt.Errorf("ensure edge group: %w", err))
	}

	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fail(fmt.Errorf("listen %s: %w", s.cfg.Server.HTTPAddr, err))
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:     s.router(),
		ReadTimeout: s.cfg.Server.ReadTimeoutDuration(),
		// Synchronous dispatches hold the response open up to the clamped
		// timeout, so the write deadline must outlive the largest one.
		WriteTimeout: s.cfg.Dispatch.ClampTimeout(s.cfg.Dispatch.MaxTimeoutMs) + 30*time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	// One consumer loop: broadcast frames for a session must reach sockets
	// in stream order.
	s.wg.Add(1)
	go s.consume(runCtx, s.consumer+"-0")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	s.logger.Info("edge service started",
		zap.String("edge_id", s.edgeID),
		zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains the HTTP server, severs both hubs, and waits for the stream
// consumer to exit.
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

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// Shutdown does not wait for hijacked connections; the hubs own those.
	s.clients.CloseAll()
	s.agents.CloseAll()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("edge service stopped")
	return nil
}

// publish appends one frame to the shared to-brain stream.
func (s *Service) publish(ctx context.Context, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return s.bus.Append(ctx, bus.StreamToBrain, payload)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
