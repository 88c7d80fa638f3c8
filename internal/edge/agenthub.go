package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
	"github.com/vespid-ai/gateway/pkg/ws"
)

// allExecutorKinds is the capability set assumed when a hello names none.
var allExecutorKinds = []v1.ExecutorKind{
	v1.ExecutorKindConnectorAction,
	v1.ExecutorKindAgentExecute,
	v1.ExecutorKindAgentRun,
	v1.ExecutorKindAgentSession,
}

// execConn is one executor socket. id, route and closed are guarded by the
// hub mutex; id stays empty for byon sockets until the hello arrives.
type execConn struct {
	ident  *ExecutorIdentity
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	id     string
	route  *v1.ExecutorRoute
	closed bool
}

// AgentHub owns the executor sockets homed on this edge. It turns hellos
// into TTL'd route records, forwards invoke/session commands from the bus
// to the right socket, and completes reply keys from result messages.
type AgentHub struct {
	edgeID   string
	sched    *config.SchedulerConfig
	bus      bus.Bus
	store    store.Store
	state    scheduler.State
	results  *results.Store
	auth     *ExecutorAuth
	metrics  *metrics.Metrics
	logger   *logger.Logger

	mu    sync.RWMutex
	conns map[string]*execConn
}

func NewAgentHub(edgeID string, sched *config.SchedulerConfig, b bus.Bus, st store.Store, state scheduler.State, res *results.Store, auth *ExecutorAuth, m *metrics.Metrics, log *logger.Logger) *AgentHub {
	return &AgentHub{
		edgeID:  edgeID,
		sched:   sched,
		bus:     b,
		store:   st,
		state:   state,
		results: res,
		auth:    auth,
		metrics: m,
		logger:  log.Named("agent_hub"),
		conns:   make(map[string]*execConn),
	}
}

// HandleUpgrade authenticates and upgrades one executor socket, then serves
// it until the peer disconnects. The token comes from the Authorization
// header or, for runtimes that cannot set headers, a token query parameter.
func (h *AgentHub) HandleUpgrade(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		token = c.Query("token")
	}
	ident, err := h.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		h.logger.Debug("executor socket rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, v1.ErrorBody{Error: v1.ErrCodeUnauthorized})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("executor socket upgrade failed", zap.Error(err))
		return
	}

	ec := &execConn{
		ident: ident,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		logger: h.logger.WithFields(
			zap.String("pool", string(ident.Pool)),
			zap.String("socket_id", conn.RemoteAddr().String())),
	}
	if ident.Pool == v1.PoolManaged {
		// Identity is fixed by the token, so the socket is addressable
		// before the hello announces capabilities.
		ec.logger = ec.logger.WithExecutorID(ident.ExecutorID)
		h.bind(ec, ident.ExecutorID, nil)
	}

	h.metrics.SocketOpened("executor")
	go writeLoop(conn, ec.send)
	h.readPump(c.Request.Context(), ec)
}

func (h *AgentHub) readPump(ctx context.Context, ec *execConn) {
	defer func() {
		h.unregister(ec)
		ec.conn.Close()
		h.metrics.SocketClosed("executor")
	}()

	ec.conn.SetReadLimit(maxMessageSize)
	ec.conn.SetReadDeadline(time.Now().Add(pongWait))
	ec.conn.SetPongHandler(func(string) error {
		ec.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.touchRoute(ctx, ec)
		return nil
	})

	d := h.dispatcher(ec)
	for {
		_, raw, err := ec.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ec.logger.Warn("executor socket read failed", zap.Error(err))
			}
			break
		}

		if err := d.Dispatch(ctx, raw); err != nil {
			env, _ := ws.Peek(raw)
			if errors.Is(err, ws.ErrUnknownType) {
				h.push(ec, ws.NewError(env.ID, ws.ErrorCodeUnknownType, "unsupported message type "+env.Type))
				continue
			}
			ec.logger.Warn("executor message failed", zap.String("type", env.Type), zap.Error(err))
			h.push(ec, ws.NewError(env.ID, ws.ErrorCodeInternalError, "internal error"))
			continue
		}
		h.touchRoute(ctx, ec)
	}
}

func (h *AgentHub) dispatcher(ec *execConn) *ws.Dispatcher {
	d := ws.NewDispatcher()
	d.RegisterFunc(v1.MsgExecutorHello, func(ctx context.Context, raw []byte) error {
		return h.handleHello(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgToolResult, func(ctx context.Context, raw []byte) error {
		return h.handleToolResult(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgToolEvent, func(ctx context.Context, raw []byte) error {
		return h.handleToolEvent(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgSessionOpened, func(ctx context.Context, raw []byte) error {
		return h.handleSessionOpened(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgTurnFinal, func(ctx context.Context, raw []byte) error {
		return h.handleTurnFinal(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgTurnError, func(ctx context.Context, raw []byte) error {
		return h.handleTurnError(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgMemorySyncResult, func(ctx context.Context, raw []byte) error {
		return h.handleMemoryResult(ctx, ec, raw)
	})
	d.RegisterFunc(v1.MsgMemoryQueryResult, func(ctx context.Context, raw []byte) error {
		return h.handleMemoryResult(ctx, ec, raw)
	})
	return d
}

// handleHello upserts the executor's route record. Managed identities come
// from the token; byon identities come from the hello and are checked
// against the registration row when one exists.
func (h *AgentHub) handleHello(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var hello v1.ExecutorHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed hello"))
		return nil
	}

	executorID := ec.ident.ExecutorID
	if ec.ident.Pool == v1.PoolManaged {
		if hello.ExecutorID != "" && hello.ExecutorID != executorID {
			ec.logger.Warn("hello executor id differs from token identity, ignoring",
				zap.String("hello_executor_id", hello.ExecutorID))
		}
	} else {
		executorID = hello.ExecutorID
		if executorID == "" {
			h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "executorId is required for byon hello"))
			return nil
		}
		reg, err := h.store.GetExecutor(ctx, executorID)
		switch {
		case err == nil:
			if reg.OrganizationID != ec.ident.OrganizationID {
				h.push(ec, ws.NewError(env.ID, ws.ErrorCodeUnauthorized, "executor is registered to another organization"))
				return nil
			}
			if reg.RevokedAt != nil {
				h.push(ec, ws.NewError(env.ID, ws.ErrorCodeUnauthorized, "executor registration is revoked"))
				return nil
			}
		case errors.Is(err, store.ErrNotFound):
			// Unregistered id; the token already scopes it to the org.
		default:
			return fmt.Errorf("load executor registration: %w", err)
		}
	}

	// An id already routed under another pool or tenant cannot be taken
	// over by re-announcing it.
	if existing, err := h.state.GetRoute(ctx, executorID); err == nil {
		if existing.Pool != ec.ident.Pool || existing.OrganizationID != ec.ident.OrganizationID {
			h.push(ec, ws.NewError(env.ID, ws.ErrorCodeUnauthorized, "executor id is in use by another identity"))
			return nil
		}
	} else if !errors.Is(err, scheduler.ErrRouteNotFound) {
		return fmt.Errorf("check existing route: %w", err)
	}

	kinds := hello.Kinds
	if len(kinds) == 0 {
		kinds = allExecutorKinds
	}
	maxInFlight := hello.MaxInFlight
	if maxInFlight <= 0 || maxInFlight > h.sched.ExecutorMaxInFlightCap {
		maxInFlight = h.sched.ExecutorMaxInFlightCap
	}

	route := &v1.ExecutorRoute{
		ExecutorID:     executorID,
		Pool:           ec.ident.Pool,
		OrganizationID: ec.ident.OrganizationID,
		EdgeID:         h.edgeID,
		Labels:         hello.Labels,
		Kinds:          kinds,
		MaxInFlight:    maxInFlight,
		EngineAuth:     hello.EngineAuth,
		LastSeenAtMs:   time.Now().UnixMilli(),
	}
	if err := h.state.PutRoute(ctx, route, h.sched.StaleExecutorTTL()); err != nil {
		return fmt.Errorf("store executor route: %w", err)
	}
	h.bind(ec, executorID, route)

	ec.logger.Info("executor announced",
		zap.String("executor_id", executorID),
		zap.Strings("labels", hello.Labels),
		zap.Int("max_in_flight", maxInFlight))
	return nil
}

func (h *AgentHub) handleToolResult(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var res v1.ToolResult
	if err := json.Unmarshal(raw, &res); err != nil || res.RequestID == "" {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed tool result"))
		return nil
	}

	resp := &v1.DispatchResponse{
		Status:  res.Status,
		Output:  res.Output,
		Error:   res.Error,
		Message: res.Message,
	}
	if resp.Status == "" {
		resp.Status = v1.StatusSucceeded
		if res.Error != "" {
			resp.Status = v1.StatusFailed
		}
	}
	if res.Workspace != nil {
		resp.Workspace = &v1.WorkspaceResult{
			WorkspaceID: res.Workspace.WorkspaceID,
			Version:     res.Workspace.Version,
			ObjectKey:   res.Workspace.ObjectKey,
			Etag:        res.Workspace.Etag,
		}
	}
	h.finish(ctx, ec, res.RequestID, resp)
	return nil
}

func (h *AgentHub) handleSessionOpened(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var msg v1.SessionOpened
	if err := json.Unmarshal(raw, &msg); err != nil || msg.RequestID == "" {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed session_opened"))
		return nil
	}

	if msg.OK {
		h.finish(ctx, ec, msg.RequestID, &v1.DispatchResponse{
			Status:  v1.StatusSucceeded,
			Message: msg.Message,
		})
		return nil
	}
	code := msg.Error
	if code == "" {
		code = v1.ErrCodeNodeExecutionFailed
	}
	h.finish(ctx, ec, msg.RequestID, v1.FailedResponse(code, msg.Message))
	return nil
}

func (h *AgentHub) handleTurnFinal(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var msg v1.TurnFinal
	if err := json.Unmarshal(raw, &msg); err != nil || msg.RequestID == "" {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed turn_final"))
		return nil
	}
	h.finish(ctx, ec, msg.RequestID, &v1.DispatchResponse{
		Status:  v1.StatusSucceeded,
		Message: msg.Message,
		Output:  msg.Output,
	})
	return nil
}

func (h *AgentHub) handleTurnError(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var msg v1.TurnError
	if err := json.Unmarshal(raw, &msg); err != nil || msg.RequestID == "" {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed turn_error"))
		return nil
	}
	code := msg.Code
	if code == "" {
		code = v1.ErrCodeNodeExecutionFailed
	}
	h.finish(ctx, ec, msg.RequestID, v1.FailedResponse(code, msg.Message))
	return nil
}

// handleMemoryResult completes the reply for a memory_sync or memory_query
// and, for successful syncs, persists the returned runtime state onto the
// session. Byon sockets may only write sessions in their own organization.
func (h *AgentHub) handleMemoryResult(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var msg v1.MemoryResult
	if err := json.Unmarshal(raw, &msg); err != nil || msg.RequestID == "" {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed memory result"))
		return nil
	}

	resp := &v1.DispatchResponse{
		Status: msg.Status,
		Output: msg.Output,
		Error:  msg.Error,
	}
	if resp.Status == "" {
		resp.Status = v1.StatusSucceeded
		if msg.Error != "" {
			resp.Status = v1.StatusFailed
		}
	}

	if msg.Type == v1.MsgMemorySyncResult && !resp.Failed() && msg.SessionID != "" && len(msg.Output) > 0 {
		org := msg.OrganizationID
		switch {
		case ec.ident.Pool == v1.PoolBYON && org != "" && org != ec.ident.OrganizationID:
			ec.logger.Warn("memory sync scoped to foreign organization dropped",
				zap.String("session_id", msg.SessionID))
		default:
			if ec.ident.Pool == v1.PoolBYON {
				org = ec.ident.OrganizationID
			}
			if org == "" {
				ec.logger.Warn("memory sync without organization scope dropped",
					zap.String("session_id", msg.SessionID))
			} else if err := h.store.UpdateSessionRuntime(ctx, org, msg.SessionID, msg.Output); err != nil && !errors.Is(err, store.ErrNotFound) {
				ec.logger.Warn("session runtime update failed",
					zap.String("session_id", msg.SessionID), zap.Error(err))
			}
		}
	}

	h.finish(ctx, ec, msg.RequestID, resp)
	return nil
}

// handleToolEvent forwards incremental executor telemetry to the brain tier,
// which owns turning it into client broadcasts.
func (h *AgentHub) handleToolEvent(ctx context.Context, ec *execConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var ev v1.ToolEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.push(ec, ws.NewError(env.ID, ws.ErrorCodeValidation, "malformed tool event"))
		return nil
	}

	frame := v1.ExecutorEventFrame{
		Type:       v1.FrameExecutorEvent,
		ExecutorID: h.connID(ec),
		Event:      raw,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal executor event frame: %w", err)
	}
	if err := h.bus.Append(ctx, bus.StreamToBrain, payload); err != nil {
		return fmt.Errorf("publish executor event: %w", err)
	}
	ec.logger.Debug("tool event forwarded", zap.String("request_id", ev.RequestID))
	return nil
}

// finish fills the reply key for one request. Late duplicates, such as
// results arriving after a failover already answered, lose the first-write
// race and are dropped.
func (h *AgentHub) finish(ctx context.Context, ec *execConn, requestID string, resp *v1.DispatchResponse) {
	won, err := h.results.CompleteReply(ctx, requestID, resp)
	if err != nil {
		ec.logger.Error("reply completion failed",
			zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if !won {
		ec.logger.Debug("late result dropped", zap.String("request_id", requestID))
		return
	}
	ec.logger.Debug("result recorded",
		zap.String("request_id", requestID), zap.String("status", string(resp.Status)))
}

// SendInvoke delivers an invoke_tool command to a locally homed executor.
func (h *AgentHub) SendInvoke(ctx context.Context, frame *v1.ExecutorInvokeFrame) error {
	if frame.Invoke == nil {
		return errors.New("invoke frame without payload")
	}
	return h.deliver(ctx, frame.ExecutorID, frame.Invoke.RequestID, ws.Marshal(frame.Invoke))
}

// SendSession delivers a session_open/session_turn/session_cancel command.
// The payload is forwarded verbatim; only the request id is peeked so a
// failed delivery can fail the right reply.
func (h *AgentHub) SendSession(ctx context.Context, frame *v1.ExecutorSessionFrame) error {
	var env struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(frame.Payload, &env)
	return h.deliver(ctx, frame.ExecutorID, env.RequestID, []byte(frame.Payload))
}

// deliver hands one command to the executor socket. A missing or saturated
// socket fails fast: the route is dropped so selection stops seeing the
// executor, and the reply key is filled with NO_AGENT_AVAILABLE so the brain
// can fail over instead of waiting out the timeout.
func (h *AgentHub) deliver(ctx context.Context, executorID, requestID string, message []byte) error {
	var sent bool
	h.mu.RLock()
	if ec, ok := h.conns[executorID]; ok && !ec.closed {
		select {
		case ec.send <- message:
			sent = true
		default:
		}
	}
	h.mu.RUnlock()
	if sent {
		return nil
	}

	h.logger.Warn("executor unreachable, failing request",
		zap.String("executor_id", executorID),
		zap.String("request_id", requestID))
	h.dropExecutor(executorID)

	if requestID == "" {
		return nil
	}
	resp := v1.FailedResponse(v1.ErrCodeNoAgentAvailable, "executor socket unavailable on edge "+h.edgeID)
	if _, err := h.results.CompleteReply(ctx, requestID, resp); err != nil {
		return fmt.Errorf("fail unreachable executor request: %w", err)
	}
	return nil
}

// push enqueues a message on the socket. The hub lock makes it safe against
// a concurrent replacement closing the channel.
func (h *AgentHub) push(ec *execConn, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ec.closed {
		return
	}
	select {
	case ec.send <- message:
	default:
		ec.logger.Warn("executor send buffer full, dropping message")
	}
}

// bind registers the socket under its executor id, displacing any previous
// socket for the same id.
func (h *AgentHub) bind(ec *execConn, executorID string, route *v1.ExecutorRoute) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.conns[executorID]; ok && prev != ec {
		h.closeLocked(prev)
		prev.logger.Info("executor socket replaced by reconnect",
			zap.String("executor_id", executorID))
	}
	h.conns[executorID] = ec
	ec.id = executorID
	ec.route = route
}

// closeLocked marks the conn dead and releases its write loop. Caller holds
// the hub mutex.
func (h *AgentHub) closeLocked(ec *execConn) {
	if ec.closed {
		return
	}
	ec.closed = true
	close(ec.send)
}

func (h *AgentHub) connID(ec *execConn) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ec.id
}

// touchRoute refreshes the route TTL so steady traffic keeps the executor
// visible between hellos.
func (h *AgentHub) touchRoute(ctx context.Context, ec *execConn) {
	h.mu.RLock()
	cached := ec.route
	h.mu.RUnlock()
	if cached == nil {
		return
	}

	route := *cached
	route.LastSeenAtMs = time.Now().UnixMilli()
	if err := h.state.PutRoute(ctx, &route, h.sched.StaleExecutorTTL()); err != nil {
		ec.logger.Warn("route refresh failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	if ec.route == cached {
		ec.route = &route
	}
	h.mu.Unlock()
}

// dropExecutor severs the socket and removes the route. Used when a send
// fails: a socket that cannot accept writes is as good as gone.
func (h *AgentHub) dropExecutor(executorID string) {
	h.mu.Lock()
	if ec, ok := h.conns[executorID]; ok {
		delete(h.conns, executorID)
		h.closeLocked(ec)
		ec.conn.Close()
	}
	h.mu.Unlock()

	if err := h.state.DeleteRoute(context.Background(), executorID); err != nil && !errors.Is(err, scheduler.ErrRouteNotFound) {
		h.logger.Warn("route delete failed",
			zap.String("executor_id", executorID), zap.Error(err))
	}
}

func (h *AgentHub) unregister(ec *execConn) {
	h.mu.Lock()
	owner := ec.id != "" && h.conns[ec.id] == ec
	if owner {
		delete(h.conns, ec.id)
	}
	h.closeLocked(ec)
	h.mu.Unlock()

	if !owner {
		return
	}
	if err := h.state.DeleteRoute(context.Background(), ec.id); err != nil && !errors.Is(err, scheduler.ErrRouteNotFound) {
		h.logger.Warn("route delete failed",
			zap.String("executor_id", ec.id), zap.Error(err))
	}
	ec.logger.Info("executor disconnected", zap.String("executor_id", ec.id))
}

// ExecutorCount returns the number of bound executor sockets.
func (h *AgentHub) ExecutorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll force-closes every executor socket. Routes are left to expire so
// a restarting edge does not flap the whole fleet's visibility.
func (h *AgentHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ec := range h.conns {
		delete(h.conns, id)
		h.closeLocked(ec)
	}
}
