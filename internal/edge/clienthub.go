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
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
	"github.com/vespid-ai/gateway/pkg/ws"
)

// sourceClient labels turns submitted over a client socket.
const sourceClient = "client"

// clientConn is one end-user socket. The sessions set is guarded by the
// hub's mutex.
type clientConn struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	send     chan []byte
	sessions map[string]bool
	logger   *logger.Logger
}

func (c *clientConn) enqueue(message []byte) {
	select {
	case c.send <- message:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

// ClientHub owns the end-user sockets homed on this edge. Sockets join
// sessions to receive transcript broadcasts; user messages are appended to
// the transcript here and handed to the brain tier as session_send frames.
type ClientHub struct {
	edgeID  string
	bus     bus.Bus
	store   store.Store
	auth    *ClientAuth
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu       sync.RWMutex
	conns    map[*clientConn]bool
	sessions map[string]map[*clientConn]bool
}

func NewClientHub(edgeID string, b bus.Bus, st store.Store, auth *ClientAuth, m *metrics.Metrics, log *logger.Logger) *ClientHub {
	return &ClientHub{
		edgeID:   edgeID,
		bus:      b,
		store:    st,
		auth:     auth,
		metrics:  m,
		logger:   log.Named("client_hub"),
		conns:    make(map[*clientConn]bool),
		sessions: make(map[string]map[*clientConn]bool),
	}
}

// HandleUpgrade authenticates and upgrades one client socket, then serves it
// until the peer disconnects.
func (h *ClientHub) HandleUpgrade(c *gin.Context) {
	ident, err := h.auth.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		h.logger.Debug("client socket rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, v1.ErrorBody{Error: v1.ErrCodeUnauthorized})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("client socket upgrade failed", zap.Error(err))
		return
	}

	cc := &clientConn{
		id:       uuid.NewString(),
		identity: *ident,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		sessions: make(map[string]bool),
		logger: h.logger.WithFields(
			zap.String("socket_id", conn.RemoteAddr().String()),
			zap.String("user_id", ident.UserID),
			zap.String("organization_id", ident.OrganizationID)),
	}

	h.mu.Lock()
	h.conns[cc] = true
	h.mu.Unlock()
	h.metrics.SocketOpened("client")

	go writeLoop(conn, cc.send)
	h.readPump(c.Request.Context(), cc)
}

func (h *ClientHub) readPump(ctx context.Context, cc *clientConn) {
	defer func() {
		h.unregister(cc)
		cc.conn.Close()
		h.metrics.SocketClosed("client")
	}()

	cc.conn.SetReadLimit(maxMessageSize)
	cc.conn.SetReadDeadline(time.Now().Add(pongWait))
	cc.conn.SetPongHandler(func(string) error {
		cc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	d := h.dispatcher(cc)
	for {
		_, raw, err := cc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				cc.logger.Warn("client socket read failed", zap.Error(err))
			}
			break
		}

		if err := d.Dispatch(ctx, raw); err != nil {
			env, _ := ws.Peek(raw)
			if errors.Is(err, ws.ErrUnknownType) {
				cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeUnknownType, "unsupported message type "+env.Type))
				continue
			}
			cc.logger.Warn("client message failed", zap.String("type", env.Type), zap.Error(err))
			cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeInternalError, "internal error"))
		}
	}
}

// dispatcher builds the per-socket message table. Handlers close over the
// conn so the shared dispatch machinery stays connection-free.
func (h *ClientHub) dispatcher(cc *clientConn) *ws.Dispatcher {
	d := ws.NewDispatcher()
	d.RegisterFunc(v1.ClientMsgSessionJoin, func(ctx context.Context, raw []byte) error {
		return h.handleJoin(ctx, cc, raw)
	})
	d.RegisterFunc(v1.ClientMsgSessionSend, func(ctx context.Context, raw []byte) error {
		return h.handleSend(ctx, cc, raw)
	})
	d.RegisterFunc(v1.ClientMsgSessionResetAgent, func(ctx context.Context, raw []byte) error {
		return h.handleReset(ctx, cc, raw)
	})
	d.RegisterFunc(v1.ClientMsgSessionCancel, func(ctx context.Context, raw []byte) error {
		return h.handleCancel(ctx, cc, raw)
	})
	d.RegisterFunc(v1.ClientMsgSessionLeave, func(ctx context.Context, raw []byte) error {
		return h.handleLeave(ctx, cc, raw)
	})
	return d
}

func (h *ClientHub) handleJoin(ctx context.Context, cc *clientConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var req v1.SessionJoinRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeValidation, "sessionId is required"))
		return nil
	}

	if _, err := h.store.GetSession(ctx, cc.identity.OrganizationID, req.SessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeNotFound, "session not found"))
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	h.join(cc, req.SessionID)
	if err := h.bus.SAdd(ctx, bus.SessionEdgesKey(req.SessionID), h.edgeID, presenceTTL); err != nil {
		cc.logger.Warn("presence registration failed", zap.Error(err))
	}

	events, err := h.store.ListRecentSessionEvents(ctx, req.SessionID, replayLimit)
	if err != nil {
		return fmt.Errorf("replay session events: %w", err)
	}
	wire := make([]v1.SessionEvent, 0, len(events))
	for _, ev := range events {
		wire = append(wire, wireEvent(ev))
	}

	cc.enqueue(ws.Marshal(sessionJoinedMessage{
		Type: v1.ClientMsgSessionJoined,
		SessionJoinedReply: v1.SessionJoinedReply{
			SessionID: req.SessionID,
			Events:    wire,
		},
	}))
	cc.logger.Debug("client joined session", zap.String("session_id", req.SessionID))
	return nil
}

func (h *ClientHub) handleSend(ctx context.Context, cc *clientConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var req v1.ClientSessionSend
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" || req.Message == "" {
		cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeValidation, "sessionId and message are required"))
		return nil
	}

	_, err := h.SubmitUserMessage(ctx, UserMessage{
		OrganizationID: cc.identity.OrganizationID,
		UserID:         cc.identity.UserID,
		SessionID:      req.SessionID,
		Message:        req.Message,
		Attachments:    req.Attachments,
		IdempotencyKey: req.IdempotencyKey,
		Source:         sourceClient,
	})
	if errors.Is(err, store.ErrNotFound) {
		cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeNotFound, "session not found"))
		return nil
	}
	return err
}

func (h *ClientHub) handleReset(ctx context.Context, cc *clientConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var req v1.SessionResetRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeValidation, "sessionId is required"))
		return nil
	}
	if _, err := h.store.GetSession(ctx, cc.identity.OrganizationID, req.SessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeNotFound, "session not found"))
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	return h.publish(ctx, v1.SessionResetFrame{
		Type:           v1.FrameSessionReset,
		RequestID:      uuid.NewString(),
		OrganizationID: cc.identity.OrganizationID,
		UserID:         cc.identity.UserID,
		SessionID:      req.SessionID,
		Mode:           req.Mode,
		OriginEdgeID:   h.edgeID,
	})
}

func (h *ClientHub) handleCancel(ctx context.Context, cc *clientConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var req v1.SessionCancelRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeValidation, "sessionId is required"))
		return nil
	}

	return h.publish(ctx, v1.SessionCancelFrame{
		Type:           v1.FrameSessionCancel,
		RequestID:      uuid.NewString(),
		OrganizationID: cc.identity.OrganizationID,
		UserID:         cc.identity.UserID,
		SessionID:      req.SessionID,
		OriginEdgeID:   h.edgeID,
	})
}

func (h *ClientHub) handleLeave(_ context.Context, cc *clientConn, raw []byte) error {
	env, _ := ws.Peek(raw)
	var req v1.SessionLeaveRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		cc.enqueue(ws.NewError(env.ID, ws.ErrorCodeValidation, "sessionId is required"))
		return nil
	}
	h.leave(cc, req.SessionID)
	return nil
}

// UserMessage is one user turn submitted through any edge surface: a client
// socket, the internal injector endpoints, or a channel webhook. An empty
// UserID falls back to the session owner.
type UserMessage struct {
	OrganizationID string
	UserID         string
	SessionID      string
	Message        string
	Attachments    []v1.Attachment
	IdempotencyKey string
	Source         string
}

type userMessagePayload struct {
	Message     string          `json:"message"`
	Attachments []v1.Attachment `json:"attachments,omitempty"`
	Source      string          `json:"source,omitempty"`
}

// SubmitUserMessage appends the user turn to the transcript, shows it to
// locally joined sockets, and hands it to the brain tier. An idempotency-key
// duplicate returns the original event without dispatching a second turn.
func (h *ClientHub) SubmitUserMessage(ctx context.Context, in UserMessage) (*store.SessionEvent, error) {
	sess, err := h.store.GetSession(ctx, in.OrganizationID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if in.UserID == "" {
		in.UserID = sess.UserID
	}

	payload, err := json.Marshal(userMessagePayload{
		Message:     in.Message,
		Attachments: in.Attachments,
		Source:      in.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}
	ev := &store.SessionEvent{
		SessionID: in.SessionID,
		EventType: v1.EventUserMessage,
		Level:     v1.LevelInfo,
		Payload:   payload,
	}
	if in.IdempotencyKey != "" {
		ev.IdempotencyKey = &in.IdempotencyKey
	}
	stored, created, err := h.store.AppendSessionEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	if !created {
		// Retransmit of a key we already accepted; the original append
		// triggered the turn.
		return stored, nil
	}

	h.broadcastEvent(stored)

	if err := h.publish(ctx, v1.SessionSendFrame{
		Type:           v1.FrameSessionSend,
		RequestID:      fmt.Sprintf("%s:turn:%d", in.SessionID, stored.Seq),
		OrganizationID: in.OrganizationID,
		UserID:         in.UserID,
		SessionID:      in.SessionID,
		UserEventSeq:   stored.Seq,
		Message:        in.Message,
		Attachments:    in.Attachments,
		IdempotencyKey: in.IdempotencyKey,
		OriginEdgeID:   h.edgeID,
		Source:         in.Source,
	}); err != nil {
		return nil, fmt.Errorf("publish session send: %w", err)
	}
	return stored, nil
}

func (h *ClientHub) publish(ctx context.Context, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return h.bus.Append(ctx, bus.StreamToBrain, payload)
}

// DeliverBroadcast fans one session event out to the sockets joined locally.
// Called by the bus consumer for brain broadcasts and by SubmitUserMessage
// for locally appended user messages.
func (h *ClientHub) DeliverBroadcast(sessionID string, event []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cc := range h.sessions[sessionID] {
		cc.enqueue(event)
	}
}

// broadcastEvent shows a locally appended event to joined sockets on this
// edge. Remote edges learn about agent events from the brain's broadcast;
// user messages stay local to the edge that accepted them.
func (h *ClientHub) broadcastEvent(ev *store.SessionEvent) {
	wire := wireEvent(ev)
	h.DeliverBroadcast(ev.SessionID, ws.Marshal(sessionEventMessage{
		Type:      v1.ClientMsgSessionEventV2,
		SessionID: ev.SessionID,
		Event:     wire,
	}))
	h.DeliverBroadcast(ev.SessionID, ws.Marshal(sessionEventMessage{
		Type:      v1.ClientMsgSessionEvent,
		SessionID: ev.SessionID,
		Event:     wire,
	}))
}

func (h *ClientHub) join(cc *clientConn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[*clientConn]bool)
	}
	h.sessions[sessionID][cc] = true
	cc.sessions[sessionID] = true
}

func (h *ClientHub) leave(cc *clientConn, sessionID string) {
	h.mu.Lock()
	last := h.detach(cc, sessionID)
	h.mu.Unlock()
	if last {
		h.dropPresence(sessionID)
	}
}

// detach removes one membership edge and reports whether the session now has
// no local subscribers. Caller holds mu.
func (h *ClientHub) detach(cc *clientConn, sessionID string) bool {
	delete(cc.sessions, sessionID)
	conns, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	delete(conns, cc)
	if len(conns) == 0 {
		delete(h.sessions, sessionID)
		return true
	}
	return false
}

// dropPresence removes this edge from a session's presence set once no local
// socket is joined to it. Best effort: the set is TTL'd anyway.
func (h *ClientHub) dropPresence(sessionID string) {
	if err := h.bus.SRem(context.Background(), bus.SessionEdgesKey(sessionID), h.edgeID); err != nil {
		h.logger.Warn("presence removal failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (h *ClientHub) unregister(cc *clientConn) {
	var empty []string
	h.mu.Lock()
	if h.conns[cc] {
		delete(h.conns, cc)
		close(cc.send)
		for sessionID := range cc.sessions {
			if h.detach(cc, sessionID) {
				empty = append(empty, sessionID)
			}
		}
	}
	h.mu.Unlock()
	for _, sessionID := range empty {
		h.dropPresence(sessionID)
	}
}

// ClientCount returns the number of connected client sockets.
func (h *ClientHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll force-closes every client socket. Used at shutdown.
func (h *ClientHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cc := range h.conns {
		delete(h.conns, cc)
		close(cc.send)
		for sessionID := range cc.sessions {
			h.detach(cc, sessionID)
		}
	}
}

// Client wire messages built on this edge. The brain builds the same shapes
// for agent-side events; both tiers emit the v2 schema plus the legacy frame.

type sessionEventMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Event     v1.SessionEvent `json:"event"`
}

type sessionJoinedMessage struct {
	Type string `json:"type"`
	v1.SessionJoinedReply
}

// wireEvent projects a stored transcript entry onto the wire shape.
func wireEvent(ev *store.SessionEvent) v1.SessionEvent {
	out := v1.SessionEvent{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		EventType: ev.EventType,
		Level:     ev.Level,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
	if ev.IdempotencyKey != nil {
		out.IdempotencyKey = *ev.IdempotencyKey
	}
	return out
}
