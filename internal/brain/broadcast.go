package brain

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func decodeFrame(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// publishToEdge appends one frame to an edge's command stream.
func (s *Service) publishToEdge(ctx context.Context, edgeID string, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal edge frame: %w", err)
	}
	return s.bus.Append(ctx, bus.StreamToEdge(edgeID), payload)
}

// broadcast fans one client wire message out to every edge currently hosting
// a socket joined to the session. Best effort: a missing presence set or a
// dead edge stream drops the broadcast, never the turn.
func (s *Service) broadcast(ctx context.Context, sessionID string, event []byte) {
	edges, err := s.bus.SMembers(ctx, bus.SessionEdgesKey(sessionID))
	if err != nil {
		s.logger.WithSessionID(sessionID).Warn("presence lookup failed", zap.Error(err))
		return
	}
	for _, edgeID := range edges {
		frame := v1.ClientBroadcastFrame{
			Type:      v1.FrameClientBroadcast,
			SessionID: sessionID,
			Event:     event,
		}
		if err := s.publishToEdge(ctx, edgeID, frame); err != nil {
			s.logger.WithSessionID(sessionID).Warn("broadcast publish failed",
				zap.String("edgeId", edgeID), zap.Error(err))
		}
	}
}

// appendEvent appends one entry to the session transcript and returns the
// stored event with its assigned seq.
func (s *Service) appendEvent(ctx context.Context, sessionID, eventType, level string, payload any) (*store.SessionEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := &store.SessionEvent{
		SessionID: sessionID,
		EventType: eventType,
		Level:     level,
		Payload:   raw,
	}
	stored, _, err := s.store.AppendSessionEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("append %s event: %w", eventType, err)
	}
	return stored, nil
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

// Client wire messages. The v2 schema wraps the structured transcript event;
// the legacy frames are emitted alongside it until consumers migrate.

type sessionEventMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Event     v1.SessionEvent `json:"event"`
}

type agentDeltaMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Message   string `json:"message"`
}

type agentFinalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Message   string          `json:"message"`
	Output    json.RawMessage `json:"output,omitempty"`
}

type sessionStateMessage struct {
	Type string `json:"type"`
	v1.SessionStateEvent
}

type sessionErrorMessage struct {
	Type string `json:"type"`
	v1.SessionErrorEvent
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("brain: marshal wire message: " + err.Error())
	}
	return raw
}

// broadcastEvent publishes a transcript entry to joined clients: always as
// session_event_v2 plus the matching legacy frame for the event type.
func (s *Service) broadcastEvent(ctx context.Context, ev *store.SessionEvent) {
	wire := wireEvent(ev)
	s.broadcast(ctx, ev.SessionID, mustMarshal(sessionEventMessage{
		Type:      v1.ClientMsgSessionEventV2,
		SessionID: ev.SessionID,
		Event:     wire,
	}))
	s.broadcast(ctx, ev.SessionID, mustMarshal(sessionEventMessage{
		Type:      v1.ClientMsgSessionEvent,
		SessionID: ev.SessionID,
		Event:     wire,
	}))

	switch ev.EventType {
	case v1.EventAgentMessage:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Payload, &body)
		s.broadcast(ctx, ev.SessionID, mustMarshal(agentDeltaMessage{
			Type:      v1.ClientMsgAgentDelta,
			SessionID: ev.SessionID,
			Seq:       ev.Seq,
			Message:   body.Message,
		}))
	case v1.EventAgentFinal:
		var body struct {
			Message string          `json:"message"`
			Output  json.RawMessage `json:"output"`
		}
		_ = json.Unmarshal(ev.Payload, &body)
		s.broadcast(ctx, ev.SessionID, mustMarshal(agentFinalMessage{
			Type:      v1.ClientMsgAgentFinal,
			SessionID: ev.SessionID,
			Seq:       ev.Seq,
			Message:   body.Message,
			Output:    body.Output,
		}))
	}
}

// broadcastState reports the session's pinning to joined clients.
func (s *Service) broadcastState(ctx context.Context, sessionID string, executorID, pool *string) {
	s.broadcast(ctx, sessionID, mustMarshal(sessionStateMessage{
		Type: v1.ClientMsgSessionState,
		SessionStateEvent: v1.SessionStateEvent{
			SessionID:          sessionID,
			PinnedExecutorID:   executorID,
			PinnedExecutorPool: pool,
		},
	}))
}

// broadcastError reports a failed turn to joined clients.
func (s *Service) broadcastError(ctx context.Context, sessionID, code, message string) {
	s.broadcast(ctx, sessionID, mustMarshal(sessionErrorMessage{
		Type: v1.ClientMsgSessionError,
		SessionErrorEvent: v1.SessionErrorEvent{
			SessionID: sessionID,
			Code:      code,
			Message:   message,
		},
	}))
}
