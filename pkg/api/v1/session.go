package v1

import (
	"encoding/json"
	"time"
)

// Session event types appended to the per-session log.
const (
	EventUserMessage  = "user_message"
	EventAgentMessage = "agent_message"
	EventAgentFinal   = "agent_final"
	EventError        = "error"
	EventSystem       = "system"
)

// Session event levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// System event actions recorded in system-level session events.
const (
	ActionSessionResetAgent       = "session_reset_agent"
	ActionSessionExecutorFailover = "session_executor_failover"
	ActionSessionCancelRequested  = "session_cancel_requested"
	ActionSessionTurnCanceled     = "session_turn_canceled"
)

// SessionEvent is the wire projection of one append-only session log entry.
// Seq is assigned by the store and strictly increasing per session.
type SessionEvent struct {
	SessionID      string          `json:"sessionId"`
	Seq            int64           `json:"seq"`
	EventType      string          `json:"eventType"`
	Level          string          `json:"level,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Client socket message types, client to edge.
const (
	ClientMsgSessionJoin       = "session_join"
	ClientMsgSessionSend       = "session_send"
	ClientMsgSessionResetAgent = "session_reset_agent"
	ClientMsgSessionCancel     = "session_cancel"
	ClientMsgSessionLeave      = "session_leave"
)

// Client socket message types, edge to client. Legacy frames are emitted
// alongside the v2 schema until consumers migrate.
const (
	ClientMsgSessionJoined  = "session_joined"
	ClientMsgSessionEventV2 = "session_event_v2"
	ClientMsgSessionState   = "session_state"
	ClientMsgSessionError   = "session_error"
	ClientMsgAgentDelta     = "agent_delta"
	ClientMsgAgentFinal     = "agent_final"
	ClientMsgSessionEvent   = "session_event"
)

// SessionJoinRequest subscribes the socket to a session's event stream.
type SessionJoinRequest struct {
	SessionID string `json:"sessionId"`
}

// ClientSessionSend submits one user message for a joined session.
type ClientSessionSend struct {
	SessionID      string       `json:"sessionId"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

// SessionResetRequest clears the session's executor pinning.
type SessionResetRequest struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode,omitempty"`
}

// SessionCancelRequest cancels the session's active turn.
type SessionCancelRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionLeaveRequest unsubscribes the socket from a session.
type SessionLeaveRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionJoinedReply replays the recent event window to a joining client.
type SessionJoinedReply struct {
	SessionID string         `json:"sessionId"`
	Events    []SessionEvent `json:"events"`
}

// SessionStateEvent reports pinning changes to joined clients.
type SessionStateEvent struct {
	SessionID          string  `json:"sessionId"`
	PinnedExecutorID   *string `json:"pinnedExecutorId"`
	PinnedExecutorPool *string `json:"pinnedExecutorPool"`
}

// SessionErrorEvent reports a failed turn to joined clients.
type SessionErrorEvent struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}
