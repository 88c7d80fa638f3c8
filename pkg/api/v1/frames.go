package v1

import "encoding/json"

// Frame types carried on the to-brain stream.
const (
	FrameWorkflowDispatch = "workflow_dispatch"
	FrameSessionSend      = "session_send"
	FrameSessionReset     = "session_reset"
	FrameSessionCancel    = "session_cancel"
	FrameExecutorEvent    = "executor_event"
)

// Frame types carried on per-edge streams.
const (
	FrameExecutorInvoke  = "executor_invoke"
	FrameExecutorSession = "executor_session"
	FrameClientBroadcast = "client_broadcast"
	FrameWorkflowReply   = "workflow_reply"
	FrameChannelOutbound = "channel_outbound"
)

// FrameHeader is the minimal probe decoded to route a raw bus frame.
type FrameHeader struct {
	Type string `json:"type"`
}

// PeekFrameType returns the discriminator of a raw frame.
func PeekFrameType(raw []byte) (string, error) {
	var h FrameHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", err
	}
	return h.Type, nil
}

// WorkflowDispatchFrame asks any brain to execute one workflow node.
// OriginEdgeID names the edge whose HTTP handler is blocked on the reply;
// the brain pushes a workflow_reply frame there in addition to writing the
// reply key, so the waiter wakes without polling.
type WorkflowDispatchFrame struct {
	Type         string           `json:"type"`
	RequestID    string           `json:"requestId"`
	Dispatch     *DispatchRequest `json:"dispatch"`
	Async        bool             `json:"async"`
	OriginEdgeID string           `json:"originEdgeId,omitempty"`
}

// Attachment references user-supplied content accompanying a message.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// SessionSendFrame carries one user turn for an interactive session.
type SessionSendFrame struct {
	Type           string       `json:"type"`
	RequestID      string       `json:"requestId"`
	OrganizationID string       `json:"organizationId"`
	UserID         string       `json:"userId"`
	SessionID      string       `json:"sessionId"`
	UserEventSeq   int64        `json:"userEventSeq"`
	Message        string       `json:"message,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	OriginEdgeID   string       `json:"originEdgeId,omitempty"`
	Source         string       `json:"source,omitempty"`
}

// SessionResetFrame clears a session's executor pinning.
type SessionResetFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	SessionID      string `json:"sessionId"`
	Mode           string `json:"mode,omitempty"`
	OriginEdgeID   string `json:"originEdgeId,omitempty"`
}

// SessionCancelFrame requests cancellation of the session's active turn.
type SessionCancelFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	SessionID      string `json:"sessionId"`
	OriginEdgeID   string `json:"originEdgeId,omitempty"`
}

// ExecutorEventFrame forwards executor telemetry to the brain unmodified.
type ExecutorEventFrame struct {
	Type       string          `json:"type"`
	ExecutorID string          `json:"executorId"`
	Event      json.RawMessage `json:"event"`
}

// ExecutorInvokeFrame instructs an edge to forward a tool invocation to the
// executor socket it owns.
type ExecutorInvokeFrame struct {
	Type       string      `json:"type"`
	ExecutorID string      `json:"executorId"`
	Invoke     *ToolInvoke `json:"invoke"`
}

// ExecutorSessionFrame instructs an edge to forward a session command
// (session_open, session_turn or session_cancel) to an executor socket.
type ExecutorSessionFrame struct {
	Type       string          `json:"type"`
	ExecutorID string          `json:"executorId"`
	Payload    json.RawMessage `json:"payload"`
}

// ClientBroadcastFrame fans a session event out to clients joined on an edge.
type ClientBroadcastFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// WorkflowReplyFrame pushes a completed dispatch response back to an edge.
type WorkflowReplyFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Response  *DispatchResponse `json:"response"`
}

// ChannelOutboundFrame delivers a final agent message to a channel account.
type ChannelOutboundFrame struct {
	Type            string `json:"type"`
	OrganizationID  string `json:"organizationId"`
	SessionID       string `json:"sessionId"`
	SessionEventSeq int64  `json:"sessionEventSeq"`
	Source          string `json:"source"`
	Text            string `json:"text"`
}
