package v1

import "encoding/json"

// Message types on the executor socket, executor to edge.
const (
	MsgExecutorHello     = "executor_hello_v2"
	MsgToolResult        = "tool_result_v2"
	MsgToolEvent         = "tool_event_v2"
	MsgSessionOpened     = "session_opened"
	MsgTurnFinal         = "turn_final"
	MsgTurnError         = "turn_error"
	MsgMemorySyncResult  = "memory_sync_result"
	MsgMemoryQueryResult = "memory_query_result"
)

// Message types on the executor socket, edge to executor.
const (
	MsgInvokeTool    = "invoke_tool_v2"
	MsgSessionOpen   = "session_open"
	MsgSessionTurn   = "session_turn"
	MsgSessionCancel = "session_cancel"
)

// Mount is one entry of the tool sandbox mount allowlist.
type Mount struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// ToolPolicy constrains one tool invocation on the executor.
type ToolPolicy struct {
	NetworkModeDefaultDeny bool    `json:"networkModeDefaultDeny"`
	NetworkMode            string  `json:"networkMode,omitempty"`
	TimeoutMs              int64   `json:"timeoutMs"`
	OutputMaxChars         int     `json:"outputMaxChars"`
	MountsAllowlist        []Mount `json:"mountsAllowlist"`
}

// WorkspaceRef identifies the workspace snapshot an invocation starts from.
type WorkspaceRef struct {
	WorkspaceID string `json:"workspaceId"`
	Version     int64  `json:"version"`
	ObjectKey   string `json:"objectKey,omitempty"`
	Etag        string `json:"etag,omitempty"`
}

// WorkspaceUpload tells the executor where to put the next snapshot.
type WorkspaceUpload struct {
	URL       string `json:"url"`
	ObjectKey string `json:"objectKey"`
	Version   int64  `json:"version"`
}

// WorkspaceAccess carries the pre-signed URLs for one invocation.
type WorkspaceAccess struct {
	DownloadURL string           `json:"downloadUrl,omitempty"`
	Upload      *WorkspaceUpload `json:"upload,omitempty"`
}

// ToolInvoke is the invoke_tool_v2 command sent to an executor.
type ToolInvoke struct {
	Type            string           `json:"type"`
	RequestID       string           `json:"requestId"`
	Kind            DispatchKind     `json:"kind"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	ToolPolicy      ToolPolicy       `json:"toolPolicy"`
	Workspace       *WorkspaceRef    `json:"workspace,omitempty"`
	WorkspaceAccess *WorkspaceAccess `json:"workspaceAccess,omitempty"`
}

// ToolResult is the tool_result_v2 message an executor posts back.
type ToolResult struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Status    DispatchStatus  `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Workspace *WorkspaceRef   `json:"workspace,omitempty"`
}

// ToolEvent is incremental executor telemetry for an in-flight invocation.
type ToolEvent struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	ExecutorID string          `json:"executorId,omitempty"`
	Event      json.RawMessage `json:"event"`
}

// EngineConfig describes the engine an executor session must run.
type EngineConfig struct {
	ID       string          `json:"id"`
	Model    string          `json:"model,omitempty"`
	AuthMode string          `json:"authMode"`
	Runtime  json.RawMessage `json:"runtime,omitempty"`
	Auth     json.RawMessage `json:"auth,omitempty"`
}

// PromptConfig is the system/instruction prompt pair for a session.
type PromptConfig struct {
	System       string `json:"system,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// SessionConfig is the full configuration for opening an executor session.
type SessionConfig struct {
	Engine         EngineConfig     `json:"engine"`
	Prompt         PromptConfig     `json:"prompt"`
	ToolsAllow     []string         `json:"toolsAllow,omitempty"`
	Limits         map[string]int64 `json:"limits,omitempty"`
	MemoryProvider string           `json:"memoryProvider,omitempty"`
}

// SessionOpen is the session_open command sent to an executor.
type SessionOpen struct {
	Type          string        `json:"type"`
	RequestID     string        `json:"requestId"`
	SessionID     string        `json:"sessionId"`
	SessionConfig SessionConfig `json:"sessionConfig"`
}

// SessionOpened acknowledges a session_open command.
type SessionOpened struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionTurn is the session_turn command carrying one user turn.
type SessionTurn struct {
	Type         string       `json:"type"`
	RequestID    string       `json:"requestId"`
	SessionID    string       `json:"sessionId"`
	Message      string       `json:"message,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	UserEventSeq int64        `json:"userEventSeq,omitempty"`
}

// SessionCancelCmd is the session_cancel command forwarded to an executor.
type SessionCancelCmd struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// TurnFinal is the terminal success message for one session turn.
type TurnFinal struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Message   string          `json:"message,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// TurnError is the terminal failure message for one session turn.
type TurnError struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MemoryResult acknowledges a memory_sync or memory_query operation. Sync
// results carry the session whose runtime state the output replaces.
type MemoryResult struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId"`
	OrganizationID string          `json:"organizationId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Status         DispatchStatus  `json:"status,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
}
