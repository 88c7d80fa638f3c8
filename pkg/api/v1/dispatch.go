package v1

import (
	"encoding/json"
	"fmt"
)

// DispatchKind identifies the workload class of a dispatch request.
type DispatchKind string

const (
	KindConnectorAction DispatchKind = "connector.action"
	KindAgentExecute    DispatchKind = "agent.execute"
	KindAgentRun        DispatchKind = "agent.run"
)

// ValidDispatchKinds is the set of kinds the gateway accepts.
var ValidDispatchKinds = map[DispatchKind]bool{
	KindConnectorAction: true,
	KindAgentExecute:    true,
	KindAgentRun:        true,
}

// DispatchStatus is the terminal status of a dispatch or turn.
type DispatchStatus string

const (
	StatusSucceeded DispatchStatus = "succeeded"
	StatusFailed    DispatchStatus = "failed"
)

// DispatchRequest is the body of POST /internal/v1/dispatch[-async].
type DispatchRequest struct {
	Kind           DispatchKind    `json:"kind" binding:"required"`
	OrganizationID string          `json:"organizationId" binding:"required"`
	RunID          string          `json:"runId" binding:"required"`
	WorkflowID     string          `json:"workflowId"`
	NodeID         string          `json:"nodeId" binding:"required"`
	AttemptCount   int             `json:"attemptCount"`
	TimeoutMs      int64           `json:"timeoutMs,omitempty"`
	NetworkMode    string          `json:"networkMode,omitempty"`
	Selector       *Selector       `json:"selector,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// RequestID derives the idempotent correlation id for this dispatch.
func (r *DispatchRequest) RequestID() string {
	return fmt.Sprintf("%s:%s:%d", r.RunID, r.NodeID, r.AttemptCount)
}

// DispatchResponse is the reply envelope stored under the reply key and the
// body of successful dispatch responses.
type DispatchResponse struct {
	Status    DispatchStatus   `json:"status"`
	Output    json.RawMessage  `json:"output,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"`
	Error     string           `json:"error,omitempty"`
	Message   string           `json:"message,omitempty"`
	Workspace *WorkspaceResult `json:"workspace,omitempty"`
}

// Failed reports whether the response carries a failure.
func (r *DispatchResponse) Failed() bool {
	return r.Status == StatusFailed
}

// FailedResponse builds a failed reply with the given wire code.
func FailedResponse(code, message string) *DispatchResponse {
	return &DispatchResponse{Status: StatusFailed, Error: code, Message: message}
}

// WorkspaceResult reports a committed (or acknowledged) workspace mutation.
type WorkspaceResult struct {
	WorkspaceID string `json:"workspaceId"`
	Version     int64  `json:"version"`
	ObjectKey   string `json:"objectKey,omitempty"`
	Etag        string `json:"etag,omitempty"`
}

// DispatchAccepted is the body of POST /internal/v1/dispatch-async responses.
type DispatchAccepted struct {
	RequestID  string `json:"requestId"`
	Dispatched bool   `json:"dispatched"`
	Cached     bool   `json:"cached,omitempty"`
}

// AgentRunEnv carries the environment block of an agent.run payload.
type AgentRunEnv struct {
	GithubAPIBaseURL string `json:"githubApiBaseUrl"`
}

// AgentRunPayload is the validated shape of an agent.run dispatch payload.
// Opaque node content is passed through untouched.
type AgentRunPayload struct {
	NodeID         string          `json:"nodeId"`
	Node           json.RawMessage `json:"node"`
	RunID          string          `json:"runId"`
	WorkflowID     string          `json:"workflowId"`
	AttemptCount   int             `json:"attemptCount"`
	EngineID       string          `json:"engineId,omitempty"`
	EngineSecretID string          `json:"engineSecretId,omitempty"`
	Env            AgentRunEnv     `json:"env"`
	SecretRefs     []SecretRef     `json:"secretRefs,omitempty"`
}

// SecretRef names a tenant secret to resolve before invoking the executor.
type SecretRef struct {
	ConnectorID string `json:"connectorId,omitempty"`
	SecretID    string `json:"secretId"`
	EnvKey      string `json:"envKey,omitempty"`
}
