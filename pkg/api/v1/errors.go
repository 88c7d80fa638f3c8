package v1

// Gateway error codes surfaced in failed dispatch responses and in session
// error events. Codes are part of the wire contract and must not be renamed.
const (
	// Selection and capacity.
	ErrCodeNoExecutorAvailable      = "NO_EXECUTOR_AVAILABLE"
	ErrCodeExecutorOverCapacity     = "EXECUTOR_OVER_CAPACITY"
	ErrCodeOrgQuotaExceeded         = "ORG_QUOTA_EXCEEDED"
	ErrCodeExecutorOAuthNotVerified = "EXECUTOR_OAUTH_NOT_VERIFIED"
	ErrCodePinnedAgentOffline       = "PINNED_AGENT_OFFLINE"

	// Execution outcomes.
	ErrCodeNodeExecutionTimeout = "NodeExecutionTimeout"
	ErrCodeNodeExecutionFailed  = "NodeExecutionFailed"
	ErrCodeTurnCanceled         = "TURN_CANCELED"

	// Workspace coordination.
	ErrCodeWorkspaceLocked          = "WORKSPACE_LOCKED"
	ErrCodeWorkspaceVersionConflict = "WORKSPACE_VERSION_CONFLICT"
	ErrCodeWorkspaceS3NotConfigured = "WORKSPACE_S3_NOT_CONFIGURED"

	// Contract violations.
	ErrCodeUnsupportedEngine      = "ExecutorUnsupportedEngine"
	ErrCodeInvalidAgentRunPayload = "INVALID_AGENT_RUN_PAYLOAD"
	ErrCodeInvalidBlockKind       = "INVALID_BLOCK_KIND"
	ErrCodeUnsupportedKind        = "UNSUPPORTED_KIND"

	// Edge-surfaced transport failures.
	ErrCodeGatewayTimeout         = "GATEWAY_TIMEOUT"
	ErrCodeGatewayResponseInvalid = "GATEWAY_RESPONSE_INVALID"

	// Legacy code written to the reply key when an executor socket send
	// fails after selection already succeeded.
	ErrCodeNoAgentAvailable = "NO_AGENT_AVAILABLE"

	// Internal HTTP surface.
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeResultNotReady = "RESULT_NOT_READY"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ErrorBody is the JSON body returned by internal HTTP endpoints on failure.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
