// Package store persists the gateway's control-plane records: tenants,
// executor registrations, interactive sessions and their transcripts,
// workspace snapshot pointers, sealed secrets, and client login sessions.
//
// Two implementations exist: Postgres for production and an in-memory store
// for tests and the single-binary build. All lookups are tenant-scoped.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// OwnerType distinguishes what a workspace belongs to.
type OwnerType string

const (
	OwnerTypeSession     OwnerType = "session"
	OwnerTypeWorkflowRun OwnerType = "workflow_run"
)

// Organization is a tenant. Settings is the raw settings document; quota
// overrides live under settings.execution.quotas.
type Organization struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OrganizationMember links a user to a tenant.
type OrganizationMember struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Executor is a bring-your-own executor registration. Managed fleet
// executors are not stored here; their identity comes from their token.
type Executor struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	CreatedBy      string     `json:"created_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ExecutorToken authenticates an executor socket. Exactly one of ExecutorID
// (managed) or OrganizationID (byon) is set.
type ExecutorToken struct {
	ID             string     `json:"id"`
	TokenHash      string     `json:"token_hash"`
	ExecutorID     *string    `json:"executor_id,omitempty"`
	OrganizationID *string    `json:"organization_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Revoked reports whether the token has been revoked.
func (t *ExecutorToken) Revoked() bool {
	return t.RevokedAt != nil && !t.RevokedAt.IsZero()
}

// Session is an interactive agent session. Runtime is an engine-opaque state
// bag carried between turns. RoutedAgentID is the legacy pin column; the
// brain clears it whenever it writes a new executor pin.
type Session struct {
	ID                 string           `json:"id"`
	OrganizationID     string           `json:"organization_id"`
	UserID             string           `json:"user_id"`
	EngineID           string           `json:"engine_id"`
	EngineSecretID     *string          `json:"engine_secret_id,omitempty"`
	LLMProvider        string           `json:"llm_provider,omitempty"`
	LLMModel           string           `json:"llm_model,omitempty"`
	SystemPrompt       string           `json:"system_prompt,omitempty"`
	Instructions       string           `json:"instructions,omitempty"`
	ToolsAllow         []string         `json:"tools_allow,omitempty"`
	Limits             map[string]int64 `json:"limits,omitempty"`
	MemoryProvider     string           `json:"memory_provider,omitempty"`
	ExecutorSelector   *v1.Selector     `json:"executor_selector,omitempty"`
	PinnedExecutorID   *string          `json:"pinned_executor_id,omitempty"`
	PinnedExecutorPool *string          `json:"pinned_executor_pool,omitempty"`
	RoutedAgentID      *string          `json:"routed_agent_id,omitempty"`
	SessionKey         string           `json:"session_key,omitempty"`
	Runtime            json.RawMessage  `json:"runtime,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SessionEvent is one transcript entry. Seq is assigned by the store and is
// strictly monotonic per session.
type SessionEvent struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Seq            int64           `json:"seq"`
	EventType      string          `json:"event_type"`
	Level          string          `json:"level,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Workspace tracks the latest snapshot of a session's or run's filesystem.
// Version advances by exactly one per committed snapshot.
type Workspace struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	OwnerType        OwnerType `json:"owner_type"`
	OwnerID          string    `json:"owner_id"`
	CurrentVersion   int64     `json:"current_version"`
	CurrentObjectKey string    `json:"current_object_key,omitempty"`
	CurrentEtag      string    `json:"current_etag,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Secret is a sealed tenant secret. Ciphertext and Nonce come from AES-GCM
// under the gateway KEK; plaintext never lands in the store.
type Secret struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category,omitempty"`
	Ciphertext     []byte    `json:"-"`
	Nonce          []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ClientSession is a browser login session backing the refresh cookie.
type ClientSession struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RefreshTokenHash string     `json:"refresh_token_hash"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Active reports whether the login session is usable at now.
func (c *ClientSession) Active(now time.Time) bool {
	if c.RevokedAt != nil && !c.RevokedAt.IsZero() {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// HashToken derives the stored lookup hash for an opaque credential. Both
// executor tokens and refresh cookies are matched by this hash so raw
// credentials never touch the database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
