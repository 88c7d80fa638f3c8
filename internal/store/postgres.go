package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vespid-ai/gateway/internal/common/database"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// schema is applied on startup. Statements are idempotent so multiple
// processes can race the migration safely.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    settings   JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS organization_members (
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    user_id         TEXT NOT NULL,
    role            TEXT NOT NULL DEFAULT 'member',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (organization_id, user_id)
);

CREATE TABLE IF NOT EXISTS executors (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    name            TEXT NOT NULL,
    created_by      TEXT NOT NULL DEFAULT '',
    revoked_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_executors_org ON executors(organization_id);

CREATE TABLE IF NOT EXISTS executor_tokens (
    id              TEXT PRIMARY KEY,
    token_hash      TEXT NOT NULL UNIQUE,
    executor_id     TEXT,
    organization_id TEXT,
    name            TEXT NOT NULL DEFAULT '',
    revoked_at      TIMESTAMPTZ,
    last_used_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (executor_id IS NOT NULL OR organization_id IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS sessions (
    id                   TEXT PRIMARY KEY,
    organization_id      TEXT NOT NULL REFERENCES organizations(id),
    user_id              TEXT NOT NULL,
    engine_id            TEXT NOT NULL,
    engine_secret_id     TEXT,
    llm_provider         TEXT NOT NULL DEFAULT '',
    llm_model            TEXT NOT NULL DEFAULT '',
    system_prompt        TEXT NOT NULL DEFAULT '',
    instructions         TEXT NOT NULL DEFAULT '',
    tools_allow          JSONB,
    limits               JSONB,
    memory_provider      TEXT NOT NULL DEFAULT '',
    executor_selector    JSONB,
    pinned_executor_id   TEXT,
    pinned_executor_pool TEXT,
    routed_agent_id      TEXT,
    session_key          TEXT NOT NULL DEFAULT '',
    runtime              JSONB,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_org ON sessions(organization_id);

CREATE TABLE IF NOT EXISTS session_events (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL REFERENCES sessions(id),
    seq             BIGINT NOT NULL,
    event_type      TEXT NOT NULL,
    level           TEXT NOT NULL DEFAULT '',
    payload         JSONB,
    idempotency_key TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_idem
    ON session_events(session_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS workspaces (
    id                 TEXT PRIMARY KEY,
    organization_id    TEXT NOT NULL REFERENCES organizations(id),
    owner_type         TEXT NOT NULL,
    owner_id           TEXT NOT NULL,
    current_version    BIGINT NOT NULL DEFAULT 0,
    current_object_key TEXT NOT NULL DEFAULT '',
    current_etag       TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (organization_id, owner_type, owner_id)
);

CREATE TABLE IF NOT EXISTS secrets (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    name            TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT '',
    ciphertext      BYTEA NOT NULL,
    nonce           BYTEA NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS client_sessions (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL,
    refresh_token_hash TEXT NOT NULL UNIQUE,
    expires_at         TIMESTAMPTZ NOT NULL,
    revoked_at         TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store on the shared control-plane database.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps a connected pool and applies the schema.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

// mapError converts driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	settings, err := marshalJSONMap(org.Settings)
	if err != nil {
		return err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO organizations (id, name, settings)
		VALUES ($1, $2, COALESCE($3::jsonb, '{}'::jsonb))
		RETURNING created_at`,
		org.ID, org.Name, settings)
	return mapError(row.Scan(&org.CreatedAt))
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var (
		org      Organization
		settings []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, settings, created_at
		FROM organizations WHERE id = $1`,
		id).Scan(&org.ID, &org.Name, &settings, &org.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &org.Settings); err != nil {
			return nil, fmt.Errorf("corrupt settings for organization %s: %w", id, err)
		}
	}
	return &org, nil
}

func (s *PostgresStore) AddOrganizationMember(ctx context.Context, member *OrganizationMember) error {
	role := member.Role
	if role == "" {
		role = "member"
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING created_at`,
		member.OrganizationID, member.UserID, role)
	return mapError(row.Scan(&member.CreatedAt))
}

func (s *PostgresStore) IsOrganizationMember(ctx context.Context, organizationID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM organization_members
			WHERE organization_id = $1 AND user_id = $2
		)`,
		organizationID, userID).Scan(&exists)
	return exists, mapError(err)
}

func (s *PostgresStore) CreateExecutor(ctx context.Context, executor *Executor) error {
	if executor.ID == "" {
		executor.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO executors (id, organization_id, name, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		executor.ID, executor.OrganizationID, executor.Name, executor.CreatedBy)
	return mapError(row.Scan(&executor.CreatedAt))
}

func (s *PostgresStore) GetExecutor(ctx context.Context, id string) (*Executor, error) {
	var ex Executor
	err := s.db.QueryRow(ctx, `
		SELECT id, organization_id, name, created_by, revoked_at, created_at
		FROM executors WHERE id = $1`,
		id).Scan(&ex.ID, &ex.OrganizationID, &ex.Name, &ex.CreatedBy, &ex.RevokedAt, &ex.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &ex, nil
}

func (s *PostgresStore) CreateExecutorToken(ctx context.Context, token *ExecutorToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO executor_tokens (id, token_hash, executor_id, organization_id, name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		token.ID, token.TokenHash, token.ExecutorID, token.OrganizationID, token.Name)
	return mapError(row.Scan(&token.CreatedAt))
}

func (s *PostgresStore) GetExecutorTokenByHash(ctx context.Context, tokenHash string) (*ExecutorToken, error) {
	var tok ExecutorToken
	err := s.db.QueryRow(ctx, `
		SELECT id, token_hash, executor_id, organization_id, name, revoked_at, last_used_at, created_at
		FROM executor_tokens WHERE token_hash = $1`,
		tokenHash).Scan(&tok.ID, &tok.TokenHash, &tok.ExecutorID, &tok.OrganizationID,
		&tok.Name, &tok.RevokedAt, &tok.LastUsedAt, &tok.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &tok, nil
}

func (s *PostgresStore) TouchExecutorToken(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE executor_tokens SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	toolsAllow, err := marshalJSONSlice(session.ToolsAllow)
	if err != nil {
		return err
	}
	limits, err := marshalJSONLimits(session.Limits)
	if err != nil {
		return err
	}
	var selector []byte
	if session.ExecutorSelector != nil {
		if selector, err = json.Marshal(session.ExecutorSelector); err != nil {
			return err
		}
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO sessions (
			id, organization_id, user_id, engine_id, engine_secret_id,
			llm_provider, llm_model, system_prompt, instructions,
			tools_allow, limits, memory_provider, executor_selector, session_key, runtime
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		session.ID, session.OrganizationID, session.UserID, session.EngineID, session.EngineSecretID,
		session.LLMProvider, session.LLMModel, session.SystemPrompt, session.Instructions,
		toolsAllow, limits, session.MemoryProvider, selector, session.SessionKey,
		nilIfEmpty(session.Runtime))
	return mapError(row.Scan(&session.CreatedAt, &session.UpdatedAt))
}

func (s *PostgresStore) GetSession(ctx context.Context, organizationID, id string) (*Session, error) {
	var (
		sess       Session
		toolsAllow []byte
		limits     []byte
		selector   []byte
		runtime    []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, organization_id, user_id, engine_id, engine_secret_id,
		       llm_provider, llm_model, system_prompt, instructions,
		       tools_allow, limits, memory_provider, executor_selector,
		       pinned_executor_id, pinned_executor_pool, routed_agent_id,
		       session_key, runtime, created_at, updated_at
		FROM sessions WHERE id = $1 AND organization_id = $2`,
		id, organizationID).Scan(
		&sess.ID, &sess.OrganizationID, &sess.UserID, &sess.EngineID, &sess.EngineSecretID,
		&sess.LLMProvider, &sess.LLMModel, &sess.SystemPrompt, &sess.Instructions,
		&toolsAllow, &limits, &sess.MemoryProvider, &selector,
		&sess.PinnedExecutorID, &sess.PinnedExecutorPool, &sess.RoutedAgentID,
		&sess.SessionKey, &runtime, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if len(toolsAllow) > 0 {
		if err := json.Unmarshal(toolsAllow, &sess.ToolsAllow); err != nil {
			return nil, fmt.Errorf("corrupt tools_allow for session %s: %w", id, err)
		}
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &sess.Limits); err != nil {
			return nil, fmt.Errorf("corrupt limits for session %s: %w", id, err)
		}
	}
	if len(selector) > 0 {
		sess.ExecutorSelector = &v1.Selector{}
		if err := json.Unmarshal(selector, sess.ExecutorSelector); err != nil {
			return nil, fmt.Errorf("corrupt executor_selector for session %s: %w", id, err)
		}
	}
	sess.Runtime = runtime
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionPin(ctx context.Context, organizationID, sessionID string, executorID, pool *string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET pinned_executor_id = $3, pinned_executor_pool = $4, routed_agent_id = NULL, updated_at = now()
		WHERE id = $2 AND organization_id = $1`,
		organizationID, sessionID, executorID, pool)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSessionRuntime(ctx context.Context, organizationID, sessionID string, runtime []byte) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET runtime = $3, updated_at = now()
		WHERE id = $2 AND organization_id = $1`,
		organizationID, sessionID, nilIfEmpty(runtime))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendSessionEvent assigns the next seq under the session's row lock so
// concurrent appenders cannot produce gaps or duplicates. An idempotency key
// replay returns the stored event without writing.
func (s *PostgresStore) AppendSessionEvent(ctx context.Context, event *SessionEvent) (*SessionEvent, bool, error) {
	var (
		out     SessionEvent
		created bool
	)
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var orgID string
		if err := tx.QueryRow(ctx,
			`SELECT organization_id FROM sessions WHERE id = $1 FOR UPDATE`,
			event.SessionID).Scan(&orgID); err != nil {
			return mapError(err)
		}

		if event.IdempotencyKey != nil && *event.IdempotencyKey != "" {
			var payload []byte
			err := tx.QueryRow(ctx, `
				SELECT id, session_id, seq, event_type, level, payload, idempotency_key, created_at
				FROM session_events
				WHERE session_id = $1 AND idempotency_key = $2`,
				event.SessionID, *event.IdempotencyKey).Scan(
				&out.ID, &out.SessionID, &out.Seq, &out.EventType, &out.Level,
				&payload, &out.IdempotencyKey, &out.CreatedAt)
			if err == nil {
				out.Payload = payload
				created = false
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		id := event.ID
		if id == "" {
			id = uuid.New().String()
		}
		var payload []byte
		err := tx.QueryRow(ctx, `
			INSERT INTO session_events (id, session_id, seq, event_type, level, payload, idempotency_key)
			VALUES (
				$1, $2,
				(SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $2),
				$3, $4, $5, $6
			)
			RETURNING id, session_id, seq, event_type, level, payload, idempotency_key, created_at`,
			id, event.SessionID, event.EventType, event.Level,
			nilIfEmpty(event.Payload), event.IdempotencyKey).Scan(
			&out.ID, &out.SessionID, &out.Seq, &out.EventType, &out.Level,
			&payload, &out.IdempotencyKey, &out.CreatedAt)
		if err != nil {
			return mapError(err)
		}
		out.Payload = payload
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (s *PostgresStore) ListRecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, seq, event_type, level, payload, idempotency_key, created_at
		FROM (
			SELECT * FROM session_events
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC`,
		sessionID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var (
			ev      SessionEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.EventType, &ev.Level,
			&payload, &ev.IdempotencyKey, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetOrCreateWorkspace(ctx context.Context, organizationID string, ownerType OwnerType, ownerID string) (*Workspace, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workspaces (id, organization_id, owner_type, owner_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, owner_type, owner_id) DO NOTHING`,
		uuid.New().String(), organizationID, ownerType, ownerID)
	if err != nil {
		return nil, mapError(err)
	}

	var ws Workspace
	err = s.db.QueryRow(ctx, `
		SELECT id, organization_id, owner_type, owner_id, current_version,
		       current_object_key, current_etag, created_at, updated_at
		FROM workspaces
		WHERE organization_id = $1 AND owner_type = $2 AND owner_id = $3`,
		organizationID, ownerType, ownerID).Scan(
		&ws.ID, &ws.OrganizationID, &ws.OwnerType, &ws.OwnerID, &ws.CurrentVersion,
		&ws.CurrentObjectKey, &ws.CurrentEtag, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &ws, nil
}

// CommitWorkspaceVersion advances the snapshot pointer only when the caller
// observed the current version; a lost race surfaces as ErrVersionConflict.
func (s *PostgresStore) CommitWorkspaceVersion(ctx context.Context, workspaceID string, expectedVersion int64, objectKey, etag string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRow(ctx, `
		UPDATE workspaces
		SET current_version = $2 + 1, current_object_key = $3, current_etag = $4, updated_at = now()
		WHERE id = $1 AND current_version = $2
		RETURNING id, organization_id, owner_type, owner_id, current_version,
		          current_object_key, current_etag, created_at, updated_at`,
		workspaceID, expectedVersion, objectKey, etag).Scan(
		&ws.ID, &ws.OrganizationID, &ws.OwnerType, &ws.OwnerID, &ws.CurrentVersion,
		&ws.CurrentObjectKey, &ws.CurrentEtag, &ws.CreatedAt, &ws.UpdatedAt)
	if err == nil {
		return &ws, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = $1)`,
		workspaceID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrVersionConflict
}

func (s *PostgresStore) CreateSecret(ctx context.Context, secret *Secret) error {
	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO secrets (id, organization_id, name, category, ciphertext, nonce)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		secret.ID, secret.OrganizationID, secret.Name, secret.Category,
		secret.Ciphertext, secret.Nonce)
	return mapError(row.Scan(&secret.CreatedAt, &secret.UpdatedAt))
}

func (s *PostgresStore) GetSecret(ctx context.Context, organizationID, id string) (*Secret, error) {
	var sec Secret
	err := s.db.QueryRow(ctx, `
		SELECT id, organization_id, name, category, ciphertext, nonce, created_at, updated_at
		FROM secrets WHERE id = $1 AND organization_id = $2`,
		id, organizationID).Scan(
		&sec.ID, &sec.OrganizationID, &sec.Name, &sec.Category,
		&sec.Ciphertext, &sec.Nonce, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &sec, nil
}

func (s *PostgresStore) CreateClientSession(ctx context.Context, session *ClientSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO client_sessions (id, user_id, refresh_token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		session.ID, session.UserID, session.RefreshTokenHash, session.ExpiresAt)
	return mapError(row.Scan(&session.CreatedAt))
}

func (s *PostgresStore) GetClientSessionByTokenHash(ctx context.Context, tokenHash string) (*ClientSession, error) {
	var sess ClientSession
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, refresh_token_hash, expires_at, revoked_at, created_at
		FROM client_sessions WHERE refresh_token_hash = $1`,
		tokenHash).Scan(&sess.ID, &sess.UserID, &sess.RefreshTokenHash,
		&sess.ExpiresAt, &sess.RevokedAt, &sess.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &sess, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func marshalJSONSlice(s []string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func marshalJSONLimits(m map[string]int64) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
