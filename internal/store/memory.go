package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and the single-binary build.
type MemoryStore struct {
	mu sync.RWMutex

	organizations map[string]*Organization
	members       map[string]map[string]*OrganizationMember // orgID -> userID
	executors     map[string]*Executor
	tokens        map[string]*ExecutorToken // keyed by token hash
	tokensByID    map[string]*ExecutorToken
	sessions      map[string]*Session
	events        map[string][]*SessionEvent          // sessionID -> ordered by seq
	eventsByKey   map[string]map[string]*SessionEvent // sessionID -> idempotency key
	workspaces    map[string]*Workspace               // keyed by id
	workspaceIdx  map[string]*Workspace               // keyed by org|ownerType|ownerID
	secrets       map[string]*Secret
	clientSess    map[string]*ClientSession // keyed by refresh token hash
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		organizations: make(map[string]*Organization),
		members:       make(map[string]map[string]*OrganizationMember),
		executors:     make(map[string]*Executor),
		tokens:        make(map[string]*ExecutorToken),
		tokensByID:    make(map[string]*ExecutorToken),
		sessions:      make(map[string]*Session),
		events:        make(map[string][]*SessionEvent),
		eventsByKey:   make(map[string]map[string]*SessionEvent),
		workspaces:    make(map[string]*Workspace),
		workspaceIdx:  make(map[string]*Workspace),
		secrets:       make(map[string]*Secret),
		clientSess:    make(map[string]*ClientSession),
	}
}

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	if _, exists := s.organizations[org.ID]; exists {
		return ErrDuplicate
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	cp := *org
	s.organizations[org.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.organizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) AddOrganizationMember(ctx context.Context, member *OrganizationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	byUser, ok := s.members[member.OrganizationID]
	if !ok {
		byUser = make(map[string]*OrganizationMember)
		s.members[member.OrganizationID] = byUser
	}
	cp := *member
	byUser[member.UserID] = &cp
	return nil
}

func (s *MemoryStore) IsOrganizationMember(ctx context.Context, organizationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser, ok := s.members[organizationID]
	if !ok {
		return false, nil
	}
	_, ok = byUser[userID]
	return ok, nil
}

func (s *MemoryStore) CreateExecutor(ctx context.Context, executor *Executor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executor.ID == "" {
		executor.ID = uuid.New().String()
	}
	if _, exists := s.executors[executor.ID]; exists {
		return ErrDuplicate
	}
	if executor.CreatedAt.IsZero() {
		executor.CreatedAt = time.Now().UTC()
	}
	cp := *executor
	s.executors[executor.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecutor(ctx context.Context, id string) (*Executor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) CreateExecutorToken(ctx context.Context, token *ExecutorToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if _, exists := s.tokens[token.TokenHash]; exists {
		return ErrDuplicate
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	cp := *token
	s.tokens[token.TokenHash] = &cp
	s.tokensByID[token.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecutorTokenByHash(ctx context.Context, tokenHash string) (*ExecutorToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryStore) TouchExecutorToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokensByID[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	tok.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := s.sessions[session.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, organizationID, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSessionPin(ctx context.Context, organizationID, sessionID string, executorID, pool *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.OrganizationID != organizationID {
		return ErrNotFound
	}
	sess.PinnedExecutorID = executorID
	sess.PinnedExecutorPool = pool
	sess.RoutedAgentID = nil
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateSessionRuntime(ctx context.Context, organizationID, sessionID string, runtime []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.OrganizationID != organizationID {
		return ErrNotFound
	}
	sess.Runtime = append([]byte(nil), runtime...)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendSessionEvent(ctx context.Context, event *SessionEvent) (*SessionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.IdempotencyKey != nil && *event.IdempotencyKey != "" {
		if byKey, ok := s.eventsByKey[event.SessionID]; ok {
			if existing, ok := byKey[*event.IdempotencyKey]; ok {
				cp := *existing
				return &cp, false, nil
			}
		}
	}

	cp := *event
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	list := s.events[event.SessionID]
	var maxSeq int64
	if n := len(list); n > 0 {
		maxSeq = list[n-1].Seq
	}
	cp.Seq = maxSeq + 1
	cp.CreatedAt = time.Now().UTC()
	s.events[event.SessionID] = append(list, &cp)

	if cp.IdempotencyKey != nil && *cp.IdempotencyKey != "" {
		byKey, ok := s.eventsByKey[event.SessionID]
		if !ok {
			byKey = make(map[string]*SessionEvent)
			s.eventsByKey[event.SessionID] = byKey
		}
		byKey[*cp.IdempotencyKey] = &cp
	}

	out := cp
	return &out, true, nil
}

func (s *MemoryStore) ListRecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.events[sessionID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*SessionEvent, 0, limit)
	for _, ev := range list[len(list)-limit:] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func workspaceIdxKey(organizationID string, ownerType OwnerType, ownerID string) string {
	return organizationID + "|" + string(ownerType) + "|" + ownerID
}

func (s *MemoryStore) GetOrCreateWorkspace(ctx context.Context, organizationID string, ownerType OwnerType, ownerID string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workspaceIdxKey(organizationID, ownerType, ownerID)
	if ws, ok := s.workspaceIdx[key]; ok {
		cp := *ws
		return &cp, nil
	}
	now := time.Now().UTC()
	ws := &Workspace{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		OwnerType:      ownerType,
		OwnerID:        ownerID,
		CurrentVersion: 0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.workspaces[ws.ID] = ws
	s.workspaceIdx[key] = ws
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) CommitWorkspaceVersion(ctx context.Context, workspaceID string, expectedVersion int64, objectKey, etag string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	if ws.CurrentVersion != expectedVersion {
		return nil, ErrVersionConflict
	}
	ws.CurrentVersion = expectedVersion + 1
	ws.CurrentObjectKey = objectKey
	ws.CurrentEtag = etag
	ws.UpdatedAt = time.Now().UTC()
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) CreateSecret(ctx context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}
	if _, exists := s.secrets[secret.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = now
	}
	secret.UpdatedAt = now
	cp := *secret
	cp.Ciphertext = append([]byte(nil), secret.Ciphertext...)
	cp.Nonce = append([]byte(nil), secret.Nonce...)
	s.secrets[secret.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, organizationID, id string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.secrets[id]
	if !ok || sec.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	cp := *sec
	cp.Ciphertext = append([]byte(nil), sec.Ciphertext...)
	cp.Nonce = append([]byte(nil), sec.Nonce...)
	return &cp, nil
}

func (s *MemoryStore) CreateClientSession(ctx context.Context, session *ClientSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := s.clientSess[session.RefreshTokenHash]; exists {
		return ErrDuplicate
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	cp := *session
	s.clientSess[session.RefreshTokenHash] = &cp
	return nil
}

func (s *MemoryStore) GetClientSessionByTokenHash(ctx context.Context, tokenHash string) (*ClientSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.clientSess[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() {}
