package v1

// ExecutorPool is the identity class of an executor.
type ExecutorPool string

const (
	PoolManaged ExecutorPool = "managed"
	PoolBYON    ExecutorPool = "byon"
)

// ExecutorKind is a workload class an executor can serve.
type ExecutorKind string

const (
	ExecutorKindConnectorAction ExecutorKind = "connector.action"
	ExecutorKindAgentExecute    ExecutorKind = "agent.execute"
	ExecutorKindAgentRun        ExecutorKind = "agent.run"
	ExecutorKindAgentSession    ExecutorKind = "agent.session"
)

// EngineAuth records the executor-side OAuth state for one engine.
type EngineAuth struct {
	OAuthVerified bool   `json:"oauthVerified"`
	CheckedAt     int64  `json:"checkedAt,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ExecutorRoute is the TTL'd directory entry describing a live executor and
// the edge hosting its socket. Absence of the route implies unavailable.
type ExecutorRoute struct {
	ExecutorID     string                `json:"executorId"`
	Pool           ExecutorPool          `json:"pool"`
	OrganizationID string                `json:"organizationId,omitempty"`
	EdgeID         string                `json:"edgeId"`
	Labels         []string              `json:"labels,omitempty"`
	Kinds          []ExecutorKind        `json:"kinds,omitempty"`
	MaxInFlight    int                   `json:"maxInFlight"`
	EngineAuth     map[string]EngineAuth `json:"engineAuth,omitempty"`
	LastSeenAtMs   int64                 `json:"lastSeenAtMs"`
}

// HasKind reports whether the route serves the given workload class.
func (r *ExecutorRoute) HasKind(kind ExecutorKind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HasLabel reports whether the route carries the given label.
func (r *ExecutorRoute) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// OAuthVerified reports whether the executor proved OAuth for the engine.
func (r *ExecutorRoute) OAuthVerified(engineID string) bool {
	auth, ok := r.EngineAuth[engineID]
	return ok && auth.OAuthVerified
}

// Selector restricts the candidate executors for a dispatch or session.
type Selector struct {
	Pool       ExecutorPool `json:"pool,omitempty"`
	Labels     []string     `json:"labels,omitempty"`
	Group      string       `json:"group,omitempty"`
	Tag        string       `json:"tag,omitempty"`
	ExecutorID string       `json:"executorId,omitempty"`
}

// ExecutorHello is the capabilities announcement an executor sends after
// connecting (message type executor_hello_v2).
type ExecutorHello struct {
	ExecutorID  string                `json:"executorId,omitempty"`
	Name        string                `json:"name,omitempty"`
	Labels      []string              `json:"labels,omitempty"`
	Kinds       []ExecutorKind        `json:"kinds,omitempty"`
	MaxInFlight int                   `json:"maxInFlight,omitempty"`
	EngineAuth  map[string]EngineAuth `json:"engineAuth,omitempty"`
}

// RoutesResponse is the body of GET /internal/v1/executors/routes.
type RoutesResponse struct {
	Routes []ExecutorRoute `json:"routes"`
}
