package brain

import (
	"encoding/json"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// Supported executor engines. Session turns naming any other engine are
// rejected with ExecutorUnsupportedEngine before an executor is selected;
// agent.run dispatches pass unknown ids through to the executor, they just
// get no OAuth capacity gate.
const (
	EngineCodex    = "gateway.codex.v2"
	EngineClaude   = "gateway.claude.v2"
	EngineOpencode = "gateway.opencode.v2"
)

// Auth modes carried in the session_open engine config.
const (
	authModeInline = "inline"
	authModeOAuth  = "oauth"
	authModeEnv    = "env"
)

// Engine describes one supported engine and whether it can run on an
// executor's own OAuth grant.
type Engine struct {
	ID           string
	OAuthCapable bool
}

var engineTable = map[string]Engine{
	EngineCodex:    {ID: EngineCodex, OAuthCapable: true},
	EngineClaude:   {ID: EngineClaude, OAuthCapable: true},
	EngineOpencode: {ID: EngineOpencode, OAuthCapable: false},
}

// LookupEngine returns the engine table entry for an id.
func LookupEngine(id string) (Engine, bool) {
	eng, ok := engineTable[id]
	return eng, ok
}

// OAuthRequirement returns the engine id selection must hold a verified OAuth
// grant for, or "" when no grant is needed. An inline key always satisfies
// the engine, and engines outside the OAuth set never need a grant.
func OAuthRequirement(engineID string, hasInlineKey bool) string {
	if hasInlineKey {
		return ""
	}
	if eng, ok := engineTable[engineID]; ok && eng.OAuthCapable {
		return engineID
	}
	return ""
}

// inlineAuth is the auth payload forwarded with authMode "inline".
type inlineAuth struct {
	APIKey string `json:"apiKey"`
}

// resolveAuthMode picks the engine auth mode for one session opening:
// inline key when one is available, executor OAuth when the engine supports
// it, env otherwise. Inline keys are only forwarded to managed executors or
// to an executor the session selector named explicitly; a tenant key never
// reaches shared capacity it was not addressed to.
func resolveAuthMode(eng Engine, inlineKey string, route *v1.ExecutorRoute, explicitExecutor bool) (string, json.RawMessage) {
	if inlineKey != "" && (route.Pool == v1.PoolManaged || explicitExecutor) {
		raw, err := json.Marshal(inlineAuth{APIKey: inlineKey})
		if err == nil {
			return authModeInline, raw
		}
	}
	if eng.OAuthCapable {
		return authModeOAuth, nil
	}
	return authModeEnv, nil
}
