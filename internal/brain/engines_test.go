package brain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func TestLookupEngine(t *testing.T) {
	for _, id := range []string{EngineCodex, EngineClaude, EngineOpencode} {
		eng, ok := LookupEngine(id)
		require.True(t, ok, id)
		assert.Equal(t, id, eng.ID)
	}

	_, ok := LookupEngine("gateway.mystery.v1")
	assert.False(t, ok)
}

func TestOAuthRequirement(t *testing.T) {
	tests := []struct {
		name     string
		engineID string
		inline   bool
		want     string
	}{
		{"codex without key needs oauth", EngineCodex, false, EngineCodex},
		{"claude without key needs oauth", EngineClaude, false, EngineClaude},
		{"inline key waives oauth", EngineCodex, true, ""},
		{"opencode never needs oauth", EngineOpencode, false, ""},
		{"unknown engine has no requirement", "gateway.mystery.v1", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OAuthRequirement(tt.engineID, tt.inline))
		})
	}
}

func TestResolveAuthMode(t *testing.T) {
	codex, _ := LookupEngine(EngineCodex)
	opencode, _ := LookupEngine(EngineOpencode)
	managed := &v1.ExecutorRoute{ExecutorID: "exec-m", Pool: v1.PoolManaged}
	byon := &v1.ExecutorRoute{ExecutorID: "exec-b", Pool: v1.PoolBYON}

	t.Run("inline key flows to managed executors", func(t *testing.T) {
		mode, auth := resolveAuthMode(codex, "sk-123", managed, false)
		assert.Equal(t, authModeInline, mode)
		var creds inlineAuth
		require.NoError(t, json.Unmarshal(auth, &creds))
		assert.Equal(t, "sk-123", creds.APIKey)
	})

	t.Run("inline key flows to an explicitly selected executor", func(t *testing.T) {
		mode, auth := resolveAuthMode(codex, "sk-123", byon, true)
		assert.Equal(t, authModeInline, mode)
		assert.NotEmpty(t, auth)
	})

	t.Run("inline key is withheld from an unselected byon executor", func(t *testing.T) {
		mode, auth := resolveAuthMode(codex, "sk-123", byon, false)
		assert.Equal(t, authModeOAuth, mode)
		assert.Empty(t, auth, "credential must not leave the gateway")
	})

	t.Run("oauth-capable engine without key", func(t *testing.T) {
		mode, auth := resolveAuthMode(codex, "", managed, false)
		assert.Equal(t, authModeOAuth, mode)
		assert.Empty(t, auth)
	})

	t.Run("env fallback for engines without oauth", func(t *testing.T) {
		mode, auth := resolveAuthMode(opencode, "", byon, false)
		assert.Equal(t, authModeEnv, mode)
		assert.Empty(t, auth)
	})
}
