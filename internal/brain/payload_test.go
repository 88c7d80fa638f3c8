package brain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func validAgentRunPayload() map[string]any {
	return map[string]any{
		"nodeId":       "node-1",
		"node":         map[string]any{"kind": "agent", "prompt": "summarize"},
		"runId":        "run-1",
		"workflowId":   "wf-1",
		"attemptCount": 0,
		"engineId":     EngineCodex,
		"env":          map[string]any{"githubApiBaseUrl": "https://api.github.com"},
	}
}

func marshalPayload(t *testing.T, doc map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestDecodeAgentRunPayload(t *testing.T) {
	payload, err := DecodeAgentRunPayload(marshalPayload(t, validAgentRunPayload()))
	require.NoError(t, err)
	assert.Equal(t, "node-1", payload.NodeID)
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "wf-1", payload.WorkflowID)
	assert.Equal(t, EngineCodex, payload.EngineID)
	assert.Equal(t, "https://api.github.com", payload.Env.GithubAPIBaseURL)
}

func TestDecodeAgentRunPayloadRejections(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		_, err := DecodeAgentRunPayload(nil)
		assert.ErrorContains(t, err, "payload is required")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeAgentRunPayload(json.RawMessage(`{"nodeId":`))
		assert.ErrorContains(t, err, "not valid JSON")
	})

	t.Run("missing runId", func(t *testing.T) {
		doc := validAgentRunPayload()
		delete(doc, "runId")
		_, err := DecodeAgentRunPayload(marshalPayload(t, doc))
		assert.Error(t, err)
	})

	t.Run("empty github base url", func(t *testing.T) {
		doc := validAgentRunPayload()
		doc["env"] = map[string]any{"githubApiBaseUrl": ""}
		_, err := DecodeAgentRunPayload(marshalPayload(t, doc))
		assert.Error(t, err)
	})

	t.Run("secret ref without id", func(t *testing.T) {
		doc := validAgentRunPayload()
		doc["secretRefs"] = []map[string]any{{"envKey": "GH_TOKEN"}}
		_, err := DecodeAgentRunPayload(marshalPayload(t, doc))
		assert.Error(t, err)
	})

	t.Run("negative attempt count", func(t *testing.T) {
		doc := validAgentRunPayload()
		doc["attemptCount"] = -1
		_, err := DecodeAgentRunPayload(marshalPayload(t, doc))
		assert.Error(t, err)
	})
}

func TestDecodeAgentRunPayloadKeepsUnknownFields(t *testing.T) {
	doc := validAgentRunPayload()
	doc["customExtension"] = map[string]any{"nested": true}
	_, err := DecodeAgentRunPayload(marshalPayload(t, doc))
	assert.NoError(t, err, "unknown fields pass through")
}

func TestValidateWorkspaceAck(t *testing.T) {
	assert.NoError(t, ValidateWorkspaceAck(&v1.WorkspaceResult{
		WorkspaceID: "ws-1",
		Version:     1,
		ObjectKey:   "org-1/session/s-1/v1.tar.zst",
		Etag:        "etag-1",
	}))

	assert.Error(t, ValidateWorkspaceAck(&v1.WorkspaceResult{WorkspaceID: "ws-1", Version: 0}),
		"committed versions start at 1")
	assert.Error(t, ValidateWorkspaceAck(&v1.WorkspaceResult{Version: 2}),
		"workspace id is required")
}
