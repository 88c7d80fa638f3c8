package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// TestDispatchRoundTrip drives a synchronous dispatch across both tiers:
// edge publish, brain selection, invoke over the executor socket, result
// completing the reply key, and the HTTP response waking on it.
func TestDispatchRoundTrip(t *testing.T) {
	h := startGateway(t)
	seedOrg(t, h, "org-a", "user-1")
	startEchoExecutor(t, h, "exec-1", nil)

	status, body := h.doJSON(t, http.MethodPost, "/internal/v1/dispatch", map[string]any{
		"kind":           v1.KindConnectorAction,
		"organizationId": "org-a",
		"runId":          "run-rt",
		"nodeId":         "node-1",
		"attemptCount":   0,
		"timeoutMs":      3000,
		"payload":        map[string]string{"op": "ping"},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp v1.DispatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, v1.StatusSucceeded, resp.Status)
	assert.JSONEq(t, `{"echo":{"op":"ping"}}`, string(resp.Output))

	// The brain cached the result, so the lookup endpoint serves it and a
	// retry of the same attempt never reaches selection again.
	status, body = h.doJSON(t, http.MethodGet, "/internal/v1/results/run-rt:node-1:0", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, v1.StatusSucceeded, resp.Status)
}

// TestDispatchFailsFastWithoutExecutors verifies a dispatch with no
// candidate executors completes with a coded failure instead of burning the
// caller's whole timeout.
func TestDispatchFailsFastWithoutExecutors(t *testing.T) {
	h := startGateway(t)
	seedOrg(t, h, "org-a", "user-1")

	status, body := h.doJSON(t, http.MethodPost, "/internal/v1/dispatch", map[string]any{
		"kind":           v1.KindConnectorAction,
		"organizationId": "org-a",
		"runId":          "run-none",
		"nodeId":         "node-1",
		"attemptCount":   0,
		"timeoutMs":      3000,
		"payload":        map[string]string{"op": "ping"},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp v1.DispatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Failed())
	assert.Equal(t, v1.ErrCodeNoExecutorAvailable, resp.Error)
}

// TestAsyncDispatchCompletesViaPolling accepts an async dispatch, lets the
// tiers run it, and polls the results endpoint until the cached response
// appears.
func TestAsyncDispatchCompletesViaPolling(t *testing.T) {
	h := startGateway(t)
	seedOrg(t, h, "org-a", "user-1")
	startEchoExecutor(t, h, "exec-1", nil)

	status, body := h.doJSON(t, http.MethodPost, "/internal/v1/dispatch-async", map[string]any{
		"kind":           v1.KindAgentExecute,
		"organizationId": "org-a",
		"runId":          "run-async",
		"nodeId":         "node-2",
		"attemptCount":   1,
		"timeoutMs":      3000,
		"payload":        map[string]string{"op": "crunch"},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var ack v1.DispatchAccepted
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, "run-async:node-2:1", ack.RequestID)
	assert.True(t, ack.Dispatched)

	var resp v1.DispatchResponse
	waitFor(t, func() bool {
		st, raw := h.doJSON(t, http.MethodGet, "/internal/v1/results/"+ack.RequestID, nil)
		if st != http.StatusOK {
			return false
		}
		return json.Unmarshal(raw, &resp) == nil
	}, "async result")
	assert.Equal(t, v1.StatusSucceeded, resp.Status)
	assert.JSONEq(t, `{"echo":{"op":"crunch"}}`, string(resp.Output))

	// Re-submitting the same attempt is acknowledged from the cache.
	status, body = h.doJSON(t, http.MethodPost, "/internal/v1/dispatch-async", map[string]any{
		"kind":           v1.KindAgentExecute,
		"organizationId": "org-a",
		"runId":          "run-async",
		"nodeId":         "node-2",
		"attemptCount":   1,
		"timeoutMs":      3000,
		"payload":        map[string]string{"op": "crunch"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Cached)
	assert.False(t, ack.Dispatched)
}
