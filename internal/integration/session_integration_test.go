package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// TestSessionTurnReachesJoinedClient runs one interactive turn end to end:
// the internal API injects the user message, the brain opens the session on
// a selected executor and forwards the turn, and the final lands both on the
// joined client socket and under the turn's reply key.
func TestSessionTurnReachesJoinedClient(t *testing.T) {
	h := startGateway(t)
	ctx := context.Background()
	seedOrg(t, h, "org-a", "user-1")
	startEchoExecutor(t, h, "exec-1", map[string]v1.EngineAuth{
		"gateway.codex.v2": {OAuthVerified: true},
	})
	seedSession(t, h, &store.Session{ID: "sess-1", OrganizationID: "org-a", UserID: "user-1"})

	client := dialClient(t, h, "user-1", "org-a")
	require.NoError(t, client.WriteJSON(map[string]any{
		"type":      v1.ClientMsgSessionJoin,
		"sessionId": "sess-1",
	}))
	readFrame(t, client, v1.ClientMsgSessionJoined)

	status, body := h.doJSON(t, http.MethodPost, "/internal/v1/sessions/send", map[string]any{
		"organizationId": "org-a",
		"userId":         "user-1",
		"sessionId":      "sess-1",
		"message":        "hello gateway",
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var accepted struct {
		SessionID    string `json:"sessionId"`
		UserEventSeq int64  `json:"userEventSeq"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, int64(1), accepted.UserEventSeq)

	final := readSessionEvent(t, client, v1.EventAgentFinal)
	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(final.Payload, &payload))
	assert.Equal(t, "agent: hello gateway", payload.Message)

	// The winning executor is pinned for the next turn.
	sess, err := h.store.GetSession(ctx, "org-a", "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.PinnedExecutorID)
	assert.Equal(t, "exec-1", *sess.PinnedExecutorID)

	reply, err := h.results.GetReply(ctx, "sess-1:turn:1")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusSucceeded, reply.Status)
}

// TestSessionFailsOverWhenPinnedExecutorGone pins a session to an executor
// with no live route and verifies the next turn reselects, repins, and
// records the failover in the transcript.
func TestSessionFailsOverWhenPinnedExecutorGone(t *testing.T) {
	h := startGateway(t)
	ctx := context.Background()
	seedOrg(t, h, "org-a", "user-1")
	startEchoExecutor(t, h, "exec-live", map[string]v1.EngineAuth{
		"gateway.codex.v2": {OAuthVerified: true},
	})

	deadID, deadPool := "exec-dead", string(v1.PoolManaged)
	seedSession(t, h, &store.Session{
		ID:                 "sess-f",
		OrganizationID:     "org-a",
		UserID:             "user-1",
		PinnedExecutorID:   &deadID,
		PinnedExecutorPool: &deadPool,
	})

	status, body := h.doJSON(t, http.MethodPost, "/internal/v1/sessions/send", map[string]any{
		"organizationId": "org-a",
		"userId":         "user-1",
		"sessionId":      "sess-f",
		"message":        "still there?",
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var reply *v1.DispatchResponse
	waitFor(t, func() bool {
		r, err := h.results.GetReply(ctx, "sess-f:turn:1")
		if err != nil {
			return false
		}
		reply = r
		return true
	}, "turn reply")
	assert.Equal(t, v1.StatusSucceeded, reply.Status)

	sess, err := h.store.GetSession(ctx, "org-a", "sess-f")
	require.NoError(t, err)
	require.NotNil(t, sess.PinnedExecutorID)
	assert.Equal(t, "exec-live", *sess.PinnedExecutorID)

	events, err := h.store.ListRecentSessionEvents(ctx, "sess-f", 50)
	require.NoError(t, err)
	var failover *store.SessionEvent
	for _, ev := range events {
		if ev.EventType == v1.EventSystem {
			var p struct {
				Action string `json:"action"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil && p.Action == v1.ActionSessionExecutorFailover {
				failover = ev
				break
			}
		}
	}
	require.NotNil(t, failover, "failover system event in transcript")
	assert.Contains(t, string(failover.Payload), "exec-dead")
	assert.Contains(t, string(failover.Payload), "exec-live")
}
