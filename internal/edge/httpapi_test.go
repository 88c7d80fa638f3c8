package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func dispatchBody(runID string) map[string]any {
	return map[string]any{
		"kind":           string(v1.KindConnectorAction),
		"organizationId": "org-a",
		"runId":          runID,
		"nodeId":         "node-1",
		"attemptCount":   0,
		"timeoutMs":      2000,
		"payload":        map[string]any{"connector": "slack"},
	}
}

func TestInternalAPIRequiresServiceToken(t *testing.T) {
	fx := newFixture(t)

	status, _ := fx.doJSON(t, http.MethodGet, "/internal/v1/results/abc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := fx.doJSON(t, http.MethodGet, "/internal/v1/results/abc", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	var eb v1.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, v1.ErrCodeUnauthorized, eb.Error)
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)

	status, body := fx.doJSON(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "edge-1", out["edgeId"])
}

func TestMetricsExposed(t *testing.T) {
	fx := newFixture(t)

	status, body := fx.doJSON(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body)
}

func TestPprofBehindServiceToken(t *testing.T) {
	fx := newFixture(t)

	status, _ := fx.doJSON(t, http.MethodGet, "/debug/pprof/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := fx.doJSON(t, http.MethodGet, "/debug/pprof/", testServiceToken, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body)
}

func TestDispatchValidation(t *testing.T) {
	fx := newFixture(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", map[string]any{"kind": "agent.session", "organizationId": "org-a", "runId": "r", "nodeId": "n"}},
		{"missing org", map[string]any{"kind": "agent.run", "runId": "r", "nodeId": "n"}},
		{"missing node", map[string]any{"kind": "agent.run", "organizationId": "org-a", "runId": "r"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch", testServiceToken, tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			var eb v1.ErrorBody
			require.NoError(t, json.Unmarshal(body, &eb))
			assert.Equal(t, v1.ErrCodeBadRequest, eb.Error)
		})
	}
}

func TestDispatchSyncWakesOnReplyKey(t *testing.T) {
	fx := newFixture(t)
	requestID := "run-sync:node-1:0"

	go func() {
		time.Sleep(60 * time.Millisecond)
		fx.results.CompleteReply(context.Background(), requestID, &v1.DispatchResponse{
			Status: v1.StatusSucceeded,
			Output: json.RawMessage(`{"rows":3}`),
		})
	}()

	status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch", testServiceToken, dispatchBody("run-sync"))
	require.Equal(t, http.StatusOK, status, string(body))
	var resp v1.DispatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, v1.StatusSucceeded, resp.Status)
	assert.JSONEq(t, `{"rows":3}`, string(resp.Output))

	frames := fx.brainFrames(t, 1)
	var frame v1.WorkflowDispatchFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, v1.FrameWorkflowDispatch, frame.Type)
	assert.Equal(t, requestID, frame.RequestID)
	assert.False(t, frame.Async)
	assert.Equal(t, "edge-1", frame.OriginEdgeID)
	require.NotNil(t, frame.Dispatch)
	assert.Equal(t, v1.KindConnectorAction, frame.Dispatch.Kind)
}

func TestDispatchSyncWakesOnReplyFrame(t *testing.T) {
	fx := newFixture(t)
	requestID := "run-frame:node-1:0"

	go func() {
		time.Sleep(60 * time.Millisecond)
		fx.pushToEdge(t, v1.WorkflowReplyFrame{
			Type:      v1.FrameWorkflowReply,
			RequestID: requestID,
			Response:  &v1.DispatchResponse{Status: v1.StatusSucceeded, Message: "via frame"},
		})
	}()

	status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch", testServiceToken, dispatchBody("run-frame"))
	require.Equal(t, http.StatusOK, status, string(body))
	var resp v1.DispatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "via frame", resp.Message)
}

func TestDispatchSyncTimesOut(t *testing.T) {
	fx := newFixture(t)

	body := dispatchBody("run-slow")
	body["timeoutMs"] = 100

	start := time.Now()
	status, raw := fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch", testServiceToken, body)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Less(t, time.Since(start), 2*time.Second)
	var eb v1.ErrorBody
	require.NoError(t, json.Unmarshal(raw, &eb))
	assert.Equal(t, v1.ErrCodeGatewayTimeout, eb.Error)
}

func TestDispatchServedFromResultsCache(t *testing.T) {
	fx := newFixture(t)
	requestID := "run-cached:node-1:0"
	require.NoError(t, fx.results.PutResult(context.Background(), requestID, &v1.DispatchResponse{
		Status: v1.StatusSucceeded,
		Output: json.RawMessage(`{"cached":true}`),
	}))

	status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch", testServiceToken, dispatchBody("run-cached"))
	require.Equal(t, http.StatusOK, status)
	var resp v1.DispatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.JSONEq(t, `{"cached":true}`, string(resp.Output))

	// Cache hits never reach the brain tier.
	ds, err := fx.bus.ReadGroup(context.Background(), bus.StreamToBrain, bus.GroupBrain, "probe", 8, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestDispatchAsyncAcceptsThenReportsCached(t *testing.T) {
	fx := newFixture(t)
	requestID := "run-async:node-1:0"

	status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch-async", testServiceToken, dispatchBody("run-async"))
	require.Equal(t, http.StatusCreated, status)
	var acc v1.DispatchAccepted
	require.NoError(t, json.Unmarshal(body, &acc))
	assert.Equal(t, requestID, acc.RequestID)
	assert.True(t, acc.Dispatched)

	frames := fx.brainFrames(t, 1)
	var frame v1.WorkflowDispatchFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.True(t, frame.Async)

	require.NoError(t, fx.results.PutResult(context.Background(), requestID, &v1.DispatchResponse{
		Status: v1.StatusSucceeded,
	}))

	status, body = fx.doJSON(t, http.MethodPost, "/internal/v1/dispatch-async", testServiceToken, dispatchBody("run-async"))
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &acc))
	assert.True(t, acc.Cached)
	assert.False(t, acc.Dispatched)
}

func TestResultLookup(t *testing.T) {
	fx := newFixture(t)
	requestID := "run-res:node-1:0"

	status, body := fx.doJSON(t, http.MethodGet, "/internal/v1/results/"+requestID, testServiceToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	var eb v1.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, v1.ErrCodeResultNotReady, eb.Error)

	require.NoError(t, fx.results.PutResult(context.Background(), requestID, &v1.DispatchResponse{
		Status:  v1.StatusFailed,
		Error:   v1.ErrCodeNodeExecutionFailed,
		Message: "boom",
	}))

	status, body = fx.doJSON(t, http.MethodGet, "/internal/v1/results/"+requestID, testServiceToken, nil)
	require.Equal(t, http.StatusOK, status)
	var resp v1.DispatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Failed())
	assert.Equal(t, "boom", resp.Message)
}

func TestRoutesListingAppliesTenancy(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	routes := []*v1.ExecutorRoute{
		{ExecutorID: "m-1", Pool: v1.PoolManaged, EdgeID: "edge-1", LastSeenAtMs: now},
		{ExecutorID: "b-a", Pool: v1.PoolBYON, OrganizationID: "org-a", EdgeID: "edge-1", LastSeenAtMs: now},
		{ExecutorID: "b-b", Pool: v1.PoolBYON, OrganizationID: "org-b", EdgeID: "edge-2", LastSeenAtMs: now},
	}
	for _, r := range routes {
		require.NoError(t, fx.state.PutRoute(ctx, r, time.Minute))
	}

	status, body := fx.doJSON(t, http.MethodGet, "/internal/v1/executors/routes", testServiceToken, nil)
	require.Equal(t, http.StatusOK, status)
	var all v1.RoutesResponse
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all.Routes, 3)

	status, body = fx.doJSON(t, http.MethodGet, "/internal/v1/executors/routes?organizationId=org-a", testServiceToken, nil)
	require.Equal(t, http.StatusOK, status)
	var scoped v1.RoutesResponse
	require.NoError(t, json.Unmarshal(body, &scoped))
	require.Len(t, scoped.Routes, 2)
	ids := []string{scoped.Routes[0].ExecutorID, scoped.Routes[1].ExecutorID}
	assert.ElementsMatch(t, []string{"m-1", "b-a"}, ids)
}

func TestSessionSendInjectsUserTurn(t *testing.T) {
	fx := newFixture(t)
	sess := seedSession(t, fx, &store.Session{
		ID:             uuid.NewString(),
		OrganizationID: "org-a",
		UserID:         "user-1",
	})

	status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/sessions/send", testServiceToken, map[string]any{
		"organizationId": "org-a",
		"sessionId":      sess.ID,
		"message":        "run the report",
	})
	require.Equal(t, http.StatusAccepted, status, string(body))
	var acc sessionSendAccepted
	require.NoError(t, json.Unmarshal(body, &acc))
	assert.Equal(t, sess.ID, acc.SessionID)
	assert.Equal(t, int64(1), acc.UserEventSeq)

	frames := fx.brainFrames(t, 1)
	var frame v1.SessionSendFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, v1.FrameSessionSend, frame.Type)
	assert.Equal(t, sourceInternal, frame.Source)
	assert.Equal(t, "user-1", frame.UserID)
	assert.Equal(t, int64(1), frame.UserEventSeq)
}

func TestSessionSendUnknownSession(t *testing.T) {
	fx := newFixture(t)

	status, body := fx.doJSON(t, http.MethodPost, "/internal/v1/sessions/send", testServiceToken, map[string]any{
		"organizationId": "org-a",
		"sessionId":      "nope",
		"message":        "hello",
	})
	assert.Equal(t, http.StatusNotFound, status)
	var eb v1.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, v1.ErrCodeNotFound, eb.Error)
}

func TestSessionSendRequiresFields(t *testing.T) {
	fx := newFixture(t)

	status, _ := fx.doJSON(t, http.MethodPost, "/internal/v1/sessions/send", testServiceToken, map[string]any{
		"organizationId": "org-a",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestChannelTestSendForcesSource(t *testing.T) {
	fx := newFixture(t)
	sess := seedSession(t, fx, &store.Session{
		ID:             uuid.NewString(),
		OrganizationID: "org-a",
		UserID:         "user-1",
	})

	status, _ := fx.doJSON(t, http.MethodPost, "/internal/v1/channels/test-send", testServiceToken, map[string]any{
		"organizationId": "org-a",
		"sessionId":      sess.ID,
		"message":        "ping from channel",
		"source":         "spoofed",
	})
	require.Equal(t, http.StatusAccepted, status)

	frames := fx.brainFrames(t, 1)
	var frame v1.SessionSendFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, sourceChannelTest, frame.Source)
}
