// Package integration runs both gateway tiers in one process and drives them
// through real sockets and the internal HTTP API. The edge and brain share a
// memory bus, so every flow crosses the same streams, groups, and reply keys
// a multi-process deployment would.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/brain"
	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/edge"
	"github.com/vespid-ai/gateway/internal/jobs"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/secrets"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/workspace"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

const serviceToken = "svc-token-e2e"

func gatewayConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:     "127.0.0.1:0",
			EdgeID:       "edge-e2e",
			ReadTimeout:  5,
			WriteTimeout: 5,
		},
		Auth: config.AuthConfig{
			ServiceToken:       serviceToken,
			AccessTokenSecret:  "access-secret-e2e",
			RefreshTokenSecret: "refresh-secret-e2e",
			SessionCookieName:  "gw_session",
		},
		Scheduler: config.SchedulerConfig{
			OrgMaxInFlight:         50,
			ExecutorMaxInFlightCap: 16,
			ReserveTTLMs:           300000,
			OrgQuotaCacheTTLMs:     15000,
			StaleExecutorMs:        60000,
		},
		Dispatch: config.DispatchConfig{
			DefaultTimeoutMs:   2000,
			MaxTimeoutMs:       5000,
			ResultsTTLSec:      60,
			ToolOutputMaxChars: 200000,
		},
		Session: config.SessionConfig{OpenTimeoutMs: 1500},
		Workspace: config.WorkspaceConfig{
			S3Bucket:          "gw-workspaces",
			S3Region:          "us-east-1",
			S3Endpoint:        "http://127.0.0.1:9000",
			S3AccessKeyID:     "test",
			S3SecretAccessKey: "test",
			S3UsePathStyle:    true,
			PresignExpiresSec: 600,
		},
		Brain:   config.BrainConfig{Workers: 2},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

// harness is one in-process gateway: a started brain, a started edge, and
// the shared infrastructure both run on.
type harness struct {
	cfg     *config.Config
	bus     *bus.MemoryBus
	store   *store.MemoryStore
	state   *scheduler.MemoryState
	results *results.Store
	edge    *edge.Service
	brain   *brain.Service
	baseURL string
	wsURL   string
}

// startGateway brings up the brain before the edge so the to-brain consumer
// group exists before the first dispatch is published.
func startGateway(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := gatewayConfig()
	log := logger.Default()
	b := bus.NewMemoryBus()
	t.Cleanup(b.Close)

	st := store.NewMemoryStore()
	state := scheduler.NewMemoryState()
	res := results.NewStore(b, cfg.Dispatch)
	m := metrics.New(prometheus.NewRegistry())

	kek, err := secrets.GenerateKEK()
	require.NoError(t, err)
	prov, err := secrets.NewKEKProvider(kek)
	require.NoError(t, err)

	presigner, err := workspace.NewPresigner(ctx, cfg.Workspace)
	require.NoError(t, err)

	brainSvc := brain.New(cfg, brain.Deps{
		Bus:        b,
		Store:      st,
		Scheduler:  scheduler.New(state, cfg.Scheduler, log),
		Quotas:     scheduler.NewQuotaCache(st, b, cfg.Scheduler, log),
		Results:    res,
		Workspaces: workspace.NewCoordinator(st, b, presigner, log),
		Secrets:    secrets.NewService(st, prov, log),
		Queue:      jobs.NewMemoryQueue(),
		Metrics:    m,
	}, log)
	require.NoError(t, brainSvc.Start(ctx))
	t.Cleanup(func() { _ = brainSvc.Stop() })

	edgeSvc := edge.New(cfg, edge.Deps{
		Bus:     b,
		Store:   st,
		State:   state,
		Results: res,
		Metrics: m,
	}, log)
	require.NoError(t, edgeSvc.Start(ctx))
	t.Cleanup(func() { _ = edgeSvc.Stop() })

	return &harness{
		cfg:     cfg,
		bus:     b,
		store:   st,
		state:   state,
		results: res,
		edge:    edgeSvc,
		brain:   brainSvc,
		baseURL: "http://" + edgeSvc.Addr(),
		wsURL:   "ws://" + edgeSvc.Addr(),
	}
}

func (h *harness) doJSON(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.baseURL+path, rd)
	require.NoError(t, err)
	req.Header.Set("x-gateway-token", serviceToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func seedOrg(t *testing.T, h *harness, orgID, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateOrganization(ctx, &store.Organization{ID: orgID, Name: orgID}))
	require.NoError(t, h.store.AddOrganizationMember(ctx, &store.OrganizationMember{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           "member",
	}))
}

func seedSession(t *testing.T, h *harness, sess *store.Session) *store.Session {
	t.Helper()
	if sess.EngineID == "" {
		sess.EngineID = "gateway.codex.v2"
	}
	require.NoError(t, h.store.CreateSession(context.Background(), sess))
	return sess
}

// startEchoExecutor connects a managed executor that answers the whole
// command surface: invokes echo their payload, opens always succeed, and
// turns stream one delta before the final. The loop exits when the harness
// closes the socket during cleanup.
func startEchoExecutor(t *testing.T, h *harness, executorID string, engineAuth map[string]v1.EngineAuth) *websocket.Conn {
	t.Helper()

	raw := "mtk." + uuid.NewString()
	require.NoError(t, h.store.CreateExecutorToken(context.Background(), &store.ExecutorToken{
		ID:         uuid.NewString(),
		TokenHash:  store.HashToken(raw),
		ExecutorID: &executorID,
	}))

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+raw)
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL+"/ws/executor", hdr)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":        v1.MsgExecutorHello,
		"maxInFlight": 8,
		"engineAuth":  engineAuth,
	}))
	go echoLoop(conn)

	waitFor(t, func() bool {
		_, err := h.state.GetRoute(context.Background(), executorID)
		return err == nil
	}, "route for "+executorID)
	return conn
}

func echoLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &env) != nil {
			continue
		}
		switch env.Type {
		case v1.MsgInvokeTool:
			var inv v1.ToolInvoke
			if json.Unmarshal(raw, &inv) != nil {
				continue
			}
			payload := inv.Payload
			if len(payload) == 0 {
				payload = json.RawMessage(`{}`)
			}
			out, _ := json.Marshal(map[string]json.RawMessage{"echo": payload})
			_ = conn.WriteJSON(v1.ToolResult{
				Type:      v1.MsgToolResult,
				RequestID: inv.RequestID,
				Status:    v1.StatusSucceeded,
				Output:    out,
			})
		case v1.MsgSessionOpen:
			var open v1.SessionOpen
			if json.Unmarshal(raw, &open) != nil {
				continue
			}
			_ = conn.WriteJSON(v1.SessionOpened{
				Type:      v1.MsgSessionOpened,
				RequestID: open.RequestID,
				OK:        true,
			})
		case v1.MsgSessionTurn:
			var turn v1.SessionTurn
			if json.Unmarshal(raw, &turn) != nil {
				continue
			}
			delta, _ := json.Marshal(map[string]string{"kind": "text", "text": "Working on it."})
			_ = conn.WriteJSON(v1.ToolEvent{
				Type:      v1.MsgToolEvent,
				RequestID: turn.RequestID,
				Event:     delta,
			})
			_ = conn.WriteJSON(v1.TurnFinal{
				Type:      v1.MsgTurnFinal,
				RequestID: turn.RequestID,
				Message:   "agent: " + turn.Message,
			})
		}
	}
}

// dialClient opens an authenticated client socket scoped to the org.
func dialClient(t *testing.T, h *harness, userID, orgID string) *websocket.Conn {
	t.Helper()
	token, err := edge.NewClientAuth(h.store, h.cfg.Auth).IssueAccessToken(userID, time.Minute)
	require.NoError(t, err)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL+"/ws/client?orgId="+orgID, hdr)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads socket messages until one matches the wanted type.
func readFrame(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == want {
			return raw
		}
	}
}

// readSessionEvent reads session_event_v2 frames until one carries the
// wanted event type, skipping state and legacy frames in between. The read
// deadline inside readFrame bounds the wait.
func readSessionEvent(t *testing.T, conn *websocket.Conn, eventType string) v1.SessionEvent {
	t.Helper()
	for {
		raw := readFrame(t, conn, v1.ClientMsgSessionEventV2)
		var msg struct {
			Event v1.SessionEvent `json:"event"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Event.EventType == eventType {
			return msg.Event
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
