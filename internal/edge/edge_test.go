package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

const testServiceToken = "svc-token-test"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:     "127.0.0.1:0",
			EdgeID:       "edge-1",
			ReadTimeout:  5,
			WriteTimeout: 5,
		},
		Auth: config.AuthConfig{
			ServiceToken:       testServiceToken,
			AccessTokenSecret:  "access-secret-for-tests",
			RefreshTokenSecret: "refresh-secret-for-tests",
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
			DefaultTimeoutMs:   1000,
			MaxTimeoutMs:       2000,
			ResultsTTLSec:      60,
			ToolOutputMaxChars: 200000,
		},
		Session: config.SessionConfig{OpenTimeoutMs: 1500},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

// captureOutbound records channel deliveries handed to the edge.
type captureOutbound struct {
	mu     sync.Mutex
	frames []*v1.ChannelOutboundFrame
}

func (o *captureOutbound) Deliver(_ context.Context, frame *v1.ChannelOutboundFrame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frame)
	return nil
}

func (o *captureOutbound) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *captureOutbound) last() *v1.ChannelOutboundFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil
	}
	return o.frames[len(o.frames)-1]
}

type fixture struct {
	svc      *Service
	bus      *bus.MemoryBus
	store    *store.MemoryStore
	state    *scheduler.MemoryState
	results  *results.Store
	outbound *captureOutbound
	cfg      *config.Config
	baseURL  string
	wsURL    string
}

// newFixture starts a real edge service on a loopback port. The to-brain
// probe group is created before any test traffic so published frames are
// observable.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testConfig()
	log := logger.Default()
	b := bus.NewMemoryBus()
	t.Cleanup(b.Close)

	st := store.NewMemoryStore()
	state := scheduler.NewMemoryState()
	res := results.NewStore(b, cfg.Dispatch)
	out := &captureOutbound{}

	svc := New(cfg, Deps{
		Bus:      b,
		Store:    st,
		State:    state,
		Results:  res,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Outbound: out,
	}, log)

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })

	require.NoError(t, b.EnsureGroup(context.Background(), bus.StreamToBrain, bus.GroupBrain))

	return &fixture{
		svc:      svc,
		bus:      b,
		store:    st,
		state:    state,
		results:  res,
		outbound: out,
		cfg:      cfg,
		baseURL:  "http://" + svc.Addr(),
		wsURL:    "ws://" + svc.Addr(),
	}
}

// brainFrames drains exactly n frames from the to-brain stream.
func (fx *fixture) brainFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	ctx := context.Background()
	out := make([][]byte, 0, n)
	deadline := time.Now().Add(3 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		ds, err := fx.bus.ReadGroup(ctx, bus.StreamToBrain, bus.GroupBrain, "probe", 8, 100*time.Millisecond)
		require.NoError(t, err)
		for _, d := range ds {
			out = append(out, d.Payload)
			require.NoError(t, fx.bus.Ack(ctx, bus.StreamToBrain, bus.GroupBrain, d.ID))
		}
	}
	require.Len(t, out, n, "to-brain frames")
	return out
}

// pushToEdge publishes one frame onto this edge's private stream, as a brain
// would.
func (fx *fixture) pushToEdge(t *testing.T, frame any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, fx.bus.Append(context.Background(), bus.StreamToEdge(fx.cfg.Server.EdgeID), raw))
}

func (fx *fixture) doJSON(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, fx.baseURL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("x-gateway-token", token)
	}
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

func seedMember(t *testing.T, fx *fixture, orgID, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.store.CreateOrganization(ctx, &store.Organization{ID: orgID, Name: orgID}))
	require.NoError(t, fx.store.AddOrganizationMember(ctx, &store.OrganizationMember{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           "member",
	}))
}

func seedSession(t *testing.T, fx *fixture, sess *store.Session) *store.Session {
	t.Helper()
	if sess.EngineID == "" {
		sess.EngineID = "gateway.codex.v2"
	}
	require.NoError(t, fx.store.CreateSession(context.Background(), sess))
	return sess
}

// seedManagedToken creates an executor token whose identity is fixed to the
// given executor id and returns the raw token an executor would present.
func seedManagedToken(t *testing.T, fx *fixture, executorID string) string {
	t.Helper()
	raw := "mtk." + uuid.NewString()
	require.NoError(t, fx.store.CreateExecutorToken(context.Background(), &store.ExecutorToken{
		ID:         uuid.NewString(),
		TokenHash:  store.HashToken(raw),
		ExecutorID: &executorID,
	}))
	return raw
}

// seedByonToken creates an org-scoped executor token and returns the raw
// token.
func seedByonToken(t *testing.T, fx *fixture, orgID string) string {
	t.Helper()
	raw := "btk." + uuid.NewString()
	require.NoError(t, fx.store.CreateExecutorToken(context.Background(), &store.ExecutorToken{
		ID:             uuid.NewString(),
		TokenHash:      store.HashToken(raw),
		OrganizationID: &orgID,
	}))
	return raw
}

// accessToken mints a bearer token the client hub will accept.
func accessToken(t *testing.T, fx *fixture, userID string) string {
	t.Helper()
	auth := NewClientAuth(fx.store, fx.cfg.Auth)
	token, err := auth.IssueAccessToken(userID, time.Minute)
	require.NoError(t, err)
	return token
}

func dialClient(t *testing.T, fx *fixture, token, orgID string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(fx.wsURL+"/ws/client?orgId="+orgID, h)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialExecutor(t *testing.T, fx *fixture, token string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(fx.wsURL+"/ws/executor", h)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads socket messages until one matches the wanted type,
// skipping interleaved frames such as legacy duplicates.
func readFrame(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == want {
			return raw
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
