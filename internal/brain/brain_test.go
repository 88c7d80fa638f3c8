package brain

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/jobs"
	"github.com/vespid-ai/gateway/internal/metrics"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/secrets"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/workspace"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{EdgeID: "edge-test"},
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
		Brain: config.BrainConfig{Workers: 2},
	}
}

type fixture struct {
	svc     *Service
	bus     *bus.MemoryBus
	store   *store.MemoryStore
	state   *scheduler.MemoryState
	results *results.Store
	secrets *secrets.Service
	queue   *jobs.MemoryQueue
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testConfig()
	log := logger.Default()
	b := bus.NewMemoryBus()
	t.Cleanup(b.Close)

	st := store.NewMemoryStore()
	state := scheduler.NewMemoryState()
	sched := scheduler.New(state, cfg.Scheduler, log)
	quotas := scheduler.NewQuotaCache(st, b, cfg.Scheduler, log)
	res := results.NewStore(b, cfg.Dispatch)

	presigner, err := workspace.NewPresigner(context.Background(), cfg.Workspace)
	require.NoError(t, err)
	ws := workspace.NewCoordinator(st, b, presigner, log)

	kek, err := secrets.GenerateKEK()
	require.NoError(t, err)
	prov, err := secrets.NewKEKProvider(kek)
	require.NoError(t, err)
	sec := secrets.NewService(st, prov, log)

	queue := jobs.NewMemoryQueue()

	svc := New(cfg, Deps{
		Bus:        b,
		Store:      st,
		Scheduler:  sched,
		Quotas:     quotas,
		Results:    res,
		Workspaces: ws,
		Secrets:    sec,
		Queue:      queue,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	}, log)

	return &fixture{
		svc:     svc,
		bus:     b,
		store:   st,
		state:   state,
		results: res,
		secrets: sec,
		queue:   queue,
		cfg:     cfg,
	}
}

func (fx *fixture) handle(t *testing.T, frame any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	fx.svc.handleDelivery(context.Background(), bus.Delivery{ID: "1", Payload: raw})
}

func putRoute(t *testing.T, fx *fixture, route v1.ExecutorRoute) {
	t.Helper()
	if route.Pool == "" {
		route.Pool = v1.PoolManaged
	}
	if route.MaxInFlight == 0 {
		route.MaxInFlight = 4
	}
	if len(route.Kinds) == 0 {
		route.Kinds = []v1.ExecutorKind{
			v1.ExecutorKindConnectorAction,
			v1.ExecutorKindAgentExecute,
			v1.ExecutorKindAgentRun,
			v1.ExecutorKindAgentSession,
		}
	}
	route.LastSeenAtMs = time.Now().UnixMilli()
	require.NoError(t, fx.state.PutRoute(context.Background(), &route, time.Minute))
}

func seedSession(t *testing.T, fx *fixture, sess *store.Session) *store.Session {
	t.Helper()
	if sess.EngineID == "" {
		sess.EngineID = EngineCodex
	}
	require.NoError(t, fx.store.CreateSession(context.Background(), sess))
	return sess
}

func transcript(t *testing.T, fx *fixture, sessionID string) []*store.SessionEvent {
	t.Helper()
	events, err := fx.store.ListRecentSessionEvents(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return events
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

// sessionMsg is one executor session command seen by the fake edge.
type sessionMsg struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Raw       json.RawMessage `json:"-"`
}

// fakeEdge drains one per-edge stream the way a live edge process would,
// answering executor commands through the configured hooks and collecting
// everything else for assertions.
type fakeEdge struct {
	t       *testing.T
	fx      *fixture
	edgeID  string
	done    chan struct{}
	cancel  context.CancelFunc
	started bool

	// Hooks run outside the collector lock. A nil return leaves the request
	// unanswered so timeout paths can be exercised.
	onInvoke  func(inv *v1.ToolInvoke) *v1.DispatchResponse
	onSession func(msg sessionMsg) *v1.DispatchResponse

	mu         sync.Mutex
	invokes    []*v1.ToolInvoke
	sessions   []sessionMsg
	broadcasts [][]byte
	replies    []*v1.WorkflowReplyFrame
	outbound   []*v1.ChannelOutboundFrame
}

func newFakeEdge(t *testing.T, fx *fixture, edgeID string) *fakeEdge {
	t.Helper()
	fe := &fakeEdge{t: t, fx: fx, edgeID: edgeID, done: make(chan struct{})}
	require.NoError(t, fx.bus.EnsureGroup(context.Background(), bus.StreamToEdge(edgeID), bus.GroupEdge))
	return fe
}

// start begins draining the stream. Hooks must be assigned before calling.
func (f *fakeEdge) start() {
	if f.started {
		f.t.Fatal("fake edge already started")
	}
	f.started = true
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.loop(ctx)
	f.t.Cleanup(func() {
		cancel()
		<-f.done
	})
}

func (f *fakeEdge) loop(ctx context.Context) {
	defer close(f.done)
	stream := bus.StreamToEdge(f.edgeID)
	for {
		ds, err := f.fx.bus.ReadGroup(ctx, stream, bus.GroupEdge, "fake", 8, 50*time.Millisecond)
		if err != nil {
			return
		}
		for _, d := range ds {
			f.dispatch(ctx, d.Payload)
			_ = f.fx.bus.Ack(ctx, stream, bus.GroupEdge, d.ID)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *fakeEdge) dispatch(ctx context.Context, raw []byte) {
	frameType, err := v1.PeekFrameType(raw)
	if err != nil {
		f.t.Logf("fake edge: bad frame: %v", err)
		return
	}
	switch frameType {
	case v1.FrameExecutorInvoke:
		var frame v1.ExecutorInvokeFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Invoke == nil {
			return
		}
		f.mu.Lock()
		f.invokes = append(f.invokes, frame.Invoke)
		f.mu.Unlock()
		if f.onInvoke != nil {
			if resp := f.onInvoke(frame.Invoke); resp != nil {
				_, _ = f.fx.results.CompleteReply(ctx, frame.Invoke.RequestID, resp)
			}
		}
	case v1.FrameExecutorSession:
		var frame v1.ExecutorSessionFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		var msg sessionMsg
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return
		}
		msg.Raw = frame.Payload
		f.mu.Lock()
		f.sessions = append(f.sessions, msg)
		f.mu.Unlock()
		if f.onSession != nil {
			if resp := f.onSession(msg); resp != nil {
				_, _ = f.fx.results.CompleteReply(ctx, msg.RequestID, resp)
			}
		}
	case v1.FrameClientBroadcast:
		var frame v1.ClientBroadcastFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		f.mu.Lock()
		f.broadcasts = append(f.broadcasts, frame.Event)
		f.mu.Unlock()
	case v1.FrameWorkflowReply:
		var frame v1.WorkflowReplyFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		f.mu.Lock()
		f.replies = append(f.replies, &frame)
		f.mu.Unlock()
	case v1.FrameChannelOutbound:
		var frame v1.ChannelOutboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		f.mu.Lock()
		f.outbound = append(f.outbound, &frame)
		f.mu.Unlock()
	}
}

// answerSessions wires the standard executor behavior: acknowledge opens and
// answer turns with the given message.
func (f *fakeEdge) answerSessions(finalMessage string) {
	f.onSession = func(msg sessionMsg) *v1.DispatchResponse {
		switch msg.Type {
		case v1.MsgSessionOpen:
			return &v1.DispatchResponse{Status: v1.StatusSucceeded}
		case v1.MsgSessionTurn:
			return &v1.DispatchResponse{Status: v1.StatusSucceeded, Message: finalMessage}
		}
		return nil
	}
}

func (f *fakeEdge) invokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invokes)
}

func (f *fakeEdge) lastInvoke() *v1.ToolInvoke {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.invokes) == 0 {
		return nil
	}
	return f.invokes[len(f.invokes)-1]
}

func (f *fakeEdge) sessionTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for _, m := range f.sessions {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeEdge) sessionMsgs() []sessionMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sessionMsg(nil), f.sessions...)
}

// broadcastTypes returns the client message discriminators seen, in order.
func (f *fakeEdge) broadcastTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.broadcasts))
	for _, raw := range f.broadcasts {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func (f *fakeEdge) workflowReplies() []*v1.WorkflowReplyFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*v1.WorkflowReplyFrame(nil), f.replies...)
}

func (f *fakeEdge) channelOutbound() []*v1.ChannelOutboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*v1.ChannelOutboundFrame(nil), f.outbound...)
}
