// Package main implements a mock executor that speaks the gateway's executor
// WebSocket protocol. It connects to an edge, announces canned capabilities,
// and generates simulated tool results and session turns for development and
// load testing without real connector or engine runtimes.
//
// Invoke payloads and turn messages select the scenario: a payload of
// {"scenario":"error"} fails the invocation, {"scenario":"timeout"} never
// replies, and turn messages starting with "/error" or "/slow <duration>"
// behave the same way a misbehaving engine would.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/logger"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
	"github.com/vespid-ai/gateway/pkg/ws"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:8080/ws/executor", "edge executor socket URL")
		token       = flag.String("token", "", "executor token (managed or byon)")
		executorID  = flag.String("executor-id", "", "executor id announced in the hello (byon tokens only)")
		name        = flag.String("name", "mock-executor", "display name announced in the hello")
		labels      = flag.String("labels", "mock", "comma-separated route labels")
		kinds       = flag.String("kinds", "", "comma-separated kinds to serve (empty serves all)")
		maxInFlight = flag.Int("max-in-flight", 4, "concurrent invocations announced in the hello")
		mode        = flag.String("mode", "normal", "delay profile: fast, normal, or slow")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "console", OutputPath: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required")
		os.Exit(1)
	}

	m := &mockExecutor{
		url:    *url,
		token:  *token,
		mode:   *mode,
		logger: log.Named("mock_executor"),
		hello: v1.ExecutorHello{
			ExecutorID:  *executorID,
			Name:        *name,
			Labels:      splitCSV(*labels),
			Kinds:       parseKinds(*kinds),
			MaxInFlight: *maxInFlight,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconnect until interrupted; an edge restart should not kill the tool.
	for {
		if err := m.run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("connection lost, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("mock executor stopped")
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseKinds(s string) []v1.ExecutorKind {
	var kinds []v1.ExecutorKind
	for _, part := range splitCSV(s) {
		kinds = append(kinds, v1.ExecutorKind(part))
	}
	return kinds
}

// helloMsg is the hello with its wire discriminator.
type helloMsg struct {
	Type string `json:"type"`
	v1.ExecutorHello
}

type mockExecutor struct {
	url    string
	token  string
	mode   string
	hello  v1.ExecutorHello
	logger *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// run dials the edge, sends the hello, and serves commands until the socket
// closes or the context is canceled.
func (m *mockExecutor) run(ctx context.Context) error {
	header := http.Header{"Authorization": []string{"Bearer " + m.token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", m.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", m.url, err)
	}
	defer conn.Close()
	m.conn = conn

	m.send(helloMsg{Type: v1.MsgExecutorHello, ExecutorHello: m.hello})
	m.logger.Info("connected",
		zap.String("url", m.url),
		zap.Strings("labels", m.hello.Labels),
		zap.Int("max_in_flight", m.hello.MaxInFlight))

	// Sever the socket when interrupted so ReadMessage returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	d := ws.NewDispatcher()
	d.RegisterFunc(v1.MsgInvokeTool, m.handleInvoke)
	d.RegisterFunc(v1.MsgSessionOpen, m.handleSessionOpen)
	d.RegisterFunc(v1.MsgSessionTurn, m.handleSessionTurn)
	d.RegisterFunc(v1.MsgSessionCancel, m.handleSessionCancel)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := d.Dispatch(ctx, raw); err != nil {
			env, _ := ws.Peek(raw)
			m.logger.Debug("ignoring message", zap.String("type", env.Type), zap.Error(err))
		}
	}
}

// send serializes writes; invocations run concurrently and gorilla allows
// only one writer per socket.
func (m *mockExecutor) send(v any) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.WriteMessage(websocket.TextMessage, ws.Marshal(v)); err != nil {
		m.logger.Debug("write failed", zap.Error(err))
	}
}

// delayRange returns min/max delay in milliseconds for the delay profile.
func (m *mockExecutor) delayRange() (int, int) {
	switch m.mode {
	case "fast":
		return 5, 25
	case "slow":
		return 500, 3000
	default:
		return 50, 300
	}
}

// randomDelay sleeps for a random duration within the profile's range.
func (m *mockExecutor) randomDelay() {
	lo, hi := m.delayRange()
	time.Sleep(time.Duration(lo+rand.Intn(hi-lo+1)) * time.Millisecond)
}

// invokeScenario is the optional simulation directive inside an invoke
// payload.
type invokeScenario struct {
	Scenario   string `json:"scenario"`
	DurationMs int64  `json:"durationMs"`
}

// handleInvoke answers invoke_tool_v2 with progress telemetry and a result.
// Runs in its own goroutine so slow scenarios do not block the read loop.
func (m *mockExecutor) handleInvoke(ctx context.Context, raw []byte) error {
	var inv v1.ToolInvoke
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("decode invoke: %w", err)
	}

	go func() {
		var sc invokeScenario
		if len(inv.Payload) > 0 {
			_ = json.Unmarshal(inv.Payload, &sc)
		}
		m.logger.Info("invoke",
			zap.String("request_id", inv.RequestID),
			zap.String("kind", string(inv.Kind)),
			zap.String("scenario", sc.Scenario))

		m.randomDelay()
		m.event(inv.RequestID, "progress", "processing "+string(inv.Kind))

		switch sc.Scenario {
		case "timeout":
			// Never reply; the caller's deadline owns the outcome.
			return
		case "slow":
			d := time.Duration(sc.DurationMs) * time.Millisecond
			if d <= 0 {
				d = 5 * time.Second
			}
			time.Sleep(d)
		default:
			m.randomDelay()
		}

		if sc.Scenario == "error" {
			m.send(v1.ToolResult{
				Type:      v1.MsgToolResult,
				RequestID: inv.RequestID,
				Status:    v1.StatusFailed,
				Error:     v1.ErrCodeNodeExecutionFailed,
				Message:   "mock executor simulated failure",
			})
			return
		}

		output, _ := json.Marshal(map[string]any{
			"echo": json.RawMessage(orEmptyObject(inv.Payload)),
			"mock": true,
		})
		m.send(v1.ToolResult{
			Type:      v1.MsgToolResult,
			RequestID: inv.RequestID,
			Status:    v1.StatusSucceeded,
			Output:    output,
		})
	}()
	return nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// handleSessionOpen acknowledges session_open. Engine ids containing
// "unsupported" are refused the way a real executor refuses engines it
// cannot run.
func (m *mockExecutor) handleSessionOpen(ctx context.Context, raw []byte) error {
	var open v1.SessionOpen
	if err := json.Unmarshal(raw, &open); err != nil {
		return fmt.Errorf("decode session_open: %w", err)
	}
	m.logger.Info("session open",
		zap.String("session_id", open.SessionID),
		zap.String("engine", open.SessionConfig.Engine.ID))

	if strings.Contains(open.SessionConfig.Engine.ID, "unsupported") {
		m.send(v1.SessionOpened{
			Type:      v1.MsgSessionOpened,
			RequestID: open.RequestID,
			OK:        false,
			Error:     v1.ErrCodeUnsupportedEngine,
			Message:   "mock executor does not run " + open.SessionConfig.Engine.ID,
		})
		return nil
	}
	m.randomDelay()
	m.send(v1.SessionOpened{Type: v1.MsgSessionOpened, RequestID: open.RequestID, OK: true})
	return nil
}

// handleSessionTurn streams a few agent deltas and finishes the turn. The
// message text selects the scenario, mirroring how operators poke sessions.
func (m *mockExecutor) handleSessionTurn(ctx context.Context, raw []byte) error {
	var turn v1.SessionTurn
	if err := json.Unmarshal(raw, &turn); err != nil {
		return fmt.Errorf("decode session_turn: %w", err)
	}

	go func() {
		msg := strings.TrimSpace(turn.Message)
		m.logger.Info("turn",
			zap.String("session_id", turn.SessionID),
			zap.Int64("user_event_seq", turn.UserEventSeq))

		m.randomDelay()
		m.event(turn.RequestID, "thinking", "Considering the request...")

		switch {
		case strings.EqualFold(msg, "/error"):
			m.randomDelay()
			m.send(v1.TurnError{
				Type:      v1.MsgTurnError,
				RequestID: turn.RequestID,
				Code:      v1.ErrCodeNodeExecutionFailed,
				Message:   "mock executor simulated turn failure",
			})
			return
		case strings.HasPrefix(strings.ToLower(msg), "/slow"):
			d := 5 * time.Second
			if parts := strings.Fields(msg); len(parts) >= 2 {
				if parsed, err := time.ParseDuration(parts[1]); err == nil && parsed > 0 {
					d = parsed
				}
			}
			m.event(turn.RequestID, "text", fmt.Sprintf("Working slowly for %s...", d))
			time.Sleep(d)
		default:
			m.randomDelay()
			m.event(turn.RequestID, "text", "Looking into it.")
			m.randomDelay()
		}

		output, _ := json.Marshal(map[string]string{"sessionId": turn.SessionID})
		m.send(v1.TurnFinal{
			Type:      v1.MsgTurnFinal,
			RequestID: turn.RequestID,
			Message:   "Handled: " + msg,
			Output:    output,
		})
	}()
	return nil
}

// handleSessionCancel reports the in-flight turn as canceled. The mock keeps
// no per-turn state, so cancellation is acknowledged unconditionally.
func (m *mockExecutor) handleSessionCancel(ctx context.Context, raw []byte) error {
	var cancel v1.SessionCancelCmd
	if err := json.Unmarshal(raw, &cancel); err != nil {
		return fmt.Errorf("decode session_cancel: %w", err)
	}
	m.logger.Info("turn canceled", zap.String("session_id", cancel.SessionID))
	m.send(v1.TurnError{
		Type:      v1.MsgTurnError,
		RequestID: cancel.RequestID,
		Code:      v1.ErrCodeTurnCanceled,
		Message:   "turn canceled by client",
	})
	return nil
}

// event publishes one tool_event_v2 telemetry frame.
func (m *mockExecutor) event(requestID, kind, text string) {
	payload, _ := json.Marshal(map[string]string{"kind": kind, "text": text})
	m.send(v1.ToolEvent{
		Type:      v1.MsgToolEvent,
		RequestID: requestID,
		Event:     payload,
	})
}
