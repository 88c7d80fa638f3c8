package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/tracing"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// sessionLockTTL is the initial lease on the per-session brain lock. Once
// the turn budget is known the lease is extended to cover it, so a crashed
// brain force-releases shortly after its turn could no longer be running.
const sessionLockTTL = 30 * time.Second

// activeTurn is one turn this brain is driving. Cancels flip the flag and
// the turn suppresses its user-visible failure when the reply lands.
type activeTurn struct {
	requestID      string
	sessionID      string
	organizationID string
	executorID     string
	edgeID         string
	canceled       atomic.Bool
}

// turnState bundles what every turn step needs for reporting.
type turnState struct {
	frame     *v1.SessionSendFrame
	requestID string
	start     time.Time
	log       *logger.Logger
}

// Transcript payload shapes.

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type systemPayload struct {
	Action string `json:"action"`
	Mode   string `json:"mode,omitempty"`
}

type executorRefPayload struct {
	ExecutorID string `json:"executorId"`
}

type failoverPayload struct {
	Action string             `json:"action"`
	From   executorRefPayload `json:"from"`
	To     executorRefPayload `json:"to"`
}

type agentMessagePayload struct {
	Message string `json:"message"`
	Delta   bool   `json:"delta"`
}

type agentFinalPayload struct {
	Message string          `json:"message"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// handleSessionSend drives one interactive turn: serialize on the session's
// brain lock, reserve the pinned executor or fail over to a fresh selection,
// persist the pin, open the executor session, send the turn, and append the
// outcome to the transcript with matching client broadcasts.
func (s *Service) handleSessionSend(ctx context.Context, frame *v1.SessionSendFrame) {
	requestID := frame.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("%s:turn:%d", frame.SessionID, frame.UserEventSeq)
	}

	ctx, span := tracing.Tracer("brain").Start(ctx, "brain.session_turn", trace.WithAttributes(
		attribute.String("sessionId", frame.SessionID),
		attribute.String("requestId", requestID),
	))
	defer span.End()

	t := &turnState{
		frame:     frame,
		requestID: requestID,
		start:     time.Now(),
		log: s.logger.WithSessionID(frame.SessionID).
			WithRequestID(requestID).
			WithOrgID(frame.OrganizationID),
	}

	// One brain per session at a time. Losing the race means another brain
	// owns this turn; redelivered frames for a finished turn are skipped by
	// the reply check below.
	lockKey := bus.SessionBrainLockKey(frame.SessionID)
	lockToken := []byte(uuid.NewString())
	acquired, err := s.bus.SetNX(ctx, lockKey, lockToken, sessionLockTTL)
	if err != nil {
		t.log.Error("session lock failed", zap.Error(err))
		return
	}
	if !acquired {
		t.log.Debug("session turn already owned by another brain")
		return
	}
	defer func() {
		if _, err := s.bus.DelEq(ctx, lockKey, lockToken); err != nil {
			t.log.Warn("session lock release failed", zap.Error(err))
		}
	}()

	if _, err := s.results.GetReply(ctx, requestID); err == nil {
		t.log.Info("turn already completed, skipping redelivery")
		return
	}

	sess, err := s.store.GetSession(ctx, frame.OrganizationID, frame.SessionID)
	if err != nil {
		t.log.Warn("session load failed", zap.Error(err))
		s.completeTurnReply(ctx, t, v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "session not found"))
		return
	}

	eng, ok := LookupEngine(sess.EngineID)
	if !ok {
		s.failTurn(ctx, t, v1.ErrCodeUnsupportedEngine, "engine "+sess.EngineID+" is not supported")
		return
	}

	var inlineKey string
	if sess.EngineSecretID != nil && *sess.EngineSecretID != "" {
		key, err := s.secrets.Resolve(ctx, frame.OrganizationID, *sess.EngineSecretID)
		if err != nil {
			t.log.Error("engine secret resolve failed", zap.Error(err))
			s.failTurn(ctx, t, v1.ErrCodeNodeExecutionFailed, "engine secret could not be resolved")
			return
		}
		inlineKey = key
	}
	oauthEngine := OAuthRequirement(sess.EngineID, inlineKey != "")

	turnTimeout := s.cfg.Dispatch.ClampTimeout(sess.Limits["timeoutMs"])
	openTimeout := s.cfg.Session.OpenTimeout()
	if openTimeout > turnTimeout {
		openTimeout = turnTimeout
	}
	// Extend the lock lease over the whole turn budget.
	if err := s.bus.Expire(ctx, lockKey, openTimeout+turnTimeout+sessionLockTTL); err != nil {
		t.log.Warn("session lock extend failed", zap.Error(err))
	}

	orgCap := s.quotas.MaxInFlight(ctx, frame.OrganizationID)

	var pinnedID string
	if sess.PinnedExecutorID != nil {
		pinnedID = *sess.PinnedExecutorID
	}

	// Pinned executor first. Quota and OAuth failures are terminal for the
	// turn; anything else (gone route, over capacity) falls through to a
	// fresh selection.
	var sel *scheduler.Selected
	if pinnedID != "" {
		pinSel, err := s.scheduler.ReservePinned(ctx, frame.OrganizationID, pinnedID, oauthEngine, orgCap)
		switch {
		case err == nil:
			sel = pinSel
		case errors.Is(err, scheduler.ErrOrgQuotaExceeded), errors.Is(err, scheduler.ErrOAuthNotVerified):
			s.metrics.RecordSelectionFailure(scheduler.ErrorCode(err))
			s.failTurn(ctx, t, scheduler.ErrorCode(err), err.Error())
			return
		default:
			t.log.Info("pinned executor unavailable, reselecting",
				zap.String("executorId", pinnedID), zap.Error(err))
		}
	}
	if sel == nil {
		fresh, err := s.scheduler.Select(ctx, scheduler.SelectionInput{
			OrganizationID: frame.OrganizationID,
			Kind:           v1.ExecutorKindAgentSession,
			Selector:       sess.ExecutorSelector,
			PoolOrder:      scheduler.SessionPoolOrder(),
			OrgCap:         orgCap,
			OAuthEngineID:  oauthEngine,
		})
		if err != nil {
			code := scheduler.ErrorCode(err)
			// A selector demanding exactly the dead pinned executor can
			// never fail over; name the real condition.
			if code == v1.ErrCodeNoExecutorAvailable && pinnedID != "" &&
				sess.ExecutorSelector != nil && sess.ExecutorSelector.ExecutorID == pinnedID {
				code = v1.ErrCodePinnedAgentOffline
			}
			s.metrics.RecordSelectionFailure(code)
			s.failTurn(ctx, t, code, err.Error())
			return
		}
		sel = fresh
	}
	defer s.scheduler.Release(ctx, sel.Reservation)

	route := sel.Route
	t.log = t.log.WithExecutorID(route.ExecutorID)
	span.SetAttributes(attribute.String("executorId", route.ExecutorID))

	newPin, newPool := route.ExecutorID, string(route.Pool)
	if err := s.store.UpdateSessionPin(ctx, frame.OrganizationID, sess.ID, &newPin, &newPool); err != nil {
		t.log.Warn("pin update failed", zap.Error(err))
	}
	s.broadcastState(ctx, sess.ID, &newPin, &newPool)
	if pinnedID != "" && pinnedID != newPin {
		ev, err := s.appendEvent(ctx, sess.ID, v1.EventSystem, v1.LevelInfo, failoverPayload{
			Action: v1.ActionSessionExecutorFailover,
			From:   executorRefPayload{ExecutorID: pinnedID},
			To:     executorRefPayload{ExecutorID: newPin},
		})
		if err != nil {
			t.log.Warn("failover event append failed", zap.Error(err))
		} else {
			s.broadcastEvent(ctx, ev)
		}
	}

	// Open (or re-open) the executor-side session.
	explicit := sess.ExecutorSelector != nil && sess.ExecutorSelector.ExecutorID == route.ExecutorID
	mode, auth := resolveAuthMode(eng, inlineKey, route, explicit)
	openID := fmt.Sprintf("%s:open:%d", sess.ID, frame.UserEventSeq)
	open := v1.SessionOpen{
		Type:      v1.MsgSessionOpen,
		RequestID: openID,
		SessionID: sess.ID,
		SessionConfig: v1.SessionConfig{
			Engine: v1.EngineConfig{
				ID:       sess.EngineID,
				Model:    sess.LLMModel,
				AuthMode: mode,
				Runtime:  sess.Runtime,
				Auth:     auth,
			},
			Prompt: v1.PromptConfig{
				System:       sess.SystemPrompt,
				Instructions: sess.Instructions,
			},
			ToolsAllow:     sess.ToolsAllow,
			Limits:         sess.Limits,
			MemoryProvider: sess.MemoryProvider,
		},
	}
	if err := s.sendExecutorSession(ctx, route.EdgeID, route.ExecutorID, open); err != nil {
		s.failTurn(ctx, t, v1.ErrCodeNodeExecutionFailed, "session open publish: "+err.Error())
		return
	}
	openReply, err := s.results.AwaitReply(ctx, openID, openTimeout)
	if err != nil {
		if errors.Is(err, results.ErrAwaitTimeout) {
			s.failTurn(ctx, t, v1.ErrCodeNodeExecutionTimeout, "session open timed out")
		} else {
			s.failTurn(ctx, t, v1.ErrCodeNodeExecutionFailed, "session open: "+err.Error())
		}
		return
	}
	if openReply.Failed() {
		code := openReply.Error
		if code == "" {
			code = v1.ErrCodeNodeExecutionFailed
		}
		s.failTurn(ctx, t, code, openReply.Message)
		return
	}

	turn := &activeTurn{
		requestID:      requestID,
		sessionID:      sess.ID,
		organizationID: frame.OrganizationID,
		executorID:     route.ExecutorID,
		edgeID:         route.EdgeID,
	}
	s.activeTurns.Store(sess.ID, turn)
	s.metrics.ActiveTurns.Inc()
	defer func() {
		if cur, ok := s.activeTurns.Load(sess.ID); ok && cur == turn {
			s.activeTurns.Delete(sess.ID)
		}
		s.metrics.ActiveTurns.Dec()
	}()

	turnMsg := v1.SessionTurn{
		Type:         v1.MsgSessionTurn,
		RequestID:    requestID,
		SessionID:    sess.ID,
		Message:      frame.Message,
		Attachments:  frame.Attachments,
		UserEventSeq: frame.UserEventSeq,
	}
	if err := s.sendExecutorSession(ctx, route.EdgeID, route.ExecutorID, turnMsg); err != nil {
		s.failTurn(ctx, t, v1.ErrCodeNodeExecutionFailed, "turn publish: "+err.Error())
		return
	}

	reply, err := s.results.AwaitReply(ctx, requestID, turnTimeout)
	if err != nil {
		if turn.canceled.Load() {
			s.finishCanceledTurn(ctx, t)
			return
		}
		if errors.Is(err, results.ErrAwaitTimeout) {
			s.failTurn(ctx, t, v1.ErrCodeNodeExecutionTimeout, "no turn reply within timeout")
		} else {
			s.failTurn(ctx, t, v1.ErrCodeNodeExecutionFailed, "turn await: "+err.Error())
		}
		return
	}

	if reply.Failed() {
		if turn.canceled.Load() || reply.Error == v1.ErrCodeTurnCanceled {
			s.finishCanceledTurn(ctx, t)
			return
		}
		code := reply.Error
		if code == "" {
			code = v1.ErrCodeNodeExecutionFailed
		}
		s.failTurn(ctx, t, code, reply.Message)
		return
	}

	// Transcript: delta then final, broadcast as v2 plus legacy frames.
	deltaEv, err := s.appendEvent(ctx, sess.ID, v1.EventAgentMessage, v1.LevelInfo, agentMessagePayload{
		Message: reply.Message,
		Delta:   true,
	})
	if err != nil {
		t.log.Error("agent_message append failed", zap.Error(err))
	} else {
		s.broadcastEvent(ctx, deltaEv)
	}

	finalEv, err := s.appendEvent(ctx, sess.ID, v1.EventAgentFinal, v1.LevelInfo, agentFinalPayload{
		Message: reply.Message,
		Output:  reply.Output,
	})
	if err != nil {
		t.log.Error("agent_final append failed", zap.Error(err))
	} else {
		s.broadcastEvent(ctx, finalEv)
		if channelSource(frame.Source) && frame.OriginEdgeID != "" {
			out := v1.ChannelOutboundFrame{
				Type:            v1.FrameChannelOutbound,
				OrganizationID:  frame.OrganizationID,
				SessionID:       sess.ID,
				SessionEventSeq: finalEv.Seq,
				Source:          frame.Source,
				Text:            reply.Message,
			}
			if err := s.publishToEdge(ctx, frame.OriginEdgeID, out); err != nil {
				t.log.Warn("channel outbound publish failed", zap.Error(err))
			}
		}
	}

	s.metrics.RecordTurn("succeeded", time.Since(t.start).Seconds())
	t.log.Info("session turn completed", zap.Duration("took", time.Since(t.start)))
}

// handleSessionReset clears the session's pin so the next turn selects fresh.
func (s *Service) handleSessionReset(ctx context.Context, frame *v1.SessionResetFrame) {
	log := s.logger.WithSessionID(frame.SessionID).WithOrgID(frame.OrganizationID)

	sess, err := s.store.GetSession(ctx, frame.OrganizationID, frame.SessionID)
	if err != nil {
		log.Warn("session load failed", zap.Error(err))
		return
	}
	if err := s.store.UpdateSessionPin(ctx, frame.OrganizationID, sess.ID, nil, nil); err != nil {
		log.Error("pin clear failed", zap.Error(err))
		return
	}

	ev, err := s.appendEvent(ctx, sess.ID, v1.EventSystem, v1.LevelInfo, systemPayload{
		Action: v1.ActionSessionResetAgent,
		Mode:   frame.Mode,
	})
	if err != nil {
		log.Error("reset event append failed", zap.Error(err))
	} else {
		s.broadcastEvent(ctx, ev)
	}
	s.broadcastState(ctx, sess.ID, nil, nil)
	log.Info("session pin reset", zap.String("mode", frame.Mode))
}

// handleSessionCancel marks the session's active turn canceled and forwards
// the signal to the executor driving it. Turns live in process memory, so
// only the brain that owns the turn can act; a cancel landing elsewhere is a
// no-op and the turn completes normally.
func (s *Service) handleSessionCancel(ctx context.Context, frame *v1.SessionCancelFrame) {
	log := s.logger.WithSessionID(frame.SessionID).WithOrgID(frame.OrganizationID)

	val, ok := s.activeTurns.Load(frame.SessionID)
	if !ok {
		log.Debug("no active turn on this brain")
		return
	}
	turn := val.(*activeTurn)
	if turn.organizationID != frame.OrganizationID {
		log.Warn("cancel rejected, organization mismatch")
		return
	}
	turn.canceled.Store(true)

	cancelCmd := v1.SessionCancelCmd{
		Type:      v1.MsgSessionCancel,
		RequestID: turn.requestID,
		SessionID: frame.SessionID,
	}
	if err := s.sendExecutorSession(ctx, turn.edgeID, turn.executorID, cancelCmd); err != nil {
		log.Warn("cancel forward failed", zap.Error(err))
	}

	ev, err := s.appendEvent(ctx, frame.SessionID, v1.EventSystem, v1.LevelInfo, systemPayload{
		Action: v1.ActionSessionCancelRequested,
	})
	if err != nil {
		log.Error("cancel event append failed", zap.Error(err))
	} else {
		s.broadcastEvent(ctx, ev)
	}
	log.Info("session cancel forwarded", zap.String("requestId", turn.requestID))
}

// sendExecutorSession wraps a session command for the executor's edge.
func (s *Service) sendExecutorSession(ctx context.Context, edgeID, executorID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal session command: %w", err)
	}
	return s.publishToEdge(ctx, edgeID, v1.ExecutorSessionFrame{
		Type:       v1.FrameExecutorSession,
		ExecutorID: executorID,
		Payload:    raw,
	})
}

// failTurn reports a failed turn everywhere it must land: the transcript, the
// joined clients, the reply key, and the metrics.
func (s *Service) failTurn(ctx context.Context, t *turnState, code, message string) {
	ev, err := s.appendEvent(ctx, t.frame.SessionID, v1.EventError, v1.LevelError, errorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		t.log.Error("error event append failed", zap.Error(err))
	} else {
		s.broadcastEvent(ctx, ev)
	}
	s.broadcastError(ctx, t.frame.SessionID, code, message)
	s.completeTurnReply(ctx, t, v1.FailedResponse(code, message))
	s.metrics.RecordTurn("failed", time.Since(t.start).Seconds())
	s.metrics.RecordError(code)
	t.log.Info("session turn failed", zap.String("code", code))
}

// finishCanceledTurn records a cancellation outcome: a system event instead
// of an error, never an agent_final.
func (s *Service) finishCanceledTurn(ctx context.Context, t *turnState) {
	ev, err := s.appendEvent(ctx, t.frame.SessionID, v1.EventSystem, v1.LevelInfo, systemPayload{
		Action: v1.ActionSessionTurnCanceled,
	})
	if err != nil {
		t.log.Error("canceled event append failed", zap.Error(err))
	} else {
		s.broadcastEvent(ctx, ev)
	}
	s.completeTurnReply(ctx, t, v1.FailedResponse(v1.ErrCodeTurnCanceled, "turn canceled"))
	s.metrics.RecordTurn("canceled", time.Since(t.start).Seconds())
	t.log.Info("session turn canceled")
}

// completeTurnReply writes the turn's reply envelope if nothing else has.
func (s *Service) completeTurnReply(ctx context.Context, t *turnState, resp *v1.DispatchResponse) {
	if _, err := s.results.CompleteReply(ctx, t.requestID, resp); err != nil {
		t.log.Error("turn reply write failed", zap.Error(err))
	}
}

// channelSource reports whether a turn originated from a channel account
// rather than an interactive client; finals for those are also pushed back
// out through channel_outbound.
func channelSource(source string) bool {
	return strings.HasPrefix(source, "channel")
}
