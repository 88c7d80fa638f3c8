package brain

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/jobs"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/tracing"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// handleWorkflowDispatch executes one workflow node dispatch. Requests are
// idempotent on requestId: a redelivered or retried frame whose result is
// already cached completes again from the cache without touching an executor.
func (s *Service) handleWorkflowDispatch(ctx context.Context, frame *v1.WorkflowDispatchFrame) {
	ctx, span := tracing.Tracer("brain").Start(ctx, "brain.workflow_dispatch", trace.WithAttributes(
		attribute.String("requestId", frame.RequestID),
		attribute.Bool("async", frame.Async),
	))
	defer span.End()

	log := s.logger.WithRequestID(frame.RequestID)
	if frame.Dispatch == nil || frame.RequestID == "" {
		log.Warn("workflow_dispatch frame missing dispatch body")
		return
	}
	start := time.Now()

	if cached, err := s.results.GetResult(ctx, frame.RequestID); err == nil {
		log.Info("dispatch served from results cache")
		s.completeDispatch(ctx, frame, cached)
		return
	}

	resp := s.executeDispatch(ctx, frame.Dispatch)
	s.completeDispatch(ctx, frame, resp)

	s.metrics.RecordDispatch(string(frame.Dispatch.Kind), string(resp.Status), time.Since(start).Seconds())
	if resp.Failed() {
		s.metrics.RecordError(resp.Error)
		log.Info("dispatch failed",
			zap.String("kind", string(frame.Dispatch.Kind)),
			zap.String("code", resp.Error))
	} else {
		log.Info("dispatch succeeded",
			zap.String("kind", string(frame.Dispatch.Kind)),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Service) executeDispatch(ctx context.Context, d *v1.DispatchRequest) *v1.DispatchResponse {
	switch d.Kind {
	case v1.KindConnectorAction, v1.KindAgentExecute:
		return s.invokeTool(ctx, invokeInput{
			organizationID: d.OrganizationID,
			kind:           d.Kind,
			ownerType:      store.OwnerTypeWorkflowRun,
			ownerID:        d.RunID,
			payload:        d.Payload,
			timeout:        s.cfg.Dispatch.ClampTimeout(d.TimeoutMs),
			networkMode:    d.NetworkMode,
			selector:       d.Selector,
			poolOrder:      scheduler.DispatchPoolOrder(),
		})
	case v1.KindAgentRun:
		return s.dispatchAgentRun(ctx, d)
	default:
		return v1.FailedResponse(v1.ErrCodeUnsupportedKind, "unsupported dispatch kind: "+string(d.Kind))
	}
}

// dispatchAgentRun validates the agent.run payload, dereferences every secret
// id into plaintext, and invokes the executor with the resolved payload.
// Secret ids never leave the brain.
func (s *Service) dispatchAgentRun(ctx context.Context, d *v1.DispatchRequest) *v1.DispatchResponse {
	payload, err := DecodeAgentRunPayload(d.Payload)
	if err != nil {
		return v1.FailedResponse(v1.ErrCodeInvalidAgentRunPayload, err.Error())
	}

	var node struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload.Node, &node); err == nil && node.Kind != "" && node.Kind != "agent" {
		return v1.FailedResponse(v1.ErrCodeInvalidBlockKind, "agent.run node has kind "+node.Kind)
	}

	resolved, inlineKey, resp := s.resolveAgentRunSecrets(ctx, d.OrganizationID, d.Payload, payload)
	if resp != nil {
		return resp
	}

	return s.invokeTool(ctx, invokeInput{
		organizationID: d.OrganizationID,
		kind:           v1.KindAgentRun,
		ownerType:      store.OwnerTypeWorkflowRun,
		ownerID:        d.RunID,
		payload:        resolved,
		timeout:        s.cfg.Dispatch.ClampTimeout(d.TimeoutMs),
		networkMode:    d.NetworkMode,
		selector:       d.Selector,
		poolOrder:      scheduler.DispatchPoolOrder(),
		oauthEngineID:  OAuthRequirement(payload.EngineID, inlineKey != ""),
	})
}

// resolveAgentRunSecrets rewrites an agent.run payload for the wire: the
// engine secret id becomes an inline engineAuth block, secretRefs become a
// secrets map keyed by env key, and both id fields are removed. The third
// return is non-nil when resolution failed and the dispatch must not proceed.
func (s *Service) resolveAgentRunSecrets(ctx context.Context, organizationID string, raw json.RawMessage, payload *v1.AgentRunPayload) (json.RawMessage, string, *v1.DispatchResponse) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", v1.FailedResponse(v1.ErrCodeInvalidAgentRunPayload, err.Error())
	}
	delete(doc, "engineSecretId")
	delete(doc, "secretRefs")

	var inlineKey string
	if payload.EngineSecretID != "" {
		key, err := s.secrets.Resolve(ctx, organizationID, payload.EngineSecretID)
		if err != nil {
			return nil, "", v1.FailedResponse(v1.ErrCodeInvalidAgentRunPayload,
				"engine secret "+payload.EngineSecretID+" could not be resolved")
		}
		inlineKey = key
		doc["engineAuth"] = map[string]string{"mode": authModeInline, "apiKey": key}
	}

	if len(payload.SecretRefs) > 0 {
		resolved := make(map[string]string, len(payload.SecretRefs))
		for _, ref := range payload.SecretRefs {
			value, err := s.secrets.Resolve(ctx, organizationID, ref.SecretID)
			if err != nil {
				return nil, "", v1.FailedResponse(v1.ErrCodeInvalidAgentRunPayload,
					"secret "+ref.SecretID+" could not be resolved")
			}
			key := ref.EnvKey
			if key == "" {
				key = ref.SecretID
			}
			resolved[key] = value
		}
		doc["secrets"] = resolved
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "", v1.FailedResponse(v1.ErrCodeInvalidAgentRunPayload, err.Error())
	}
	return out, inlineKey, nil
}

// completeDispatch finishes a dispatch: cache the result, write the reply key
// (first write wins), wake the origin edge's waiter, and enqueue the workflow
// continuation for async dispatches. Every step is idempotent, so completing
// the same request twice — redelivery, cache hits — has no extra effect.
func (s *Service) completeDispatch(ctx context.Context, frame *v1.WorkflowDispatchFrame, resp *v1.DispatchResponse) {
	log := s.logger.WithRequestID(frame.RequestID)

	if err := s.results.PutResult(ctx, frame.RequestID, resp); err != nil {
		log.Error("results cache write failed", zap.Error(err))
	}
	if _, err := s.results.CompleteReply(ctx, frame.RequestID, resp); err != nil {
		log.Error("reply write failed", zap.Error(err))
	}

	if frame.OriginEdgeID != "" {
		reply := v1.WorkflowReplyFrame{
			Type:      v1.FrameWorkflowReply,
			RequestID: frame.RequestID,
			Response:  resp,
		}
		if err := s.publishToEdge(ctx, frame.OriginEdgeID, reply); err != nil {
			log.Warn("origin edge reply push failed",
				zap.String("edgeId", frame.OriginEdgeID), zap.Error(err))
		}
	}

	if frame.Async && frame.Dispatch != nil {
		job := &jobs.ContinuationJob{
			OrganizationID: frame.Dispatch.OrganizationID,
			WorkflowID:     frame.Dispatch.WorkflowID,
			RunID:          frame.Dispatch.RunID,
			RequestID:      frame.RequestID,
			AttemptCount:   frame.Dispatch.AttemptCount,
			Result:         resp,
		}
		enqueued, err := jobs.EnqueueContinuation(ctx, s.queue, job)
		if err != nil {
			log.Error("continuation enqueue failed", zap.Error(err))
		} else if !enqueued {
			log.Debug("continuation already enqueued")
		}
	}
}
