package brain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/scheduler"
	"github.com/vespid-ai/gateway/internal/store"
	"github.com/vespid-ai/gateway/internal/tracing"
	"github.com/vespid-ai/gateway/internal/workspace"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// invokeInput describes one workspace-coordinated tool invocation.
type invokeInput struct {
	organizationID string
	kind           v1.DispatchKind
	ownerType      store.OwnerType
	ownerID        string
	payload        json.RawMessage
	timeout        time.Duration
	networkMode    string
	selector       *v1.Selector
	poolOrder      []v1.ExecutorPool
	oauthEngineID  string
}

// defaultMounts is the sandbox mount allowlist sent with every invocation:
// the workspace checkout and a scratch directory, nothing else.
func defaultMounts() []v1.Mount {
	return []v1.Mount{
		{Path: "/work", Mode: "rw"},
		{Path: "/tmp", Mode: "rw"},
	}
}

// invokeTool runs one tool invocation end to end: reserve an executor, lock
// the owner's workspace, pre-sign snapshot access, send invoke_tool_v2 via
// the executor's edge, await the reply, and commit the workspace version the
// executor acknowledged. It always returns a response; failures carry a wire
// error code.
func (s *Service) invokeTool(ctx context.Context, in invokeInput) *v1.DispatchResponse {
	ctx, span := tracing.Tracer("brain").Start(ctx, "brain.invoke_tool", trace.WithAttributes(
		attribute.String("kind", string(in.kind)),
		attribute.String("organizationId", in.organizationID),
		attribute.String("ownerId", in.ownerID),
	))
	defer span.End()

	log := s.logger.WithOrgID(in.organizationID).WithFields(
		zap.String("kind", string(in.kind)),
		zap.String("ownerId", in.ownerID))

	orgCap := s.quotas.MaxInFlight(ctx, in.organizationID)

	sel, err := s.scheduler.Select(ctx, scheduler.SelectionInput{
		OrganizationID: in.organizationID,
		Kind:           v1.ExecutorKind(in.kind),
		Selector:       in.selector,
		PoolOrder:      in.poolOrder,
		OrgCap:         orgCap,
		OAuthEngineID:  in.oauthEngineID,
	})
	if err != nil {
		code := scheduler.ErrorCode(err)
		s.metrics.RecordSelectionFailure(code)
		log.Info("selection failed", zap.String("code", code), zap.Error(err))
		return v1.FailedResponse(code, err.Error())
	}
	defer s.scheduler.Release(ctx, sel.Reservation)
	log = log.WithExecutorID(sel.Route.ExecutorID)

	ws, err := s.workspaces.Ensure(ctx, in.organizationID, in.ownerType, in.ownerID)
	if err != nil {
		log.Error("workspace ensure failed", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "workspace unavailable: "+err.Error())
	}

	lease, err := s.workspaces.Acquire(ctx, ws.ID, in.timeout)
	if err != nil {
		if errors.Is(err, workspace.ErrLocked) {
			return v1.FailedResponse(v1.ErrCodeWorkspaceLocked, "workspace is locked by another invocation")
		}
		log.Error("workspace lock failed", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "workspace lock: "+err.Error())
	}
	defer s.workspaces.Release(ctx, lease)

	access, err := s.workspaces.PrepareAccess(ctx, ws)
	if err != nil {
		if errors.Is(err, workspace.ErrS3NotConfigured) {
			return v1.FailedResponse(v1.ErrCodeWorkspaceS3NotConfigured, "workspace snapshot store is not configured")
		}
		log.Error("workspace presign failed", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "workspace access: "+err.Error())
	}

	requestID := in.ownerID + ":" + randomHex(8)
	span.SetAttributes(attribute.String("requestId", requestID))
	log = log.WithRequestID(requestID)

	invoke := &v1.ToolInvoke{
		Type:      v1.MsgInvokeTool,
		RequestID: requestID,
		Kind:      in.kind,
		Payload:   in.payload,
		ToolPolicy: v1.ToolPolicy{
			NetworkModeDefaultDeny: true,
			NetworkMode:            in.networkMode,
			TimeoutMs:              in.timeout.Milliseconds(),
			OutputMaxChars:         s.cfg.Dispatch.ToolOutputMaxChars,
			MountsAllowlist:        defaultMounts(),
		},
		Workspace:       access.Ref,
		WorkspaceAccess: access.URLs,
	}
	frame := v1.ExecutorInvokeFrame{
		Type:       v1.FrameExecutorInvoke,
		ExecutorID: sel.Route.ExecutorID,
		Invoke:     invoke,
	}
	if err := s.publishToEdge(ctx, sel.Route.EdgeID, frame); err != nil {
		log.Error("invoke publish failed", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "invoke publish: "+err.Error())
	}

	reply, err := s.results.AwaitReply(ctx, requestID, in.timeout)
	if err != nil {
		if errors.Is(err, results.ErrAwaitTimeout) {
			log.Warn("invocation timed out", zap.Duration("timeout", in.timeout))
			return v1.FailedResponse(v1.ErrCodeNodeExecutionTimeout, "no executor reply within timeout")
		}
		log.Error("reply await failed", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "await reply: "+err.Error())
	}

	if reply.Workspace != nil {
		if resp := s.commitWorkspace(ctx, log, ws, access, reply); resp != nil {
			return resp
		}
	}
	return reply
}

// commitWorkspace advances the workspace version an executor acknowledged.
// The upload URL was pre-signed for NextObjectKey, so the server-side key is
// authoritative regardless of what the executor echoed back. A non-nil return
// replaces the reply with a failure.
func (s *Service) commitWorkspace(ctx context.Context, log *logger.Logger, ws *store.Workspace, access *workspace.Access, reply *v1.DispatchResponse) *v1.DispatchResponse {
	if err := ValidateWorkspaceAck(reply.Workspace); err != nil {
		log.Warn("workspace ack rejected", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "invalid workspace acknowledgement: "+err.Error())
	}
	if reply.Workspace.Version != access.NextVersion {
		log.Warn("workspace ack version mismatch",
			zap.Int64("acked", reply.Workspace.Version),
			zap.Int64("expected", access.NextVersion))
	}

	committed, err := s.workspaces.Commit(ctx, ws.ID, access.Ref.Version, access.NextObjectKey, reply.Workspace.Etag)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return v1.FailedResponse(v1.ErrCodeWorkspaceVersionConflict, "workspace advanced underneath this invocation")
		}
		log.Error("workspace commit failed", zap.Error(err))
		return v1.FailedResponse(v1.ErrCodeNodeExecutionFailed, "workspace commit: "+err.Error())
	}

	reply.Workspace = &v1.WorkspaceResult{
		WorkspaceID: committed.ID,
		Version:     committed.CurrentVersion,
		ObjectKey:   committed.CurrentObjectKey,
		Etag:        committed.CurrentEtag,
	}
	return nil
}
