package edge

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/httpmw"
	"github.com/vespid-ai/gateway/internal/debug"
	"github.com/vespid-ai/gateway/internal/results"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// sourceInternal labels turns injected by other services, sourceChannelTest
// labels the operator test hook that simulates channel input.
const (
	sourceInternal    = "internal"
	sourceChannelTest = "channel-test"
)

// router builds the edge HTTP surface: both socket upgrade paths, the
// unauthenticated channel ingress delegate, health and metrics, and the
// service-token internal API.
func (s *Service) router() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "edge"))
	r.Use(httpmw.OtelTracing("gateway-edge"))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/client", s.clients.HandleUpgrade)
	r.GET("/ws/executor", s.agents.HandleUpgrade)
	r.POST("/ingress/channels/:channelId/:accountKey", s.handleIngress)

	internal := r.Group("/internal/v1", s.serviceAuth())
	internal.POST("/dispatch", s.handleDispatch)
	internal.POST("/dispatch-async", s.handleDispatchAsync)
	internal.GET("/results/:requestId", s.handleResult)
	internal.GET("/executors/routes", s.handleRoutes)
	internal.POST("/sessions/send", s.handleSessionSend)
	internal.POST("/channels/test-send", s.handleChannelTestSend)

	debug.RegisterRoutes(r.Group("/debug", s.serviceAuth()))
	return r
}

// serviceAuth gates the internal API behind the shared service token.
func (s *Service) serviceAuth() gin.HandlerFunc {
	token := []byte(s.cfg.Auth.ServiceToken)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("x-gateway-token"))
		if len(token) == 0 || subtle.ConstantTimeCompare(token, got) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, v1.ErrorBody{Error: v1.ErrCodeUnauthorized})
			return
		}
		c.Next()
	}
}

func (s *Service) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "edgeId": s.edgeID})
}

// handleIngress hands channel webhooks to the ingress collaborator. The
// collaborator owns signature verification, so this path skips the service
// token on purpose.
func (s *Service) handleIngress(c *gin.Context) {
	status, body := s.ingress.Handle(c.Request.Context(), c.Param("channelId"), c.Param("accountKey"), c.Request)
	if body == nil {
		c.Status(status)
		return
	}
	c.JSON(status, body)
}

// handleDispatch executes one workflow node synchronously: publish the frame
// to the brain tier, then hold the HTTP request open until the reply key is
// completed or the clamped timeout elapses. Failed executions still return
// 200 with a failed envelope; 504 means nobody answered at all.
func (s *Service) handleDispatch(c *gin.Context) {
	var req v1.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorBody{Error: v1.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	if msg := validateDispatch(&req); msg != "" {
		c.JSON(http.StatusBadRequest, v1.ErrorBody{Error: v1.ErrCodeBadRequest, Message: msg})
		return
	}

	requestID := req.RequestID()
	log := s.logger.WithRequestID(requestID)

	if resp, err := s.results.GetResult(c.Request.Context(), requestID); err == nil {
		log.Info("dispatch served from results cache")
		c.JSON(http.StatusOK, resp)
		return
	}

	timeout := s.cfg.Dispatch.ClampTimeout(req.TimeoutMs)
	if err := s.publish(c.Request.Context(), v1.WorkflowDispatchFrame{
		Type:         v1.FrameWorkflowDispatch,
		RequestID:    requestID,
		Dispatch:     &req,
		OriginEdgeID: s.edgeID,
	}); err != nil {
		log.Error("dispatch publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorBody{Error: v1.ErrCodeInternal})
		return
	}

	resp, err := s.awaitDispatch(c.Request.Context(), requestID, timeout)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, results.ErrAwaitTimeout):
		log.Warn("dispatch timed out", zap.Duration("timeout", timeout))
		c.JSON(http.StatusGatewayTimeout, v1.ErrorBody{
			Error:   v1.ErrCodeGatewayTimeout,
			Message: "no reply within " + timeout.String(),
		})
	case errors.Is(err, results.ErrInvalid):
		log.Error("reply envelope invalid", zap.Error(err))
		c.JSON(http.StatusBadGateway, v1.ErrorBody{Error: v1.ErrCodeGatewayResponseInvalid, Message: err.Error()})
	default:
		log.Error("dispatch await failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorBody{Error: v1.ErrCodeInternal})
	}
}

// awaitDispatch waits for the reply two ways at once: the in-process waiter
// wakes instantly when the reply frame reaches this edge, and the key poll
// covers replies whose frame went to a crashed consumer or another process.
func (s *Service) awaitDispatch(ctx context.Context, requestID string, timeout time.Duration) (*v1.DispatchResponse, error) {
	waitCh, cancel := s.waiters.register(requestID)
	defer cancel()

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()

	type polled struct {
		resp *v1.DispatchResponse
		err  error
	}
	pollCh := make(chan polled, 1)
	go func() {
		resp, err := s.results.AwaitReply(pollCtx, requestID, timeout)
		pollCh <- polled{resp: resp, err: err}
	}()

	select {
	case resp := <-waitCh:
		return resp, nil
	case p := <-pollCh:
		return p.resp, p.err
	}
}

// handleDispatchAsync accepts the dispatch and returns immediately; the
// result lands in the results cache and the continuation queue. A request id
// already in the cache is acknowledged without re-dispatching.
func (s *Service) handleDispatchAsync(c *gin.Context) {
	var req v1.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorBody{Error: v1.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	if msg := validateDispatch(&req); msg != "" {
		c.JSON(http.StatusBadRequest, v1.ErrorBody{Error: v1.ErrCodeBadRequest, Message: msg})
		return
	}

	requestID := req.RequestID()
	if _, err := s.results.GetResult(c.Request.Context(), requestID); err == nil {
		c.JSON(http.StatusOK, v1.DispatchAccepted{RequestID: requestID, Cached: true})
		return
	}

	if err := s.publish(c.Request.Context(), v1.WorkflowDispatchFrame{
		Type:         v1.FrameWorkflowDispatch,
		RequestID:    requestID,
		Dispatch:     &req,
		Async:        true,
		OriginEdgeID: s.edgeID,
	}); err != nil {
		s.logger.WithRequestID(requestID).Error("async dispatch publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorBody{Error: v1.ErrCodeInternal})
		return
	}
	c.JSON(http.StatusCreated, v1.DispatchAccepted{RequestID: requestID, Dispatched: true})
}

func (s *Service) handleResult(c *gin.Context) {
	requestID := c.Param("requestId")
	resp, err := s.results.GetResult(c.Request.Context(), requestID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, results.ErrNotReady):
		c.JSON(http.StatusNotFound, v1.ErrorBody{Error: v1.ErrCodeResultNotReady})
	case errors.Is(err, results.ErrInvalid):
		c.JSON(http.StatusBadGateway, v1.ErrorBody{Error: v1.ErrCodeGatewayResponseInvalid, Message: err.Error()})
	default:
		s.logger.WithRequestID(requestID).Error("result lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorBody{Error: v1.ErrCodeInternal})
	}
}

// handleRoutes lists live executor routes, applying the same tenancy rule as
// selection: managed routes are visible to every organization, byon routes
// only to their owner.
func (s *Service) handleRoutes(c *gin.Context) {
	routes, err := s.state.ListRoutes(c.Request.Context())
	if err != nil {
		s.logger.Error("route listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorBody{Error: v1.ErrCodeInternal})
		return
	}

	orgID := c.Query("organizationId")
	out := make([]v1.ExecutorRoute, 0, len(routes))
	for _, r := range routes {
		if orgID != "" && r.Pool != v1.PoolManaged && r.OrganizationID != orgID {
			continue
		}
		out = append(out, *r)
	}
	c.JSON(http.StatusOK, v1.RoutesResponse{Routes: out})
}

type sessionSendRequest struct {
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId"`
	SessionID      string          `json:"sessionId"`
	Message        string          `json:"message"`
	Attachments    []v1.Attachment `json:"attachments"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Source         string          `json:"source"`
}

type sessionSendAccepted struct {
	SessionID    string `json:"sessionId"`
	UserEventSeq int64  `json:"userEventSeq"`
}

// handleSessionSend injects a user message into a session on behalf of
// another service, exactly as if a client socket had sent it.
func (s *Service) handleSessionSend(c *gin.Context) {
	s.injectUserMessage(c, sourceInternal, false)
}

// handleChannelTestSend simulates channel input end to end: the turn runs
// with a channel source so the final agent message comes back as a
// channel_outbound delivery.
func (s *Service) handleChannelTestSend(c *gin.Context) {
	s.injectUserMessage(c, sourceChannelTest, true)
}

func (s *Service) injectUserMessage(c *gin.Context, defaultSource string, forceSource bool) {
	var req sessionSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorBody{Error: v1.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	if req.OrganizationID == "" || req.SessionID == "" || req.Message == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorBody{
			Error:   v1.ErrCodeBadRequest,
			Message: "organizationId, sessionId and message are required",
		})
		return
	}
	source := req.Source
	if forceSource || source == "" {
		source = defaultSource
	}

	ev, err := s.clients.SubmitUserMessage(c.Request.Context(), UserMessage{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Message:        req.Message,
		Attachments:    req.Attachments,
		IdempotencyKey: req.IdempotencyKey,
		Source:         source,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, sessionSendAccepted{SessionID: ev.SessionID, UserEventSeq: ev.Seq})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, v1.ErrorBody{Error: v1.ErrCodeNotFound, Message: "session not found"})
	default:
		s.logger.WithSessionID(req.SessionID).Error("user message injection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorBody{Error: v1.ErrCodeInternal})
	}
}

func validateDispatch(req *v1.DispatchRequest) string {
	switch {
	case !v1.ValidDispatchKinds[req.Kind]:
		return "unsupported dispatch kind " + string(req.Kind)
	case req.OrganizationID == "":
		return "organizationId is required"
	case req.RunID == "" || req.NodeID == "":
		return "runId and nodeId are required"
	}
	return ""
}
