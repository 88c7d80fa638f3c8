package edge

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/logger"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// Ingress accepts inbound webhook calls for chat-channel integrations and
// turns them into session messages. The gateway ships no channel adapters of
// its own; deployments plug theirs in through this interface.
type Ingress interface {
	// Handle processes one webhook delivery and returns the HTTP status and
	// response body to answer the channel provider with.
	Handle(ctx context.Context, channelID, accountKey string, r *http.Request) (int, any)
}

// Outbound delivers final agent messages back to a channel account. Invoked
// for every channel_outbound frame addressed to this edge.
type Outbound interface {
	Deliver(ctx context.Context, frame *v1.ChannelOutboundFrame) error
}

// NoopIngress rejects every channel webhook. Used when no channel adapter is
// configured.
type NoopIngress struct{}

func (NoopIngress) Handle(_ context.Context, channelID, _ string, _ *http.Request) (int, any) {
	return http.StatusNotFound, v1.ErrorBody{
		Error:   "CHANNEL_NOT_CONFIGURED",
		Message: "no ingress adapter configured for channel " + channelID,
	}
}

// LogOutbound records channel deliveries without sending them anywhere.
// Keeps channel-sourced turns observable on deployments without an adapter.
type LogOutbound struct {
	logger *logger.Logger
}

func NewLogOutbound(log *logger.Logger) *LogOutbound {
	return &LogOutbound{logger: log.Named("channel_outbound")}
}

func (o *LogOutbound) Deliver(_ context.Context, frame *v1.ChannelOutboundFrame) error {
	o.logger.Info("channel outbound message dropped (no adapter)",
		zap.String("session_id", frame.SessionID),
		zap.String("source", frame.Source),
		zap.Int64("seq", frame.SessionEventSeq))
	return nil
}
