package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

const (
	readBatch = 16
	readBlock = 5 * time.Second
)

func decodeFrame(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// consume drains this edge's private stream: reply frames for synchronous
// dispatchers, client broadcasts from brains, executor commands aimed at
// sockets homed here, and channel deliveries. Frames are acked even when
// handling fails; every command path has its own recovery (reply fill,
// presence TTL, route TTL), so a poison frame must not wedge the stream.
func (s *Service) consume(ctx context.Context, consumer string) {
	defer s.wg.Done()
	stream := bus.StreamToEdge(s.edgeID)
	log := s.logger.WithFields(zap.String("consumer", consumer))

	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := s.bus.ReadGroup(ctx, stream, bus.GroupEdge, consumer, readBatch, readBlock)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("bus read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			s.handleDelivery(ctx, d)
			if err := s.bus.Ack(ctx, stream, bus.GroupEdge, d.ID); err != nil && !errors.Is(err, bus.ErrClosed) {
				log.Warn("ack failed", zap.String("deliveryId", d.ID), zap.Error(err))
			}
		}
	}
}

// handleDelivery routes one raw frame by its type discriminator. A panic in
// a handler is contained to the frame that caused it.
func (s *Service) handleDelivery(ctx context.Context, d bus.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panicked",
				zap.String("deliveryId", d.ID),
				zap.Any("panic", r))
		}
	}()

	frameType, err := v1.PeekFrameType(d.Payload)
	if err != nil {
		s.logger.Warn("undecodable frame", zap.String("deliveryId", d.ID), zap.Error(err))
		return
	}
	s.metrics.RecordFrame("edge", frameType)

	switch frameType {
	case v1.FrameWorkflowReply:
		var frame v1.WorkflowReplyFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad workflow_reply frame", zap.Error(err))
			return
		}
		if frame.Response == nil {
			s.logger.Warn("workflow_reply frame without response",
				zap.String("requestId", frame.RequestID))
			return
		}
		s.waiters.deliver(frame.RequestID, frame.Response)
	case v1.FrameClientBroadcast:
		var frame v1.ClientBroadcastFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad client_broadcast frame", zap.Error(err))
			return
		}
		s.clients.DeliverBroadcast(frame.SessionID, frame.Event)
	case v1.FrameExecutorInvoke:
		var frame v1.ExecutorInvokeFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad executor_invoke frame", zap.Error(err))
			return
		}
		if err := s.agents.SendInvoke(ctx, &frame); err != nil {
			s.logger.Error("executor invoke delivery failed",
				zap.String("executorId", frame.ExecutorID), zap.Error(err))
		}
	case v1.FrameExecutorSession:
		var frame v1.ExecutorSessionFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad executor_session frame", zap.Error(err))
			return
		}
		if err := s.agents.SendSession(ctx, &frame); err != nil {
			s.logger.Error("executor session delivery failed",
				zap.String("executorId", frame.ExecutorID), zap.Error(err))
		}
	case v1.FrameChannelOutbound:
		var frame v1.ChannelOutboundFrame
		if err := decodeFrame(d.Payload, &frame); err != nil {
			s.logger.Warn("bad channel_outbound frame", zap.Error(err))
			return
		}
		if err := s.outbound.Deliver(ctx, &frame); err != nil {
			s.logger.Warn("channel delivery failed",
				zap.String("sessionId", frame.SessionID),
				zap.String("source", frame.Source), zap.Error(err))
		}
	default:
		s.logger.Debug("ignoring frame on edge stream", zap.String("frameType", frameType))
	}
}
