// Package results stores dispatch reply envelopes and the idempotency cache
// on the bus KV. Replies are written once (first writer wins) so a late
// duplicate from an executor or a racing brain never corrupts a delivered
// result; waiters poll the reply key with backoff because any brain process
// may satisfy any waiter.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

var (
	// ErrNotReady means no reply has been stored for the request yet.
	ErrNotReady = errors.New("results: reply not ready")
	// ErrAwaitTimeout means the deadline passed with no reply stored.
	ErrAwaitTimeout = errors.New("results: await timed out")
	// ErrInvalid means a stored envelope failed to decode.
	ErrInvalid = errors.New("results: invalid reply envelope")
)

const (
	pollInitial = 25 * time.Millisecond
	pollMax     = 250 * time.Millisecond
)

// Store persists reply envelopes and completed results.
type Store struct {
	kv  bus.Bus
	ttl time.Duration
}

func NewStore(kv bus.Bus, cfg config.DispatchConfig) *Store {
	return &Store{kv: kv, ttl: cfg.ResultsTTL()}
}

// CompleteReply stores the reply for requestID unless one is already there.
// It reports whether this call was the winning write.
func (s *Store) CompleteReply(ctx context.Context, requestID string, resp *v1.DispatchResponse) (bool, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("marshal reply %s: %w", requestID, err)
	}
	return s.kv.SetNX(ctx, bus.ReplyKey(requestID), data, s.ttl)
}

// GetReply returns the stored reply, ErrNotReady when absent.
func (s *Store) GetReply(ctx context.Context, requestID string) (*v1.DispatchResponse, error) {
	return s.get(ctx, bus.ReplyKey(requestID))
}

// AwaitReply polls the reply key until it appears or the timeout elapses.
// Backoff starts at 25ms and doubles to a 250ms ceiling; the final sleep is
// clamped so the deadline is never overshot.
func (s *Store) AwaitReply(ctx context.Context, requestID string, timeout time.Duration) (*v1.DispatchResponse, error) {
	deadline := time.Now().Add(timeout)
	delay := pollInitial
	for {
		resp, err := s.GetReply(ctx, requestID)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrAwaitTimeout
		}
		wait := delay
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > pollMax {
			delay = pollMax
		}
	}
}

// PutResult caches the completed response for idempotent retries. Unlike
// replies this is a plain overwrite: retries always carry the same value.
func (s *Store) PutResult(ctx context.Context, requestID string, resp *v1.DispatchResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", requestID, err)
	}
	return s.kv.Set(ctx, bus.ResultKey(requestID), data, s.ttl)
}

// GetResult returns the cached response, ErrNotReady when absent.
func (s *Store) GetResult(ctx context.Context, requestID string) (*v1.DispatchResponse, error) {
	return s.get(ctx, bus.ResultKey(requestID))
}

func (s *Store) get(ctx context.Context, key string) (*v1.DispatchResponse, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return nil, ErrNotReady
		}
		return nil, err
	}
	var resp v1.DispatchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &resp, nil
}
