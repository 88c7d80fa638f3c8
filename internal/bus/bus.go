// Package bus provides the shared transport the gateway runs on: named
// append-only streams with consumer groups for frames, TTL'd keys for reply
// envelopes and executor routes, and member sets for session presence.
//
// Three drivers exist: Redis (production), NATS JetStream, and an in-memory
// driver for single-binary and test use. Frames are at-least-once; consumers
// must tolerate redelivery.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when a key is absent or expired.
	ErrNotFound = errors.New("bus: key not found")

	// ErrClosed is returned once the bus has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// Delivery is one frame read from a stream. ID is the driver's message id
// and is only meaningful to Ack on the same stream and group.
type Delivery struct {
	ID      string
	Payload []byte
}

// Bus is the transport shared by edge and brain processes.
//
// Stream operations carry frames between tiers. Key operations back reply
// envelopes, executor routes, and distributed locks; a zero TTL means no
// expiry. Set operations track which edges host sockets for a session.
type Bus interface {
	// Append adds a payload to the tail of a stream, creating it on first use.
	Append(ctx context.Context, stream string, payload []byte) error

	// EnsureGroup creates a consumer group on a stream if it does not
	// already exist. Safe to call repeatedly.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup fetches up to count undelivered entries for a consumer,
	// blocking up to block when the stream is empty. A nil slice with a nil
	// error means the block window elapsed without traffic.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error)

	// Ack marks a delivery as processed for the group.
	Ack(ctx context.Context, stream, group, id string) error

	// Set stores a value under key with an optional TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only when the key is absent. Returns true when
	// the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes a key.
	Del(ctx context.Context, key string) error

	// DelEq removes a key only when its current value equals expect.
	// Returns true when the key was removed. Used for lock release so a
	// holder never deletes a lock it lost to expiry.
	DelEq(ctx context.Context, key string, expect []byte) (bool, error)

	// Expire refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd inserts a member into a set and refreshes the set's TTL.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SMembers lists a set's members. A missing set yields an empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes a member from a set.
	SRem(ctx context.Context, key, member string) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases driver resources. Blocked ReadGroup calls return.
	Close()
}
