package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/logger"
)

const (
	natsKVBucket   = "gwkv"
	natsSetsBucket = "gwsets"

	// natsBucketBackstop evicts abandoned entries; precise expiry is
	// enforced by the per-entry envelope below.
	natsBucketBackstop = 24 * time.Hour
)

// natsEnvelope wraps stored values with a logical expiry, since JetStream KV
// only supports bucket-level TTLs.
type natsEnvelope struct {
	ExpiresAtMs int64  `json:"e,omitempty"`
	Value       []byte `json:"v"`
}

func (e natsEnvelope) expired(now time.Time) bool {
	return e.ExpiresAtMs > 0 && now.UnixMilli() > e.ExpiresAtMs
}

// NATSBus implements Bus on JetStream streams and KV buckets. Streams map to
// work-queue pull consumers (one durable per group); keys and sets live in KV
// buckets with logical per-entry TTLs.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
	sets   nats.KeyValue
	logger *logger.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus connects to NATS with reconnection logic and provisions the
// JetStream KV buckets the gateway depends on.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream unavailable: %w", err)
	}

	b := &NATSBus{
		conn:   conn,
		js:     js,
		logger: log.Named("bus.nats"),
		subs:   make(map[string]*nats.Subscription),
	}

	if b.kv, err = b.ensureBucket(natsKVBucket); err != nil {
		conn.Close()
		return nil, err
	}
	if b.sets, err = b.ensureBucket(natsSetsBucket); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("Connected to NATS", zap.String("url", url))
	return b, nil
}

func (b *NATSBus) ensureBucket(name string) (nats.KeyValue, error) {
	kv, err := b.js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	kv, err = b.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket: name,
		TTL:    natsBucketBackstop,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}

// natsStreamName legalizes a gateway stream name for JetStream, which
// forbids ':' and '.' in stream names.
func natsStreamName(stream string) string {
	return strings.ReplaceAll(stream, ":", "_")
}

// natsSubject maps a gateway stream name onto a subject hierarchy.
func natsSubject(stream string) string {
	return strings.ReplaceAll(stream, ":", ".")
}

// natsKey legalizes a gateway key for KV buckets, which forbid ':'.
func natsKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// Append publishes a payload to the stream's subject, provisioning the
// stream on first use.
func (b *NATSBus) Append(ctx context.Context, stream string, payload []byte) error {
	if err := b.ensureStream(stream); err != nil {
		return err
	}
	_, err := b.js.Publish(natsSubject(stream), payload, nats.Context(ctx))
	return err
}

func (b *NATSBus) ensureStream(stream string) error {
	name := natsStreamName(stream)
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{natsSubject(stream)},
		Storage:  nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// EnsureGroup provisions the stream and the durable pull consumer a group
// reads with.
func (b *NATSBus) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := b.ensureStream(stream); err != nil {
		return err
	}
	_, err := b.subscription(stream, group)
	return err
}

func (b *NATSBus) subscription(stream, group string) (*nats.Subscription, error) {
	key := stream + "/" + group
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[key]; ok {
		return sub, nil
	}
	sub, err := b.js.PullSubscribe(natsSubject(stream), group,
		nats.BindStream(natsStreamName(stream)),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s/%s: %w", stream, group, err)
	}
	b.subs[key] = sub
	return sub, nil
}

// ReadGroup fetches up to count entries for the group's durable consumer.
// All consumers of a group share one durable, so the consumer name only
// matters for logging.
func (b *NATSBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if count <= 0 {
		count = 1
	}
	if err := b.ensureStream(stream); err != nil {
		return nil, err
	}
	sub, err := b.subscription(stream, group)
	if err != nil {
		return nil, err
	}

	wait := block
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(count, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		return nil, err
	}

	ds := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		// The reply subject is the ack token.
		ds = append(ds, Delivery{ID: msg.Reply, Payload: msg.Data})
	}
	return ds, nil
}

// Ack acknowledges a delivery by publishing to its ack subject.
func (b *NATSBus) Ack(ctx context.Context, stream, group, id string) error {
	return b.conn.Publish(id, []byte("+ACK"))
}

// Set stores a value under key with an optional logical TTL.
func (b *NATSBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.kv.Put(natsKey(key), encodeEnvelope(value, ttl))
	return err
}

// SetNX stores a value only when the key is absent or logically expired.
func (b *NATSBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	k := natsKey(key)
	data := encodeEnvelope(value, ttl)

	if _, err := b.kv.Create(k, data); err == nil {
		return true, nil
	} else if !errors.Is(err, nats.ErrKeyExists) {
		return false, err
	}

	entry, err := b.kv.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			_, err = b.kv.Create(k, data)
			return err == nil, err
		}
		return false, err
	}
	env, derr := decodeEnvelope(entry.Value())
	if derr == nil && !env.expired(time.Now()) {
		return false, nil
	}
	// Stale holder; take over at its revision so a concurrent writer loses.
	if _, err := b.kv.Update(k, data, entry.Revision()); err != nil {
		return false, nil
	}
	return true, nil
}

// Get returns the live value at key, or ErrNotFound.
func (b *NATSBus) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(natsKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	env, err := decodeEnvelope(entry.Value())
	if err != nil {
		return nil, err
	}
	if env.expired(time.Now()) {
		_ = b.kv.Purge(natsKey(key))
		return nil, ErrNotFound
	}
	return env.Value, nil
}

// Del removes a key.
func (b *NATSBus) Del(ctx context.Context, key string) error {
	err := b.kv.Purge(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// DelEq removes a key only when its live value equals expect, using the KV
// revision to stay atomic against concurrent writers.
func (b *NATSBus) DelEq(ctx context.Context, key string, expect []byte) (bool, error) {
	k := natsKey(key)
	entry, err := b.kv.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	env, err := decodeEnvelope(entry.Value())
	if err != nil || env.expired(time.Now()) {
		return false, nil
	}
	if string(env.Value) != string(expect) {
		return false, nil
	}
	if err := b.kv.Delete(k, nats.LastRevision(entry.Revision())); err != nil {
		return false, nil
	}
	return true, nil
}

// Expire rewrites a live entry with a fresh logical TTL.
func (b *NATSBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	k := natsKey(key)
	entry, err := b.kv.Get(k)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	env, err := decodeEnvelope(entry.Value())
	if err != nil || env.expired(time.Now()) {
		return nil
	}
	_, err = b.kv.Update(k, encodeEnvelope(env.Value, ttl), entry.Revision())
	return err
}

// SAdd inserts a member into a set. Each member is its own KV entry so the
// TTL refresh applies per member.
func (b *NATSBus) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := b.sets.Put(natsKey(key)+"."+natsKey(member), encodeEnvelope([]byte("1"), ttl))
	return err
}

// SMembers lists a set's live members.
func (b *NATSBus) SMembers(ctx context.Context, key string) ([]string, error) {
	keys, err := b.sets.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	prefix := natsKey(key) + "."
	now := time.Now()
	var members []string
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := b.sets.Get(k)
		if err != nil {
			continue
		}
		env, err := decodeEnvelope(entry.Value())
		if err != nil || env.expired(now) {
			continue
		}
		members = append(members, strings.TrimPrefix(k, prefix))
	}
	return members, nil
}

// SRem removes a member from a set.
func (b *NATSBus) SRem(ctx context.Context, key, member string) error {
	err := b.sets.Purge(natsKey(key) + "." + natsKey(member))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Ping flushes the connection to verify the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection.
func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
	}
}

func encodeEnvelope(value []byte, ttl time.Duration) []byte {
	env := natsEnvelope{Value: value}
	if ttl > 0 {
		env.ExpiresAtMs = time.Now().Add(ttl).UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		// Only []byte fields; cannot fail.
		panic(err)
	}
	return data
}

func decodeEnvelope(data []byte) (natsEnvelope, error) {
	var env natsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return natsEnvelope{}, fmt.Errorf("corrupt kv envelope: %w", err)
	}
	return env, nil
}
