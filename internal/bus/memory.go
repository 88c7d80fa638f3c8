package bus

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// redeliverAfter is how long an unacked delivery stays invisible before the
// memory driver hands it to another consumer.
const redeliverAfter = 5 * time.Second

type memEntry struct {
	id      int64
	payload []byte
}

type memPending struct {
	entry       memEntry
	deliveredAt time.Time
}

type memGroup struct {
	cursor  int
	pending map[int64]*memPending
}

type memStream struct {
	entries []memEntry
	nextID  int64
	groups  map[string]*memGroup
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryBus is an in-process Bus used by the single-binary build and tests.
// Semantics mirror the Redis driver closely enough that a process wired
// against it behaves the same when pointed at Redis.
type MemoryBus struct {
	mu      sync.Mutex
	closed  bool
	streams map[string]*memStream
	kv      map[string]memValue
	sets    map[string]*memSet

	// pulse is closed and replaced on every Append so blocked readers wake.
	pulse chan struct{}
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string]*memStream),
		kv:      make(map[string]memValue),
		sets:    make(map[string]*memSet),
		pulse:   make(chan struct{}),
	}
}

func (b *MemoryBus) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{nextID: 1, groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

func (s *memStream) group(name string) *memGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &memGroup{cursor: len(s.entries), pending: make(map[int64]*memPending)}
		s.groups[name] = g
	}
	return g
}

// Append adds a payload to the tail of a stream and wakes blocked readers.
func (b *MemoryBus) Append(ctx context.Context, stream string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.stream(stream)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.entries = append(s.entries, memEntry{id: s.nextID, payload: buf})
	s.nextID++
	close(b.pulse)
	b.pulse = make(chan struct{})
	return nil
}

// EnsureGroup creates a consumer group positioned at the stream tail.
// Entries appended before the first EnsureGroup are not delivered, matching
// the $-position groups the Redis driver creates.
func (b *MemoryBus) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.stream(stream).group(group)
	return nil
}

// ReadGroup fetches undelivered entries for a group, handing out aged
// unacked deliveries first. Blocks up to block when the stream is idle.
func (b *MemoryBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		ds := b.collect(stream, group, count)
		pulse := b.pulse
		b.mu.Unlock()

		if len(ds) > 0 {
			return ds, nil
		}
		if block <= 0 {
			return nil, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-pulse:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (b *MemoryBus) collect(stream, group string, count int) []Delivery {
	s := b.stream(stream)
	g := s.group(group)
	now := time.Now()

	var ds []Delivery

	// Aged pending entries are visible again.
	var stale []int64
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) >= redeliverAfter {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, id := range stale {
		if len(ds) >= count {
			break
		}
		p := g.pending[id]
		p.deliveredAt = now
		ds = append(ds, Delivery{ID: strconv.FormatInt(id, 10), Payload: p.entry.payload})
	}

	for g.cursor < len(s.entries) && len(ds) < count {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.id] = &memPending{entry: e, deliveredAt: now}
		ds = append(ds, Delivery{ID: strconv.FormatInt(e.id, 10), Payload: e.payload})
	}
	return ds
}

// Ack marks a delivery processed for the group.
func (b *MemoryBus) Ack(ctx context.Context, stream, group, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stream(stream).group(group).pending, n)
	return nil
}

// Set stores a value under key with an optional TTL.
func (b *MemoryBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.kv[key] = b.newValue(value, ttl)
	return nil
}

// SetNX stores a value only when the key is absent or expired.
func (b *MemoryBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrClosed
	}
	if _, ok := b.liveValue(key); ok {
		return false, nil
	}
	b.kv[key] = b.newValue(value, ttl)
	return true, nil
}

// Get returns the value at key, or ErrNotFound.
func (b *MemoryBus) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.liveValue(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// Del removes a key.
func (b *MemoryBus) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

// DelEq removes a key only when its live value equals expect.
func (b *MemoryBus) DelEq(ctx context.Context, key string, expect []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.liveValue(key)
	if !ok || string(v.data) != string(expect) {
		return false, nil
	}
	delete(b.kv, key)
	return true, nil
}

// Expire refreshes the TTL on an existing key.
func (b *MemoryBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.liveValue(key)
	if !ok {
		return nil
	}
	b.kv[key] = b.newValue(v.data, ttl)
	return nil
}

// SAdd inserts a member into a set and refreshes the set's TTL.
func (b *MemoryBus) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.liveSet(key)
	if s == nil {
		s = &memSet{members: make(map[string]struct{})}
		b.sets[key] = s
	}
	s.members[member] = struct{}{}
	if ttl > 0 {
		s.expiresAt = time.Now().Add(ttl)
	} else {
		s.expiresAt = time.Time{}
	}
	return nil
}

// SMembers lists a set's live members in stable order.
func (b *MemoryBus) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.liveSet(key)
	if s == nil {
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// SRem removes a member from a set, dropping the set when it empties.
func (b *MemoryBus) SRem(ctx context.Context, key, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.liveSet(key)
	if s == nil {
		return nil
	}
	delete(s.members, member)
	if len(s.members) == 0 {
		delete(b.sets, key)
	}
	return nil
}

// Ping reports whether the bus is still open.
func (b *MemoryBus) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts the bus down and wakes blocked readers.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.pulse)
}

func (b *MemoryBus) newValue(data []byte, ttl time.Duration) memValue {
	buf := make([]byte, len(data))
	copy(buf, data)
	v := memValue{data: buf}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	return v
}

// liveValue returns the value at key unless it is absent or expired.
// Caller holds b.mu.
func (b *MemoryBus) liveValue(key string) (memValue, bool) {
	v, ok := b.kv[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(b.kv, key)
		return memValue{}, false
	}
	return v, true
}

// liveSet returns the set at key unless it is absent or expired.
// Caller holds b.mu.
func (b *MemoryBus) liveSet(key string) *memSet {
	s, ok := b.sets[key]
	if !ok {
		return nil
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		delete(b.sets, key)
		return nil
	}
	return s
}
