package jobs

import (
	"context"
	"sync"
)

// MemoryQueue collects enqueued payloads in-process for tests and test mode.
type MemoryQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs [][]byte
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]bool)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string, payload []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[jobID] {
		return false, nil
	}
	q.seen[jobID] = true
	q.jobs = append(q.jobs, append([]byte(nil), payload...))
	return true, nil
}

// Jobs returns the enqueued payloads in order.
func (q *MemoryQueue) Jobs() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.jobs))
	copy(out, q.jobs)
	return out
}
