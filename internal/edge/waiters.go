package edge

import (
	"sync"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// waiters parks synchronous dispatch callers until the reply frame for
// their request id comes back over the bus. Replies for requests nobody is
// waiting on locally are ignored; the reply key in the bus still holds them
// for pollers.
type waiters struct {
	mu sync.Mutex
	m  map[string][]chan *v1.DispatchResponse
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string][]chan *v1.DispatchResponse)}
}

// register adds a waiter for the request id. The returned cancel must be
// called once the caller stops listening.
func (w *waiters) register(requestID string) (<-chan *v1.DispatchResponse, func()) {
	ch := make(chan *v1.DispatchResponse, 1)
	w.mu.Lock()
	w.m[requestID] = append(w.m[requestID], ch)
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		chans := w.m[requestID]
		for i, c := range chans {
			if c == ch {
				chans = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(chans) == 0 {
			delete(w.m, requestID)
		} else {
			w.m[requestID] = chans
		}
	}
	return ch, cancel
}

// deliver wakes every waiter registered for the request id.
func (w *waiters) deliver(requestID string, resp *v1.DispatchResponse) {
	w.mu.Lock()
	chans := w.m[requestID]
	delete(w.m, requestID)
	w.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- resp:
		default:
		}
	}
}
