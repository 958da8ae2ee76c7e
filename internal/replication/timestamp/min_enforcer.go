package timestamp

import (
	"container/heap"
	"context"
	"sync"
)

// MinEnforcer lets callers wait until a timestamp has been reached. Writers
// bump it as they finish applying, readers wait on it before reading. It
// is independent from write ordering so that a slow write only blocks
// readers that actually depend on it.
type MinEnforcer struct {
	mu      sync.Mutex
	current Timestamp
	waiters waiterHeap
}

// NewMinEnforcer returns an enforcer that starts at initial.
func NewMinEnforcer(initial Timestamp) *MinEnforcer {
	return &MinEnforcer{current: initial}
}

// Current returns the highest timestamp the enforcer was bumped to.
func (e *MinEnforcer) Current() Timestamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Bump advances the enforcer to ts. Bumping backwards is a no-op.
func (e *MinEnforcer) Bump(ts Timestamp) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ts <= e.current {
		return
	}
	e.current = ts

	for e.waiters.Len() > 0 && e.waiters[0].ts <= e.current {
		w := heap.Pop(&e.waiters).(*waiter)
		close(w.ready)
	}
}

// Wait blocks until the enforcer reached ts or the context is done.
func (e *MinEnforcer) Wait(ctx context.Context, ts Timestamp) error {
	e.mu.Lock()
	if ts <= e.current {
		e.mu.Unlock()
		return nil
	}
	w := &waiter{ts: ts, ready: make(chan struct{})}
	heap.Push(&e.waiters, w)
	e.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		defer e.mu.Unlock()
		select {
		case <-w.ready:
			return nil
		default:
		}
		heap.Remove(&e.waiters, w.index)
		return ctx.Err()
	}
}

type waiter struct {
	ts    Timestamp
	ready chan struct{}
	index int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int           { return len(h) }
func (h waiterHeap) Less(i, j int) bool { return h[i].ts < h[j].ts }
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	w.index = -1
	return w
}
