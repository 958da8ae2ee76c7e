// Package semaphore provides a weighted semaphore whose capacity can be
// changed while it is in use.
package semaphore

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type waiter struct {
	n     int64
	ready chan struct{}
}

// Adjustable is a weighted semaphore. Waiters are served in FIFO order. A
// request larger than the capacity is granted once nothing else is held, so
// a single oversized request cannot block forever.
type Adjustable struct {
	mu       sync.Mutex
	capacity int64
	held     int64
	waiters  list.List
}

// New returns a semaphore with the given capacity.
func New(capacity int64) *Adjustable {
	return &Adjustable{capacity: capacity}
}

// Capacity returns the current capacity.
func (s *Adjustable) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Held returns the currently acquired weight.
func (s *Adjustable) Held() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Adjustable) fits(n int64) bool {
	return s.held == 0 || s.held+n <= s.capacity
}

// Acquire blocks until n can be acquired or ctx is done.
func (s *Adjustable) Acquire(ctx context.Context, n int64) error {
	s.mu.Lock()
	if s.waiters.Len() == 0 && s.fits(n) {
		s.held += n
		s.mu.Unlock()
		return nil
	}

	w := waiter{n: n, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Granted while the context was cancelled.
			s.held -= n
			s.notifyWaiters()
		default:
			front := s.waiters.Front() == elem
			s.waiters.Remove(elem)
			if front {
				s.notifyWaiters()
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire acquires n without blocking and reports whether it succeeded.
func (s *Adjustable) TryAcquire(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiters.Len() == 0 && s.fits(n) {
		s.held += n
		return true
	}
	return false
}

// Release returns n to the semaphore.
func (s *Adjustable) Release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held -= n
	if s.held < 0 {
		panic(fmt.Sprintf("semaphore: released %d more than held", -s.held))
	}
	s.notifyWaiters()
}

// SetCapacity changes the capacity. Raising it wakes waiters which fit now;
// lowering it takes effect as holders release.
func (s *Adjustable) SetCapacity(capacity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = capacity
	s.notifyWaiters()
}

func (s *Adjustable) notifyWaiters() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}

		w := front.Value.(waiter)
		if !s.fits(w.n) {
			return
		}

		s.held += w.n
		s.waiters.Remove(front)
		close(w.ready)
	}
}
