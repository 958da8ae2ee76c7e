package fifo

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
)

// ErrInvalidToken is returned by AdmitRead and AdmitWrite for tokens no
// source could have issued.
var ErrInvalidToken = errors.New("invalid token")

type exiterStatus int

const (
	statusQueued exiterStatus = iota
	statusEntered
	statusExited
)

// closed is the ready channel of duplicates whose first delivery already
// left the sink.
var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Exiter guards a single token registered with a sink. It becomes ready once
// every token admitted before it has left the sink. The holder must call
// Exit exactly when its operation is finished. Calling Exit before the
// exiter became ready abandons the slot: it is treated as instantly
// completed when its turn comes so it never wedges the queue.
type Exiter struct {
	sink      *Sink
	write     bool
	duplicate bool
	read      ReadToken
	wr        WriteToken
	ready     chan struct{}
	exited    chan struct{}

	// guarded by sink.mu
	status    exiterStatus
	abandoned bool
	index     int
}

// Ready returns a channel which is closed once the exiter's turn came.
func (e *Exiter) Ready() <-chan struct{} {
	return e.ready
}

// Wait blocks until the exiter is ready or the context is done. When the
// context is done, the caller must still call Exit, which abandons the
// slot.
func (e *Exiter) Wait(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Duplicate reports whether the exiter's token was admitted before. A
// duplicate never holds the sink: it becomes ready once the first delivery
// of its token left the sink, and Exit does nothing.
func (e *Exiter) Duplicate() bool {
	return e.duplicate
}

// Exit leaves the sink. It is safe to call Exit more than once.
func (e *Exiter) Exit() {
	s := e.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.status {
	case statusQueued:
		e.abandoned = true
	case statusEntered:
		s.exit(e)
		s.pump()
	case statusExited:
	}
}

// Sink replays tokens of a single source in admission order.
type Sink struct {
	mu    sync.Mutex
	state State
	queue exiterHeap
	// writes and reads hold the exiters which did not leave the sink yet.
	writes map[timestamp.Timestamp]*Exiter
	reads  map[ReadToken]*Exiter
	// exitedReads are the indices of the reads at the current timestamp
	// which left the sink. Reads with an index up to baseReads left before
	// the sink was created.
	exitedReads map[uint64]struct{}
	baseReads   uint64
}

// NewSink returns a sink that expects the tokens issued after the source was
// in the given state.
func NewSink(initial State) *Sink {
	return &Sink{
		state:       initial,
		writes:      make(map[timestamp.Timestamp]*Exiter),
		reads:       make(map[ReadToken]*Exiter),
		exitedReads: make(map[uint64]struct{}),
		baseReads:   initial.NumReads,
	}
}

// State returns the sink's position.
func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnterRead registers a read token. The token must not have been registered
// before.
func (s *Sink) EnterRead(token ReadToken) *Exiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenReadLocked(token) {
		panic(fmt.Sprintf("fifo: stale read token at %d/%d, sink is at %d", token.Timestamp, token.Index, s.state.Timestamp))
	}
	return s.enterReadLocked(token)
}

// EnterWrite registers a write token. The token must not have been
// registered before.
func (s *Sink) EnterWrite(token WriteToken) *Exiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !token.Timestamp.Valid() {
		panic(fmt.Sprintf("fifo: invalid write token %s", token))
	}
	if token.Timestamp.Before < s.state.Timestamp {
		panic(fmt.Sprintf("fifo: stale %s, sink is at %d", token, s.state.Timestamp))
	}
	if _, ok := s.writes[token.Timestamp.Before]; ok {
		panic(fmt.Sprintf("fifo: duplicate %s", token))
	}
	return s.enterWriteLocked(token)
}

// AdmitRead registers a read token received from a peer, which may deliver
// a token more than once. A token registered before yields a duplicate
// exiter.
func (s *Sink) AdmitRead(token ReadToken) (*Exiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token.Index == 0 {
		return nil, fmt.Errorf("%w: read at %d without index", ErrInvalidToken, token.Timestamp)
	}
	if s.seenReadLocked(token) {
		return s.duplicateLocked(nil), nil
	}
	if original, ok := s.reads[token]; ok {
		return s.duplicateLocked(original), nil
	}
	return s.enterReadLocked(token), nil
}

// AdmitWrite registers a write token received from a peer, which may
// deliver a token more than once. A token registered before, or one the
// sink's state already includes, yields a duplicate exiter.
func (s *Sink) AdmitWrite(token WriteToken) (*Exiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !token.Timestamp.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, token)
	}
	if token.Timestamp.Before < s.state.Timestamp {
		return s.duplicateLocked(nil), nil
	}
	if original, ok := s.writes[token.Timestamp.Before]; ok {
		if original.wr != token {
			return nil, fmt.Errorf("%w: %s conflicts with %s", ErrInvalidToken, token, original.wr)
		}
		return s.duplicateLocked(original), nil
	}
	return s.enterWriteLocked(token), nil
}

// seenReadLocked reports whether a read token already left the sink.
func (s *Sink) seenReadLocked(token ReadToken) bool {
	if token.Timestamp != s.state.Timestamp {
		return token.Timestamp < s.state.Timestamp
	}
	if token.Index != 0 && token.Index <= s.baseReads {
		return true
	}
	_, ok := s.exitedReads[token.Index]
	return ok
}

func (s *Sink) enterReadLocked(token ReadToken) *Exiter {
	if _, ok := s.reads[token]; ok {
		panic(fmt.Sprintf("fifo: duplicate read token at %d/%d", token.Timestamp, token.Index))
	}
	e := &Exiter{sink: s, read: token, ready: make(chan struct{}), exited: make(chan struct{})}
	s.reads[token] = e
	heap.Push(&s.queue, e)
	s.pump()
	return e
}

func (s *Sink) enterWriteLocked(token WriteToken) *Exiter {
	e := &Exiter{sink: s, write: true, wr: token, ready: make(chan struct{}), exited: make(chan struct{})}
	s.writes[token.Timestamp.Before] = e
	heap.Push(&s.queue, e)
	s.pump()
	return e
}

// duplicateLocked returns an exiter that is ready once original left the
// sink. A nil original already left it.
func (s *Sink) duplicateLocked(original *Exiter) *Exiter {
	e := &Exiter{sink: s, duplicate: true, status: statusExited, ready: closed}
	if original != nil {
		e.write = original.write
		e.read = original.read
		e.wr = original.wr
		e.ready = original.exited
	}
	return e
}

// pump releases queued exiters for as long as the head of the queue may
// enter. Abandoned exiters complete as soon as they enter, which may in turn
// release further ones.
func (s *Sink) pump() {
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.write {
			if head.wr.Timestamp.Before != s.state.Timestamp || head.wr.NumPrecedingReads != s.state.NumReads {
				return
			}
		} else if head.read.Timestamp != s.state.Timestamp {
			return
		}

		heap.Pop(&s.queue)
		head.status = statusEntered
		close(head.ready)

		if head.abandoned {
			s.exit(head)
		} else if head.write {
			// A write holds the sink until it exits.
			return
		}
	}
}

func (s *Sink) exit(e *Exiter) {
	e.status = statusExited
	defer close(e.exited)

	if e.write {
		delete(s.writes, e.wr.Timestamp.Before)
		s.state = State{Timestamp: e.wr.Timestamp.After}
		s.exitedReads = make(map[uint64]struct{})
		s.baseReads = 0
		return
	}

	if e.read.Timestamp != s.state.Timestamp {
		panic(fmt.Sprintf("fifo: read at %d exited while sink is at %d", e.read.Timestamp, s.state.Timestamp))
	}
	delete(s.reads, e.read)
	s.exitedReads[e.read.Index] = struct{}{}
	s.state.NumReads++
}

// exiterHeap orders exiters by timestamp, reads before the write leaving the
// same timestamp.
type exiterHeap []*Exiter

func (h exiterHeap) key(i int) (timestamp.Timestamp, int) {
	if h[i].write {
		return h[i].wr.Timestamp.Before, 1
	}
	return h[i].read.Timestamp, 0
}

func (h exiterHeap) Len() int { return len(h) }

func (h exiterHeap) Less(i, j int) bool {
	ti, ki := h.key(i)
	tj, kj := h.key(j)
	if ti != tj {
		return ti < tj
	}
	return ki < kj
}

func (h exiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *exiterHeap) Push(x interface{}) {
	e := x.(*Exiter)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *exiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}
