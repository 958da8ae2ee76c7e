package broadcaster

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
)

// ErrNotEnoughListeners is returned when a write's ack policy cannot be met
// by the currently readable listeners.
var ErrNotEnoughListeners = errors.New("not enough readable listeners")

// Ack is a single listener's acknowledgement of a write.
type Ack struct {
	Listener uuid.UUID
	// Readable is set if the listener was readable when its ack arrived.
	Readable bool
	replication.WriteAck
}

// Callback observes the progress of a spawned write. OnAck is called once
// per acknowledging listener and OnDone once after every listener the write
// was sent to acknowledged it or got disconnected. Calls for a single write
// never overlap. A callback must not cancel its own handle.
type Callback interface {
	OnAck(Ack)
	OnDone()
}

type write struct {
	op        store.WriteOp
	ts        timestamp.Transition
	responder uuid.UUID
	elem      *list.Element

	// refs and done are protected by the broadcaster's mutex.
	refs int
	done bool

	cbMu sync.Mutex
	cb   Callback
}

func (w *write) notify(fn func(Callback)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	if w.cb != nil {
		fn(w.cb)
	}
}

// WriteHandle refers to a spawned write.
type WriteHandle struct {
	w *write
}

// Timestamp returns the write's position on the branch.
func (h *WriteHandle) Timestamp() timestamp.Transition {
	return h.w.ts
}

// Cancel stops delivering notifications to the write's callback. The write
// itself carries on. No callback method runs after Cancel returned.
func (h *WriteHandle) Cancel() {
	h.w.cbMu.Lock()
	defer h.w.cbMu.Unlock()
	h.w.cb = nil
}

// SpawnWrite admits op and sends it to every registered listener without
// waiting for any of them. The listener identified by responder is asked to
// report the write's effect. cb may be nil; if no listener is registered
// its OnDone is called before SpawnWrite returns.
func (b *Broadcaster) SpawnWrite(ctx context.Context, op store.WriteOp, responder uuid.UUID, cb Callback) (*WriteHandle, error) {
	if err := op.Validate(b.region); err != nil {
		return nil, err
	}

	w := &write{op: op, responder: responder, cb: cb}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}

	w.ts = timestamp.NewTransition(b.currentTimestamp)
	b.currentTimestamp = w.ts.After
	w.elem = b.incomplete.PushBack(w)

	for _, d := range b.dispatchees {
		b.dispatchLocked(d, w)
	}

	done := false
	if w.refs == 0 {
		done = b.completeLocked(w)
	}
	b.mu.Unlock()

	if done {
		w.notify(Callback.OnDone)
	}
	return &WriteHandle{w: w}, nil
}

// dispatchLocked sends w to d in the background.
func (b *Broadcaster) dispatchLocked(d *dispatchee, w *write) {
	token := d.source.EnterWrite()
	if token.Timestamp != w.ts {
		panic(fmt.Sprintf("broadcaster: listener %s token %s out of step with write %s", d.id, token, w.ts))
	}

	req := replication.WriteRequest{
		Op:      w.op,
		Token:   token,
		Respond: d.id == w.responder,
	}

	w.refs++
	b.tasks.Go(func() {
		b.send(d, w, req)
	})
}

func (b *Broadcaster) send(d *dispatchee, w *write, req replication.WriteRequest) {
	ack, err := d.client.Write(d.ctx, req)

	b.mu.Lock()
	readable := d.state == stateReadable
	switch {
	case err == nil:
		if ack.Applied && readable && w.ts.After > b.mostRecentAcked {
			b.mostRecentAcked = w.ts.After
		}
	case d.ctx.Err() == nil:
		b.logger.WithError(err).WithFields(logrus.Fields{
			"listener":  d.id,
			"timestamp": w.ts.String(),
		}).Warn("write dispatch failed, disconnecting listener")
		b.metrics.disconnects.Inc()
		b.disconnectLocked(d)
	}
	b.mu.Unlock()

	if err == nil {
		w.notify(func(cb Callback) {
			cb.OnAck(Ack{Listener: d.id, Readable: readable, WriteAck: ack})
		})
	}

	b.mu.Lock()
	w.refs--
	done := w.refs == 0 && b.completeLocked(w)
	b.mu.Unlock()

	if done {
		w.notify(Callback.OnDone)
	}
}

// completeLocked marks w as done and advances newestComplete past every
// leading done write.
func (b *Broadcaster) completeLocked(w *write) bool {
	if w.done {
		return false
	}
	w.done = true

	for front := b.incomplete.Front(); front != nil; front = b.incomplete.Front() {
		fw := front.Value.(*write)
		if !fw.done {
			break
		}
		b.incomplete.Remove(front)
		b.newestComplete = fw.ts.After
	}
	return true
}

// AckPolicy decides how many readable listeners have to apply a write
// before Write returns.
type AckPolicy interface {
	Required(readable int) int
}

type quorum int

func (q quorum) Required(int) int { return int(q) }

// Quorum requires n readable listeners to apply the write.
func Quorum(n int) AckPolicy {
	if n < 1 {
		n = 1
	}
	return quorum(n)
}

type majority struct{}

func (majority) Required(readable int) int { return readable/2 + 1 }

// Majority requires a majority of the listeners readable at admission to
// apply the write.
func Majority() AckPolicy {
	return majority{}
}

// ackWaiter collects acks until the policy and the responder are satisfied.
type ackWaiter struct {
	responder uuid.UUID
	required  int

	mu        sync.Mutex
	acks      int
	response  *store.WriteResponse
	satisfied chan struct{}
	fired     bool
	done      chan struct{}
}

func newAckWaiter(responder uuid.UUID, required int) *ackWaiter {
	return &ackWaiter{
		responder: responder,
		required:  required,
		satisfied: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (a *ackWaiter) OnAck(ack Ack) {
	if !ack.Applied || !ack.Readable {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.acks++
	if ack.Listener == a.responder {
		a.response = &store.WriteResponse{}
		if ack.Response != nil {
			*a.response = *ack.Response
		}
	}
	if !a.fired && a.acks >= a.required && a.response != nil {
		a.fired = true
		close(a.satisfied)
	}
}

func (a *ackWaiter) OnDone() {
	close(a.done)
}

// Write admits op and waits until as many readable listeners as the policy
// requires applied it, one of which reports the write's effect. A write
// failing before admission fails definitely; once admitted, a failure
// leaves its outcome indeterminate.
func (b *Broadcaster) Write(ctx context.Context, op store.WriteOp, policy AckPolicy) (store.WriteResponse, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "broadcaster.Write")
	defer span.Finish()

	start := time.Now()

	b.mu.Lock()
	readable := b.readableLocked()
	b.mu.Unlock()

	required := policy.Required(len(readable))
	if len(readable) == 0 || len(readable) < required {
		b.metrics.writes.WithLabelValues("failed").Inc()
		return store.WriteResponse{}, replication.CannotPerformQueryError{
			Cause: fmt.Errorf("%w: %d readable, %d required", ErrNotEnoughListeners, len(readable), required),
		}
	}

	waiter := newAckWaiter(b.selector.Select(readable), required)
	handle, err := b.SpawnWrite(ctx, op, waiter.responder, waiter)
	if err != nil {
		b.metrics.writes.WithLabelValues("failed").Inc()
		if errors.Is(err, ErrClosed) {
			return store.WriteResponse{}, replication.CannotPerformQueryError{Cause: err}
		}
		return store.WriteResponse{}, err
	}
	span.SetTag("timestamp", handle.Timestamp().String())

	select {
	case <-waiter.satisfied:
	case <-waiter.done:
		select {
		case <-waiter.satisfied:
		default:
			b.metrics.writes.WithLabelValues("indeterminate").Inc()
			return store.WriteResponse{}, replication.CannotPerformQueryError{
				Indeterminate: true,
				Cause:         fmt.Errorf("write %s: %w", handle.Timestamp(), replication.ErrLostContact),
			}
		}
	case <-ctx.Done():
		handle.Cancel()
		b.metrics.writes.WithLabelValues("indeterminate").Inc()
		return store.WriteResponse{}, replication.CannotPerformQueryError{
			Indeterminate: true,
			Cause:         replication.Interrupted(ctx),
		}
	}

	b.metrics.writes.WithLabelValues("success").Inc()
	b.metrics.writeLatency.Observe(time.Since(start).Seconds())

	waiter.mu.Lock()
	defer waiter.mu.Unlock()
	return *waiter.response, nil
}
