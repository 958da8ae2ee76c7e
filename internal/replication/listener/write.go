package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	"golang.org/x/sync/errgroup"
)

func (l *Listener) awaitRegistration(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return replication.Interrupted(ctx)
	}
}

func (l *Listener) checkUsable() error {
	switch l.State() {
	case StateOutdated, StateFailed:
		return replication.ErrListenerOutdated
	default:
		return nil
	}
}

// Write implements replication.ListenerClient. Writes pass the store
// entrance in the order the broadcaster admitted them. While the listener
// is backfilling they are queued and acknowledged as not applied.
func (l *Listener) Write(ctx context.Context, req replication.WriteRequest) (replication.WriteAck, error) {
	if err := l.awaitRegistration(ctx); err != nil {
		return replication.WriteAck{}, err
	}
	if err := l.checkUsable(); err != nil {
		return replication.WriteAck{}, err
	}

	exiter, err := l.sink.AdmitWrite(req.Token)
	if err != nil {
		return replication.WriteAck{}, err
	}
	defer exiter.Exit()

	if err := exiter.Wait(ctx); err != nil {
		if !exiter.Duplicate() {
			l.markOutdated(fmt.Sprintf("abandoned write %s", req.Token.Timestamp))
		}
		return replication.WriteAck{}, replication.Interrupted(ctx)
	}
	if exiter.Duplicate() {
		return l.redelivered(req.Token.Timestamp)
	}

	w := queuedWrite{Op: req.Op, Timestamp: req.Token.Timestamp}

	queued, err := l.enqueue(ctx, w)
	if err != nil {
		l.markOutdated(fmt.Sprintf("queue write %s: %v", w.Timestamp, err))
		return replication.WriteAck{}, err
	}
	if queued {
		return replication.WriteAck{}, nil
	}

	resp, err := l.apply(ctx, w)
	if err != nil {
		l.markOutdated(fmt.Sprintf("apply write %s: %v", w.Timestamp, err))
		return replication.WriteAck{}, err
	}

	ack := replication.WriteAck{Applied: true}
	if req.Respond {
		ack.Response = &resp
	}
	return ack, nil
}

// redelivered acknowledges a write whose first delivery already left the
// store entrance. Its effect is not reported again.
func (l *Listener) redelivered(ts timestamp.Transition) (replication.WriteAck, error) {
	if err := l.checkUsable(); err != nil {
		return replication.WriteAck{}, err
	}

	l.mu.Lock()
	direct := l.direct
	l.mu.Unlock()

	return replication.WriteAck{Applied: direct && l.enforcer.Current() >= ts.After}, nil
}

// enqueue queues w unless the listener applies writes directly. It must be
// called while w holds the store entrance.
func (l *Listener) enqueue(ctx context.Context, w queuedWrite) (bool, error) {
	l.mu.Lock()
	direct := l.direct
	l.mu.Unlock()
	if direct {
		return false, nil
	}

	size := w.Op.Size()
	if err := l.budget.Acquire(ctx, size); err != nil {
		return false, replication.Interrupted(ctx)
	}

	data, err := json.Marshal(w)
	if err != nil {
		l.budget.Release(size)
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.direct {
		l.budget.Release(size)
		return false, nil
	}
	if err := l.queue.Push(data); err != nil {
		l.budget.Release(size)
		return false, err
	}
	return true, nil
}

// apply writes w to the store, skipping the regions the store already
// reflects it in. Writes are applied one at a time in timestamp order.
func (l *Listener) apply(ctx context.Context, w queuedWrite) (store.WriteResponse, error) {
	if w.Timestamp.After <= l.enforcer.Current() {
		return store.WriteResponse{}, nil
	}
	if err := l.enforcer.Wait(ctx, w.Timestamp.Before); err != nil {
		return store.WriteResponse{}, replication.Interrupted(ctx)
	}

	l.mu.Lock()
	versions := l.versions
	l.mu.Unlock()

	var op store.WriteOp
	next := region.Map[version.Version]{}
	versions.Visit(func(r region.Region, v version.Version) {
		if v.Timestamp >= w.Timestamp.After {
			next.Set(r, v)
			return
		}
		op.Mutations = append(op.Mutations, w.Op.Mask(r).Mutations...)
		next.Set(r, version.New(l.intro.Branch, w.Timestamp.After))
	})

	tx, err := l.store.BeginWrite(ctx)
	if err != nil {
		return store.WriteResponse{}, err
	}
	defer tx.Release()

	var resp store.WriteResponse
	if len(op.Mutations) > 0 {
		if resp, err = tx.Write(op, w.Timestamp); err != nil {
			return store.WriteResponse{}, err
		}
	}
	if err := tx.SetMetadata(version.CoherentMap(next)); err != nil {
		return store.WriteResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.WriteResponse{}, err
	}

	l.mu.Lock()
	l.versions = next
	l.mu.Unlock()

	l.enforcer.Bump(minTimestamp(next))
	return resp, nil
}

func minTimestamp(m version.Map) timestamp.Timestamp {
	first := true
	var min timestamp.Timestamp
	m.Visit(func(_ region.Region, v version.Version) {
		if first || v.Timestamp < min {
			min = v.Timestamp
			first = false
		}
	})
	return min
}

// drain applies queued writes with a pool of workers until the queue is
// empty, at which point arriving writes are applied directly.
func (l *Listener) drain(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < l.cfg.DrainWorkers; i++ {
		g.Go(func() error {
			for {
				w, ok, err := l.dequeue()
				if err != nil || !ok {
					return err
				}

				_, err = l.apply(ctx, w)
				l.budget.Release(w.Op.Size())
				if err != nil {
					return fmt.Errorf("apply queued write %s: %w", w.Timestamp, err)
				}
			}
		})
	}
	return g.Wait()
}

// dequeue pops the oldest queued write. Once the queue is empty, the
// listener switches to applying writes directly.
func (l *Listener) dequeue() (queuedWrite, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.direct {
		return queuedWrite{}, false, nil
	}

	data, ok, err := l.queue.Pop()
	if err != nil {
		return queuedWrite{}, false, err
	}
	if !ok {
		l.direct = true
		return queuedWrite{}, false, nil
	}

	var w queuedWrite
	if err := json.Unmarshal(data, &w); err != nil {
		return queuedWrite{}, false, fmt.Errorf("decode queued write: %w", err)
	}
	return w, true, nil
}
