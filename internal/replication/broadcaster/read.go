package broadcaster

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
)

// ErrNoReadableListener is returned for reads while no listener is
// readable.
var ErrNoReadableListener = errors.New("no readable listener")

// Read serves op from a readable listener. The listener waits until it has
// applied every write a readable listener acknowledged before the read was
// dispatched. Writes still in flight may or may not be visible.
func (b *Broadcaster) Read(ctx context.Context, op store.ReadOp) (store.ReadResponse, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "broadcaster.Read")
	defer span.Finish()

	if err := op.Validate(b.region); err != nil {
		return store.ReadResponse{}, err
	}

	b.mu.Lock()
	d, err := b.pickReadableLocked()
	if err != nil {
		b.mu.Unlock()
		b.metrics.reads.WithLabelValues("failed").Inc()
		return store.ReadResponse{}, err
	}
	req := replication.ReadRequest{Op: op, MinTimestamp: b.mostRecentAcked}
	b.mu.Unlock()

	span.SetTag("listener", d.id.String())

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	b.tasks.Go(func() {
		select {
		case <-d.ctx.Done():
			cancel()
		case <-stop:
		}
	})

	resp, err := d.client.Read(rctx, req)
	switch {
	case err == nil:
		b.metrics.reads.WithLabelValues("success").Inc()
		return resp, nil
	case ctx.Err() != nil:
		b.metrics.reads.WithLabelValues("interrupted").Inc()
		return store.ReadResponse{}, replication.Interrupted(ctx)
	case d.ctx.Err() != nil:
		err = replication.ErrLostContact
	case errors.Is(err, replication.ErrLostContact):
		b.mu.Lock()
		b.logger.WithError(err).WithField("listener", d.id).Warn("read dispatch failed, disconnecting listener")
		b.metrics.disconnects.Inc()
		b.disconnectLocked(d)
		b.mu.Unlock()
	}

	b.metrics.reads.WithLabelValues("failed").Inc()
	return store.ReadResponse{}, replication.CannotPerformQueryError{Cause: fmt.Errorf("listener %s: %w", d.id, err)}
}

type readResult struct {
	resp store.ReadResponse
	err  error
}

// OrderedRead serves op from a readable listener, ordered exactly against
// the writes admitted around it: the read observes every write admitted
// before it and none admitted after it.
func (b *Broadcaster) OrderedRead(ctx context.Context, op store.ReadOp) (store.ReadResponse, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "broadcaster.OrderedRead")
	defer span.Finish()

	if err := op.Validate(b.region); err != nil {
		return store.ReadResponse{}, err
	}

	b.mu.Lock()
	d, err := b.pickReadableLocked()
	if err != nil {
		b.mu.Unlock()
		b.metrics.reads.WithLabelValues("failed").Inc()
		return store.ReadResponse{}, err
	}

	// The listener's sink counts every read token. Once issued, the token
	// has to reach the listener even if our caller gives up, so the read
	// is bound to the listener's lifetime rather than to ctx.
	token := d.source.EnterRead()
	req := replication.ReadRequest{Op: op, MinTimestamp: b.mostRecentAcked, Token: &token}
	result := make(chan readResult, 1)
	b.tasks.Go(func() {
		resp, err := d.client.Read(d.ctx, req)
		if err != nil && d.ctx.Err() == nil {
			b.mu.Lock()
			b.logger.WithError(err).WithFields(logrus.Fields{
				"listener":  d.id,
				"timestamp": token.Timestamp,
			}).Warn("ordered read dispatch failed, disconnecting listener")
			b.metrics.disconnects.Inc()
			b.disconnectLocked(d)
			b.mu.Unlock()
		}
		result <- readResult{resp: resp, err: err}
	})
	b.mu.Unlock()

	select {
	case r := <-result:
		if r.err != nil {
			b.metrics.reads.WithLabelValues("failed").Inc()
			return store.ReadResponse{}, replication.CannotPerformQueryError{Cause: fmt.Errorf("listener %s: %w", d.id, r.err)}
		}
		b.metrics.reads.WithLabelValues("success").Inc()
		return r.resp, nil
	case <-ctx.Done():
		b.metrics.reads.WithLabelValues("interrupted").Inc()
		return store.ReadResponse{}, replication.Interrupted(ctx)
	}
}

func (b *Broadcaster) pickReadableLocked() (*dispatchee, error) {
	if b.closed {
		return nil, replication.CannotPerformQueryError{Cause: ErrClosed}
	}

	readable := b.readableLocked()
	if len(readable) == 0 {
		return nil, replication.CannotPerformQueryError{Cause: ErrNoReadableListener}
	}
	return b.dispatchees[b.selector.Select(readable)], nil
}
