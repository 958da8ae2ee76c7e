package listener

import (
	"context"

	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
)

// Replier serves backfills from a streaming listener's store.
type Replier struct {
	l *Listener
}

// Replier returns a backfill source backed by the listener.
func (l *Listener) Replier() *Replier {
	return &Replier{l: l}
}

// Handshake implements backfill.Source.
func (r *Replier) Handshake(ctx context.Context) (backfill.Handshake, error) {
	if err := r.l.awaitRegistration(ctx); err != nil {
		return backfill.Handshake{}, err
	}
	if err := r.l.readable(); err != nil {
		return backfill.Handshake{}, err
	}
	return backfill.NewHandshake(ctx, r.l.store, r.l.history)
}

// Send implements backfill.Source. It waits until the listener applied the
// writes up to the request's MinTimestamp, so the backfill reaches at least
// that far on the listener's branch.
func (r *Replier) Send(ctx context.Context, req backfill.Request, fn func(backfill.Chunk) error) (backfill.EndPoint, error) {
	if err := r.l.awaitRegistration(ctx); err != nil {
		return backfill.EndPoint{}, err
	}
	if err := r.l.readable(); err != nil {
		return backfill.EndPoint{}, err
	}
	if err := r.l.enforcer.Wait(ctx, req.MinTimestamp); err != nil {
		return backfill.EndPoint{}, replication.Interrupted(ctx)
	}
	return backfill.Serve(ctx, r.l.store, r.l.history, req, fn)
}
