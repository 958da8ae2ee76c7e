package listener

import (
	"context"

	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
)

// Read implements replication.ListenerClient. A read carrying a token is
// ordered against writes through the store entrance; other reads only wait
// until the store reflects every write up to the request's MinTimestamp.
func (l *Listener) Read(ctx context.Context, req replication.ReadRequest) (store.ReadResponse, error) {
	if err := l.awaitRegistration(ctx); err != nil {
		return store.ReadResponse{}, err
	}

	minTimestamp := req.MinTimestamp
	if req.Token != nil {
		// The token is counted by the sink whether or not the read is
		// served.
		exiter, err := l.sink.AdmitRead(*req.Token)
		if err != nil {
			return store.ReadResponse{}, err
		}
		defer exiter.Exit()

		if err := l.readable(); err != nil {
			return store.ReadResponse{}, err
		}
		if err := exiter.Wait(ctx); err != nil {
			return store.ReadResponse{}, replication.Interrupted(ctx)
		}
		if req.Token.Timestamp > minTimestamp {
			minTimestamp = req.Token.Timestamp
		}
	}

	if err := l.readable(); err != nil {
		return store.ReadResponse{}, err
	}

	if err := l.enforcer.Wait(ctx, minTimestamp); err != nil {
		return store.ReadResponse{}, replication.Interrupted(ctx)
	}

	tx, err := l.store.BeginRead(ctx)
	if err != nil {
		return store.ReadResponse{}, err
	}
	defer tx.Release()

	return tx.Read(req.Op)
}

func (l *Listener) readable() error {
	switch l.State() {
	case StateStreaming:
		return nil
	case StateOutdated, StateFailed:
		return replication.ErrListenerOutdated
	default:
		return replication.ErrNotReadable
	}
}
