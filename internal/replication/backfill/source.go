package backfill

import (
	"context"

	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// StoreSource serves backfills straight from a store. It cannot wait for a
// request's MinTimestamp.
type StoreSource struct {
	Store   store.Store
	History version.Reader
}

// Handshake implements Source.
func (s StoreSource) Handshake(ctx context.Context) (Handshake, error) {
	return NewHandshake(ctx, s.Store, s.History)
}

// Send implements Source.
func (s StoreSource) Send(ctx context.Context, req Request, fn func(Chunk) error) (EndPoint, error) {
	return Serve(ctx, s.Store, s.History, req, fn)
}

// NewHandshake describes the current state of s.
func NewHandshake(ctx context.Context, s store.Store, history version.Reader) (Handshake, error) {
	metadata, err := store.ReadMetadata(ctx, s)
	if err != nil {
		return Handshake{}, err
	}

	snapshot, err := version.Export(ctx, history, version.BranchesOf(metadata)...)
	if err != nil {
		return Handshake{}, err
	}

	return Handshake{Versions: metadata, History: snapshot}, nil
}
