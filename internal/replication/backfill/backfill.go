// Package backfill brings a replica from an old or absent version of a
// region to a recent one by copying the keys that changed in between.
package backfill

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// Budget bounds the size of a single chunk.
type Budget struct {
	MaxItems int `json:"max_items"`
	MaxBytes int `json:"max_bytes"`
}

// DefaultBudget is used when a request does not carry a budget.
var DefaultBudget = Budget{MaxItems: 1000, MaxBytes: 4 << 20}

func (b Budget) full(items, bytes int) bool {
	return items >= b.MaxItems || bytes >= b.MaxBytes
}

// Request asks a source for the changes a backfillee is missing.
type Request struct {
	// Start is the state the backfillee shares with the source.
	Start version.Map `json:"start"`
	// Divergent lists keys the backfillee changed after Start on a
	// branch the source does not know of. The source sends their
	// current state regardless of when it changed them last.
	Divergent []string `json:"divergent,omitempty"`
	// MinTimestamp is the timestamp the source has to reach on its branch
	// before it starts sending, if it is able to wait for it.
	MinTimestamp timestamp.Timestamp `json:"min_timestamp"`
	// Parallelism is the number of concurrent range walks.
	Parallelism int    `json:"parallelism"`
	Budget      Budget `json:"budget"`
}

// Chunk is a batch of items produced by one range walk. Released and Total
// estimate the walk's progress.
type Chunk struct {
	Walker   int          `json:"walker"`
	Items    []store.Item `json:"items"`
	Released uint64       `json:"released"`
	Total    uint64       `json:"total"`
}

// Handshake describes the state of a source before it is asked to send.
type Handshake struct {
	Versions version.RangeMap `json:"versions"`
	History  version.Snapshot `json:"history"`
}

// EndPoint is the version the backfillee holds once every chunk of a
// backfill has been applied.
type EndPoint struct {
	Versions version.Map      `json:"versions"`
	History  version.Snapshot `json:"history"`
}

// Source serves backfills.
type Source interface {
	// Handshake returns the source's current versions.
	Handshake(ctx context.Context) (Handshake, error)
	// Send streams the items the backfillee is missing to fn and returns
	// the version the backfillee reaches. fn is never called
	// concurrently.
	Send(ctx context.Context, req Request, fn func(Chunk) error) (EndPoint, error)
}

// ErrInvalidRequest is returned for requests a source cannot serve.
var ErrInvalidRequest = errors.New("invalid backfill request")

// Validate verifies that the request can be served by a store responsible
// for r.
func (req Request) Validate(r region.Region) error {
	if req.Start.Len() == 0 {
		return fmt.Errorf("%w: empty start point", ErrInvalidRequest)
	}
	if !req.Start.IsContiguous() {
		return fmt.Errorf("%w: start point has holes", ErrInvalidRequest)
	}
	if domain := req.Start.Domain(); !r.IsSupersetOf(domain) {
		return fmt.Errorf("%w: start point covers %s, source covers %s", ErrInvalidRequest, domain, r)
	}
	for _, key := range req.Divergent {
		if !req.Start.Domain().Contains(key) {
			return fmt.Errorf("%w: divergent key %q outside of start point", ErrInvalidRequest, key)
		}
	}
	return nil
}

// Apply writes a chunk to the backfillee's store.
func Apply(ctx context.Context, s store.Store, chunk Chunk) error {
	tx, err := s.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Release()

	if err := tx.ApplyItems(chunk.Items); err != nil {
		return err
	}
	return tx.Commit()
}
