// Package store defines the transactional key/value engine replicas apply
// writes to, together with an in-memory implementation.
package store

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// ErrOutsideRegion is returned for keys the store is not responsible for.
var ErrOutsideRegion = errors.New("key outside of store region")

// Mutation sets or deletes a single key.
type Mutation struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// WriteOp is a write applied atomically.
type WriteOp struct {
	Mutations []Mutation `json:"mutations"`
}

// Size estimates the memory held by the operation.
func (op WriteOp) Size() int64 {
	var size int64
	for _, m := range op.Mutations {
		size += int64(len(m.Key) + len(m.Value) + 1)
	}
	return size
}

// Validate verifies that every key of the operation lies within r.
func (op WriteOp) Validate(r region.Region) error {
	if len(op.Mutations) == 0 {
		return errors.New("empty write")
	}
	for _, m := range op.Mutations {
		if !r.Contains(m.Key) {
			return fmt.Errorf("%w: %q", ErrOutsideRegion, m.Key)
		}
	}
	return nil
}

// Mask returns the mutations of the operation touching keys within r.
func (op WriteOp) Mask(r region.Region) WriteOp {
	var masked WriteOp
	for _, m := range op.Mutations {
		if r.Contains(m.Key) {
			masked.Mutations = append(masked.Mutations, m)
		}
	}
	return masked
}

// WriteResponse summarizes the effect of a write.
type WriteResponse struct {
	Inserted int `json:"inserted"`
	Replaced int `json:"replaced"`
	Deleted  int `json:"deleted"`
}

// ReadOp either fetches the given keys or scans a region.
type ReadOp struct {
	Keys  []string       `json:"keys,omitempty"`
	Scan  *region.Region `json:"scan,omitempty"`
	Limit int            `json:"limit,omitempty"`
}

// Validate verifies the operation only touches keys within r.
func (op ReadOp) Validate(r region.Region) error {
	if op.Scan != nil {
		if len(op.Keys) > 0 {
			return errors.New("read may either fetch keys or scan")
		}
		if !r.IsSupersetOf(*op.Scan) {
			return fmt.Errorf("%w: scan of %s", ErrOutsideRegion, op.Scan)
		}
		return nil
	}
	for _, key := range op.Keys {
		if !r.Contains(key) {
			return fmt.Errorf("%w: %q", ErrOutsideRegion, key)
		}
	}
	return nil
}

// Pair is a key with its value.
type Pair struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ReadResponse holds the pairs found by a read.
type ReadResponse struct {
	Pairs []Pair `json:"pairs"`
}

// Item is the state of a single key as exchanged by backfills. Deleted keys
// are kept as tombstones so deletions can be backfilled as well. Recency is
// the timestamp of the write which last touched the key.
type Item struct {
	Key     string              `json:"key"`
	Value   []byte              `json:"value,omitempty"`
	Deleted bool                `json:"deleted,omitempty"`
	Recency timestamp.Timestamp `json:"recency"`
}

// Size estimates the memory held by the item.
func (i Item) Size() int {
	return len(i.Key) + len(i.Value) + 9
}

// Store is a transactional key/value engine responsible for one region.
type Store interface {
	// Region returns the keys the store is responsible for.
	Region() region.Region
	// BeginRead starts a transaction reading a consistent snapshot.
	BeginRead(ctx context.Context) (ReadTx, error)
	// BeginWrite starts a write transaction. Write transactions are
	// serialized.
	BeginWrite(ctx context.Context) (WriteTx, error)
}

// ReadTx reads from a snapshot of the store.
type ReadTx interface {
	// Metadata returns the version every key of the store is at.
	Metadata() version.RangeMap
	// Read executes a read operation.
	Read(op ReadOp) (ReadResponse, error)
	// Items calls fn in key order for every key within r which was last
	// written after since, including deleted keys.
	Items(r region.Region, since timestamp.Timestamp, fn func(Item) error) error
	// Count returns the number of keys within r, including deleted keys.
	Count(r region.Region) int
	// Release ends the transaction. Releasing an uncommitted write
	// transaction discards it.
	Release()
}

// WriteTx is a transaction modifying the store. Nothing it does is visible
// until it is committed, after which the data and the metadata change
// together.
type WriteTx interface {
	ReadTx
	// SetMetadata records the version of the regions in m.
	SetMetadata(m version.RangeMap) error
	// Write applies op, stamping every touched key with ts.After.
	Write(op WriteOp, ts timestamp.Transition) (WriteResponse, error)
	// ApplyItems overwrites keys with backfilled items.
	ApplyItems(items []Item) error
	// Commit makes the transaction's changes visible.
	Commit() error
}

// ReadMetadata returns the store's current metadata.
func ReadMetadata(ctx context.Context, s Store) (version.RangeMap, error) {
	tx, err := s.BeginRead(ctx)
	if err != nil {
		return version.RangeMap{}, err
	}
	defer tx.Release()
	return tx.Metadata(), nil
}
