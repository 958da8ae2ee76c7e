package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

const btreeDegree = 32

var errTxDone = errors.New("transaction already finished")

type entry struct {
	key     string
	value   []byte
	deleted bool
	recency timestamp.Timestamp
}

func (e *entry) Less(than btree.Item) bool {
	return e.key < than.(*entry).key
}

func (e *entry) item() Item {
	return Item{Key: e.key, Value: e.value, Deleted: e.deleted, Recency: e.recency}
}

// MemoryStore is a Store keeping its data in a copy-on-write B-tree. Every
// transaction works on its own clone of the tree, so readers never block
// writers.
type MemoryStore struct {
	region region.Region
	writer chan struct{}

	mu       sync.Mutex
	tree     *btree.BTree
	metadata version.RangeMap
}

// NewMemoryStore returns an empty store for r at the zero version.
func NewMemoryStore(r region.Region) *MemoryStore {
	return &MemoryStore{
		region:   r,
		writer:   make(chan struct{}, 1),
		tree:     btree.New(btreeDegree),
		metadata: region.NewMap(r, version.Coherent(version.Zero())),
	}
}

// Region implements Store.
func (s *MemoryStore) Region() region.Region {
	return s.region
}

func (s *MemoryStore) snapshot() memoryTx {
	// Cloning swaps the tree's copy-on-write context.
	s.mu.Lock()
	defer s.mu.Unlock()
	return memoryTx{
		region:   s.region,
		tree:     s.tree.Clone(),
		metadata: s.metadata,
	}
}

// BeginRead implements Store.
func (s *MemoryStore) BeginRead(ctx context.Context) (ReadTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := s.snapshot()
	return &tx, nil
}

// BeginWrite implements Store.
func (s *MemoryStore) BeginWrite(ctx context.Context) (WriteTx, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &memoryWriteTx{memoryTx: s.snapshot(), store: s}, nil
}

type memoryTx struct {
	region   region.Region
	tree     *btree.BTree
	metadata version.RangeMap
}

func (tx *memoryTx) Metadata() version.RangeMap {
	return tx.metadata
}

func (tx *memoryTx) get(key string) (*entry, bool) {
	found := tx.tree.Get(&entry{key: key})
	if found == nil {
		return nil, false
	}
	return found.(*entry), true
}

func (tx *memoryTx) ascend(r region.Region, fn func(*entry) bool) {
	tx.tree.AscendGreaterOrEqual(&entry{key: r.Start}, func(i btree.Item) bool {
		e := i.(*entry)
		if !r.Contains(e.key) {
			return false
		}
		return fn(e)
	})
}

func (tx *memoryTx) Read(op ReadOp) (ReadResponse, error) {
	if err := op.Validate(tx.region); err != nil {
		return ReadResponse{}, err
	}

	var resp ReadResponse
	if op.Scan != nil {
		tx.ascend(*op.Scan, func(e *entry) bool {
			if !e.deleted {
				resp.Pairs = append(resp.Pairs, Pair{Key: e.key, Value: e.value})
			}
			return op.Limit <= 0 || len(resp.Pairs) < op.Limit
		})
		return resp, nil
	}

	for _, key := range op.Keys {
		if e, ok := tx.get(key); ok && !e.deleted {
			resp.Pairs = append(resp.Pairs, Pair{Key: e.key, Value: e.value})
		}
	}
	return resp, nil
}

func (tx *memoryTx) Items(r region.Region, since timestamp.Timestamp, fn func(Item) error) error {
	var err error
	tx.ascend(r, func(e *entry) bool {
		if e.recency <= since {
			return true
		}
		err = fn(e.item())
		return err == nil
	})
	return err
}

func (tx *memoryTx) Count(r region.Region) int {
	count := 0
	tx.ascend(r, func(*entry) bool {
		count++
		return true
	})
	return count
}

func (tx *memoryTx) Release() {}

type memoryWriteTx struct {
	memoryTx
	store *MemoryStore
	done  bool
}

func (tx *memoryWriteTx) SetMetadata(m version.RangeMap) error {
	if tx.done {
		return errTxDone
	}
	if m.Len() == 0 {
		return nil
	}
	if domain := m.Domain(); !tx.region.IsSupersetOf(domain) {
		return fmt.Errorf("%w: metadata for %s", ErrOutsideRegion, domain)
	}
	metadata := region.Map[version.Range]{}
	metadata.Update(tx.metadata)
	metadata.Update(m)
	tx.metadata = metadata
	return nil
}

func (tx *memoryWriteTx) Write(op WriteOp, ts timestamp.Transition) (WriteResponse, error) {
	if tx.done {
		return WriteResponse{}, errTxDone
	}
	if err := op.Validate(tx.region); err != nil {
		return WriteResponse{}, err
	}

	var resp WriteResponse
	for _, m := range op.Mutations {
		existing, ok := tx.get(m.Key)
		live := ok && !existing.deleted

		switch {
		case m.Delete && live:
			resp.Deleted++
		case !m.Delete && live:
			resp.Replaced++
		case !m.Delete:
			resp.Inserted++
		}

		tx.tree.ReplaceOrInsert(&entry{
			key:     m.Key,
			value:   m.Value,
			deleted: m.Delete,
			recency: ts.After,
		})
	}
	return resp, nil
}

func (tx *memoryWriteTx) ApplyItems(items []Item) error {
	if tx.done {
		return errTxDone
	}
	for _, item := range items {
		if !tx.region.Contains(item.Key) {
			return fmt.Errorf("%w: %q", ErrOutsideRegion, item.Key)
		}
		tx.tree.ReplaceOrInsert(&entry{
			key:     item.Key,
			value:   item.Value,
			deleted: item.Deleted,
			recency: item.Recency,
		})
	}
	return nil
}

func (tx *memoryWriteTx) Commit() error {
	if tx.done {
		return errTxDone
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	s.tree = tx.tree
	s.metadata = tx.metadata
	s.mu.Unlock()

	<-s.writer
	return nil
}

func (tx *memoryWriteTx) Release() {
	if tx.done {
		return
	}
	tx.done = true
	<-tx.store.writer
}
