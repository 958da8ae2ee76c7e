package listener

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/broadcaster"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	"gitlab.com/gitlab-org/shardkv/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func testConfig(t *testing.T) Config {
	return Config{
		WriteQueueDir:       t.TempDir(),
		DrainWorkers:        3,
		BackfillParallelism: 2,
		BackfillBudget:      backfill.Budget{MaxItems: 2, MaxBytes: 1 << 20},
		Logger:              testhelper.NewDiscardingLogEntry(t),
	}
}

func put(key, value string) store.WriteOp {
	return store.WriteOp{Mutations: []store.Mutation{{Key: key, Value: []byte(value)}}}
}

func contents(t *testing.T, s store.Store) []store.Pair {
	t.Helper()

	tx, err := s.BeginRead(context.Background())
	require.NoError(t, err)
	defer tx.Release()

	all := region.Universe()
	resp, err := tx.Read(store.ReadOp{Scan: &all})
	require.NoError(t, err)
	return resp.Pairs
}

// registrar intercepts the registrations of listeners with a broadcaster.
type registrar struct {
	replication.Registrar
	wrap       func(replication.ListenerClient) replication.ListenerClient
	registered chan replication.Intro

	mu           sync.Mutex
	downgraded   []uuid.UUID
	deregistered []uuid.UUID
}

func (r *registrar) Register(ctx context.Context, l replication.ListenerClient) (replication.Intro, error) {
	if r.wrap != nil {
		l = r.wrap(l)
	}
	intro, err := r.Registrar.Register(ctx, l)
	if err == nil && r.registered != nil {
		r.registered <- intro
	}
	return intro, err
}

func (r *registrar) Downgrade(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	r.downgraded = append(r.downgraded, id)
	r.mu.Unlock()
	return r.Registrar.Downgrade(ctx, id)
}

func (r *registrar) Deregister(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	r.deregistered = append(r.deregistered, id)
	r.mu.Unlock()
	return r.Registrar.Deregister(ctx, id)
}

// gatedClient holds back the write ending at hold until gate is closed.
type gatedClient struct {
	replication.ListenerClient
	hold timestamp.Timestamp
	gate chan struct{}
}

func (c *gatedClient) Write(ctx context.Context, req replication.WriteRequest) (replication.WriteAck, error) {
	if req.Token.Timestamp.After == c.hold {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return replication.WriteAck{}, ctx.Err()
		}
	}
	return c.ListenerClient.Write(ctx, req)
}

// recordingClient records the requests a broadcaster dispatches to a
// listener.
type recordingClient struct {
	replication.ListenerClient

	mu     sync.Mutex
	writes []replication.WriteRequest
	reads  []replication.ReadRequest
}

func (c *recordingClient) Write(ctx context.Context, req replication.WriteRequest) (replication.WriteAck, error) {
	c.mu.Lock()
	c.writes = append(c.writes, req)
	c.mu.Unlock()
	return c.ListenerClient.Write(ctx, req)
}

func (c *recordingClient) Read(ctx context.Context, req replication.ReadRequest) (store.ReadResponse, error) {
	c.mu.Lock()
	c.reads = append(c.reads, req)
	c.mu.Unlock()
	return c.ListenerClient.Read(ctx, req)
}

func (c *recordingClient) recorded() ([]replication.WriteRequest, []replication.ReadRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]replication.WriteRequest(nil), c.writes...), append([]replication.ReadRequest(nil), c.reads...)
}

// failingHistory fails to import branches.
type failingHistory struct {
	version.History
	err error
}

func (h failingHistory) ImportBranches(context.Context, version.Snapshot) error {
	return h.err
}

// recordingStore records the timestamps of committed writes.
type recordingStore struct {
	store.Store

	mu     sync.Mutex
	writes []timestamp.Transition
}

func (s *recordingStore) BeginWrite(ctx context.Context) (store.WriteTx, error) {
	tx, err := s.Store.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingTx{WriteTx: tx, s: s}, nil
}

func (s *recordingStore) recorded() []timestamp.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]timestamp.Transition(nil), s.writes...)
}

type recordingTx struct {
	store.WriteTx
	s       *recordingStore
	pending []timestamp.Transition
}

func (tx *recordingTx) Write(op store.WriteOp, ts timestamp.Transition) (store.WriteResponse, error) {
	resp, err := tx.WriteTx.Write(op, ts)
	if err == nil {
		tx.pending = append(tx.pending, ts)
	}
	return resp, err
}

func (tx *recordingTx) Commit() error {
	if err := tx.WriteTx.Commit(); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.writes = append(tx.s.writes, tx.pending...)
	tx.s.mu.Unlock()
	return nil
}

// blockingSource holds back a backfill until release is closed.
type blockingSource struct {
	backfill.Source
	started chan struct{}
	release chan struct{}
}

func (s *blockingSource) Send(ctx context.Context, req backfill.Request, fn func(backfill.Chunk) error) (backfill.EndPoint, error) {
	close(s.started)
	select {
	case <-s.release:
	case <-ctx.Done():
		return backfill.EndPoint{}, ctx.Err()
	}
	return s.Source.Send(ctx, req, fn)
}

// primary is a broadcaster together with the listener attached to its own
// store.
type primary struct {
	store       *store.MemoryStore
	history     *version.MemoryHistory
	broadcaster *broadcaster.Broadcaster
	registrar   *registrar
	local       *Listener
}

func newPrimary(t *testing.T, st *store.MemoryStore, history *version.MemoryHistory, wrap func(replication.ListenerClient) replication.ListenerClient) *primary {
	t.Helper()
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, err := broadcaster.New(ctx, st, history, broadcaster.WithLogger(testhelper.NewDiscardingLogEntry(t)))
	require.NoError(t, err)

	reg := &registrar{Registrar: b, wrap: wrap}
	local, err := NewForBranch(ctx, st, history, reg, testConfig(t))
	require.NoError(t, err)
	require.Equal(t, StateStreaming, local.State())

	p := &primary{store: st, history: history, broadcaster: b, registrar: reg, local: local}
	t.Cleanup(p.close)
	return p
}

func (p *primary) close() {
	p.broadcaster.Close()
	_ = p.local.Close()
}

func (p *primary) write(t *testing.T, key, value string) {
	t.Helper()
	ctx, cancel := testhelper.Context()
	defer cancel()

	_, err := p.broadcaster.Write(ctx, put(key, value), broadcaster.Quorum(1))
	require.NoError(t, err)
}

func (p *primary) awaitComplete(t *testing.T, ts timestamp.Timestamp) {
	t.Helper()
	testhelper.RequireEventually(t, func() bool {
		_, complete := p.broadcaster.Timestamps()
		return complete >= ts
	})
}
