package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	"gitlab.com/gitlab-org/shardkv/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

// fakeListener acknowledges every write it receives unless told otherwise.
type fakeListener struct {
	mu     sync.Mutex
	writes []replication.WriteRequest
	reads  []replication.ReadRequest

	// gate, if set, holds back writes until it is closed.
	gate    chan struct{}
	err     error
	queued  bool
	readErr error
}

func (f *fakeListener) Write(ctx context.Context, req replication.WriteRequest) (replication.WriteAck, error) {
	f.mu.Lock()
	gate, err, queued := f.gate, f.err, f.queued
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return replication.WriteAck{}, ctx.Err()
		}
	}
	if err != nil {
		return replication.WriteAck{}, err
	}

	f.mu.Lock()
	f.writes = append(f.writes, req)
	f.mu.Unlock()

	if queued {
		return replication.WriteAck{}, nil
	}

	ack := replication.WriteAck{Applied: true}
	if req.Respond {
		ack.Response = &store.WriteResponse{Inserted: len(req.Op.Mutations)}
	}
	return ack, nil
}

func (f *fakeListener) Read(ctx context.Context, req replication.ReadRequest) (store.ReadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return store.ReadResponse{}, f.readErr
	}
	f.reads = append(f.reads, req)
	return store.ReadResponse{Pairs: []store.Pair{{Key: "k", Value: []byte("v")}}}, nil
}

func (f *fakeListener) received() []timestamp.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ts []timestamp.Transition
	for _, w := range f.writes {
		ts = append(ts, w.Token.Timestamp)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before < ts[j].Before })
	return ts
}

func put(key string) store.WriteOp {
	return store.WriteOp{Mutations: []store.Mutation{{Key: key, Value: []byte(key)}}}
}

func setup(t *testing.T, opts ...Option) (*Broadcaster, store.Store, *version.MemoryHistory) {
	t.Helper()
	ctx, cancel := testhelper.Context()
	defer cancel()

	st := store.NewMemoryStore(region.Universe())
	history := version.NewMemoryHistory()
	b, err := New(ctx, st, history, opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, st, history
}

func register(t *testing.T, b *Broadcaster, l replication.ListenerClient, readable bool) replication.Intro {
	t.Helper()
	ctx, cancel := testhelper.Context()
	defer cancel()

	intro, err := b.Register(ctx, l)
	require.NoError(t, err)
	if readable {
		require.NoError(t, b.Upgrade(ctx, intro.ID))
	}
	return intro
}

func TestNew(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, st, history := setup(t)

	cert, err := history.Branch(ctx, b.Branch())
	require.NoError(t, err)
	require.Equal(t, region.Universe(), cert.Region)
	require.Equal(t, timestamp.Zero, cert.InitialTimestamp)

	metadata, err := store.ReadMetadata(ctx, st)
	require.NoError(t, err)
	require.Equal(t, []region.Entry[version.Range]{
		{Region: region.Universe(), Value: version.Coherent(version.New(b.Branch(), 0))},
	}, metadata.Entries())

	// A second broadcaster on the same store descends from the first.
	next, err := New(ctx, st, history)
	require.NoError(t, err)
	defer next.Close()

	ok, err := version.IsAncestor(ctx, history, version.New(b.Branch(), 0), version.New(next.Branch(), 0), region.Universe())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNew_incoherentStore(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	st := store.NewMemoryStore(region.Universe())
	tx, err := st.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetMetadata(region.NewMap(region.From("m"), version.Range{
		Earliest: version.Zero(),
		Latest:   version.New(uuid.New(), 4),
	})))
	require.NoError(t, tx.Commit())

	_, err = New(ctx, st, version.NewMemoryHistory())
	require.True(t, errors.Is(err, version.ErrIncoherent))
}

// pausingHistory stops after recording a branch until proceed is closed.
type pausingHistory struct {
	*version.MemoryHistory
	created chan struct{}
	proceed chan struct{}
}

func (h *pausingHistory) CreateBranch(ctx context.Context, id uuid.UUID, cert version.BirthCertificate) error {
	if err := h.MemoryHistory.CreateBranch(ctx, id, cert); err != nil {
		return err
	}
	close(h.created)
	<-h.proceed
	return nil
}

func TestNew_concurrentGC(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	st := store.NewMemoryStore(region.Universe())
	history := &pausingHistory{
		MemoryHistory: version.NewMemoryHistory(),
		created:       make(chan struct{}),
		proceed:       make(chan struct{}),
	}

	created := make(chan *Broadcaster, 1)
	go func() {
		b, err := New(ctx, st, history)
		assert.NoError(t, err)
		created <- b
	}()
	<-history.created

	type prepared struct {
		candidates map[uuid.UUID]struct{}
		err        error
	}
	gc := make(chan prepared, 1)
	go func() {
		candidates, err := version.PrepareGC(ctx, history)
		gc <- prepared{candidates: candidates, err: err}
	}()

	select {
	case <-gc:
		require.FailNow(t, "garbage collection started while the store was not yet stamped")
	case <-time.After(50 * time.Millisecond):
	}

	close(history.proceed)
	b := <-created
	require.NotNil(t, b)
	defer b.Close()

	result := <-gc
	require.NoError(t, result.err)
	require.Contains(t, result.candidates, b.Branch())

	metadata, err := store.ReadMetadata(ctx, st)
	require.NoError(t, err)
	require.NoError(t, version.MarkReachable(ctx, history, result.candidates, metadata))
	require.NoError(t, version.PerformGC(ctx, history, result.candidates))

	_, err = history.Branch(ctx, b.Branch())
	require.NoError(t, err)
}

func TestBroadcaster_writeWithoutListeners(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	_, err := b.Write(ctx, put("a"), Quorum(1))
	var cannot replication.CannotPerformQueryError
	require.True(t, errors.As(err, &cannot))
	require.False(t, cannot.Indeterminate)
	require.True(t, errors.Is(err, ErrNotEnoughListeners))

	// A joining listener does not count.
	register(t, b, &fakeListener{}, false)
	_, err = b.Write(ctx, put("a"), Quorum(1))
	require.True(t, errors.Is(err, ErrNotEnoughListeners))
	require.Equal(t, 2.0, testutil.ToFloat64(b.metrics.writes.WithLabelValues("failed")))
}

func TestBroadcaster_write(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)
	listeners := []*fakeListener{{}, {}, {}}
	for _, l := range listeners {
		register(t, b, l, true)
	}

	for i := 0; i < 5; i++ {
		resp, err := b.Write(ctx, put(fmt.Sprintf("key-%d", i)), Majority())
		require.NoError(t, err)
		require.Equal(t, store.WriteResponse{Inserted: 1}, resp)
	}

	testhelper.RequireEventually(t, func() bool {
		current, complete := b.Timestamps()
		return current == 5 && complete == 5
	})

	for _, l := range listeners {
		require.Len(t, l.received(), 5)
		for i, ts := range l.received() {
			require.Equal(t, timestamp.NewTransition(timestamp.Timestamp(i)), ts)
		}
	}
	require.Equal(t, 5.0, testutil.ToFloat64(b.metrics.writes.WithLabelValues("success")))
}

func TestBroadcaster_writeInvalid(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)
	register(t, b, &fakeListener{}, true)

	_, err := b.Write(ctx, store.WriteOp{}, Quorum(1))
	require.Error(t, err)
	require.False(t, isCannotPerform(err))

	current, _ := b.Timestamps()
	require.Equal(t, timestamp.Zero, current)
}

func isCannotPerform(err error) bool {
	var cannot replication.CannotPerformQueryError
	return errors.As(err, &cannot)
}

func TestBroadcaster_queuedAcksDoNotCount(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(100 * time.Millisecond))
	defer cancel()

	b, _, _ := setup(t)
	register(t, b, &fakeListener{queued: true}, true)

	_, err := b.Write(ctx, put("a"), Quorum(1))
	require.True(t, replication.IsIndeterminate(err))
}

func TestBroadcaster_registerSendsIncompleteWrites(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	gate := make(chan struct{})
	slow := &fakeListener{gate: gate}
	register(t, b, slow, true)

	for i := 0; i < 3; i++ {
		_, err := b.SpawnWrite(ctx, put(fmt.Sprintf("key-%d", i)), uuid.Nil, nil)
		require.NoError(t, err)
	}

	current, complete := b.Timestamps()
	require.Equal(t, timestamp.Timestamp(3), current)
	require.Equal(t, timestamp.Zero, complete)

	joining := &fakeListener{}
	intro := register(t, b, joining, false)
	require.Equal(t, b.Branch(), intro.Branch)
	require.Equal(t, timestamp.Zero, intro.BeginTimestamp)
	require.Equal(t, timestamp.Zero, intro.Fifo.Timestamp)
	require.Contains(t, intro.History.Certificates, b.Branch())

	testhelper.RequireEventually(t, func() bool { return len(joining.received()) == 3 })

	close(gate)
	testhelper.RequireEventually(t, func() bool {
		_, complete := b.Timestamps()
		return complete == 3
	})

	late := &fakeListener{}
	intro = register(t, b, late, false)
	require.Equal(t, timestamp.Timestamp(3), intro.BeginTimestamp)
	require.Equal(t, timestamp.Timestamp(3), intro.Fifo.Timestamp)
	require.Empty(t, late.received())
}

func TestBroadcaster_newestCompleteWaitsForEarlierWrites(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	gate := make(chan struct{})
	l := &fakeListener{gate: gate}
	intro := register(t, b, l, true)

	first, err := b.SpawnWrite(ctx, put("a"), uuid.Nil, nil)
	require.NoError(t, err)

	// The first listener holds back both writes until it is deregistered.
	other := &fakeListener{}
	register(t, b, other, true)

	second, err := b.SpawnWrite(ctx, put("b"), uuid.Nil, nil)
	require.NoError(t, err)
	require.Equal(t, timestamp.NewTransition(0), first.Timestamp())
	require.Equal(t, timestamp.NewTransition(1), second.Timestamp())

	testhelper.RequireEventually(t, func() bool { return len(other.received()) == 2 })
	_, complete := b.Timestamps()
	require.Equal(t, timestamp.Zero, complete)

	require.NoError(t, b.Deregister(ctx, intro.ID))
	testhelper.RequireEventually(t, func() bool {
		_, complete := b.Timestamps()
		return complete == 2
	})
	close(gate)
}

type recordingCallback struct {
	mu   sync.Mutex
	acks []Ack
	done chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{done: make(chan struct{})}
}

func (r *recordingCallback) OnAck(a Ack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		panic("ack after done")
	default:
	}
	r.acks = append(r.acks, a)
}

func (r *recordingCallback) OnDone() {
	close(r.done)
}

func TestBroadcaster_spawnWriteCallback(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	readable := register(t, b, &fakeListener{}, true)
	joining := register(t, b, &fakeListener{queued: true}, false)

	cb := newRecordingCallback()
	_, err := b.SpawnWrite(ctx, put("a"), readable.ID, cb)
	require.NoError(t, err)
	<-cb.done

	require.Len(t, cb.acks, 2)
	byListener := map[uuid.UUID]Ack{}
	for _, a := range cb.acks {
		byListener[a.Listener] = a
	}
	require.True(t, byListener[readable.ID].Readable)
	require.True(t, byListener[readable.ID].Applied)
	require.Equal(t, &store.WriteResponse{Inserted: 1}, byListener[readable.ID].Response)
	require.False(t, byListener[joining.ID].Readable)
	require.False(t, byListener[joining.ID].Applied)

	// Without listeners the write is done immediately.
	lonely, _, _ := setup(t)
	cb = newRecordingCallback()
	_, err = lonely.SpawnWrite(ctx, put("a"), uuid.Nil, cb)
	require.NoError(t, err)
	select {
	case <-cb.done:
	default:
		t.Fatal("write without listeners not done")
	}
}

func TestBroadcaster_cancelWriteHandle(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	gate := make(chan struct{})
	register(t, b, &fakeListener{gate: gate}, true)

	cb := newRecordingCallback()
	handle, err := b.SpawnWrite(ctx, put("a"), uuid.Nil, cb)
	require.NoError(t, err)
	handle.Cancel()
	close(gate)

	testhelper.RequireEventually(t, func() bool {
		_, complete := b.Timestamps()
		return complete == 1
	})
	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Empty(t, cb.acks)
	select {
	case <-cb.done:
		t.Fatal("cancelled callback notified")
	default:
	}
}

func TestBroadcaster_failingListenerIsDisconnected(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	broken := register(t, b, &fakeListener{err: replication.ErrLostContact}, true)
	healthy := register(t, b, &fakeListener{}, true)

	// The broken listener gets disconnected by whichever write reaches
	// it first. Writes answered by it are indeterminate.
	var succeeded int
	for i := 0; i < 10; i++ {
		_, err := b.Write(ctx, put("a"), Quorum(1))
		if err != nil {
			require.True(t, replication.IsIndeterminate(err), err)
			continue
		}
		succeeded++
	}
	require.Greater(t, succeeded, 0)

	testhelper.RequireEventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.dispatchees[broken.ID]
		return !ok
	})
	require.True(t, errors.Is(b.Upgrade(ctx, broken.ID), replication.ErrUnknownListener))
	require.NoError(t, b.Upgrade(ctx, healthy.ID))
	require.Equal(t, 1.0, testutil.ToFloat64(b.metrics.disconnects))
}

func TestBroadcaster_writeInterrupted(t *testing.T) {
	b, _, _ := setup(t)

	gate := make(chan struct{})
	defer close(gate)
	register(t, b, &fakeListener{gate: gate}, true)

	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(50 * time.Millisecond))
	defer cancel()

	_, err := b.Write(ctx, put("a"), Quorum(1))
	require.True(t, replication.IsIndeterminate(err))
	require.True(t, errors.Is(err, replication.ErrInterrupted))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBroadcaster_read(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	all := region.Universe()
	_, err := b.Read(ctx, store.ReadOp{Scan: &all})
	require.True(t, errors.Is(err, ErrNoReadableListener))

	l := &fakeListener{}
	register(t, b, l, true)

	_, err = b.Write(ctx, put("a"), Quorum(1))
	require.NoError(t, err)
	_, err = b.Write(ctx, put("b"), Quorum(1))
	require.NoError(t, err)

	resp, err := b.Read(ctx, store.ReadOp{Keys: []string{"k"}})
	require.NoError(t, err)
	require.Equal(t, []store.Pair{{Key: "k", Value: []byte("v")}}, resp.Pairs)

	resp, err = b.OrderedRead(ctx, store.ReadOp{Keys: []string{"k"}})
	require.NoError(t, err)
	require.Len(t, resp.Pairs, 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.reads, 2)
	require.Equal(t, timestamp.Timestamp(2), l.reads[0].MinTimestamp)
	require.Nil(t, l.reads[0].Token)
	require.NotNil(t, l.reads[1].Token)
	require.Equal(t, timestamp.Timestamp(2), l.reads[1].Token.Timestamp)
}

func TestBroadcaster_readLostContact(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)
	intro := register(t, b, &fakeListener{readErr: replication.ErrLostContact}, true)

	_, err := b.Read(ctx, store.ReadOp{Keys: []string{"k"}})
	require.True(t, isCannotPerform(err))
	require.False(t, replication.IsIndeterminate(err))
	require.True(t, errors.Is(b.Downgrade(ctx, intro.ID), replication.ErrUnknownListener))

	_, err = b.OrderedRead(ctx, store.ReadOp{Keys: []string{"k"}})
	require.True(t, errors.Is(err, ErrNoReadableListener))
}

// blockingReader serves reads only once they are cancelled.
type blockingReader struct {
	fakeListener
	started chan struct{}
}

func (r *blockingReader) Read(ctx context.Context, req replication.ReadRequest) (store.ReadResponse, error) {
	close(r.started)
	<-ctx.Done()
	return store.ReadResponse{}, ctx.Err()
}

func TestBroadcaster_readAbortedByDeregister(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)
	reader := &blockingReader{started: make(chan struct{})}
	intro := register(t, b, reader, true)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Read(ctx, store.ReadOp{Keys: []string{"k"}})
		errs <- err
	}()

	<-reader.started
	require.NoError(t, b.Deregister(ctx, intro.ID))

	err := <-errs
	require.True(t, isCannotPerform(err))
	require.True(t, errors.Is(err, replication.ErrLostContact))
	require.False(t, replication.IsIndeterminate(err))
}

func TestBroadcaster_downgrade(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)
	intro := register(t, b, &fakeListener{}, true)

	_, err := b.Read(ctx, store.ReadOp{Keys: []string{"k"}})
	require.NoError(t, err)

	require.NoError(t, b.Downgrade(ctx, intro.ID))
	_, err = b.Read(ctx, store.ReadOp{Keys: []string{"k"}})
	require.True(t, errors.Is(err, ErrNoReadableListener))
}

func TestBroadcaster_close(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b, _, _ := setup(t)

	gate := make(chan struct{})
	defer close(gate)
	register(t, b, &fakeListener{gate: gate}, true)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Write(ctx, put("a"), Quorum(1))
		errs <- err
	}()

	testhelper.RequireEventually(t, func() bool {
		current, _ := b.Timestamps()
		return current == 1
	})
	b.Close()

	require.True(t, replication.IsIndeterminate(<-errs))

	_, err := b.Register(ctx, &fakeListener{})
	require.Equal(t, ErrClosed, err)
	_, err = b.SpawnWrite(ctx, put("a"), uuid.Nil, nil)
	require.Equal(t, ErrClosed, err)
}

type sequence struct{ n int }

func (s *sequence) Intn(n int) int {
	s.n++
	return (s.n - 1) % n
}

func TestSelectors(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	rr := RoundRobinSelector()
	for i := 0; i < 6; i++ {
		require.Equal(t, ids[i%3], rr.Select(ids))
	}

	random := RandomSelector(&sequence{})
	require.Equal(t, ids[0], random.Select(ids))
	require.Equal(t, ids[1], random.Select(ids))

	require.IsType(t, &roundRobinSelector{}, SelectorByName("round_robin"))
	require.IsType(t, randomSelector{}, SelectorByName("random"))

	picked := RandomSelector(nil).Select(ids)
	require.Contains(t, ids, picked)
}

func TestAckPolicies(t *testing.T) {
	require.Equal(t, 2, Quorum(2).Required(5))
	require.Equal(t, 1, Quorum(0).Required(5))
	require.Equal(t, 1, Majority().Required(1))
	require.Equal(t, 2, Majority().Required(2))
	require.Equal(t, 3, Majority().Required(5))
}

func TestBroadcaster_collect(t *testing.T) {
	b, _, _ := setup(t)
	register(t, b, &fakeListener{}, true)
	register(t, b, &fakeListener{}, false)

	require.NoError(t, testutil.CollectAndCompare(b, strings.NewReader(`
# HELP shardkv_broadcaster_listeners Number of registered listeners by state
# TYPE shardkv_broadcaster_listeners gauge
shardkv_broadcaster_listeners{state="joining"} 1
shardkv_broadcaster_listeners{state="readable"} 1
`), "shardkv_broadcaster_listeners"))
}
