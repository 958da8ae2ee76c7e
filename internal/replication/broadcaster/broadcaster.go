// Package broadcaster implements the primary side of replication. A
// Broadcaster owns a branch, timestamps writes, fans them out to every
// registered listener and serves reads from readable ones.
package broadcaster

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardkv/internal/dontpanic"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/fifo"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// ErrClosed is returned once the broadcaster has been closed.
var ErrClosed = errors.New("broadcaster closed")

type dispatcheeState int

const (
	stateJoining dispatcheeState = iota
	stateReadable
	stateDisconnected
)

func (s dispatcheeState) String() string {
	switch s {
	case stateJoining:
		return "joining"
	case stateReadable:
		return "readable"
	case stateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("dispatcheeState(%d)", int(s))
	}
}

// dispatchee is the broadcaster's handle to a registered listener. Its
// context is cancelled on disconnect, which abandons every operation still
// in flight to the listener.
type dispatchee struct {
	id     uuid.UUID
	client replication.ListenerClient
	source *fifo.Source
	state  dispatcheeState

	ctx    context.Context
	cancel context.CancelFunc
}

// Broadcaster dispatches the writes of a single branch.
type Broadcaster struct {
	branch   uuid.UUID
	region   region.Region
	history  version.History
	logger   logrus.FieldLogger
	selector Selector
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc
	tasks  dontpanic.Group

	// mu protects everything below. It is never held across a call to a
	// listener or a write callback.
	mu          sync.Mutex
	closed      bool
	dispatchees map[uuid.UUID]*dispatchee
	// incomplete holds *write in timestamp order.
	incomplete list.List
	// currentTimestamp is the timestamp of the most recently admitted
	// write.
	currentTimestamp timestamp.Timestamp
	// newestComplete is the timestamp up to which every write has been
	// acknowledged or abandoned by every listener it was sent to.
	newestComplete timestamp.Timestamp
	// mostRecentAcked is the newest timestamp a readable listener
	// acknowledged to have applied.
	mostRecentAcked timestamp.Timestamp
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger used for events not tied to a request.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithSelector sets the strategy picking the listener serving a read or
// responding to a write. The default picks a random readable listener.
func WithSelector(selector Selector) Option {
	return func(b *Broadcaster) {
		b.selector = selector
	}
}

// WithLatencyBuckets sets the histogram buckets of the write latency metric.
func WithLatencyBuckets(buckets []float64) Option {
	return func(b *Broadcaster) {
		b.metrics = newMetrics(buckets)
	}
}

// New creates a branch starting at the current state of st and returns a
// broadcaster owning it. The store's metadata must be coherent. The store is
// stamped with the branch's initial version, so a listener attached to it
// with listener.NewForBranch needs no backfill as long as it registers
// before the first write.
func New(ctx context.Context, st store.Store, history version.History, opts ...Option) (*Broadcaster, error) {
	metadata, err := store.ReadMetadata(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if !metadata.IsContiguous() || !metadata.Covers(st.Region()) {
		return nil, fmt.Errorf("metadata %s does not cover store region %s", metadata, st.Region())
	}
	if _, err := version.ToCoherentMap(metadata); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	cert, err := version.NewBirthCertificate(metadata.Mask(st.Region()))
	if err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	release, err := version.GuardCreation(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	defer release()

	branch := uuid.New()
	if err := history.CreateBranch(ctx, branch, cert); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	tx, err := st.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Release()

	if err := tx.SetMetadata(region.NewMap(cert.Region, version.Coherent(version.New(branch, cert.InitialTimestamp)))); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("stamp store: %w", err)
	}

	b := newBroadcaster(branch, cert.Region, cert.InitialTimestamp, history, opts...)
	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"branch":            branch,
		"region":            cert.Region.String(),
		"initial_timestamp": cert.InitialTimestamp,
	}).Info("created branch")
	return b, nil
}

func newBroadcaster(branch uuid.UUID, r region.Region, initial timestamp.Timestamp, history version.History, opts ...Option) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		branch:           branch,
		region:           r,
		history:          history,
		logger:           logrus.StandardLogger(),
		selector:         RandomSelector(nil),
		metrics:          newMetrics(nil),
		ctx:              ctx,
		cancel:           cancel,
		dispatchees:      make(map[uuid.UUID]*dispatchee),
		currentTimestamp: initial,
		newestComplete:   initial,
		mostRecentAcked:  initial,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithFields(logrus.Fields{"component": "broadcaster", "branch": branch})
	return b
}

// Branch returns the branch the broadcaster owns.
func (b *Broadcaster) Branch() uuid.UUID {
	return b.branch
}

// Region returns the region the broadcaster's branch covers.
func (b *Broadcaster) Region() region.Region {
	return b.region
}

// Timestamps returns the timestamp of the newest admitted write and the
// timestamp up to which all writes are complete.
func (b *Broadcaster) Timestamps() (current, newestComplete timestamp.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTimestamp, b.newestComplete
}

// Register implements replication.Registrar. Every write which is not yet
// complete is sent to the new listener right away, so that the listener's
// backfill up to the intro's BeginTimestamp together with the writes it
// receives covers every write.
func (b *Broadcaster) Register(ctx context.Context, client replication.ListenerClient) (replication.Intro, error) {
	snapshot, err := version.Export(ctx, b.history, b.branch)
	if err != nil {
		return replication.Intro{}, fmt.Errorf("export history: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return replication.Intro{}, ErrClosed
	}

	dctx, cancel := context.WithCancel(b.ctx)
	d := &dispatchee{
		id:     uuid.New(),
		client: client,
		source: fifo.NewSource(fifo.State{Timestamp: b.newestComplete}),
		state:  stateJoining,
		ctx:    dctx,
		cancel: cancel,
	}
	b.dispatchees[d.id] = d

	intro := replication.Intro{
		ID:             d.id,
		Branch:         b.branch,
		Region:         b.region,
		BeginTimestamp: b.newestComplete,
		Fifo:           d.source.State(),
		History:        snapshot,
	}

	for e := b.incomplete.Front(); e != nil; e = e.Next() {
		b.dispatchLocked(d, e.Value.(*write))
	}

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"listener":        d.id,
		"begin_timestamp": intro.BeginTimestamp,
		"incomplete":      b.incomplete.Len(),
	}).Info("registered listener")
	return intro, nil
}

// Upgrade implements replication.Registrar.
func (b *Broadcaster) Upgrade(ctx context.Context, id uuid.UUID) error {
	return b.transition(ctx, id, stateReadable)
}

// Downgrade implements replication.Registrar.
func (b *Broadcaster) Downgrade(ctx context.Context, id uuid.UUID) error {
	return b.transition(ctx, id, stateJoining)
}

func (b *Broadcaster) transition(ctx context.Context, id uuid.UUID, state dispatcheeState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.dispatchees[id]
	if !ok {
		return fmt.Errorf("%w: %s", replication.ErrUnknownListener, id)
	}
	if d.state != state {
		ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
			"listener": id,
			"from":     d.state.String(),
			"to":       state.String(),
		}).Info("listener changed state")
		d.state = state
	}
	return nil
}

// Deregister implements replication.Registrar.
func (b *Broadcaster) Deregister(ctx context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.dispatchees[id]
	if !ok {
		return fmt.Errorf("%w: %s", replication.ErrUnknownListener, id)
	}
	b.disconnectLocked(d)
	ctxlogrus.Extract(ctx).WithField("listener", id).Info("deregistered listener")
	return nil
}

// disconnectLocked drops the dispatchee. Operations in flight to it are
// abandoned.
func (b *Broadcaster) disconnectLocked(d *dispatchee) {
	if d.state == stateDisconnected {
		return
	}
	d.state = stateDisconnected
	delete(b.dispatchees, d.id)
	d.cancel()
}

// readableLocked returns the ids of all readable dispatchees in a stable
// order.
func (b *Broadcaster) readableLocked() []uuid.UUID {
	var ids []uuid.UUID
	for id, d := range b.dispatchees {
		if d.state == stateReadable {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Close disconnects every listener and waits for all outstanding dispatches
// to return. Writes which did not complete yet finish as indeterminate.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	for _, d := range b.dispatchees {
		b.disconnectLocked(d)
	}
	b.mu.Unlock()

	b.cancel()
	b.tasks.Wait()
}
