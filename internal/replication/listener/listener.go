// Package listener implements the replica side of replication. A Listener
// attaches a store to a broadcaster's branch, backfills it and then applies
// the branch's writes in admission order and serves reads.
package listener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardkv/internal/dontpanic"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/diskqueue"
	"gitlab.com/gitlab-org/shardkv/internal/replication/fifo"
	"gitlab.com/gitlab-org/shardkv/internal/replication/progress"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/semaphore"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// State is the lifecycle state of a listener.
type State int

const (
	// StateRegistering is the state until the broadcaster answered the
	// registration.
	StateRegistering State = iota
	// StateBackfilling is the state while the store catches up with the
	// branch. Writes are queued.
	StateBackfilling
	// StateStreaming is the state of a listener applying writes as they
	// arrive and serving reads.
	StateStreaming
	// StateOutdated is the state of a listener which missed writes.
	StateOutdated
	// StateFailed is the state of a listener which could not be set up.
	StateFailed
)

var stateNames = map[State]string{
	StateRegistering: "registering",
	StateBackfilling: "backfilling",
	StateStreaming:   "streaming",
	StateOutdated:    "outdated",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a listener.
type Config struct {
	// WriteQueueDir is where writes received during a backfill are
	// queued.
	WriteQueueDir string
	// WriteQueueMemoryBytes bounds the size of the writes queued but not
	// yet applied.
	WriteQueueMemoryBytes int64
	// DrainWorkers is the number of workers applying queued writes once
	// the backfill is done.
	DrainWorkers int
	// BackfillParallelism is the number of concurrent range walks a
	// backfill is asked for.
	BackfillParallelism int
	BackfillBudget      backfill.Budget
	Logger              logrus.FieldLogger
}

func (cfg *Config) setDefaults() {
	if cfg.WriteQueueDir == "" {
		cfg.WriteQueueDir = filepath.Join(os.TempDir(), "shardkv-write-queue")
	}
	if cfg.WriteQueueMemoryBytes <= 0 {
		cfg.WriteQueueMemoryBytes = 64 << 20
	}
	if cfg.DrainWorkers <= 0 {
		cfg.DrainWorkers = 4
	}
	if cfg.BackfillParallelism <= 0 {
		cfg.BackfillParallelism = 4
	}
	if cfg.BackfillBudget.MaxItems <= 0 || cfg.BackfillBudget.MaxBytes <= 0 {
		cfg.BackfillBudget = backfill.DefaultBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
}

// queuedWrite is a write received while backfilling.
type queuedWrite struct {
	Op        store.WriteOp        `json:"op"`
	Timestamp timestamp.Transition `json:"timestamp"`
}

// Listener follows a broadcaster's branch.
type Listener struct {
	store     store.Store
	history   version.History
	registrar replication.Registrar
	cfg       Config
	logger    logrus.FieldLogger

	// ready is closed once the registration has been answered. The
	// fields below it are read-only afterwards.
	ready    chan struct{}
	intro    replication.Intro
	sink     *fifo.Sink
	enforcer *timestamp.MinEnforcer

	queue    *diskqueue.Queue
	budget   *semaphore.Adjustable
	progress progress.Combiner
	tasks    dontpanic.Group

	mu    sync.Mutex
	state State
	// direct is set once queued writes are drained and arriving writes
	// are applied right away.
	direct bool
	// versions is the version of every region of the store. It is only
	// written by the write being applied.
	versions version.Map
}

func newListener(st store.Store, history version.History, registrar replication.Registrar, cfg Config) *Listener {
	cfg.setDefaults()
	return &Listener{
		store:     st,
		history:   history,
		registrar: registrar,
		cfg:       cfg,
		logger:    cfg.Logger.WithField("component", "listener"),
		ready:     make(chan struct{}),
		budget:    semaphore.New(cfg.WriteQueueMemoryBytes),
		state:     StateRegistering,
	}
}

// register attaches the listener to the broadcaster and sets up its store
// entrance.
func (l *Listener) register(ctx context.Context) error {
	intro, err := l.registrar.Register(ctx, l)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	l.intro = intro
	l.sink = fifo.NewSink(intro.Fifo)
	l.logger = l.logger.WithFields(logrus.Fields{
		"listener": intro.ID,
		"branch":   intro.Branch,
	})

	if err := l.acceptIntro(ctx, intro); err != nil {
		// The broadcaster already dispatches to the listener, so it has to
		// learn that the listener is gone. Writes arriving meanwhile see
		// the failed state.
		l.logger.WithError(err).Error("listener failed")
		l.setState(StateFailed)
		close(l.ready)
		l.deregister()
		return err
	}
	close(l.ready)

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"listener":        intro.ID,
		"branch":          intro.Branch,
		"begin_timestamp": intro.BeginTimestamp,
	}).Info("registered with broadcaster")
	return nil
}

func (l *Listener) acceptIntro(ctx context.Context, intro replication.Intro) error {
	if !intro.Region.Equal(l.store.Region()) {
		return fmt.Errorf("broadcaster region %s does not match store region %s", intro.Region, l.store.Region())
	}
	if err := l.history.ImportBranches(ctx, intro.History); err != nil {
		return fmt.Errorf("import history: %w", err)
	}
	return nil
}

// NewForBranch attaches a store which already is at the branch's current
// version, such as the store a broadcaster was just created on. No backfill
// takes place.
func NewForBranch(ctx context.Context, st store.Store, history version.History, registrar replication.Registrar, cfg Config) (*Listener, error) {
	l := newListener(st, history, registrar, cfg)
	if err := l.register(ctx); err != nil {
		return nil, err
	}

	expected := version.New(l.intro.Branch, l.intro.BeginTimestamp)
	metadata, err := store.ReadMetadata(ctx, st)
	if err != nil {
		l.fail(err)
		return nil, err
	}
	versions, err := version.ToCoherentMap(metadata)
	if err == nil && !versions.Covers(st.Region()) {
		err = fmt.Errorf("metadata %s does not cover %s", metadata, st.Region())
	}
	if err == nil {
		versions.Visit(func(r region.Region, v version.Version) {
			if err == nil && v != expected {
				err = fmt.Errorf("region %s is at %s, branch is at %s", r, v, expected)
			}
		})
	}
	if err != nil {
		l.fail(err)
		return nil, fmt.Errorf("store not at branch version: %w", err)
	}

	l.versions = versions
	l.enforcer = timestamp.NewMinEnforcer(l.intro.BeginTimestamp)
	l.mu.Lock()
	l.direct = true
	l.mu.Unlock()

	if err := l.registrar.Upgrade(ctx, l.intro.ID); err != nil {
		l.fail(err)
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	l.setState(StateStreaming)
	return l, nil
}

// ID returns the id the broadcaster knows the listener by.
func (l *Listener) ID() uuid.UUID {
	<-l.ready
	return l.intro.ID
}

// Branch returns the branch the listener follows.
func (l *Listener) Branch() uuid.UUID {
	<-l.ready
	return l.intro.Branch
}

// State returns the listener's lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(state)
}

func (l *Listener) setStateLocked(state State) {
	if l.state == state {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"from": l.state.String(),
		"to":   state.String(),
	}).Info("listener changed state")
	l.state = state
}

// Progress estimates the completed fraction of the listener's backfill.
func (l *Listener) Progress() (float64, bool) {
	return l.progress.Guess()
}

// SetWriteQueueBudget changes the size of the writes which may be queued
// but not yet applied.
func (l *Listener) SetWriteQueueBudget(bytes int64) {
	l.budget.SetCapacity(bytes)
}

// markOutdated takes the listener out of service after it missed writes.
func (l *Listener) markOutdated(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateOutdated || l.state == StateFailed {
		return
	}
	l.logger.WithField("reason", reason).Warn("listener outdated")
	l.setStateLocked(StateOutdated)

	l.tasks.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := l.registrar.Downgrade(ctx, l.intro.ID); err != nil && !errors.Is(err, replication.ErrUnknownListener) {
			l.logger.WithError(err).Warn("downgrade outdated listener")
		}
		l.deregisterWithContext(ctx)
	})
}

func (l *Listener) fail(err error) {
	l.logger.WithError(err).Error("listener failed")
	l.setState(StateFailed)
	l.deregister()
}

func (l *Listener) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l.deregisterWithContext(ctx)
}

func (l *Listener) deregisterWithContext(ctx context.Context) {
	select {
	case <-l.ready:
	default:
		return
	}
	if err := l.registrar.Deregister(ctx, l.intro.ID); err != nil && !errors.Is(err, replication.ErrUnknownListener) {
		l.logger.WithError(err).Warn("deregister listener")
	}
}

// Close releases the listener's local resources. It does not deregister
// a streaming listener.
func (l *Listener) Close() error {
	l.tasks.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue != nil {
		return l.queue.Close()
	}
	return nil
}
