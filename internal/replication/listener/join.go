package listener

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/diskqueue"
	"gitlab.com/gitlab-org/shardkv/internal/replication/progress"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// errGap is returned by checkEndPoint if a backfill did not reach the
// point where the listener's writes begin.
var errGap = errors.New("backfill ends before streaming begins")

// Join attaches st to the branch of the broadcaster behind registrar. The
// store is backfilled from source while the branch's writes are queued.
// Once the queued writes are applied the listener becomes readable.
//
// If the backfill does not reach the point where the listener's writes
// begin, the listener is returned in StateOutdated. It does not retry.
func Join(ctx context.Context, st store.Store, history version.History, registrar replication.Registrar, source backfill.Source, cfg Config) (*Listener, error) {
	l := newListener(st, history, registrar, cfg)

	queue, err := diskqueue.Open(l.cfg.WriteQueueDir)
	if err != nil {
		return nil, err
	}
	l.queue = queue

	if err := l.register(ctx); err != nil {
		_ = queue.Close()
		return nil, err
	}
	l.setState(StateBackfilling)

	end, err := l.backfill(ctx, source)
	if err != nil {
		l.fail(err)
		_ = l.Close()
		return nil, fmt.Errorf("backfill: %w", err)
	}

	if err := l.checkEndPoint(end); err != nil {
		if errors.Is(err, errGap) {
			l.markOutdated(err.Error())
			return l, nil
		}
		l.fail(err)
		_ = l.Close()
		return nil, err
	}

	if err := l.finishBackfill(ctx, end); err != nil {
		l.fail(err)
		_ = l.Close()
		return nil, err
	}

	if err := l.drain(ctx); err != nil {
		l.fail(err)
		_ = l.Close()
		return nil, fmt.Errorf("drain write queue: %w", err)
	}

	if err := l.registrar.Upgrade(ctx, l.intro.ID); err != nil {
		l.fail(err)
		_ = l.Close()
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	l.setState(StateStreaming)
	return l, nil
}

func (l *Listener) backfill(ctx context.Context, source backfill.Source) (backfill.EndPoint, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "listener.backfill")
	defer span.Finish()

	handshake, err := source.Handshake(ctx)
	if err != nil {
		return backfill.EndPoint{}, fmt.Errorf("handshake: %w", err)
	}
	if err := l.history.ImportBranches(ctx, handshake.History); err != nil {
		return backfill.EndPoint{}, err
	}

	r := l.store.Region()
	sourceVersions, err := version.ToCoherentMap(handshake.Versions)
	if err != nil {
		return backfill.EndPoint{}, fmt.Errorf("backfill source: %w", err)
	}
	if !sourceVersions.Covers(r) {
		return backfill.EndPoint{}, fmt.Errorf("backfill source covers %s, store covers %s", sourceVersions, r)
	}

	local, err := store.ReadMetadata(ctx, l.store)
	if err != nil {
		return backfill.EndPoint{}, err
	}

	start, err := l.startPoint(ctx, version.EarliestMap(local).Mask(r), sourceVersions.Mask(r))
	if err != nil {
		return backfill.EndPoint{}, err
	}

	divergent, err := l.divergentKeys(ctx, local, start)
	if err != nil {
		return backfill.EndPoint{}, err
	}

	target := version.New(l.intro.Branch, l.intro.BeginTimestamp)
	if err := l.setMetadata(ctx, region.Transform(start, func(_ region.Region, v version.Version) version.Range {
		return version.Range{Earliest: v, Latest: target}
	})); err != nil {
		return backfill.EndPoint{}, err
	}

	counters := make(map[int]*progress.Counter, l.cfg.BackfillParallelism)
	for i := 0; i < l.cfg.BackfillParallelism; i++ {
		counters[i] = &progress.Counter{}
		l.progress.Add(counters[i])
	}

	l.logger.WithFields(logrus.Fields{
		"start":     start.String(),
		"divergent": len(divergent),
	}).Info("starting backfill")

	end, err := source.Send(ctx, backfill.Request{
		Start:        start,
		Divergent:    divergent,
		MinTimestamp: l.intro.BeginTimestamp,
		Parallelism:  l.cfg.BackfillParallelism,
		Budget:       l.cfg.BackfillBudget,
	}, func(chunk backfill.Chunk) error {
		if counter, ok := counters[chunk.Walker]; ok {
			counter.Report(chunk.Released, chunk.Total)
		}
		return backfill.Apply(ctx, l.store, chunk)
	})
	if err != nil {
		return backfill.EndPoint{}, err
	}

	if err := l.history.ImportBranches(ctx, end.History); err != nil {
		return backfill.EndPoint{}, err
	}
	return end, nil
}

// startPoint finds the latest version shared by the local store and the
// backfill source for every part of the store's region.
func (l *Listener) startPoint(ctx context.Context, local, remote version.Map) (version.Map, error) {
	start := version.Map{}
	var err error
	local.Visit(func(lr region.Region, lv version.Version) {
		remote.Mask(lr).Visit(func(rr region.Region, rv version.Version) {
			if err != nil {
				return
			}
			var common version.Map
			if common, err = version.FindCommon(ctx, l.history, lv, rv, rr); err == nil {
				start.Update(common)
			}
		})
	})
	if err != nil {
		return version.Map{}, fmt.Errorf("find common version: %w", err)
	}
	return start, nil
}

// divergentKeys lists the keys the store changed after the start point.
// Regions the store holds at exactly the start point have none.
func (l *Listener) divergentKeys(ctx context.Context, local version.RangeMap, start version.Map) ([]string, error) {
	tx, err := l.store.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Release()

	var keys []string
	start.Visit(func(r region.Region, common version.Version) {
		if err != nil {
			return
		}

		behind := true
		local.Mask(r).Visit(func(_ region.Region, lr version.Range) {
			if !lr.IsCoherent() || lr.Earliest != common {
				behind = false
			}
		})
		if behind {
			return
		}

		err = tx.Items(r, common.Timestamp, func(item store.Item) error {
			keys = append(keys, item.Key)
			return nil
		})
	})
	return keys, err
}

func (l *Listener) checkEndPoint(end backfill.EndPoint) error {
	r := l.store.Region()
	if !end.Versions.IsContiguous() || !end.Versions.Covers(r) {
		return fmt.Errorf("backfill end point %s does not cover %s", end.Versions, r)
	}

	var err error
	end.Versions.Mask(r).Visit(func(sub region.Region, v version.Version) {
		if err == nil && (v.Branch != l.intro.Branch || v.Timestamp < l.intro.BeginTimestamp) {
			err = fmt.Errorf("%w: %s is at %s, streaming begins at %s",
				errGap, sub, v, version.New(l.intro.Branch, l.intro.BeginTimestamp))
		}
	})
	return err
}

// finishBackfill records the backfill's end point and prepares applying
// the queued writes on top of it.
func (l *Listener) finishBackfill(ctx context.Context, end backfill.EndPoint) error {
	versions := end.Versions.Mask(l.store.Region())
	if err := l.setMetadata(ctx, version.CoherentMap(versions)); err != nil {
		return err
	}

	l.mu.Lock()
	l.versions = versions
	l.mu.Unlock()
	l.enforcer = timestamp.NewMinEnforcer(minTimestamp(versions))

	l.logger.WithFields(logrus.Fields{
		"end":    versions.String(),
		"queued": l.queue.Len(),
	}).Info("backfill done")
	return nil
}

func (l *Listener) setMetadata(ctx context.Context, metadata version.RangeMap) error {
	tx, err := l.store.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Release()

	if err := tx.SetMetadata(metadata); err != nil {
		return err
	}
	return tx.Commit()
}
