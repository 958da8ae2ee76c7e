package backfill

import (
	"context"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	"golang.org/x/sync/errgroup"
)

// job is a region walked by one walker together with the timestamp after
// which items have to be sent.
type job struct {
	region region.Region
	since  timestamp.Timestamp
}

// Serve answers a backfill request from a snapshot of s. The snapshot's
// metadata must be coherent.
func Serve(ctx context.Context, s store.Store, history version.Reader, req Request, fn func(Chunk) error) (EndPoint, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "backfill.Serve")
	defer span.Finish()

	if err := req.Validate(s.Region()); err != nil {
		return EndPoint{}, err
	}
	if req.Parallelism < 1 {
		req.Parallelism = 1
	}
	if req.Budget.MaxItems < 1 || req.Budget.MaxBytes < 1 {
		req.Budget = DefaultBudget
	}

	tx, err := s.BeginRead(ctx)
	if err != nil {
		return EndPoint{}, err
	}
	defer tx.Release()

	versions, err := version.ToCoherentMap(tx.Metadata())
	if err != nil {
		return EndPoint{}, fmt.Errorf("backfill source: %w", err)
	}
	versions = versions.Mask(req.Start.Domain())

	snapshot, err := version.Export(ctx, history, version.BranchesOf(version.CoherentMap(versions))...)
	if err != nil {
		return EndPoint{}, err
	}

	var mu sync.Mutex
	send := func(chunk Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		return fn(chunk)
	}

	jobs, err := splitJobs(tx, req)
	if err != nil {
		return EndPoint{}, fmt.Errorf("split jobs: %w", err)
	}

	walkers := make([][]job, req.Parallelism)
	for i, j := range jobs {
		walkers[i%len(walkers)] = append(walkers[i%len(walkers)], j)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, jobs := range walkers {
		i, jobs := i, jobs
		g.Go(func() error {
			return walk(gctx, tx, i, jobs, req.Budget, send)
		})
	}
	if err := g.Wait(); err != nil {
		return EndPoint{}, err
	}

	if err := sendDivergent(ctx, tx, req, versions, send); err != nil {
		return EndPoint{}, err
	}

	span.SetTag("walkers", len(walkers))
	return EndPoint{Versions: versions, History: snapshot}, nil
}

// splitJobs cuts every region of the start point into pieces holding about
// the same number of keys so that walkers share the work evenly.
func splitJobs(tx store.ReadTx, req Request) ([]job, error) {
	var jobs []job
	var err error
	req.Start.Visit(func(r region.Region, common version.Version) {
		if err != nil {
			return
		}

		count := tx.Count(r)
		pieces := req.Parallelism
		if count < pieces {
			pieces = 1
		}

		var splits []string
		if pieces > 1 {
			step := count / pieces
			seen := 0
			if err = tx.Items(r, 0, func(item store.Item) error {
				if seen > 0 && seen%step == 0 && len(splits) < pieces-1 {
					splits = append(splits, item.Key)
				}
				seen++
				return nil
			}); err != nil {
				return
			}
		}

		for _, piece := range r.Split(splits...) {
			jobs = append(jobs, job{region: piece, since: common.Timestamp})
		}
	})
	return jobs, err
}

func walk(ctx context.Context, tx store.ReadTx, walker int, jobs []job, budget Budget, send func(Chunk) error) error {
	var total uint64
	for _, j := range jobs {
		total += uint64(tx.Count(j.region))
	}

	var released uint64
	var batch []store.Item
	var batchBytes int

	flush := func() error {
		chunk := Chunk{Walker: walker, Items: batch, Released: released, Total: total}
		batch, batchBytes = nil, 0
		return send(chunk)
	}

	for _, j := range jobs {
		before := released
		if err := tx.Items(j.region, j.since, func(item store.Item) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch = append(batch, item)
			batchBytes += item.Size()
			released++
			if budget.full(len(batch), batchBytes) {
				return flush()
			}
			return nil
		}); err != nil {
			return err
		}

		// Items that did not change since the start point were skipped
		// but have been traversed all the same.
		released = before + uint64(tx.Count(j.region))
	}

	return flush()
}

// sendDivergent sends the source's state of keys the backfillee changed on
// its own. Keys the source does not hold are sent as deletions.
func sendDivergent(ctx context.Context, tx store.ReadTx, req Request, versions version.Map, send func(Chunk) error) error {
	if len(req.Divergent) == 0 {
		return nil
	}

	var items []store.Item
	var bytes int
	for _, key := range req.Divergent {
		if err := ctx.Err(); err != nil {
			return err
		}

		item := store.Item{Key: key, Deleted: true}
		if v, ok := versions.Lookup(key); ok {
			item.Recency = v.Timestamp
		}

		if err := tx.Items(region.New(key, key+"\x00"), 0, func(found store.Item) error {
			item = found
			return nil
		}); err != nil {
			return err
		}

		items = append(items, item)
		bytes += item.Size()
		if req.Budget.full(len(items), bytes) {
			if err := send(Chunk{Walker: -1, Items: items}); err != nil {
				return err
			}
			items, bytes = nil, 0
		}
	}

	if len(items) == 0 {
		return nil
	}
	return send(Chunk{Walker: -1, Items: items})
}
