package version

import (
	"context"

	"gitlab.com/gitlab-org/shardkv/internal/replication/semaphore"
)

// GCGuard keeps garbage collection from observing a branch between its
// creation and the moment a store is stamped with it. Until then nothing
// refers to the branch, so MarkReachable could not save it.
type GCGuard interface {
	// GuardCreation holds off the start of a collection until release is
	// called. Any number of creations may be guarded at once.
	GuardCreation(ctx context.Context) (release func(), err error)
	// GuardCollection waits for guarded creations to finish and holds off
	// new ones until release is called.
	GuardCollection(ctx context.Context) (release func(), err error)
}

// GuardCreation guards a branch creation if r supports it.
func GuardCreation(ctx context.Context, r Reader) (func(), error) {
	if g, ok := r.(GCGuard); ok {
		return g.GuardCreation(ctx)
	}
	return func() {}, nil
}

// GuardCollection guards a collection if r supports it.
func GuardCollection(ctx context.Context, r Reader) (func(), error) {
	if g, ok := r.(GCGuard); ok {
		return g.GuardCollection(ctx)
	}
	return func() {}, nil
}

// collectionWeight exceeds any plausible number of concurrent creations, so
// a collection only fits into an otherwise empty semaphore.
const collectionWeight = 1 << 30

type memoryGuard struct {
	sem *semaphore.Adjustable
}

func newMemoryGuard() memoryGuard {
	return memoryGuard{sem: semaphore.New(collectionWeight)}
}

func (g memoryGuard) acquire(ctx context.Context, n int64) (func(), error) {
	if err := g.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(n) }, nil
}

// GuardCreation implements GCGuard.
func (h *MemoryHistory) GuardCreation(ctx context.Context) (func(), error) {
	return h.guard.acquire(ctx, 1)
}

// GuardCollection implements GCGuard.
func (h *MemoryHistory) GuardCollection(ctx context.Context) (func(), error) {
	return h.guard.acquire(ctx, collectionWeight)
}

// GuardCreation implements GCGuard by delegating to the wrapped history.
func (c *CachingHistory) GuardCreation(ctx context.Context) (func(), error) {
	return GuardCreation(ctx, c.History)
}

// GuardCollection implements GCGuard by delegating to the wrapped history.
func (c *CachingHistory) GuardCollection(ctx context.Context) (func(), error) {
	return GuardCollection(ctx, c.History)
}
