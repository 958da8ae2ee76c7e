package version

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PrepareGC is the first phase of collecting unreachable branches. It
// returns every known branch. The caller then removes the branches still
// referenced by a live store with MarkReachable and hands the remainder to
// PerformGC. Branch creations still waiting for their store to be stamped
// finish before the listing is taken.
func PrepareGC(ctx context.Context, h Reader) (map[uuid.UUID]struct{}, error) {
	release, err := GuardCollection(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("guard collection: %w", err)
	}
	defer release()

	ids, err := h.Branches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	candidates := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		candidates[id] = struct{}{}
	}
	return candidates, nil
}

// MarkReachable removes from candidates every branch that the metadata
// refers to, either directly or through the origin of another branch.
func MarkReachable(ctx context.Context, h Reader, candidates map[uuid.UUID]struct{}, metadata RangeMap) error {
	visited := map[uuid.UUID]struct{}{}
	pending := BranchesOf(metadata)

	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		delete(candidates, id)

		cert, err := h.Branch(ctx, id)
		if err != nil {
			return err
		}
		pending = append(pending, BranchesOf(cert.Origin)...)
	}

	return nil
}

// PerformGC deletes the branches which are still candidates.
func PerformGC(ctx context.Context, h History, candidates map[uuid.UUID]struct{}) error {
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sortIDs(ids)

	return h.DeleteBranches(ctx, ids)
}
