//go:build postgres
// +build postgres

package datastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardkv/internal/replication/datastore/glsql"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

func TestPostgresBranchHistory(t *testing.T) {
	ctx := context.Background()
	db := glsql.NewDB(t)
	h := NewPostgresBranchHistory(db)

	rootID := uuid.New()
	root, err := version.NewBirthCertificate(region.NewMap(region.Universe(), version.Coherent(version.Zero())))
	require.NoError(t, err)
	require.NoError(t, h.CreateBranch(ctx, rootID, root))
	require.Error(t, h.CreateBranch(ctx, rootID, root))

	origin := region.NewMap(region.New("a", "m"), version.Coherent(version.New(rootID, 7)))
	childID := uuid.New()
	child, err := version.NewBirthCertificate(origin)
	require.NoError(t, err)
	require.NoError(t, h.CreateBranch(ctx, childID, child))

	loaded, err := h.Branch(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, child.Region, loaded.Region)
	require.Equal(t, child.InitialTimestamp, loaded.InitialTimestamp)
	require.Equal(t, child.Origin.Entries(), loaded.Origin.Entries())

	loaded, err = h.Branch(ctx, rootID)
	require.NoError(t, err)
	require.Equal(t, region.Universe(), loaded.Region)

	_, err = h.Branch(ctx, uuid.New())
	require.True(t, errors.Is(err, version.ErrMissingBranch))

	ok, err := version.IsAncestor(ctx, h, version.New(rootID, 3), version.New(childID, 9), region.New("b", "c"))
	require.NoError(t, err)
	require.True(t, ok)

	listed, err := h.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	snapshot, err := version.Export(ctx, h, childID)
	require.NoError(t, err)

	other := NewPostgresBranchHistory(glsql.NewDB(t))
	require.NoError(t, other.ImportBranches(ctx, snapshot))
	require.NoError(t, other.ImportBranches(ctx, snapshot))
	ids, err := other.Branches(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{rootID, childID}, ids)

	candidates, err := version.PrepareGC(ctx, h)
	require.NoError(t, err)
	require.NoError(t, version.MarkReachable(ctx, h, candidates,
		region.NewMap(region.Universe(), version.Coherent(version.New(rootID, 9)))))
	require.NoError(t, version.PerformGC(ctx, h, candidates))

	db.RequireRowsInTable(t, "branches", 1)
}

func TestPostgresBranchHistory_gcGuard(t *testing.T) {
	ctx := context.Background()
	h := NewPostgresBranchHistory(glsql.NewDB(t))

	releaseFirst, err := h.GuardCreation(ctx)
	require.NoError(t, err)
	releaseSecond, err := h.GuardCreation(ctx)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = h.GuardCollection(timeoutCtx)
	require.Error(t, err, "collection must wait for creations")

	releaseFirst()
	releaseSecond()

	releaseCollection, err := h.GuardCollection(ctx)
	require.NoError(t, err)

	timeoutCtx, cancel = context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = h.GuardCreation(timeoutCtx)
	require.Error(t, err, "creation must wait for collection")

	releaseCollection()

	release, err := h.GuardCreation(ctx)
	require.NoError(t, err)
	release()
}
