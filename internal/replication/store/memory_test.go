package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

func put(key, value string) Mutation {
	return Mutation{Key: key, Value: []byte(value)}
}

func del(key string) Mutation {
	return Mutation{Key: key, Delete: true}
}

func mustWrite(t *testing.T, s Store, ts timestamp.Timestamp, mutations ...Mutation) WriteResponse {
	t.Helper()
	ctx := context.Background()

	tx, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	defer tx.Release()

	resp, err := tx.Write(WriteOp{Mutations: mutations}, timestamp.NewTransition(ts))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return resp
}

func mustRead(t *testing.T, s Store, op ReadOp) []Pair {
	t.Helper()

	tx, err := s.BeginRead(context.Background())
	require.NoError(t, err)
	defer tx.Release()

	resp, err := tx.Read(op)
	require.NoError(t, err)
	return resp.Pairs
}

func TestMemoryStore_readWrite(t *testing.T) {
	s := NewMemoryStore(region.Universe())

	require.Equal(t, WriteResponse{Inserted: 2}, mustWrite(t, s, 0, put("a", "1"), put("b", "2")))
	require.Equal(t, WriteResponse{Replaced: 1, Deleted: 1}, mustWrite(t, s, 1, put("a", "3"), del("b")))
	require.Equal(t, WriteResponse{Inserted: 1}, mustWrite(t, s, 2, put("b", "4"), del("zz")))

	require.Equal(t, []Pair{{Key: "a", Value: []byte("3")}, {Key: "b", Value: []byte("4")}},
		mustRead(t, s, ReadOp{Keys: []string{"a", "b", "c"}}))

	mustWrite(t, s, 3, put("c", "5"), put("d", "6"))
	scan := region.New("b", "d")
	require.Equal(t, []Pair{{Key: "b", Value: []byte("4")}, {Key: "c", Value: []byte("5")}},
		mustRead(t, s, ReadOp{Scan: &scan}))

	all := region.Universe()
	require.Len(t, mustRead(t, s, ReadOp{Scan: &all, Limit: 3}), 3)
}

func TestMemoryStore_region(t *testing.T) {
	s := NewMemoryStore(region.New("m", "t"))
	ctx := context.Background()

	tx, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	defer tx.Release()

	_, err = tx.Write(WriteOp{Mutations: []Mutation{put("a", "1")}}, timestamp.NewTransition(0))
	require.True(t, errors.Is(err, ErrOutsideRegion))

	_, err = tx.Read(ReadOp{Keys: []string{"z"}})
	require.True(t, errors.Is(err, ErrOutsideRegion))

	err = tx.SetMetadata(region.NewMap(region.Universe(), version.Coherent(version.Zero())))
	require.True(t, errors.Is(err, ErrOutsideRegion))

	require.True(t, errors.Is(tx.ApplyItems([]Item{{Key: "a"}}), ErrOutsideRegion))
}

func TestMemoryStore_snapshotIsolation(t *testing.T) {
	s := NewMemoryStore(region.Universe())
	ctx := context.Background()
	mustWrite(t, s, 0, put("a", "1"))

	reader, err := s.BeginRead(ctx)
	require.NoError(t, err)
	defer reader.Release()

	mustWrite(t, s, 1, put("a", "2"), put("b", "3"))

	resp, err := reader.Read(ReadOp{Keys: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, []Pair{{Key: "a", Value: []byte("1")}}, resp.Pairs)
}

func TestMemoryStore_metadataCommitsWithData(t *testing.T) {
	s := NewMemoryStore(region.Universe())
	ctx := context.Background()
	branch := uuid.New()

	tx, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = tx.Write(WriteOp{Mutations: []Mutation{put("a", "1")}}, timestamp.NewTransition(4))
	require.NoError(t, err)
	require.NoError(t, tx.SetMetadata(region.NewMap(region.New("a", "m"), version.Coherent(version.New(branch, 5)))))
	// Discarded without commit.
	tx.Release()

	metadata, err := ReadMetadata(ctx, s)
	require.NoError(t, err)
	require.Equal(t, region.NewMap(region.Universe(), version.Coherent(version.Zero())).Entries(), metadata.Entries())
	require.Empty(t, mustRead(t, s, ReadOp{Keys: []string{"a"}}))

	tx, err = s.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = tx.Write(WriteOp{Mutations: []Mutation{put("a", "1")}}, timestamp.NewTransition(4))
	require.NoError(t, err)
	require.NoError(t, tx.SetMetadata(region.NewMap(region.New("a", "m"), version.Coherent(version.New(branch, 5)))))
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())

	metadata, err = ReadMetadata(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []region.Entry[version.Range]{
		{Region: region.New("", "a"), Value: version.Coherent(version.Zero())},
		{Region: region.New("a", "m"), Value: version.Coherent(version.New(branch, 5))},
		{Region: region.From("m"), Value: version.Coherent(version.Zero())},
	}, metadata.Entries())
	require.Len(t, mustRead(t, s, ReadOp{Keys: []string{"a"}}), 1)
}

func TestMemoryStore_writersAreSerialized(t *testing.T) {
	s := NewMemoryStore(region.Universe())

	first, err := s.BeginWrite(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.BeginWrite(ctx)
	require.Equal(t, context.Canceled, err)

	first.Release()
	second, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	second.Release()
}

func TestMemoryStore_items(t *testing.T) {
	s := NewMemoryStore(region.Universe())
	mustWrite(t, s, 0, put("a", "1"), put("b", "2"), put("c", "3"))
	mustWrite(t, s, 1, del("b"))
	mustWrite(t, s, 2, put("d", "4"))

	tx, err := s.BeginRead(context.Background())
	require.NoError(t, err)
	defer tx.Release()

	var items []Item
	require.NoError(t, tx.Items(region.Universe(), 1, func(item Item) error {
		items = append(items, item)
		return nil
	}))
	require.Equal(t, []Item{
		{Key: "b", Deleted: true, Recency: 2},
		{Key: "d", Value: []byte("4"), Recency: 3},
	}, items)

	require.Equal(t, 2, tx.Count(region.New("b", "d")))
	require.Equal(t, 4, tx.Count(region.Universe()))

	stop := errors.New("stop")
	calls := 0
	require.Equal(t, stop, tx.Items(region.Universe(), 0, func(Item) error {
		calls++
		return stop
	}))
	require.Equal(t, 1, calls)
}

func TestMemoryStore_applyItems(t *testing.T) {
	s := NewMemoryStore(region.Universe())
	mustWrite(t, s, 0, put("a", "1"), put("b", "2"))

	tx, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.ApplyItems([]Item{
		{Key: "a", Deleted: true, Recency: 7},
		{Key: "c", Value: []byte("3"), Recency: 6},
	}))
	require.NoError(t, tx.Commit())

	all := region.Universe()
	require.Equal(t, []Pair{{Key: "b", Value: []byte("2")}, {Key: "c", Value: []byte("3")}},
		mustRead(t, s, ReadOp{Scan: &all}))
}

func TestWriteOp(t *testing.T) {
	op := WriteOp{Mutations: []Mutation{put("a", "12"), del("n")}}
	require.Equal(t, int64(6), op.Size())
	require.Equal(t, WriteOp{Mutations: []Mutation{del("n")}}, op.Mask(region.From("m")))
	require.Error(t, WriteOp{}.Validate(region.Universe()))
	require.NoError(t, op.Validate(region.Universe()))
}
