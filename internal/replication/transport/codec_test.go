package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/fifo"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	"gitlab.com/gitlab-org/shardkv/internal/testhelper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protowire"
)

func roundTrip[M any](t *testing.T, in M) M {
	t.Helper()

	data, err := codec{}.Marshal(&in)
	require.NoError(t, err)

	var out M
	require.NoError(t, codec{}.Unmarshal(data, &out))
	return out
}

func TestCodec_intro(t *testing.T) {
	root, child := uuid.New(), uuid.New()
	intro := replication.Intro{
		ID:             uuid.New(),
		Branch:         child,
		Region:         region.New("a", "m"),
		BeginTimestamp: 9,
		Fifo:           fifo.State{Timestamp: 9, NumReads: 2},
		History: version.Snapshot{Certificates: map[uuid.UUID]version.BirthCertificate{
			root: {
				Region: region.Universe(),
				Origin: region.NewMap(region.Universe(), version.Coherent(version.Zero())),
			},
			child: {
				Region:           region.New("a", "m"),
				InitialTimestamp: 4,
				Origin: region.NewMap(region.New("a", "m"), version.Range{
					Earliest: version.New(root, 2),
					Latest:   version.New(root, 4),
				}),
			},
		}},
	}

	require.Equal(t, intro, roundTrip(t, intro))
}

func TestCodec_optionalMessages(t *testing.T) {
	require.Nil(t, roundTrip(t, replication.ReadRequest{}).Token)
	require.Equal(t, &fifo.ReadToken{}, roundTrip(t, replication.ReadRequest{Token: &fifo.ReadToken{}}).Token)

	require.Nil(t, roundTrip(t, replication.WriteAck{Applied: true}).Response)
	require.Equal(t, &store.WriteResponse{}, roundTrip(t, replication.WriteAck{Response: &store.WriteResponse{}}).Response)

	scan := region.From("m")
	op := roundTrip(t, replication.ReadRequest{Op: store.ReadOp{Scan: &scan, Limit: 3}}).Op
	require.Equal(t, store.ReadOp{Scan: &scan, Limit: 3}, op)

	// Empty keys are elements of the repeated field all the same.
	require.Equal(t, []string{"", "b"}, roundTrip(t, GetRequest{Keys: []string{"", "b"}}).Keys)
}

func TestCodec_sendResponse(t *testing.T) {
	chunk := roundTrip(t, SendResponse{Chunk: &backfill.Chunk{
		Walker: -1,
		Items: []store.Item{
			{Key: "a", Value: []byte("1"), Recency: 3},
			{Key: "b", Deleted: true, Recency: 5},
		},
		Released: 2,
		Total:    2,
	}})
	require.Nil(t, chunk.EndPoint)
	require.Equal(t, -1, chunk.Chunk.Walker)
	require.Equal(t, []store.Item{
		{Key: "a", Value: []byte("1"), Recency: 3},
		{Key: "b", Deleted: true, Recency: 5},
	}, chunk.Chunk.Items)

	branch := uuid.New()
	end := roundTrip(t, SendResponse{EndPoint: &backfill.EndPoint{
		Versions: region.NewMap(region.Universe(), version.New(branch, 8)),
	}})
	require.Nil(t, end.Chunk)
	require.Equal(t, region.NewMap(region.Universe(), version.New(branch, 8)), end.EndPoint.Versions)
	require.Empty(t, end.EndPoint.History.Certificates)
}

func TestCodec_skipsUnknownFields(t *testing.T) {
	data, err := codec{}.Marshal(&RegisterRequest{Address: "tcp://replica:2305"})
	require.NoError(t, err)

	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)
	data = protowire.AppendTag(data, 16, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 42)
	data = protowire.AppendTag(data, 17, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var req RegisterRequest
	require.NoError(t, codec{}.Unmarshal(data, &req))
	require.Equal(t, "tcp://replica:2305", req.Address)
}

func TestCodec_malformed(t *testing.T) {
	var req RegisterRequest

	truncated := protowire.AppendTag(nil, 1, protowire.BytesType)
	truncated = append(truncated, 5, 'a')
	require.True(t, errors.Is(codec{}.Unmarshal(truncated, &req), errMalformed))

	wrongType := protowire.AppendTag(nil, 1, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)
	require.True(t, errors.Is(codec{}.Unmarshal(wrongType, &req), errMalformed))

	badID := protowire.AppendTag(nil, 1, protowire.BytesType)
	badID = protowire.AppendBytes(badID, []byte{1, 2, 3})
	require.True(t, errors.Is(codec{}.Unmarshal(badID, &ListenerRequest{}), errMalformed))

	var overlapping encoder
	overlapping.message(1, func(e *encoder) {
		for i := 0; i < 2; i++ {
			e.message(1, func(e *encoder) {
				e.message(1, func(e *encoder) { encodeRegion(e, region.Universe()) })
			})
		}
	})
	require.True(t, errors.Is(codec{}.Unmarshal(overlapping.b, &backfill.Handshake{}), errMalformed))

	_, err := codec{}.Marshal(struct{}{})
	require.Error(t, err)
}

func TestCodec_generatedMessages(t *testing.T) {
	n := network{}
	n.serve(t, "health", func(srv grpc.ServiceRegistrar) {
		healthpb.RegisterHealthServer(srv, health.NewServer())
	})

	ctx, cancel := testhelper.Context()
	defer cancel()

	resp, err := healthpb.NewHealthClient(n.mustDial(t, "health")).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

// panickingListener panics on writes and serves reads.
type panickingListener struct{}

func (panickingListener) Write(context.Context, replication.WriteRequest) (replication.WriteAck, error) {
	panic("write token was already used")
}

func (panickingListener) Read(context.Context, replication.ReadRequest) (store.ReadResponse, error) {
	return store.ReadResponse{Pairs: []store.Pair{{Key: "a", Value: []byte("1")}}}, nil
}

func TestServer_recoversFromPanics(t *testing.T) {
	n := network{}
	server := NewListenerServer()
	server.Attach(panickingListener{})
	n.serve(t, "replica", server.Register)

	ctx, cancel := testhelper.Context()
	defer cancel()

	client := NewListenerClient(n.mustDial(t, "replica"))
	_, err := client.Write(ctx, replication.WriteRequest{})
	require.EqualError(t, err, "panic: write token was already used")

	resp, err := client.Read(ctx, replication.ReadRequest{})
	require.NoError(t, err)
	require.Equal(t, []store.Pair{{Key: "a", Value: []byte("1")}}, resp.Pairs)
}
