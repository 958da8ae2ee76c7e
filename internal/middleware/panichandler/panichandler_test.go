package panichandler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type serverStream struct {
	grpc.ServerStream
}

func (serverStream) Context() context.Context { return context.Background() }

func TestUnaryPanicHandler(t *testing.T) {
	var recovered []interface{}
	InstallPanicHandler(func(methodName string, r interface{}) {
		require.Equal(t, "/shardkv.Listener/Write", methodName)
		recovered = append(recovered, r)
	})
	defer func() { additionalHandlers = nil }()

	info := &grpc.UnaryServerInfo{FullMethod: "/shardkv.Listener/Write"}

	resp, err := UnaryPanicHandler(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return "ack", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ack", resp)

	_, err = UnaryPanicHandler(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		panic("write token was already used")
	})
	require.Equal(t, codes.Internal, status.Code(err))
	require.Contains(t, err.Error(), "panic: write token was already used")
	require.Equal(t, []interface{}{"write token was already used"}, recovered)
}

func TestStreamPanicHandler(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: "/shardkv.Backfill/Send"}

	err := StreamPanicHandler(nil, serverStream{}, info, func(interface{}, grpc.ServerStream) error {
		return nil
	})
	require.NoError(t, err)

	err = StreamPanicHandler(nil, serverStream{}, info, func(interface{}, grpc.ServerStream) error {
		panic("walker failed")
	})
	require.Equal(t, codes.Internal, status.Code(err))
}
