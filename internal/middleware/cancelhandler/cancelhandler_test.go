package cancelhandler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnary(t *testing.T) {
	errHandler := errors.New("handler failed")
	handler := func(context.Context, interface{}) (interface{}, error) { return nil, errHandler }
	info := &grpc.UnaryServerInfo{FullMethod: "/shardkv.Table/Put"}

	_, err := Unary(context.Background(), nil, info, handler)
	require.Equal(t, errHandler, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Unary(canceled, nil, info, handler)
	require.Equal(t, codes.Canceled, status.Code(err))

	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()
	_, err = Unary(expired, nil, info, handler)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))

	_, err = Unary(canceled, nil, info, func(context.Context, interface{}) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
}
