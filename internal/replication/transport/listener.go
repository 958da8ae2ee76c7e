package transport

import (
	"context"
	"errors"
	"sync"

	"gitlab.com/gitlab-org/shardkv/internal/helper"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"google.golang.org/grpc"
)

const listenerService = "shardkv.Listener"

var errNoListener = errors.New("no listener attached")

type listenerHandler interface {
	write(context.Context, *replication.WriteRequest) (*replication.WriteAck, error)
	read(context.Context, *replication.ReadRequest) (*store.ReadResponse, error)
}

var listenerServiceDesc = grpc.ServiceDesc{
	ServiceName: listenerService,
	HandlerType: (*listenerHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(listenerService, "Write", (*ListenerServer).write),
		unaryMethod(listenerService, "Read", (*ListenerServer).read),
	},
	Metadata: "listener.proto",
}

// ListenerServer serves the writes and reads a broadcaster dispatches to
// the node's listener. It rejects calls until a listener is attached.
type ListenerServer struct {
	mu       sync.RWMutex
	listener replication.ListenerClient
}

// NewListenerServer returns a server without a listener.
func NewListenerServer() *ListenerServer {
	return &ListenerServer{}
}

// Register registers the service on srv.
func (s *ListenerServer) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&listenerServiceDesc, s)
}

// Attach makes s dispatch to l. A listener attached later replaces it.
func (s *ListenerServer) Attach(l replication.ListenerClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *ListenerServer) attached() (replication.ListenerClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil, helper.ErrUnavailable(errNoListener)
	}
	return s.listener, nil
}

func (s *ListenerServer) write(ctx context.Context, req *replication.WriteRequest) (*replication.WriteAck, error) {
	l, err := s.attached()
	if err != nil {
		return nil, err
	}
	ack, err := l.Write(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ack, nil
}

func (s *ListenerServer) read(ctx context.Context, req *replication.ReadRequest) (*store.ReadResponse, error) {
	l, err := s.attached()
	if err != nil {
		return nil, err
	}
	resp, err := l.Read(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &resp, nil
}

// ListenerClient dispatches to a remote listener. It implements
// replication.ListenerClient.
type ListenerClient struct {
	conn grpc.ClientConnInterface
}

// NewListenerClient returns a client using conn.
func NewListenerClient(conn grpc.ClientConnInterface) *ListenerClient {
	return &ListenerClient{conn: conn}
}

// Write implements replication.ListenerClient.
func (c *ListenerClient) Write(ctx context.Context, req replication.WriteRequest) (replication.WriteAck, error) {
	var ack replication.WriteAck
	if err := invoke(ctx, c.conn, listenerService, "Write", &req, &ack); err != nil {
		return replication.WriteAck{}, fromStatus(ctx, err)
	}
	return ack, nil
}

// Read implements replication.ListenerClient.
func (c *ListenerClient) Read(ctx context.Context, req replication.ReadRequest) (store.ReadResponse, error) {
	var resp store.ReadResponse
	if err := invoke(ctx, c.conn, listenerService, "Read", &req, &resp); err != nil {
		return store.ReadResponse{}, fromStatus(ctx, err)
	}
	return resp, nil
}
