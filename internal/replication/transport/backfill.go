package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gitlab.com/gitlab-org/shardkv/internal/helper"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"google.golang.org/grpc"
)

const backfillService = "shardkv.Backfill"

var errNoSource = errors.New("no backfill source attached")

// SendResponse is a message of the Send stream. Every message but the last
// carries a chunk; the last one carries the end point.
type SendResponse struct {
	Chunk    *backfill.Chunk
	EndPoint *backfill.EndPoint
}

type backfillHandler interface {
	handshake(context.Context, *empty) (*backfill.Handshake, error)
	send(*backfill.Request, grpc.ServerStream) error
}

var backfillServiceDesc = grpc.ServiceDesc{
	ServiceName: backfillService,
	HandlerType: (*backfillHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(backfillService, "Handshake", (*BackfillServer).handshake),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Send",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				req := new(backfill.Request)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(backfillHandler).send(req, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "backfill.proto",
}

// BackfillServer serves backfills from the node's source. It rejects calls
// until a source is attached.
type BackfillServer struct {
	mu     sync.RWMutex
	source backfill.Source
}

// NewBackfillServer returns a server without a source.
func NewBackfillServer() *BackfillServer {
	return &BackfillServer{}
}

// Register registers the service on srv.
func (s *BackfillServer) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&backfillServiceDesc, s)
}

// Attach makes s serve backfills from source.
func (s *BackfillServer) Attach(source backfill.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

func (s *BackfillServer) attached() (backfill.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return nil, helper.ErrUnavailable(errNoSource)
	}
	return s.source, nil
}

func (s *BackfillServer) handshake(ctx context.Context, _ *empty) (*backfill.Handshake, error) {
	source, err := s.attached()
	if err != nil {
		return nil, err
	}
	handshake, err := source.Handshake(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &handshake, nil
}

func (s *BackfillServer) send(req *backfill.Request, stream grpc.ServerStream) error {
	source, err := s.attached()
	if err != nil {
		return err
	}

	end, err := source.Send(stream.Context(), *req, func(chunk backfill.Chunk) error {
		return stream.SendMsg(&SendResponse{Chunk: &chunk})
	})
	if err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(&SendResponse{EndPoint: &end})
}

// BackfillClient requests backfills from a remote node. It implements
// backfill.Source.
type BackfillClient struct {
	conn grpc.ClientConnInterface
}

// NewBackfillClient returns a client using conn.
func NewBackfillClient(conn grpc.ClientConnInterface) *BackfillClient {
	return &BackfillClient{conn: conn}
}

// Handshake implements backfill.Source.
func (c *BackfillClient) Handshake(ctx context.Context) (backfill.Handshake, error) {
	var handshake backfill.Handshake
	if err := invoke(ctx, c.conn, backfillService, "Handshake", &empty{}, &handshake); err != nil {
		return backfill.Handshake{}, fromStatus(ctx, err)
	}
	return handshake, nil
}

// Send implements backfill.Source.
func (c *BackfillClient) Send(ctx context.Context, req backfill.Request, fn func(backfill.Chunk) error) (backfill.EndPoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &backfillServiceDesc.Streams[0], "/"+backfillService+"/Send")
	if err != nil {
		return backfill.EndPoint{}, fromStatus(ctx, err)
	}
	if err := stream.SendMsg(&req); err != nil {
		return backfill.EndPoint{}, fromStatus(ctx, err)
	}
	if err := stream.CloseSend(); err != nil {
		return backfill.EndPoint{}, fromStatus(ctx, err)
	}

	for {
		var msg SendResponse
		if err := stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return backfill.EndPoint{}, fmt.Errorf("backfill stream ended without end point")
			}
			return backfill.EndPoint{}, fromStatus(ctx, err)
		}

		switch {
		case msg.EndPoint != nil:
			return *msg.EndPoint, nil
		case msg.Chunk != nil:
			if err := fn(*msg.Chunk); err != nil {
				return backfill.EndPoint{}, err
			}
		}
	}
}
