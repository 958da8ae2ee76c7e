package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardkv/internal/helper"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"google.golang.org/grpc"
)

const registrarService = "shardkv.Registrar"

// RegisterRequest asks a broadcaster to dispatch to the listener served at
// Address.
type RegisterRequest struct {
	Address string
}

// GetAddress returns the address of the registering listener.
func (r *RegisterRequest) GetAddress() string { return r.Address }

// ListenerRequest names a registered listener.
type ListenerRequest struct {
	ID uuid.UUID
}

// GetListenerID returns the listener's id.
func (r *ListenerRequest) GetListenerID() uuid.UUID { return r.ID }

type registrarHandler interface {
	register(context.Context, *RegisterRequest) (*replication.Intro, error)
	upgrade(context.Context, *ListenerRequest) (*empty, error)
	downgrade(context.Context, *ListenerRequest) (*empty, error)
	deregister(context.Context, *ListenerRequest) (*empty, error)
}

var registrarServiceDesc = grpc.ServiceDesc{
	ServiceName: registrarService,
	HandlerType: (*registrarHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(registrarService, "Register", (*RegistrarServer).register),
		unaryMethod(registrarService, "Upgrade", (*RegistrarServer).upgrade),
		unaryMethod(registrarService, "Downgrade", (*RegistrarServer).downgrade),
		unaryMethod(registrarService, "Deregister", (*RegistrarServer).deregister),
	},
	Metadata: "registrar.proto",
}

// DialFunc connects to the listener served at address.
type DialFunc func(ctx context.Context, address string) (*grpc.ClientConn, error)

// RegistrarServer registers remote listeners with a broadcaster. It keeps
// a connection to every listener until the listener deregisters.
type RegistrarServer struct {
	registrar replication.Registrar
	dial      DialFunc
	logger    logrus.FieldLogger

	mu    sync.Mutex
	conns map[uuid.UUID]*grpc.ClientConn
}

// NewRegistrarServer returns a server registering listeners with
// registrar. Listeners are dialed with dial, or with Dial if it is nil.
func NewRegistrarServer(registrar replication.Registrar, dial DialFunc, logger logrus.FieldLogger) *RegistrarServer {
	if dial == nil {
		dial = func(ctx context.Context, address string) (*grpc.ClientConn, error) {
			return Dial(ctx, address)
		}
	}
	return &RegistrarServer{
		registrar: registrar,
		dial:      dial,
		logger:    logger.WithField("component", "registrar"),
		conns:     make(map[uuid.UUID]*grpc.ClientConn),
	}
}

// Register registers the service on srv.
func (s *RegistrarServer) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&registrarServiceDesc, s)
}

func (s *RegistrarServer) register(ctx context.Context, req *RegisterRequest) (*replication.Intro, error) {
	if req.Address == "" {
		return nil, helper.ErrInvalidArgumentf("missing listener address")
	}

	conn, err := s.dial(ctx, req.Address)
	if err != nil {
		return nil, helper.ErrUnavailable(err)
	}

	intro, err := s.registrar.Register(ctx, NewListenerClient(conn))
	if err != nil {
		s.closeConn(conn)
		return nil, toStatus(err)
	}

	s.mu.Lock()
	s.conns[intro.ID] = conn
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"listener": intro.ID,
		"address":  req.Address,
	}).Info("listener registered")
	return &intro, nil
}

func (s *RegistrarServer) upgrade(ctx context.Context, req *ListenerRequest) (*empty, error) {
	return &empty{}, toStatus(s.registrar.Upgrade(ctx, req.ID))
}

func (s *RegistrarServer) downgrade(ctx context.Context, req *ListenerRequest) (*empty, error) {
	return &empty{}, toStatus(s.registrar.Downgrade(ctx, req.ID))
}

func (s *RegistrarServer) deregister(ctx context.Context, req *ListenerRequest) (*empty, error) {
	err := s.registrar.Deregister(ctx, req.ID)

	s.mu.Lock()
	conn, ok := s.conns[req.ID]
	delete(s.conns, req.ID)
	s.mu.Unlock()
	if ok {
		s.closeConn(conn)
	}

	return &empty{}, toStatus(err)
}

func (s *RegistrarServer) closeConn(conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		s.logger.WithError(err).Warn("close listener connection")
	}
}

// Close closes the connections to all listeners.
func (s *RegistrarServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		s.closeConn(conn)
		delete(s.conns, id)
	}
}

// RegistrarClient registers the node's listener with a remote broadcaster.
// It implements replication.Registrar.
type RegistrarClient struct {
	conn      grpc.ClientConnInterface
	advertise string
	local     *ListenerServer
}

// NewRegistrarClient returns a client using conn. The broadcaster reaches
// the listener through local, which is served at advertise.
func NewRegistrarClient(conn grpc.ClientConnInterface, advertise string, local *ListenerServer) *RegistrarClient {
	return &RegistrarClient{conn: conn, advertise: advertise, local: local}
}

// Register implements replication.Registrar. The listener is attached to
// the local server before the broadcaster starts dispatching to it.
func (c *RegistrarClient) Register(ctx context.Context, l replication.ListenerClient) (replication.Intro, error) {
	c.local.Attach(l)

	var intro replication.Intro
	if err := invoke(ctx, c.conn, registrarService, "Register", &RegisterRequest{Address: c.advertise}, &intro); err != nil {
		return replication.Intro{}, fromStatus(ctx, err)
	}
	return intro, nil
}

// Upgrade implements replication.Registrar.
func (c *RegistrarClient) Upgrade(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, "Upgrade", id)
}

// Downgrade implements replication.Registrar.
func (c *RegistrarClient) Downgrade(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, "Downgrade", id)
}

// Deregister implements replication.Registrar.
func (c *RegistrarClient) Deregister(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, "Deregister", id)
}

func (c *RegistrarClient) call(ctx context.Context, method string, id uuid.UUID) error {
	return fromStatus(ctx, invoke(ctx, c.conn, registrarService, method, &ListenerRequest{ID: id}, &empty{}))
}
