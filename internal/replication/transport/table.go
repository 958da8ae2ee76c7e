package transport

import (
	"context"

	"gitlab.com/gitlab-org/shardkv/internal/helper"
	"gitlab.com/gitlab-org/shardkv/internal/replication/broadcaster"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"google.golang.org/grpc"
)

const tableService = "shardkv.Table"

// PutRequest sets a key.
type PutRequest struct {
	Key   string
	Value []byte
}

// GetKey returns the key written.
func (r *PutRequest) GetKey() string { return r.Key }

// DeleteRequest deletes a key.
type DeleteRequest struct {
	Key string
}

// GetKey returns the key deleted.
func (r *DeleteRequest) GetKey() string { return r.Key }

// GetRequest fetches keys. An ordered get observes every write admitted
// before it.
type GetRequest struct {
	Keys    []string
	Ordered bool
}

// GetKeys returns the keys fetched.
func (r *GetRequest) GetKeys() []string { return r.Keys }

// ScanRequest lists up to Limit keys of a region.
type ScanRequest struct {
	Region  region.Region
	Limit   int
	Ordered bool
}

// Table is the broadcaster functionality the table service exposes.
type Table interface {
	Write(ctx context.Context, op store.WriteOp, policy broadcaster.AckPolicy) (store.WriteResponse, error)
	Read(ctx context.Context, op store.ReadOp) (store.ReadResponse, error)
	OrderedRead(ctx context.Context, op store.ReadOp) (store.ReadResponse, error)
}

type tableHandler interface {
	put(context.Context, *PutRequest) (*store.WriteResponse, error)
	delete(context.Context, *DeleteRequest) (*store.WriteResponse, error)
	get(context.Context, *GetRequest) (*store.ReadResponse, error)
	scan(context.Context, *ScanRequest) (*store.ReadResponse, error)
}

var tableServiceDesc = grpc.ServiceDesc{
	ServiceName: tableService,
	HandlerType: (*tableHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(tableService, "Put", (*TableServer).put),
		unaryMethod(tableService, "Delete", (*TableServer).delete),
		unaryMethod(tableService, "Get", (*TableServer).get),
		unaryMethod(tableService, "Scan", (*TableServer).scan),
	},
	Metadata: "table.proto",
}

// TableServer serves client reads and writes on a primary.
type TableServer struct {
	table  Table
	policy broadcaster.AckPolicy
}

// NewTableServer returns a server dispatching to table. Writes succeed once
// policy is satisfied.
func NewTableServer(table Table, policy broadcaster.AckPolicy) *TableServer {
	return &TableServer{table: table, policy: policy}
}

// Register registers the service on srv.
func (s *TableServer) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&tableServiceDesc, s)
}

func (s *TableServer) put(ctx context.Context, req *PutRequest) (*store.WriteResponse, error) {
	if req.Key == "" {
		return nil, helper.ErrInvalidArgumentf("empty key")
	}
	return s.write(ctx, store.Mutation{Key: req.Key, Value: req.Value})
}

func (s *TableServer) delete(ctx context.Context, req *DeleteRequest) (*store.WriteResponse, error) {
	if req.Key == "" {
		return nil, helper.ErrInvalidArgumentf("empty key")
	}
	return s.write(ctx, store.Mutation{Key: req.Key, Delete: true})
}

func (s *TableServer) write(ctx context.Context, m store.Mutation) (*store.WriteResponse, error) {
	resp, err := s.table.Write(ctx, store.WriteOp{Mutations: []store.Mutation{m}}, s.policy)
	if err != nil {
		return nil, toStatus(err)
	}
	return &resp, nil
}

func (s *TableServer) get(ctx context.Context, req *GetRequest) (*store.ReadResponse, error) {
	return s.read(ctx, store.ReadOp{Keys: req.Keys}, req.Ordered)
}

func (s *TableServer) scan(ctx context.Context, req *ScanRequest) (*store.ReadResponse, error) {
	scan := req.Region
	return s.read(ctx, store.ReadOp{Scan: &scan, Limit: req.Limit}, req.Ordered)
}

func (s *TableServer) read(ctx context.Context, op store.ReadOp, ordered bool) (*store.ReadResponse, error) {
	read := s.table.Read
	if ordered {
		read = s.table.OrderedRead
	}

	resp, err := read(ctx, op)
	if err != nil {
		return nil, toStatus(err)
	}
	return &resp, nil
}

// TableClient reads and writes keys through a primary.
type TableClient struct {
	conn grpc.ClientConnInterface
}

// NewTableClient returns a client using conn.
func NewTableClient(conn grpc.ClientConnInterface) *TableClient {
	return &TableClient{conn: conn}
}

// Put sets key to value.
func (c *TableClient) Put(ctx context.Context, key string, value []byte) (store.WriteResponse, error) {
	var resp store.WriteResponse
	err := invoke(ctx, c.conn, tableService, "Put", &PutRequest{Key: key, Value: value}, &resp)
	return resp, fromStatus(ctx, err)
}

// Delete deletes key.
func (c *TableClient) Delete(ctx context.Context, key string) (store.WriteResponse, error) {
	var resp store.WriteResponse
	err := invoke(ctx, c.conn, tableService, "Delete", &DeleteRequest{Key: key}, &resp)
	return resp, fromStatus(ctx, err)
}

// Get fetches keys.
func (c *TableClient) Get(ctx context.Context, ordered bool, keys ...string) ([]store.Pair, error) {
	var resp store.ReadResponse
	if err := invoke(ctx, c.conn, tableService, "Get", &GetRequest{Keys: keys, Ordered: ordered}, &resp); err != nil {
		return nil, fromStatus(ctx, err)
	}
	return resp.Pairs, nil
}

// Scan lists up to limit keys of r. A limit of zero lists all of them.
func (c *TableClient) Scan(ctx context.Context, r region.Region, limit int, ordered bool) ([]store.Pair, error) {
	var resp store.ReadResponse
	if err := invoke(ctx, c.conn, tableService, "Scan", &ScanRequest{Region: r, Limit: limit, Ordered: ordered}, &resp); err != nil {
		return nil, fromStatus(ctx, err)
	}
	return resp.Pairs, nil
}
