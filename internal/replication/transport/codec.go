// Package transport exposes the replication protocol over gRPC. The
// services and messages are defined in the proto directory at the root of
// the repository. Messages are the protocol's Go types, encoded in the
// protobuf wire format by the codec of this package.
package transport

import (
	"context"
	"fmt"

	"github.com/golang/protobuf/proto"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName replaces the default codec of gRPC. Generated messages, such
// as those of the health service, are still encoded by the protobuf
// library.
const codecName = "proto"

type codec struct{}

func (codec) Name() string {
	return codecName
}

func (codec) Marshal(v interface{}) ([]byte, error) {
	var e encoder
	switch m := v.(type) {
	case *replication.WriteRequest:
		encodeWriteRequest(&e, *m)
	case *replication.WriteAck:
		encodeWriteAck(&e, *m)
	case *replication.ReadRequest:
		encodeReadRequest(&e, *m)
	case *replication.Intro:
		encodeIntro(&e, *m)
	case *store.WriteResponse:
		encodeWriteResponse(&e, *m)
	case *store.ReadResponse:
		encodeReadResponse(&e, *m)
	case *backfill.Request:
		encodeBackfillRequest(&e, *m)
	case *backfill.Handshake:
		encodeHandshake(&e, *m)
	case *SendResponse:
		encodeSendResponse(&e, *m)
	case *RegisterRequest:
		e.string(1, m.Address)
	case *ListenerRequest:
		e.uuid(1, m.ID)
	case *PutRequest:
		e.string(1, m.Key)
		e.bytes(2, m.Value)
	case *DeleteRequest:
		e.string(1, m.Key)
	case *GetRequest:
		for _, key := range m.Keys {
			e.repeatedString(1, key)
		}
		e.bool(2, m.Ordered)
	case *ScanRequest:
		encodeScanRequest(&e, *m)
	case *empty:
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("marshal: unsupported message type %T", v)
	}
	return e.b, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	d := newDecoder(data)
	switch m := v.(type) {
	case *replication.WriteRequest:
		*m = decodeWriteRequest(d)
	case *replication.WriteAck:
		*m = decodeWriteAck(d)
	case *replication.ReadRequest:
		*m = decodeReadRequest(d)
	case *replication.Intro:
		*m = decodeIntro(d)
	case *store.WriteResponse:
		*m = decodeWriteResponse(d)
	case *store.ReadResponse:
		*m = decodeReadResponse(d)
	case *backfill.Request:
		*m = decodeBackfillRequest(d)
	case *backfill.Handshake:
		*m = decodeHandshake(d)
	case *SendResponse:
		*m = decodeSendResponse(d)
	case *RegisterRequest:
		*m = decodeRegisterRequest(d)
	case *ListenerRequest:
		*m = decodeListenerRequest(d)
	case *PutRequest:
		*m = decodePutRequest(d)
	case *DeleteRequest:
		*m = decodeDeleteRequest(d)
	case *GetRequest:
		*m = decodeGetRequest(d)
	case *ScanRequest:
		*m = decodeScanRequest(d)
	case *empty:
		for d.next() {
		}
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("unmarshal: unsupported message type %T", v)
	}

	if err := *d.err; err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(codec{})
}

// unaryMethod describes the method name of service, decoding its request
// into Req and dispatching it to call.
func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(S), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, service, method string, req, resp interface{}) error {
	return conn.Invoke(ctx, "/"+service+"/"+method, req, resp)
}

// empty is the message of methods without arguments or results. It
// corresponds to shardkv.Empty.
type empty struct{}
