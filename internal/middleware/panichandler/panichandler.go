// Package panichandler turns panics of gRPC handlers into Internal errors
// so that a single bad request cannot take a node down.
package panichandler

import (
	"context"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PanicHandler is called with the method name and the recovered value
// whenever a handler panics.
type PanicHandler func(methodName string, recovered interface{})

var additionalHandlers []PanicHandler

// InstallPanicHandler registers an additional handler called on every
// recovered panic. It must be called before the server starts.
func InstallPanicHandler(handler PanicHandler) {
	additionalHandlers = append(additionalHandlers, handler)
}

func toPanicError(recovered interface{}) error {
	return status.Errorf(codes.Internal, "panic: %v", recovered)
}

func handleCrash(ctx context.Context, methodName string, recovered interface{}) {
	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"grpc.method": methodName,
		"panic":       recovered,
		"stack":       string(debug.Stack()),
	}).Error("grpc panic")

	for _, handler := range additionalHandlers {
		handler(methodName, recovered)
	}
}

// UnaryPanicHandler handles panics of unary RPCs.
func UnaryPanicHandler(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			handleCrash(ctx, info.FullMethod, r)
			err = toPanicError(r)
		}
	}()

	return handler(ctx, req)
}

// StreamPanicHandler handles panics of streaming RPCs.
func StreamPanicHandler(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handleCrash(stream.Context(), info.FullMethod, r)
			err = toPanicError(r)
		}
	}()

	return handler(srv, stream)
}
