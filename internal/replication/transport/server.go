package transport

import (
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	grpccorrelation "gitlab.com/gitlab-org/labkit/correlation/grpc"
	grpctracing "gitlab.com/gitlab-org/labkit/tracing/grpc"
	"gitlab.com/gitlab-org/shardkv/internal/helper/fieldextractors"
	shardkvlog "gitlab.com/gitlab-org/shardkv/internal/log"
	"gitlab.com/gitlab-org/shardkv/internal/middleware/cancelhandler"
	"gitlab.com/gitlab-org/shardkv/internal/middleware/panichandler"
	"gitlab.com/gitlab-org/shardkv/internal/middleware/sentryhandler"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func init() {
	// grpc-go gets a custom logger; it is too chatty
	grpc_logrus.ReplaceGrpcLogger(shardkvlog.GrpcGo())
}

// NewServer returns a gRPC server with the interceptors every node uses.
// Services are registered on it by the caller.
func NewServer(logger *logrus.Entry, opts ...grpc.ServerOption) *grpc.Server {
	ctxTagOpts := []grpc_ctxtags.Option{
		grpc_ctxtags.WithFieldExtractorForInitialReq(fieldextractors.FieldExtractor),
	}

	opts = append(opts,
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(ctxTagOpts...),
			grpccorrelation.StreamServerCorrelationInterceptor(),
			grpc_prometheus.StreamServerInterceptor,
			grpc_logrus.StreamServerInterceptor(logger,
				grpc_logrus.WithTimestampFormat(shardkvlog.LogTimestampFormat)),
			sentryhandler.StreamLogHandler,
			cancelhandler.Stream, // Should be below LogHandler
			grpctracing.StreamServerTracingInterceptor(),
			// Panic handler should remain last so that application panics
			// are converted to errors and logged
			panichandler.StreamPanicHandler,
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(ctxTagOpts...),
			grpccorrelation.UnaryServerCorrelationInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
			grpc_logrus.UnaryServerInterceptor(logger,
				grpc_logrus.WithTimestampFormat(shardkvlog.LogTimestampFormat)),
			sentryhandler.UnaryLogHandler,
			cancelhandler.Unary, // Should be below LogHandler
			grpctracing.UnaryServerTracingInterceptor(),
			// Panic handler should remain last so that application panics
			// are converted to errors and logged
			panichandler.UnaryPanicHandler,
		)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	return grpc.NewServer(opts...)
}
