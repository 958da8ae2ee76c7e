// Package sentryhandler reports failed shardkv RPCs to Sentry. Errors a
// replicating cluster produces in normal operation, such as listeners
// that are still joining, are not reported.
package sentryhandler

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	grpcmwtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"gitlab.com/gitlab-org/shardkv/internal/helper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

const skipSubmission = "sentry.skip"

var (
	ignoredCodes = []codes.Code{
		codes.OK,
		// Clients that disappeared or lost interest.
		codes.Canceled,
		codes.DeadlineExceeded,
		// Listeners which are not readable yet or fell behind.
		codes.FailedPrecondition,
		// Too few readable listeners.
		codes.Unavailable,
	}
	ignoredCodesByMethod = map[string][]codes.Code{
		// Listeners deregister again after their broadcaster already
		// dropped them.
		"/shardkv.Registrar/Deregister": {codes.NotFound},
		// The outcome of a write is unknown after losing a listener.
		"/shardkv.Table/Put":    {codes.Aborted},
		"/shardkv.Table/Delete": {codes.Aborted},
	}
)

// UnaryLogHandler reports failed unary calls.
func UnaryLogHandler(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	if err != nil {
		report(generateSentryEvent(ctx, info.FullMethod, start, err))
	}

	return resp, err
}

// StreamLogHandler reports failed streaming calls.
func StreamLogHandler(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, stream)

	if err != nil {
		report(generateSentryEvent(stream.Context(), info.FullMethod, start, err))
	}

	return err
}

// ReportPanic reports a panic recovered from a handler. It is meant to be
// installed with panichandler.InstallPanicHandler.
func ReportPanic(method string, recovered interface{}) {
	event := newEvent(method, "panic")
	event.Level = sentry.LevelFatal
	event.Message = fmt.Sprintf("panic: %v", recovered)
	report(event)
}

func report(event *sentry.Event) {
	if event != nil {
		sentry.CaptureEvent(event)
	}
}

// methodToCulprit turns "/shardkv.Listener/Write" into "Listener::Write".
func methodToCulprit(methodName string) string {
	methodName = strings.TrimPrefix(methodName, "/shardkv.")
	return strings.Replace(methodName, "/", "::", 1)
}

func ignored(ctx context.Context, method string, code codes.Code) bool {
	for _, ignoredCode := range ignoredCodes {
		if code == ignoredCode {
			return true
		}
	}

	for _, ignoredCode := range ignoredCodesByMethod[method] {
		if code == ignoredCode {
			return true
		}
	}

	return grpcmwtags.Extract(ctx).Has(skipSubmission)
}

// newEvent prepares an event grouped by method and kind, where kind is a
// status code or "panic".
func newEvent(method, kind string) *sentry.Event {
	culprit := methodToCulprit(method)

	event := sentry.NewEvent()
	event.Tags["grpc.method"] = method
	event.Tags["system"] = "grpc"
	// https://docs.sentry.io/learn/rollups/#customize-grouping-with-fingerprints
	event.Fingerprint = []string{"grpc", culprit, kind}
	event.Transaction = culprit
	return event
}

func generateSentryEvent(ctx context.Context, method string, start time.Time, err error) *sentry.Event {
	code := helper.GrpcCode(err)
	if ignored(ctx, method, code) {
		return nil
	}

	event := newEvent(method, code.String())
	for k, v := range grpcmwtags.Extract(ctx).Values() {
		event.Tags[k] = fmt.Sprintf("%v", v)
	}
	event.Tags["grpc.code"] = code.String()
	event.Tags["grpc.time_ms"] = fmt.Sprintf("%.0f", time.Since(start).Seconds()*1000)

	event.Message = err.Error()
	// The stack of the interceptor says nothing about the failure.
	event.Exception = append(event.Exception, newException(err))

	return event
}

var errorMsgPattern = regexp.MustCompile(`\A(\w+): (.+)\z`)

func newException(err error) sentry.Exception {
	msg := err.Error()
	ex := sentry.Exception{
		Value: msg,
		Type:  reflect.TypeOf(err).String(),
	}
	if m := errorMsgPattern.FindStringSubmatch(msg); m != nil {
		ex.Module, ex.Value = m[1], m[2]
	}
	return ex
}

// MarkToSkip tags ctx so that the error of the current call is not
// reported.
func MarkToSkip(ctx context.Context) {
	grpcmwtags.Extract(ctx).Set(skipSubmission, struct{}{})
}
