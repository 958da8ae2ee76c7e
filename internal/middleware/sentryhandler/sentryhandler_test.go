package sentryhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	sentry "github.com/getsentry/sentry-go"
	grpcmwtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGenerateSentryEvent(t *testing.T) {
	for _, tc := range []struct {
		name        string
		method      string
		sinceStart  time.Duration
		wantNil     bool
		err         error
		wantCode    codes.Code
		wantMessage string
		wantCulprit string
	}{
		{
			name:        "internal error",
			method:      "/shardkv.Backfill/Handshake",
			sinceStart:  500 * time.Millisecond,
			err:         fmt.Errorf("Internal"),
			wantCode:    codes.Unknown,
			wantMessage: "Internal",
			wantCulprit: "Backfill::Handshake",
		},
		{
			name:        "grpc error",
			method:      "/shardkv.Registrar/Register",
			sinceStart:  time.Second,
			err:         status.Error(codes.NotFound, "Something failed"),
			wantCode:    codes.NotFound,
			wantMessage: "rpc error: code = NotFound desc = Something failed",
			wantCulprit: "Registrar::Register",
		},
		{
			name:       "GRPC error",
			method:     "/shardkv.Table/Get",
			sinceStart: 500 * time.Millisecond,
			err:        status.Errorf(codes.Canceled, "Something failed"),
			wantNil:    true,
		},
		{
			name:       "listener not readable",
			method:     "/shardkv.Listener/Read",
			sinceStart: 500 * time.Millisecond,
			err:        status.Errorf(codes.FailedPrecondition, "listener not readable"),
			wantNil:    true,
		},
		{
			name:       "indeterminate write",
			method:     "/shardkv.Table/Put",
			sinceStart: 500 * time.Millisecond,
			err:        status.Errorf(codes.Aborted, "outcome indeterminate"),
			wantNil:    true,
		},
		{
			name:        "aborted elsewhere",
			method:      "/shardkv.Backfill/Send",
			sinceStart:  500 * time.Millisecond,
			err:         status.Errorf(codes.Aborted, "aborted"),
			wantCode:    codes.Aborted,
			wantMessage: "rpc error: code = Aborted desc = aborted",
			wantCulprit: "Backfill::Send",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now().Add(-tc.sinceStart)
			event := generateSentryEvent(context.Background(), tc.method, start, tc.err)

			if tc.wantNil {
				require.Nil(t, event)
				return
			}

			require.NotNil(t, event)
			require.Equal(t, tc.wantCulprit, event.Transaction)
			require.Equal(t, tc.wantMessage, event.Message)
			require.Equal(t, event.Tags["system"], "grpc")
			require.NotEmpty(t, event.Tags["grpc.time_ms"])
			require.Equal(t, tc.method, event.Tags["grpc.method"])
			require.Equal(t, tc.wantCode.String(), event.Tags["grpc.code"])
			require.Equal(t, []string{"grpc", tc.wantCulprit, tc.wantCode.String()}, event.Fingerprint)
		})
	}
}

func TestReportPanic(t *testing.T) {
	type reported struct {
		Message     string   `json:"message"`
		Level       string   `json:"level"`
		Transaction string   `json:"transaction"`
		Fingerprint []string `json:"fingerprint"`
	}

	var events []reported
	sentrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event reported
		if err := json.NewDecoder(r.Body).Decode(&event); err == nil {
			events = append(events, event)
		}
	}))
	defer sentrySrv.Close()

	sentryURL, err := url.Parse(sentrySrv.URL)
	require.NoError(t, err)
	sentryURL.User = url.UserPassword("stub", "stub")
	sentryURL.Path = "/stub/1"

	require.NoError(t, sentry.Init(sentry.ClientOptions{
		Dsn:       sentryURL.String(),
		Transport: sentry.NewHTTPSyncTransport(),
	}))
	defer func() { require.NoError(t, sentry.Init(sentry.ClientOptions{})) }()

	ReportPanic("/shardkv.Listener/Write", "write token was already used")

	require.Equal(t, []reported{{
		Message:     "panic: write token was already used",
		Level:       string(sentry.LevelFatal),
		Transaction: "Listener::Write",
		Fingerprint: []string{"grpc", "Listener::Write", "panic"},
	}}, events)
}

func TestMarkToSkip(t *testing.T) {
	ctx := grpcmwtags.SetInContext(context.Background(), grpcmwtags.NewTags())
	MarkToSkip(ctx)

	require.Nil(t, generateSentryEvent(ctx, "/shardkv.Backfill/Send", time.Now(), errors.New("skipped")))
}
