package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/shardkv/internal/helper"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/broadcaster"
	"gitlab.com/gitlab-org/shardkv/internal/replication/fifo"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sentinels are the errors which survive a round trip through a status.
// They are recognized by the prefix of the status message.
var sentinels = []error{
	replication.ErrInterrupted,
	replication.ErrLostContact,
	replication.ErrListenerOutdated,
	replication.ErrNotReadable,
	replication.ErrUnknownListener,
	replication.ErrBranchMismatch,
	broadcaster.ErrClosed,
	broadcaster.ErrNotEnoughListeners,
	broadcaster.ErrNoReadableListener,
	backfill.ErrInvalidRequest,
	fifo.ErrInvalidToken,
	store.ErrOutsideRegion,
	version.ErrIncoherent,
	version.ErrMissingBranch,
}

// toStatus converts the error of a handler into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	var cannot replication.CannotPerformQueryError
	if errors.As(err, &cannot) {
		if cannot.Cause == nil {
			cannot.Cause = errors.New("cannot perform query")
		}
		if cannot.Indeterminate {
			return helper.ErrAborted(cannot.Cause)
		}
		err = cannot.Cause
	}

	switch {
	case errors.Is(err, replication.ErrInterrupted):
		if errors.Is(err, context.DeadlineExceeded) {
			return helper.ErrDeadlineExceeded(err)
		}
		return helper.ErrCanceled(err)
	case errors.Is(err, replication.ErrListenerOutdated),
		errors.Is(err, replication.ErrNotReadable),
		errors.Is(err, replication.ErrBranchMismatch),
		errors.Is(err, version.ErrIncoherent):
		return helper.ErrFailedPrecondition(err)
	case errors.Is(err, replication.ErrUnknownListener),
		errors.Is(err, version.ErrMissingBranch):
		return helper.ErrNotFound(err)
	case errors.Is(err, backfill.ErrInvalidRequest),
		errors.Is(err, fifo.ErrInvalidToken),
		errors.Is(err, store.ErrOutsideRegion):
		return helper.ErrInvalidArgument(err)
	case errors.Is(err, replication.ErrLostContact),
		errors.Is(err, broadcaster.ErrClosed),
		errors.Is(err, broadcaster.ErrNotEnoughListeners),
		errors.Is(err, broadcaster.ErrNoReadableListener):
		return helper.ErrUnavailable(err)
	default:
		return helper.ErrInternal(err)
	}
}

// fromStatus converts the error returned by a call back into the
// protocol's errors.
func fromStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	cause := errors.New(st.Message())
	for _, sentinel := range sentinels {
		if rest := strings.TrimPrefix(st.Message(), sentinel.Error()); rest != st.Message() {
			cause = fmt.Errorf("%w%s", sentinel, rest)
			break
		}
	}

	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded:
		if ctx.Err() != nil {
			return replication.Interrupted(ctx)
		}
		return fmt.Errorf("%w: %v", replication.ErrLostContact, cause)
	case codes.Unavailable:
		if errors.Is(cause, broadcaster.ErrNotEnoughListeners) || errors.Is(cause, broadcaster.ErrNoReadableListener) {
			return replication.CannotPerformQueryError{Cause: cause}
		}
		if errors.Is(cause, broadcaster.ErrClosed) {
			return cause
		}
		return fmt.Errorf("%w: %v", replication.ErrLostContact, cause)
	case codes.Aborted:
		return replication.CannotPerformQueryError{Indeterminate: true, Cause: cause}
	default:
		return cause
	}
}
