package replication

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInterrupted is returned when an operation was cancelled.
	ErrInterrupted = errors.New("interrupted")
	// ErrLostContact is returned when a peer became unreachable.
	ErrLostContact = errors.New("lost contact with peer")
	// ErrListenerOutdated is returned by listeners whose backfill did not
	// reach the point where streaming started.
	ErrListenerOutdated = errors.New("listener outdated")
	// ErrNotReadable is returned by listeners which cannot serve reads yet.
	ErrNotReadable = errors.New("listener not readable")
	// ErrUnknownListener is returned for listener ids a broadcaster does
	// not know of.
	ErrUnknownListener = errors.New("unknown listener")
	// ErrBranchMismatch is returned when a listener is asked to serve a
	// branch it does not follow.
	ErrBranchMismatch = errors.New("branch mismatch")
)

// InterruptedError wraps the context error of a cancelled operation.
type InterruptedError struct {
	Cause error
}

// Interrupted returns an InterruptedError for ctx.
func Interrupted(ctx context.Context) error {
	return InterruptedError{Cause: ctx.Err()}
}

func (err InterruptedError) Error() string {
	return fmt.Sprintf("interrupted: %v", err.Cause)
}

// Is matches ErrInterrupted.
func (err InterruptedError) Is(target error) bool {
	return target == ErrInterrupted
}

func (err InterruptedError) Unwrap() error {
	return err.Cause
}

// CannotPerformQueryError is returned when an operation could not be
// dispatched. If Indeterminate is set, the operation may or may not have
// taken effect.
type CannotPerformQueryError struct {
	Indeterminate bool
	Cause         error
}

func (err CannotPerformQueryError) Error() string {
	outcome := "definitely failed"
	if err.Indeterminate {
		outcome = "outcome indeterminate"
	}
	if err.Cause == nil {
		return "cannot perform query: " + outcome
	}
	return fmt.Sprintf("cannot perform query: %s: %v", outcome, err.Cause)
}

func (err CannotPerformQueryError) Unwrap() error {
	return err.Cause
}

// IsIndeterminate reports whether err leaves the outcome of an operation
// open.
func IsIndeterminate(err error) bool {
	var cannot CannotPerformQueryError
	return errors.As(err, &cannot) && cannot.Indeterminate
}
