package replication

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fmt.Errorf("wait for sink: %w", Interrupted(ctx))
	require.True(t, errors.Is(err, ErrInterrupted))
	require.True(t, errors.Is(err, context.Canceled))
	require.False(t, errors.Is(err, ErrLostContact))
}

func TestCannotPerformQueryError(t *testing.T) {
	definite := CannotPerformQueryError{Cause: ErrNotReadable}
	require.Equal(t, "cannot perform query: definitely failed: listener not readable", definite.Error())
	require.True(t, errors.Is(definite, ErrNotReadable))
	require.False(t, IsIndeterminate(definite))

	indeterminate := fmt.Errorf("write: %w", CannotPerformQueryError{Indeterminate: true, Cause: ErrLostContact})
	require.True(t, IsIndeterminate(indeterminate))
	require.True(t, errors.Is(indeterminate, ErrLostContact))

	require.Equal(t, "cannot perform query: outcome indeterminate", CannotPerformQueryError{Indeterminate: true}.Error())
	require.False(t, IsIndeterminate(errors.New("other")))
}
