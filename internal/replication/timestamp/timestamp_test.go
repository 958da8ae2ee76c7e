package timestamp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	require.Equal(t, Timestamp(1), Zero.Next())
	require.Equal(t, Timestamp(4), Timestamp(5).Prev())
	require.Panics(t, func() { Zero.Prev() })

	tr := NewTransition(7)
	require.True(t, tr.Valid())
	require.Equal(t, Timestamp(8), tr.After)
	require.False(t, Transition{Before: 3, After: 5}.Valid())
	require.Equal(t, "7->8", tr.String())
}

func TestMinEnforcer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := NewMinEnforcer(2)
	require.NoError(t, e.Wait(ctx, 1))
	require.NoError(t, e.Wait(ctx, 2))

	done := make(chan error)
	go func() { done <- e.Wait(ctx, 4) }()

	e.Bump(3)
	select {
	case <-done:
		require.FailNow(t, "waiter released before reaching its timestamp")
	case <-time.After(10 * time.Millisecond):
	}

	e.Bump(1)
	require.Equal(t, Timestamp(3), e.Current())

	e.Bump(5)
	require.NoError(t, <-done)
	require.Equal(t, Timestamp(5), e.Current())
}

func TestMinEnforcer_cancellation(t *testing.T) {
	e := NewMinEnforcer(Zero)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Wait(ctx, 10) }()

	cancel()
	require.Equal(t, context.Canceled, <-done)

	e.mu.Lock()
	require.Zero(t, e.waiters.Len())
	e.mu.Unlock()
}
