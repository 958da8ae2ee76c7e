package diskqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q, err := Open(t.TempDir(), WithSegmentSize(64))
	require.NoError(t, err)
	defer func() { require.NoError(t, q.Close()) }()

	_, ok, err := q.Pop()
	require.NoError(t, err)
	require.False(t, ok)

	var pushed int64
	for i := 0; i < 50; i++ {
		record := []byte(fmt.Sprintf("record-%d", i))
		require.NoError(t, q.Push(record))
		pushed += int64(len(record))
	}
	require.Equal(t, 50, q.Len())
	require.Equal(t, pushed, q.Bytes())

	segments, err := filepath.Glob(filepath.Join(q.Dir(), "*.seg"))
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)

	for i := 0; i < 25; i++ {
		data, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("record-%d", i), string(data))
	}

	// Interleaving pushes with pops keeps the order.
	require.NoError(t, q.Push([]byte("late")))
	for i := 25; i < 50; i++ {
		data, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("record-%d", i), string(data))
	}

	data, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "late", string(data))

	_, ok, err = q.Pop()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, q.Len())
	require.Equal(t, int64(0), q.Bytes())

	remaining, err := filepath.Glob(filepath.Join(q.Dir(), "*.seg"))
	require.NoError(t, err)
	require.Len(t, remaining, 1, "drained segments are removed")
}

func TestQueue_emptyRecord(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Push(nil))
	data, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, data)
}

func TestQueue_corrupt(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Push([]byte("hello")))

	f, err := os.OpenFile(q.segments[0].path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("J"), headerSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = q.Pop()
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestQueue_close(t *testing.T) {
	parent := t.TempDir()
	q, err := Open(parent)
	require.NoError(t, err)
	require.NoError(t, q.Push([]byte("discarded")))

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = os.Stat(q.Dir())
	require.True(t, os.IsNotExist(err))

	require.Equal(t, ErrClosed, q.Push([]byte("too late")))
	_, _, err = q.Pop()
	require.Equal(t, ErrClosed, err)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpen_separateQueues(t *testing.T) {
	parent := t.TempDir()

	a, err := Open(parent)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(parent)
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.Dir(), b.Dir())
	require.NoError(t, a.Push([]byte("a")))

	_, ok, err := b.Pop()
	require.NoError(t, err)
	require.False(t, ok)
}
