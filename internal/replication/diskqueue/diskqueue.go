// Package diskqueue implements a FIFO queue of byte records which are kept
// in segment files on disk rather than in memory.
package diskqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	headerSize = 8
	// DefaultSegmentSize is the size after which a new segment file is
	// started.
	DefaultSegmentSize = 32 << 20
)

var (
	// ErrClosed is returned when the queue has been closed.
	ErrClosed = errors.New("disk queue closed")
	// ErrCorrupt is returned when a record fails its checksum.
	ErrCorrupt = errors.New("disk queue record corrupt")
)

// Queue is a FIFO queue of records. Its contents do not survive Close: each
// queue lives in its own temporary directory.
type Queue struct {
	dir         string
	segmentSize int64

	mu       sync.Mutex
	segments []*segment
	next     uint64
	length   int
	bytes    int64
	closed   bool
}

type segment struct {
	path     string
	file     *os.File
	readOff  int64
	writeOff int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithSegmentSize overrides DefaultSegmentSize.
func WithSegmentSize(size int64) Option {
	return func(q *Queue) {
		q.segmentSize = size
	}
}

// Open creates an empty queue below parent.
func Open(parent string, opts ...Option) (*Queue, error) {
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return nil, fmt.Errorf("open disk queue: %w", err)
	}

	dir, err := os.MkdirTemp(parent, "queue-")
	if err != nil {
		return nil, fmt.Errorf("open disk queue: %w", err)
	}

	q := &Queue{dir: dir, segmentSize: DefaultSegmentSize}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Dir returns the directory holding the queue's segments.
func (q *Queue) Dir() string {
	return q.dir
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Bytes returns the payload size of all queued records.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Push appends a record to the tail of the queue.
func (q *Queue) Push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	tail, err := q.tail()
	if err != nil {
		return err
	}

	record := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(record[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(data))
	copy(record[headerSize:], data)

	if _, err := tail.file.WriteAt(record, tail.writeOff); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	tail.writeOff += int64(len(record))

	q.length++
	q.bytes += int64(len(data))
	return nil
}

// tail returns the segment new records are written to, starting a new one
// if the current one is full.
func (q *Queue) tail() (*segment, error) {
	if n := len(q.segments); n > 0 && q.segments[n-1].writeOff < q.segmentSize {
		return q.segments[n-1], nil
	}

	path := filepath.Join(q.dir, fmt.Sprintf("%016d.seg", q.next))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	q.next++

	s := &segment{path: path, file: file}
	q.segments = append(q.segments, s)
	return s, nil
}

// Pop removes the record at the head of the queue. ok is false if the queue
// is empty.
func (q *Queue) Pop() (data []byte, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, ErrClosed
	}

	for len(q.segments) > 0 {
		head := q.segments[0]
		if head.readOff < head.writeOff {
			break
		}
		if len(q.segments) == 1 {
			return nil, false, nil
		}
		if err := head.remove(); err != nil {
			return nil, false, err
		}
		q.segments = q.segments[1:]
	}
	if len(q.segments) == 0 {
		return nil, false, nil
	}

	head := q.segments[0]
	header := make([]byte, headerSize)
	if _, err := head.file.ReadAt(header, head.readOff); err != nil {
		return nil, false, fmt.Errorf("pop: %w", err)
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if head.readOff+headerSize+int64(size) > head.writeOff {
		return nil, false, fmt.Errorf("%w: record of %d bytes exceeds segment %s", ErrCorrupt, size, head.path)
	}

	data = make([]byte, size)
	if _, err := head.file.ReadAt(data, head.readOff+headerSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("pop: %w", err)
	}
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(header[4:8]) {
		return nil, false, fmt.Errorf("%w: checksum mismatch in %s at offset %d", ErrCorrupt, head.path, head.readOff)
	}

	head.readOff += headerSize + int64(size)
	q.length--
	q.bytes -= int64(size)
	return data, true, nil
}

// Close discards the queue and its directory.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	for _, s := range q.segments {
		_ = s.file.Close()
	}
	q.segments = nil
	return os.RemoveAll(q.dir)
}

func (s *segment) remove() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("remove segment: %w", err)
	}
	return nil
}
