// Package fifo establishes a total admission order between concurrent reads
// and writes. A Source hands out tokens in admission order, and any number
// of Sinks replay those tokens in exactly that order no matter in which
// order they arrive.
package fifo

import (
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
)

// State is a position in the token sequence. It can be used to bootstrap a
// sink that only receives tokens issued after the state was taken.
type State struct {
	Timestamp timestamp.Timestamp `json:"timestamp"`
	NumReads  uint64              `json:"num_reads"`
}

// ReadToken admits a single read. Index numbers the reads admitted at the
// same timestamp, starting at one.
type ReadToken struct {
	Timestamp timestamp.Timestamp `json:"timestamp"`
	Index     uint64              `json:"index"`
}

// WriteToken admits a single write. NumPrecedingReads is the number of reads
// admitted since the preceding write, all of which must leave the sink before
// the write may enter it.
type WriteToken struct {
	Timestamp         timestamp.Transition `json:"timestamp"`
	NumPrecedingReads uint64               `json:"num_preceding_reads"`
}

func (t WriteToken) String() string {
	return fmt.Sprintf("write(%s, reads=%d)", t.Timestamp, t.NumPrecedingReads)
}

// Source issues admission tokens. The zero value is ready to use and starts
// at the zero state.
type Source struct {
	mu    sync.Mutex
	state State
}

// NewSource returns a source continuing from the given state.
func NewSource(initial State) *Source {
	return &Source{state: initial}
}

// EnterRead admits a read. Reads admitted concurrently may share a
// timestamp.
func (s *Source) EnterRead() ReadToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.NumReads++
	return ReadToken{Timestamp: s.state.Timestamp, Index: s.state.NumReads}
}

// EnterWrite admits a write and advances the write counter.
func (s *Source) EnterWrite() WriteToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := WriteToken{
		Timestamp:         timestamp.NewTransition(s.state.Timestamp),
		NumPrecedingReads: s.state.NumReads,
	}
	s.state = State{Timestamp: token.Timestamp.After}
	return token
}

// State returns a snapshot of the source's position.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
