// Package timestamp contains the per-branch write counter and the
// minimum-timestamp enforcer used to admit reads.
package timestamp

import (
	"fmt"
	"strconv"
)

// Timestamp counts the writes applied on a branch. The zero value is the
// state before any write.
type Timestamp uint64

// Zero is the initial timestamp of every branch.
const Zero Timestamp = 0

// Next returns the timestamp following t.
func (t Timestamp) Next() Timestamp {
	return t + 1
}

// Prev returns the timestamp preceding t. It panics when called on Zero.
func (t Timestamp) Prev() Timestamp {
	if t == Zero {
		panic("timestamp: predecessor of zero timestamp")
	}
	return t - 1
}

func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Max returns the larger of the two timestamps.
func Max(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of the two timestamps.
func Min(a, b Timestamp) Timestamp {
	if a < b {
		return a
	}
	return b
}

// Transition brackets the effect of a single write.
type Transition struct {
	Before Timestamp `json:"before"`
	After  Timestamp `json:"after"`
}

// NewTransition returns the transition starting at before.
func NewTransition(before Timestamp) Transition {
	return Transition{Before: before, After: before.Next()}
}

// Valid reports whether After directly follows Before.
func (t Transition) Valid() bool {
	return t.After == t.Before.Next()
}

func (t Transition) String() string {
	return fmt.Sprintf("%d->%d", t.Before, t.After)
}
