package broadcaster

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Selector picks the listener serving a read or responding to a write.
type Selector interface {
	// Select returns one of the readable listeners, of which there is
	// at least one, given in a stable order.
	Select(readable []uuid.UUID) uuid.UUID
}

// Random is the interface of the Go random number generator.
type Random interface {
	// Intn returns a random integer in the range [0,n).
	Intn(n int) int
}

type lockedRandom struct {
	m sync.Mutex
	r Random
}

// NewLockedRandom wraps the passed in Random to make it safe for concurrent use.
func NewLockedRandom(r Random) Random {
	return &lockedRandom{r: r}
}

func (lr *lockedRandom) Intn(n int) int {
	lr.m.Lock()
	defer lr.m.Unlock()
	return lr.r.Intn(n)
}

type randomSelector struct {
	r Random
}

// RandomSelector spreads load by picking a random listener. r must be safe
// for concurrent use; if it is nil, a time-seeded generator is used.
func RandomSelector(r Random) Selector {
	if r == nil {
		r = NewLockedRandom(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	return randomSelector{r: r}
}

func (s randomSelector) Select(readable []uuid.UUID) uuid.UUID {
	return readable[s.r.Intn(len(readable))]
}

type roundRobinSelector struct {
	mu   sync.Mutex
	next int
}

// RoundRobinSelector cycles through the readable listeners.
func RoundRobinSelector() Selector {
	return &roundRobinSelector{}
}

func (s *roundRobinSelector) Select(readable []uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := readable[s.next%len(readable)]
	s.next++
	return id
}

// SelectorByName returns the selector configured by name, defaulting to
// random selection.
func SelectorByName(name string) Selector {
	if name == "round_robin" {
		return RoundRobinSelector()
	}
	return RandomSelector(nil)
}
