// Package progress estimates how far a backfill got.
package progress

import "sync"

// Source reports the progress of one range walk. ok is false while the
// source cannot estimate its progress.
type Source interface {
	Progress() (released, total uint64, ok bool)
}

// Counter is a Source updated by a range walk. It is invalid until the first
// report.
type Counter struct {
	mu       sync.Mutex
	released uint64
	total    uint64
	valid    bool
}

// Report records that released out of total nodes have been traversed.
func (c *Counter) Report(released, total uint64) {
	if released > total {
		panic("progress: released more nodes than there are")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.released, c.total, c.valid = released, total, true
}

// Progress implements Source.
func (c *Counter) Progress() (uint64, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released, c.total, c.valid
}

// Combiner sums the progress of parallel range walks into a single
// fraction. It only serves monitoring.
type Combiner struct {
	mu      sync.Mutex
	sources []Source
	best    float64
}

// Add registers another source.
func (c *Combiner) Add(s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

// Guess returns the completed fraction of the backfill. ok is false if there
// are no sources or any of them cannot estimate its progress, since a
// partial sum would be misleading. The returned fraction never decreases,
// even when a source revises its total upwards.
func (c *Combiner) Guess() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sources) == 0 {
		return 0, false
	}

	var released, total uint64
	for _, s := range c.sources {
		r, t, ok := s.Progress()
		if !ok {
			return 0, false
		}
		released += r
		total += t
	}

	fraction := 1.0
	if total > 0 {
		fraction = float64(released) / float64(total)
	}
	if fraction > c.best {
		c.best = fraction
	}
	return c.best, true
}
