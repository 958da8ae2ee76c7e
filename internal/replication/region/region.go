// Package region describes contiguous ranges of keys and maps from regions
// to values.
package region

import (
	"fmt"
	"sort"
)

// Region is the half-open key range [Start, End). When Unbounded is set the
// region extends past every key and End is ignored.
type Region struct {
	Start     string `json:"start"`
	End       string `json:"end,omitempty"`
	Unbounded bool   `json:"unbounded,omitempty"`
}

// Universe returns the region containing every key.
func Universe() Region {
	return Region{Unbounded: true}
}

// New returns the region [start, end).
func New(start, end string) Region {
	return Region{Start: start, End: end}
}

// From returns the region of every key greater or equal to start.
func From(start string) Region {
	return Region{Start: start, Unbounded: true}
}

// IsEmpty reports whether the region contains no key.
func (r Region) IsEmpty() bool {
	return !r.Unbounded && r.End <= r.Start
}

// Contains reports whether key lies within the region.
func (r Region) Contains(key string) bool {
	return key >= r.Start && (r.Unbounded || key < r.End)
}

// endsBefore reports whether r's end is lower than o's end.
func (r Region) endsBefore(o Region) bool {
	if r.Unbounded {
		return false
	}
	return o.Unbounded || r.End < o.End
}

// Intersect returns the keys contained in both regions. The result may be
// empty.
func (r Region) Intersect(o Region) Region {
	result := r
	if o.Start > result.Start {
		result.Start = o.Start
	}
	if o.endsBefore(result) {
		result.End = o.End
		result.Unbounded = false
	}
	if result.IsEmpty() {
		return Region{}
	}
	if result.Unbounded {
		result.End = ""
	}
	return result
}

// Overlaps reports whether the regions share at least one key.
func (r Region) Overlaps(o Region) bool {
	return !r.Intersect(o).IsEmpty()
}

// IsSupersetOf reports whether every key of o is in r.
func (r Region) IsSupersetOf(o Region) bool {
	if o.IsEmpty() {
		return true
	}
	return r.Start <= o.Start && !r.endsBefore(o)
}

// Equal reports whether both regions contain the same keys.
func (r Region) Equal(o Region) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return r.IsEmpty() && o.IsEmpty()
	}
	return r == o
}

// Subtract returns the parts of r not covered by o, in key order.
func (r Region) Subtract(o Region) []Region {
	if r.IsEmpty() {
		return nil
	}

	overlap := r.Intersect(o)
	if overlap.IsEmpty() {
		return []Region{r}
	}

	var result []Region
	if r.Start < overlap.Start {
		result = append(result, Region{Start: r.Start, End: overlap.Start})
	}
	if !overlap.Unbounded {
		rest := r
		rest.Start = overlap.End
		if !rest.IsEmpty() {
			result = append(result, rest)
		}
	}
	return result
}

// Split cuts the region at the given keys. Keys outside of the region are
// ignored.
func (r Region) Split(keys ...string) []Region {
	if r.IsEmpty() {
		return nil
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var result []Region
	current := r
	for _, key := range sorted {
		if key <= current.Start || !current.Contains(key) {
			continue
		}
		result = append(result, Region{Start: current.Start, End: key})
		current.Start = key
	}
	return append(result, current)
}

func (r Region) String() string {
	if r.Unbounded {
		return fmt.Sprintf("[%q, +inf)", r.Start)
	}
	return fmt.Sprintf("[%q, %q)", r.Start, r.End)
}

// less orders regions by their start key.
func less(a, b Region) bool {
	return a.Start < b.Start
}
