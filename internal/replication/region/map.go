package region

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry associates a value with every key of a region.
type Entry[V any] struct {
	Region Region `json:"region"`
	Value  V      `json:"value"`
}

// Map assigns a value to every key of its domain. Entries never overlap and
// are kept sorted by key. The zero value is an empty map.
type Map[V any] struct {
	entries []Entry[V]
}

// NewMap returns a map assigning v to every key of r.
func NewMap[V any](r Region, v V) Map[V] {
	if r.IsEmpty() {
		return Map[V]{}
	}
	return Map[V]{entries: []Entry[V]{{Region: r, Value: v}}}
}

// FromEntries builds a map out of non-overlapping entries.
func FromEntries[V any](entries []Entry[V]) (Map[V], error) {
	m := Map[V]{}
	for _, e := range entries {
		if e.Region.IsEmpty() {
			continue
		}
		for _, existing := range m.entries {
			if existing.Region.Overlaps(e.Region) {
				return Map[V]{}, fmt.Errorf("region %s overlaps %s", e.Region, existing.Region)
			}
		}
		m.entries = append(m.entries, e)
	}
	m.sort()
	return m, nil
}

func (m *Map[V]) sort() {
	sort.Slice(m.entries, func(i, j int) bool {
		return less(m.entries[i].Region, m.entries[j].Region)
	})
}

// Len returns the number of entries.
func (m Map[V]) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries in key order.
func (m Map[V]) Entries() []Entry[V] {
	return append([]Entry[V](nil), m.entries...)
}

// IsContiguous reports whether the entries cover a single region without
// holes.
func (m Map[V]) IsContiguous() bool {
	for i := 1; i < len(m.entries); i++ {
		prev := m.entries[i-1].Region
		if prev.Unbounded || prev.End != m.entries[i].Region.Start {
			return false
		}
	}
	return true
}

// Domain returns the region covered by the map. The map's entries must be
// contiguous.
func (m Map[V]) Domain() Region {
	if len(m.entries) == 0 {
		return Region{}
	}
	domain := m.entries[0].Region
	for _, e := range m.entries[1:] {
		if e.Region.Start != domain.End || domain.Unbounded {
			panic(fmt.Sprintf("region: map is not contiguous at %s", e.Region))
		}
		domain.End = e.Region.End
		domain.Unbounded = e.Region.Unbounded
	}
	return domain
}

// Covers reports whether every key of r has a value.
func (m Map[V]) Covers(r Region) bool {
	remaining := []Region{r}
	for _, e := range m.entries {
		var next []Region
		for _, rest := range remaining {
			next = append(next, rest.Subtract(e.Region)...)
		}
		remaining = next
	}
	return len(remaining) == 0
}

// Lookup returns the value assigned to key.
func (m Map[V]) Lookup(key string) (V, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		e := m.entries[i].Region
		return !e.Unbounded && e.End > key || e.Unbounded
	})
	if i < len(m.entries) && m.entries[i].Region.Contains(key) {
		return m.entries[i].Value, true
	}
	var zero V
	return zero, false
}

// Mask returns the part of the map within r.
func (m Map[V]) Mask(r Region) Map[V] {
	var result Map[V]
	for _, e := range m.entries {
		if overlap := e.Region.Intersect(r); !overlap.IsEmpty() {
			result.entries = append(result.entries, Entry[V]{Region: overlap, Value: e.Value})
		}
	}
	return result
}

// Set assigns v to every key of r, replacing what was assigned before.
func (m *Map[V]) Set(r Region, v V) {
	if r.IsEmpty() {
		return
	}

	entries := make([]Entry[V], 0, len(m.entries)+2)
	for _, e := range m.entries {
		for _, rest := range e.Region.Subtract(r) {
			entries = append(entries, Entry[V]{Region: rest, Value: e.Value})
		}
	}
	m.entries = append(entries, Entry[V]{Region: r, Value: v})
	m.sort()
}

// Update overwrites the map with every entry of other.
func (m *Map[V]) Update(other Map[V]) {
	for _, e := range other.entries {
		m.Set(e.Region, e.Value)
	}
}

// Visit calls fn for every entry in key order.
func (m Map[V]) Visit(fn func(Region, V)) {
	for _, e := range m.entries {
		fn(e.Region, e.Value)
	}
}

// Compact merges adjacent entries whose values are equal.
func (m Map[V]) Compact(equal func(a, b V) bool) Map[V] {
	var result Map[V]
	for _, e := range m.entries {
		n := len(result.entries)
		if n > 0 {
			last := &result.entries[n-1]
			if !last.Region.Unbounded && last.Region.End == e.Region.Start && equal(last.Value, e.Value) {
				last.Region.End = e.Region.End
				last.Region.Unbounded = e.Region.Unbounded
				continue
			}
		}
		result.entries = append(result.entries, e)
	}
	return result
}

// Transform maps every value of m through fn.
func Transform[V, W any](m Map[V], fn func(Region, V) W) Map[W] {
	result := Map[W]{entries: make([]Entry[W], 0, len(m.entries))}
	for _, e := range m.entries {
		result.entries = append(result.entries, Entry[W]{Region: e.Region, Value: fn(e.Region, e.Value)})
	}
	return result
}

// MarshalJSON encodes the map as its list of entries.
func (m Map[V]) MarshalJSON() ([]byte, error) {
	if m.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.entries)
}

// UnmarshalJSON decodes a list of entries.
func (m *Map[V]) UnmarshalJSON(data []byte) error {
	var entries []Entry[V]
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	decoded, err := FromEntries(entries)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

func (m Map[V]) String() string {
	s := "{"
	for i, e := range m.entries {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %v", e.Region, e.Value)
	}
	return s + "}"
}
