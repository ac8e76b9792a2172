package pickle

import (
	"fmt"
	"sort"

	"github.com/aristanetworks/gomap"
)

// pyset is the shared backing store for Set and FrozenSet, keyed with the
// same Python-consistent equality/hash pair Dict uses, so e.g. int64(1) and
// float64(1.0) collapse to the same set member.
type pyset struct {
	m *gomap.Map[any, struct{}]
}

func newPyset(size int) *pyset {
	return &pyset{m: gomap.NewHint[any, struct{}](size, equal, hash)}
}

func (s *pyset) add(item any) {
	s.m.Set(item, struct{}{})
}

func (s *pyset) len() int {
	if s == nil {
		return 0
	}
	return s.m.Len()
}

func (s *pyset) has(item any) bool {
	if s == nil {
		return false
	}
	_, ok := s.m.Get(item)
	return ok
}

func (s *pyset) iter(yield func(item any) bool) {
	if s == nil {
		return
	}
	it := s.m.Iter()
	for it.Next() {
		if !yield(it.Key()) {
			return
		}
	}
}

// NewSet returns a new mutable set containing items.
func NewSet(items ...any) Set {
	s := newPyset(len(items))
	for _, it := range items {
		s.add(it)
	}
	return Set{m: s}
}

// NewFrozenSet returns a new frozenset containing items.
func NewFrozenSet(items ...any) FrozenSet {
	s := newPyset(len(items))
	for _, it := range items {
		s.add(it)
	}
	return FrozenSet{m: s}
}

// Add inserts item into the set, doing nothing if an equal item is already
// present. Add panics if s is the zero Set.
func (s Set) Add(item any) { s.m.add(item) }

// Len returns the number of items in the set.
func (s Set) Len() int { return s.m.len() }

// Has reports whether an equal item is present in the set.
func (s Set) Has(item any) bool { return s.m.has(item) }

// Iter calls yield for every item; iteration order is arbitrary.
func (s Set) Iter(yield func(item any) bool) { s.m.iter(yield) }

func (s Set) String() string { return sprintSet("set", s.m) }

// Len returns the number of items in the frozenset.
func (s FrozenSet) Len() int { return s.m.len() }

// Has reports whether an equal item is present in the frozenset.
func (s FrozenSet) Has(item any) bool { return s.m.has(item) }

// Iter calls yield for every item; iteration order is arbitrary.
func (s FrozenSet) Iter(yield func(item any) bool) { s.m.iter(yield) }

func (s FrozenSet) String() string { return sprintSet("frozenset", s.m) }

func sprintSet(name string, m *pyset) string {
	items := make([]string, 0, m.len())
	m.iter(func(item any) bool {
		items = append(items, fmt.Sprintf("%v", item))
		return true
	})
	sort.Strings(items)

	s := name + "({"
	for i, it := range items {
		if i > 0 {
			s += ", "
		}
		s += it
	}
	s += "})"
	return s
}

func eq_Set_Set(a, b *pyset) bool {
	if a.len() != b.len() {
		return false
	}
	eq := true
	a.iter(func(item any) bool {
		if !b.has(item) {
			eq = false
			return false
		}
		return true
	})
	return eq
}
