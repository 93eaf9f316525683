package mcast

import (
	"net/netip"
	"sort"
	"strings"
)

// SourceList is a set of multicast source addresses. Storage is a sorted,
// deduplicated slice: membership sets are small (rarely more than a few
// dozen sources) and the transition algebra reduces to linear merges, while
// diagnostic output stays in a stable order.
//
// The zero value is the empty set. Union, Intersect and Subtract mutate the
// receiver because the querier transition rules operate on the sets in
// place; use Clone first when the original must survive.
type SourceList struct {
	addrs []netip.Addr
}

// NewSourceList builds a set from the given addresses.
func NewSourceList(addrs ...netip.Addr) SourceList {
	var s SourceList
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add inserts a into the set.
func (s *SourceList) Add(a netip.Addr) {
	i := sort.Search(len(s.addrs), func(i int) bool { return s.addrs[i].Compare(a) >= 0 })
	if i < len(s.addrs) && s.addrs[i] == a {
		return
	}
	s.addrs = append(s.addrs, netip.Addr{})
	copy(s.addrs[i+1:], s.addrs[i:])
	s.addrs[i] = a
}

// Remove deletes a from the set if present.
func (s *SourceList) Remove(a netip.Addr) {
	i := sort.Search(len(s.addrs), func(i int) bool { return s.addrs[i].Compare(a) >= 0 })
	if i < len(s.addrs) && s.addrs[i] == a {
		s.addrs = append(s.addrs[:i], s.addrs[i+1:]...)
	}
}

// Contains reports whether a is in the set.
func (s SourceList) Contains(a netip.Addr) bool {
	i := sort.Search(len(s.addrs), func(i int) bool { return s.addrs[i].Compare(a) >= 0 })
	return i < len(s.addrs) && s.addrs[i] == a
}

// Empty reports whether the set has no elements.
func (s SourceList) Empty() bool { return len(s.addrs) == 0 }

// Len returns the number of elements.
func (s SourceList) Len() int { return len(s.addrs) }

// Clear removes all elements.
func (s *SourceList) Clear() { s.addrs = s.addrs[:0] }

// Clone returns an independent copy of the set.
func (s SourceList) Clone() SourceList {
	out := SourceList{addrs: make([]netip.Addr, len(s.addrs))}
	copy(out.addrs, s.addrs)
	return out
}

// Addrs returns the elements in ascending order. The slice is shared with
// the set and must not be modified.
func (s SourceList) Addrs() []netip.Addr { return s.addrs }

// Equal reports whether both sets contain the same elements.
func (s SourceList) Equal(o SourceList) bool {
	if len(s.addrs) != len(o.addrs) {
		return false
	}
	for i := range s.addrs {
		if s.addrs[i] != o.addrs[i] {
			return false
		}
	}
	return true
}

// Union replaces the receiver with s ∪ o.
func (s *SourceList) Union(o SourceList) {
	merged := make([]netip.Addr, 0, len(s.addrs)+len(o.addrs))
	i, j := 0, 0
	for i < len(s.addrs) && j < len(o.addrs) {
		switch c := s.addrs[i].Compare(o.addrs[j]); {
		case c < 0:
			merged = append(merged, s.addrs[i])
			i++
		case c > 0:
			merged = append(merged, o.addrs[j])
			j++
		default:
			merged = append(merged, s.addrs[i])
			i++
			j++
		}
	}
	merged = append(merged, s.addrs[i:]...)
	merged = append(merged, o.addrs[j:]...)
	s.addrs = merged
}

// Intersect replaces the receiver with s ∩ o.
func (s *SourceList) Intersect(o SourceList) {
	out := s.addrs[:0]
	i, j := 0, 0
	for i < len(s.addrs) && j < len(o.addrs) {
		switch c := s.addrs[i].Compare(o.addrs[j]); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			out = append(out, s.addrs[i])
			i++
			j++
		}
	}
	s.addrs = out
}

// Subtract replaces the receiver with s − o.
func (s *SourceList) Subtract(o SourceList) {
	out := s.addrs[:0]
	i, j := 0, 0
	for i < len(s.addrs) {
		if j >= len(o.addrs) {
			out = append(out, s.addrs[i])
			i++
			continue
		}
		switch c := s.addrs[i].Compare(o.addrs[j]); {
		case c < 0:
			out = append(out, s.addrs[i])
			i++
		case c > 0:
			j++
		default:
			i++
			j++
		}
	}
	s.addrs = out
}

// UnionOf returns a ∪ b without touching the operands.
func UnionOf(a, b SourceList) SourceList {
	out := a.Clone()
	out.Union(b)
	return out
}

// IntersectOf returns a ∩ b without touching the operands.
func IntersectOf(a, b SourceList) SourceList {
	out := a.Clone()
	out.Intersect(b)
	return out
}

// SubtractOf returns a − b without touching the operands.
func SubtractOf(a, b SourceList) SourceList {
	out := a.Clone()
	out.Subtract(b)
	return out
}

// ContainsWildcard reports whether the set holds a wildcard source.
func (s SourceList) ContainsWildcard() bool {
	for _, a := range s.addrs {
		if Wildcard(a) {
			return true
		}
	}
	return false
}

func (s SourceList) String() string {
	if len(s.addrs) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, a := range s.addrs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	b.WriteByte('}')
	return b.String()
}
