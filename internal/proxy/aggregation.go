package proxy

import (
	"fmt"
	"net/netip"

	"firestige.xyz/mcproxy/internal/mcast"
)

// FilterType tags an administrative source filter: a whitelist admits only
// the listed sources, a blacklist admits everything else.
type FilterType int

const (
	Whitelist FilterType = iota
	Blacklist
)

func (f FilterType) String() string {
	switch f {
	case Whitelist:
		return "WHITELIST"
	case Blacklist:
		return "BLACKLIST"
	default:
		return "UNKNOWN"
	}
}

// MemSourceState is a group membership expressed as a filter mode plus the
// source set the mode refers to.
type MemSourceState struct {
	Mode    mcast.FilterMode
	Sources mcast.SourceList
}

func (m MemSourceState) String() string {
	return fmt.Sprintf("%s %s", m.Mode, m.Sources)
}

// Equal reports whether both states describe the same membership.
func (m MemSourceState) Equal(o MemSourceState) bool {
	return m.Mode == o.Mode && m.Sources.Equal(o.Sources)
}

// Listeners reports whether the state admits any source at all. An INCLUDE
// of the empty set admits nothing; every EXCLUDE state admits something.
func (m MemSourceState) Listeners() bool {
	return m.Mode == mcast.Exclude || !m.Sources.Empty()
}

// FilterSourceState is an administrative whitelist or blacklist of sources.
type FilterSourceState struct {
	Type    FilterType
	Sources mcast.SourceList
}

func (f FilterSourceState) String() string {
	return fmt.Sprintf("%s %s", f.Type, f.Sources)
}

// Equal reports whether both filters are identical.
func (f FilterSourceState) Equal(o FilterSourceState) bool {
	return f.Type == o.Type && f.Sources.Equal(o.Sources)
}

// MembershipAggregation folds the group memberships of several queriers and
// an optional administrative filter into a single upstream membership.
type MembershipAggregation struct {
	version mcast.ProtocolVersion
	filter  *FilterSourceState
}

// NewMembershipAggregation creates an aggregation for the protocol version.
// filter may be nil for an unfiltered proxy.
func NewMembershipAggregation(version mcast.ProtocolVersion, filter *FilterSourceState) *MembershipAggregation {
	if filter != nil {
		f := *filter
		f.Sources = filter.Sources.Clone()
		ConvertWildcardFilter(&f)
		filter = &f
	}
	return &MembershipAggregation{version: version, filter: filter}
}

// ConvertWildcardFilter normalizes a filter containing the wildcard source:
// a whitelist of everything is a blacklist of nothing and vice versa.
func ConvertWildcardFilter(f *FilterSourceState) {
	if !f.Sources.ContainsWildcard() {
		return
	}
	if f.Type == Whitelist {
		f.Type = Blacklist
	} else {
		f.Type = Whitelist
	}
	f.Sources.Clear()
}

// MergeGroupMemberships widens to by from: the result admits every source
// either membership admits.
func MergeGroupMemberships(to *MemSourceState, from MemSourceState) {
	switch {
	case to.Mode == mcast.Include && from.Mode == mcast.Include:
		// IN(A) ∪ IN(B) = IN(A+B)
		to.Sources.Union(from.Sources)
	case to.Mode == mcast.Include && from.Mode == mcast.Exclude:
		// IN(A) ∪ EX(B) = EX(B-A)
		to.Mode = mcast.Exclude
		to.Sources = mcast.SubtractOf(from.Sources, to.Sources)
	case to.Mode == mcast.Exclude && from.Mode == mcast.Include:
		// EX(A) ∪ IN(B) = EX(A-B)
		to.Sources.Subtract(from.Sources)
	default:
		// EX(A) ∪ EX(B) = EX(A*B)
		to.Sources.Intersect(from.Sources)
	}
}

// MergeMembershipsFilter narrows to by the filter: the result admits only
// sources both the membership and the filter admit.
func MergeMembershipsFilter(to *MemSourceState, filter FilterSourceState) {
	ConvertWildcardFilter(&filter)
	switch {
	case to.Mode == mcast.Include && filter.Type == Whitelist:
		// IN(A) ∩ WL(W) = IN(A*W)
		to.Sources.Intersect(filter.Sources)
	case to.Mode == mcast.Include && filter.Type == Blacklist:
		// IN(A) ∩ BL(B) = IN(A-B)
		to.Sources.Subtract(filter.Sources)
	case to.Mode == mcast.Exclude && filter.Type == Whitelist:
		// EX(A) ∩ WL(W) = IN(W-A)
		to.Mode = mcast.Include
		to.Sources = mcast.SubtractOf(filter.Sources, to.Sources)
	default:
		// EX(A) ∩ BL(B) = EX(A+B)
		to.Sources.Union(filter.Sources)
	}
}

// MergeMembershipsFilterReminder computes what MergeMembershipsFilter cut
// away: to becomes the membership that was admitted by to but rejected by
// the filter.
func MergeMembershipsFilterReminder(to *MemSourceState, filter FilterSourceState) {
	ConvertWildcardFilter(&filter)
	switch {
	case to.Mode == mcast.Include && filter.Type == Whitelist:
		// reminder of IN(A) vs WL(W) = IN(A-W)
		to.Sources.Subtract(filter.Sources)
	case to.Mode == mcast.Include && filter.Type == Blacklist:
		// reminder of IN(A) vs BL(B) = IN(A*B)
		to.Sources.Intersect(filter.Sources)
	case to.Mode == mcast.Exclude && filter.Type == Whitelist:
		// reminder of EX(A) vs WL(W) = EX(A+W)
		to.Sources.Union(filter.Sources)
	default:
		// reminder of EX(A) vs BL(B) = IN(B-A)
		to.Mode = mcast.Include
		to.Sources = mcast.SubtractOf(filter.Sources, to.Sources)
	}
}

// DisjoinGroupMemberships subtracts from out of to: the result admits only
// sources to admits and from does not.
func DisjoinGroupMemberships(to *MemSourceState, from MemSourceState) {
	switch {
	case to.Mode == mcast.Include && from.Mode == mcast.Include:
		// IN(A) − IN(B) = IN(A-B)
		to.Sources.Subtract(from.Sources)
	case to.Mode == mcast.Include && from.Mode == mcast.Exclude:
		// IN(A) − EX(B) = IN(A*B)
		to.Sources.Intersect(from.Sources)
	case to.Mode == mcast.Exclude && from.Mode == mcast.Include:
		// EX(A) − IN(B) = EX(A+B)
		to.Sources.Union(from.Sources)
	default:
		// EX(A) − EX(B) = IN(A-B)
		to.Mode = mcast.Include
		to.Sources.Subtract(from.Sources)
	}
}

// AggregatedMembership folds the state of every querier for the group and
// applies the administrative filter. The boolean is false when no querier
// tracks the group at all.
func (a *MembershipAggregation) AggregatedMembership(queriers []*Querier, group netip.Addr) (MemSourceState, bool) {
	var agg MemSourceState
	found := false
	for _, q := range queriers {
		info := q.Db().Lookup(group)
		if info == nil {
			continue
		}
		m := info.Membership()
		if !found {
			agg = m
			found = true
			continue
		}
		MergeGroupMemberships(&agg, m)
	}
	if !found {
		return MemSourceState{}, false
	}
	if a.filter != nil {
		MergeMembershipsFilter(&agg, *a.filter)
	}
	return agg, true
}
