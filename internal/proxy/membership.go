package proxy

import (
	"net/netip"
	"sort"
	"strings"

	"firestige.xyz/mcproxy/internal/mcast"
)

// GroupInfo is the router-side state of one multicast group.
//
// In INCLUDE mode IncludeRequestedList holds the wanted sources and
// ExcludeList is empty. In EXCLUDE mode ExcludeList holds the refused
// sources and IncludeRequestedList the sources explicitly requested back
// despite the exclude base. FilterTimer references the currently
// authoritative filter timer, if any.
type GroupInfo struct {
	FilterMode           mcast.FilterMode
	IncludeRequestedList mcast.SourceList
	ExcludeList          mcast.SourceList
	FilterTimer          *FilterTimer
}

// A fresh group starts as INCLUDE with an empty source list.
func newNeutralGroupInfo() *GroupInfo {
	return &GroupInfo{FilterMode: mcast.Include}
}

// Membership is the group's contribution to upstream aggregation: the filter
// mode plus the relevant source set (requested list in INCLUDE mode, exclude
// list in EXCLUDE mode).
func (g *GroupInfo) Membership() MemSourceState {
	if g.FilterMode == mcast.Include {
		return MemSourceState{Mode: mcast.Include, Sources: g.IncludeRequestedList.Clone()}
	}
	return MemSourceState{Mode: mcast.Exclude, Sources: g.ExcludeList.Clone()}
}

func (g *GroupInfo) String() string {
	var b strings.Builder
	b.WriteString("filter mode: ")
	b.WriteString(g.FilterMode.String())
	b.WriteString(", requested list: ")
	b.WriteString(g.IncludeRequestedList.String())
	if g.FilterMode == mcast.Exclude {
		b.WriteString(", exclude list: ")
		b.WriteString(g.ExcludeList.String())
	}
	if g.FilterTimer != nil {
		b.WriteString(", ")
		b.WriteString(g.FilterTimer.String())
	}
	return b.String()
}

// MembershipDb maps group addresses to listener state on one interface.
// Structural invariants between entries are enforced by the owning Querier;
// the database itself only guarantees key uniqueness.
type MembershipDb struct {
	CompatibilityModeVariable mcast.ProtocolVersion
	IsQuerier                 bool

	groups map[netip.Addr]*GroupInfo
}

// NewMembershipDb creates an empty database for the protocol version.
func NewMembershipDb(version mcast.ProtocolVersion) *MembershipDb {
	return &MembershipDb{
		CompatibilityModeVariable: version,
		groups:                    make(map[netip.Addr]*GroupInfo),
	}
}

// Lookup returns the entry for group, or nil.
func (db *MembershipDb) Lookup(group netip.Addr) *GroupInfo {
	return db.groups[group]
}

// InsertNeutral adds (or returns the existing) entry for group in the
// neutral INCLUDE-with-empty-list state.
func (db *MembershipDb) InsertNeutral(group netip.Addr) *GroupInfo {
	if info, ok := db.groups[group]; ok {
		return info
	}
	info := newNeutralGroupInfo()
	db.groups[group] = info
	return info
}

// Erase removes the entry for group.
func (db *MembershipDb) Erase(group netip.Addr) {
	delete(db.groups, group)
}

// Len returns the number of tracked groups.
func (db *MembershipDb) Len() int { return len(db.groups) }

// Groups returns the tracked group addresses in ascending order.
func (db *MembershipDb) Groups() []netip.Addr {
	out := make([]netip.Addr, 0, len(db.groups))
	for g := range db.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (db *MembershipDb) String() string {
	var b strings.Builder
	b.WriteString("compatibility mode: ")
	b.WriteString(db.CompatibilityModeVariable.String())
	if db.IsQuerier {
		b.WriteString(", role: querier")
	} else {
		b.WriteString(", role: non-querier")
	}
	b.WriteByte('\n')
	for _, g := range db.Groups() {
		b.WriteString("group: ")
		b.WriteString(g.String())
		b.WriteString(" | ")
		b.WriteString(db.groups[g].String())
		b.WriteByte('\n')
	}
	return b.String()
}
