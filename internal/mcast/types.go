// Package mcast defines the multicast group-membership vocabulary shared by
// the querier core, the packet receivers and the sender: filter modes,
// report record types, protocol versions and source-address sets.
package mcast

import "net/netip"

// FilterMode is the per-group directive of a membership record: accept only
// the listed sources (Include) or accept everything but the exclude set
// (Exclude).
type FilterMode int

const (
	Include FilterMode = iota
	Exclude
)

func (m FilterMode) String() string {
	switch m {
	case Include:
		return "INCLUDE"
	case Exclude:
		return "EXCLUDE"
	default:
		return "UNKNOWN"
	}
}

// RecordType identifies a multicast address record inside an IGMPv3
// membership report (RFC 3376 §4.2.12) or MLDv2 listener report
// (RFC 3810 §5.2.12). The numeric values match the wire encoding.
type RecordType int

const (
	ModeIsInclude RecordType = iota + 1
	ModeIsExclude
	ChangeToIncludeMode
	ChangeToExcludeMode
	AllowNewSources
	BlockOldSources
)

func (r RecordType) String() string {
	switch r {
	case ModeIsInclude:
		return "MODE_IS_INCLUDE"
	case ModeIsExclude:
		return "MODE_IS_EXCLUDE"
	case ChangeToIncludeMode:
		return "CHANGE_TO_INCLUDE_MODE"
	case ChangeToExcludeMode:
		return "CHANGE_TO_EXCLUDE_MODE"
	case AllowNewSources:
		return "ALLOW_NEW_SOURCES"
	case BlockOldSources:
		return "BLOCK_OLD_SOURCES"
	default:
		return "UNKNOWN_RECORD_TYPE"
	}
}

// ProtocolVersion is the group-membership protocol spoken on an interface.
type ProtocolVersion int

const (
	IGMPv3 ProtocolVersion = iota + 1
	MLDv2
)

func (v ProtocolVersion) String() string {
	switch v {
	case IGMPv3:
		return "IGMPv3"
	case MLDv2:
		return "MLDv2"
	default:
		return "UNKNOWN_VERSION"
	}
}

// Router groups a querier subscribes on its interface.
//
// IGMPv2 RFC 2236 §9: ALL-ROUTERS (224.0.0.2)
// IGMPv3 IANA: IGMP (224.0.0.22)
// MLDv1 RFC 2710 §8: link-scope all-routers (ff02::2), site-scope all-routers (ff05::2)
// MLDv2 RFC 3810 §7: all MLDv2-capable routers (ff02::16)
var (
	IPv4AllRouters    = netip.MustParseAddr("224.0.0.2")
	IPv4IGMPv3Routers = netip.MustParseAddr("224.0.0.22")

	IPv6AllLinkRouters    = netip.MustParseAddr("ff02::2")
	IPv6AllSiteRouters    = netip.MustParseAddr("ff05::2")
	IPv6AllMLDv2Routers   = netip.MustParseAddr("ff02::16")
	IPv6AllNodesLinkLocal = netip.MustParseAddr("ff02::1")
)

// RouterGroups returns the router-side multicast groups for the family of v,
// in the order they are joined on querier startup.
func RouterGroups(v ProtocolVersion) []netip.Addr {
	switch v {
	case IGMPv3:
		return []netip.Addr{IPv4AllRouters, IPv4IGMPv3Routers}
	case MLDv2:
		return []netip.Addr{IPv6AllLinkRouters, IPv6AllSiteRouters, IPv6AllMLDv2Routers}
	default:
		return nil
	}
}

// Wildcard reports whether a is the wildcard source (0.0.0.0 or ::),
// standing for "every source" in administrative filters.
func Wildcard(a netip.Addr) bool {
	return a.IsUnspecified()
}
