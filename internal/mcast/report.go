package mcast

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Record is one multicast address record of a decoded listener report.
type Record struct {
	Type    RecordType
	Group   netip.Addr
	Sources SourceList
}

func (r Record) String() string {
	return fmt.Sprintf("%s gaddr: %s saddrs: %s", r.Type, r.Group, r.Sources)
}

// Report is a decoded IGMPv3 membership report or MLDv2 listener report.
// Version is the report version found on the wire; older-version reports
// are surfaced with an empty record list so the caller can count them.
type Report struct {
	Version ProtocolVersion
	Records []Record
}

// ParseIGMP decodes an IGMP payload (the IP payload, starting at the IGMP
// type octet). Membership queries and IGMPv1/v2 reports yield a nil Report;
// only IGMPv3 membership reports carry records the querier consumes.
func ParseIGMP(payload []byte) (*Report, error) {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeIGMP, gopacket.Lazy)
	if err := pkt.ErrorLayer(); err != nil {
		return nil, fmt.Errorf("decode igmp: %w", err.Error())
	}

	igmp, ok := pkt.Layer(layers.LayerTypeIGMP).(*layers.IGMP)
	if !ok {
		// IGMPv1/v2 message or a query echoed back to us. Nothing for the
		// querier core in either case.
		return nil, nil
	}
	if igmp.Type != layers.IGMPMembershipReportV3 {
		return nil, nil
	}

	report := &Report{Version: IGMPv3}
	for _, gr := range igmp.GroupRecords {
		rec, err := recordFromIGMP(gr)
		if err != nil {
			return nil, err
		}
		report.Records = append(report.Records, rec)
	}
	return report, nil
}

func recordFromIGMP(gr layers.IGMPv3GroupRecord) (Record, error) {
	rt, err := recordTypeFromWire(uint8(gr.Type))
	if err != nil {
		return Record{}, err
	}
	group, err := addrFromIP(gr.MulticastAddress)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Type: rt, Group: group}
	for _, src := range gr.SourceAddresses {
		a, err := addrFromIP(src)
		if err != nil {
			return Record{}, err
		}
		rec.Sources.Add(a)
	}
	return rec, nil
}

// ParseMLD decodes an ICMPv6 message body (starting at the ICMPv6 type
// octet). MLDv1 messages and queries yield a nil Report.
func ParseMLD(payload []byte) (*Report, error) {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeICMPv6, gopacket.Lazy)
	if err := pkt.ErrorLayer(); err != nil {
		return nil, fmt.Errorf("decode icmpv6: %w", err.Error())
	}

	mld, ok := pkt.Layer(layers.LayerTypeMLDv2MulticastListenerReport).(*layers.MLDv2MulticastListenerReportMessage)
	if !ok {
		return nil, nil
	}

	report := &Report{Version: MLDv2}
	for _, mar := range mld.MulticastAddressRecords {
		rt, err := recordTypeFromWire(uint8(mar.RecordType))
		if err != nil {
			return nil, err
		}
		group, err := addrFromIP(mar.MulticastAddress)
		if err != nil {
			return nil, err
		}
		rec := Record{Type: rt, Group: group}
		for _, src := range mar.SourceAddresses {
			a, err := addrFromIP(src)
			if err != nil {
				return nil, err
			}
			rec.Sources.Add(a)
		}
		report.Records = append(report.Records, rec)
	}
	return report, nil
}

func recordTypeFromWire(t uint8) (RecordType, error) {
	if t < uint8(ModeIsInclude) || t > uint8(BlockOldSources) {
		return 0, fmt.Errorf("unknown multicast record type %d", t)
	}
	return RecordType(t), nil
}

func addrFromIP(ip net.IP) (netip.Addr, error) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("invalid address %v", ip)
	}
	return a.Unmap(), nil
}
