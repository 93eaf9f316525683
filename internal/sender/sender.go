// Package sender implements the proxy.Sender contract on raw protocol
// sockets: kernel-level multicast group membership per interface and
// outgoing general membership queries.
package sender

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/mcproxy/internal/mcast"
	"firestige.xyz/mcproxy/internal/metrics"
	"firestige.xyz/mcproxy/internal/proxy"
)

const igmpProtocol = 2

// Sender owns the raw socket of one protocol family and implements
// proxy.Sender on it. The same socket is shared with the receiver for
// inbound reports, so joins issued here deliver traffic there.
type Sender struct {
	version mcast.ProtocolVersion
	timers  *proxy.TimersValues

	// Joins and query writes can come from several instances; the conns
	// themselves are safe but the write path mutates per-packet state.
	mu sync.Mutex

	v4conn net.PacketConn
	v4     *ipv4.RawConn

	v6conn *icmp.PacketConn
	v6     *ipv6.PacketConn
}

// New opens the family's raw socket and prepares it for both sending and
// receiving. Requires CAP_NET_RAW.
func New(version mcast.ProtocolVersion, timers *proxy.TimersValues) (*Sender, error) {
	s := &Sender{version: version, timers: timers}

	switch version {
	case mcast.IGMPv3:
		conn, err := net.ListenPacket(fmt.Sprintf("ip4:%d", igmpProtocol), "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("open igmp raw socket: %w", err)
		}
		raw, err := ipv4.NewRawConn(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("wrap igmp raw socket: %w", err)
		}
		if err := raw.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable interface control messages: %w", err)
		}
		s.v4conn = conn
		s.v4 = raw

	case mcast.MLDv2:
		conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
		if err != nil {
			return nil, fmt.Errorf("open icmpv6 socket: %w", err)
		}
		p := conn.IPv6PacketConn()
		var f ipv6.ICMPFilter
		f.SetAll(true)
		f.Accept(ipv6.ICMPTypeMulticastListenerReport)
		f.Accept(ipv6.ICMPTypeMulticastListenerDone)
		f.Accept(ipv6.ICMPTypeVersion2MulticastListenerReport)
		if err := p.SetICMPFilter(&f); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set icmpv6 filter: %w", err)
		}
		if err := p.SetControlMessage(ipv6.FlagInterface, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable interface control messages: %w", err)
		}
		s.v6conn = conn
		s.v6 = p

	default:
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	return s, nil
}

// Close releases the raw socket.
func (s *Sender) Close() error {
	if s.v4conn != nil {
		return s.v4conn.Close()
	}
	if s.v6conn != nil {
		return s.v6conn.Close()
	}
	return nil
}

// RawConn exposes the IPv4 raw connection for the receive loop; nil for an
// MLD sender.
func (s *Sender) RawConn() *ipv4.RawConn { return s.v4 }

// PacketConn exposes the IPv6 packet connection for the receive loop; nil
// for an IGMP sender.
func (s *Sender) PacketConn() *ipv6.PacketConn { return s.v6 }

// SendReport subscribes the interface to the group.
func (s *Sender) SendReport(ifIndex int, group netip.Addr) error {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		metrics.SenderErrorsTotal.WithLabelValues("join").Inc()
		return fmt.Errorf("interface %d: %w", ifIndex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addr := &net.IPAddr{IP: group.AsSlice()}
	if s.v4 != nil {
		err = s.v4.JoinGroup(ifi, addr)
	} else {
		err = s.v6.JoinGroup(ifi, addr)
	}
	if err != nil {
		metrics.SenderErrorsTotal.WithLabelValues("join").Inc()
		return fmt.Errorf("join %s on %s: %w", group, ifi.Name, err)
	}
	slog.Debug("joined group", "interface", ifi.Name, "group", group.String())
	return nil
}

// SendLeave drops the interface's subscription to the group.
func (s *Sender) SendLeave(ifIndex int, group netip.Addr) error {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		metrics.SenderErrorsTotal.WithLabelValues("leave").Inc()
		return fmt.Errorf("interface %d: %w", ifIndex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addr := &net.IPAddr{IP: group.AsSlice()}
	if s.v4 != nil {
		err = s.v4.LeaveGroup(ifi, addr)
	} else {
		err = s.v6.LeaveGroup(ifi, addr)
	}
	if err != nil {
		metrics.SenderErrorsTotal.WithLabelValues("leave").Inc()
		return fmt.Errorf("leave %s on %s: %w", group, ifi.Name, err)
	}
	slog.Debug("left group", "interface", ifi.Name, "group", group.String())
	return nil
}

// SendGeneralQuery transmits a general membership query on the interface.
func (s *Sender) SendGeneralQuery(ifIndex int) error {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		metrics.SenderErrorsTotal.WithLabelValues("query").Inc()
		return fmt.Errorf("interface %d: %w", ifIndex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.v4 != nil {
		err = s.sendIGMPGeneralQuery(ifi)
	} else {
		err = s.sendMLDGeneralQuery(ifi)
	}
	if err != nil {
		metrics.SenderErrorsTotal.WithLabelValues("query").Inc()
		return err
	}
	slog.Debug("sent general query", "interface", ifi.Name, "version", s.version.String())
	return nil
}

func (s *Sender) sendIGMPGeneralQuery(ifi *net.Interface) error {
	payload := encodeIGMPv3GeneralQuery(s.timers)
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen + 4, // router alert option
		TOS:      0xc0,
		TotalLen: ipv4.HeaderLen + 4 + len(payload),
		TTL:      1,
		Protocol: igmpProtocol,
		Dst:      net.IPv4(224, 0, 0, 1),
		Options:  []byte{0x94, 0x04, 0x00, 0x00}, // router alert (RFC 3376 §4)
	}
	cm := &ipv4.ControlMessage{IfIndex: ifi.Index}
	if err := s.v4.WriteTo(hdr, payload, cm); err != nil {
		return fmt.Errorf("send igmp general query on %s: %w", ifi.Name, err)
	}
	return nil
}

func (s *Sender) sendMLDGeneralQuery(ifi *net.Interface) error {
	payload := encodeMLDv2GeneralQuery(s.timers)
	if err := s.v6.SetMulticastHopLimit(1); err != nil {
		return fmt.Errorf("set hop limit: %w", err)
	}
	cm := &ipv6.ControlMessage{IfIndex: ifi.Index}
	dst := &net.IPAddr{IP: mcast.IPv6AllNodesLinkLocal.AsSlice(), Zone: ifi.Name}
	if _, err := s.v6.WriteTo(payload, cm, dst); err != nil {
		return fmt.Errorf("send mld general query on %s: %w", ifi.Name, err)
	}
	return nil
}

var _ proxy.Sender = (*Sender)(nil)
