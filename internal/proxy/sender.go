package proxy

import "net/netip"

// Sender transmits on behalf of the proxy: kernel-level multicast group
// membership on an interface (join/leave) and outgoing general queries.
// Implementations live in internal/sender; tests substitute fakes.
//
// A Sender is shared by all queriers of a process and must tolerate the
// cooperative single-event-loop calling pattern (no reentrancy).
type Sender interface {
	// SendReport subscribes the interface to the group.
	SendReport(ifIndex int, group netip.Addr) error
	// SendLeave drops the interface's subscription to the group.
	SendLeave(ifIndex int, group netip.Addr) error
	// SendGeneralQuery transmits a general membership query on the interface.
	SendGeneralQuery(ifIndex int) error
}
