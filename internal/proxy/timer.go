package proxy

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// TimerMsgType tags the payloads the Timing service delivers back.
type TimerMsgType int

const (
	FilterTimerMsg TimerMsgType = iota + 1
	GeneralQueryTimerMsg
)

// TimerMsg is an opaque timer payload. The Timing service never inspects it;
// the receiving event loop dispatches on MsgType.
type TimerMsg interface {
	MsgType() TimerMsgType
	IfIndex() int
	String() string
}

// FilterTimer is the group filter timer of RFC 3376 §6.2.2 / RFC 3810 §7.2.2.
// The handle itself carries identity: a membership database entry stores a
// reference to the currently authoritative timer, and a delivered timer is
// only actionable while the entry still points at the very same handle.
// Replacing the reference neutralizes every earlier enrollment.
type FilterTimer struct {
	ifIndex  int
	group    netip.Addr
	duration time.Duration
}

// NewFilterTimer builds a filter timer for the group on the interface,
// scheduled for the given duration.
func NewFilterTimer(ifIndex int, group netip.Addr, duration time.Duration) *FilterTimer {
	return &FilterTimer{ifIndex: ifIndex, group: group, duration: duration}
}

func (t *FilterTimer) MsgType() TimerMsgType { return FilterTimerMsg }
func (t *FilterTimer) IfIndex() int          { return t.ifIndex }

// Group is the multicast address the timer was armed for.
func (t *FilterTimer) Group() netip.Addr { return t.group }

// Duration is the interval the timer was scheduled with.
func (t *FilterTimer) Duration() time.Duration { return t.duration }

func (t *FilterTimer) String() string {
	return fmt.Sprintf("filter timer if %d gaddr %s (%s)", t.ifIndex, t.group, t.duration)
}

// GeneralQueryTimer paces the periodic general queries an instance sends on
// its downstream interfaces.
type GeneralQueryTimer struct {
	ifIndex int
}

// NewGeneralQueryTimer builds a general-query tick for the interface.
func NewGeneralQueryTimer(ifIndex int) *GeneralQueryTimer {
	return &GeneralQueryTimer{ifIndex: ifIndex}
}

func (t *GeneralQueryTimer) MsgType() TimerMsgType { return GeneralQueryTimerMsg }
func (t *GeneralQueryTimer) IfIndex() int          { return t.ifIndex }

func (t *GeneralQueryTimer) String() string {
	return fmt.Sprintf("general query timer if %d", t.ifIndex)
}

// TimerTarget receives timer payloads when they come due. The proxy instance
// implements it by enqueueing onto its event loop.
type TimerTarget interface {
	DeliverTimer(msg TimerMsg)
}

// Timing schedules delayed delivery of timer messages. It is shared by all
// queriers of a process. There is no cancellation: stale deliveries are
// dropped by the receiver's identity check, so a fired or obsolete timer is
// simply forgotten here.
type Timing struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	closed  bool
}

// NewTiming creates the timer service.
func NewTiming() *Timing {
	return &Timing{pending: make(map[uint64]*time.Timer)}
}

// AddTime schedules msg for delivery to target after d.
func (t *Timing) AddTime(d time.Duration, target TimerTarget, msg TimerMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	id := t.nextID
	t.nextID++
	t.pending[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.pending, id)
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			target.DeliverTimer(msg)
		}
	})
}

// Stop drops every pending enrollment. Messages already in flight may still
// be delivered; receivers treat them like any other stale timer.
func (t *Timing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tm := range t.pending {
		tm.Stop()
		delete(t.pending, id)
	}
}
