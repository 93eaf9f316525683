package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"firestige.xyz/mcproxy/internal/mcast"
	"firestige.xyz/mcproxy/internal/metrics"
)

// Querier is the router-side membership state machine for one downstream
// interface: it digests listener reports into the membership database, ages
// the state out with filter timers, and keeps the interface subscribed to
// the router groups of its address family.
//
// A querier is always entered from its owning instance's event loop; it
// performs no locking of its own.
type Querier struct {
	ifIndex int
	db      *MembershipDb
	timers  *TimersValues

	sender Sender
	timing *Timing
	target TimerTarget
}

// NewQuerier creates the querier for an interface, joins the router groups
// of the protocol family and initializes the membership database. The
// target receives the querier's timer messages when they come due.
// Construction fails if any router-group join fails.
func NewQuerier(version mcast.ProtocolVersion, ifIndex int, sender Sender, timing *Timing, timers *TimersValues, target TimerTarget) (*Querier, error) {
	groups := mcast.RouterGroups(version)
	if groups == nil {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	q := &Querier{
		ifIndex: ifIndex,
		db:      NewMembershipDb(version),
		timers:  timers,
		sender:  sender,
		timing:  timing,
		target:  target,
	}
	q.db.IsQuerier = true

	for _, g := range groups {
		if err := sender.SendReport(ifIndex, g); err != nil {
			return nil, fmt.Errorf("failed to subscribe multicast router group %s: %w", g, err)
		}
	}

	return q, nil
}

// Close leaves the router groups joined at construction. Timers still
// enrolled with the Timing service are not canceled; the identity check at
// delivery disarms them.
func (q *Querier) Close() error {
	var errs []string
	for _, g := range mcast.RouterGroups(q.db.CompatibilityModeVariable) {
		if err := q.sender.SendLeave(q.ifIndex, g); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to leave router groups: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IfIndex returns the interface index the querier serves.
func (q *Querier) IfIndex() int { return q.ifIndex }

// Db exposes the membership database for aggregation and diagnostics.
func (q *Querier) Db() *MembershipDb { return q.db }

// TimersValues returns the protocol constants in effect.
func (q *Querier) TimersValues() *TimersValues { return q.timers }

// ReceiveRecord applies one multicast address record from a listener report.
// reportVersion is accepted for interface compatibility and ignored:
// older-version listener tracking is not implemented.
func (q *Querier) ReceiveRecord(recordType mcast.RecordType, gaddr netip.Addr, saddrs mcast.SourceList, reportVersion mcast.ProtocolVersion) {
	slog.Debug("receive record",
		"if_index", q.ifIndex,
		"record_type", recordType.String(),
		"gaddr", gaddr.String(),
		"saddrs", saddrs.String(),
		"report_version", reportVersion.String(),
	)
	metrics.RecordsProcessedTotal.WithLabelValues(recordTypeLabel(recordType)).Inc()

	info := q.db.Lookup(gaddr)
	if info == nil {
		// Unknown group: track it from the neutral INCLUDE(∅) state.
		slog.Debug("gaddr not found, inserting neutral record", "gaddr", gaddr.String())
		info = q.db.InsertNeutral(gaddr)
	}

	switch info.FilterMode {
	case mcast.Include:
		q.receiveRecordInIncludeMode(recordType, gaddr, saddrs, info)
	case mcast.Exclude:
		q.receiveRecordInExcludeMode(recordType, gaddr, saddrs, info)
	default:
		slog.Error("wrong filter mode", "filter_mode", int(info.FilterMode))
	}

	q.dropEmptyIncludeEntry(gaddr, info)
	metrics.GroupsActive.WithLabelValues(fmt.Sprint(q.ifIndex)).Set(float64(q.db.Len()))
}

// RFC 3376 §6.4.1 / §6.4.2 and RFC 3810 §7.4.1 / §7.4.2, current state
// INCLUDE(A). The group-and-source specific queries and per-source timers
// those tables call for are acknowledged here but not emitted; the filter
// timer alone ages EXCLUDE state out.
func (q *Querier) receiveRecordInIncludeMode(recordType mcast.RecordType, gaddr netip.Addr, saddrs mcast.SourceList, info *GroupInfo) {
	a := &info.IncludeRequestedList
	b := saddrs

	switch recordType {

	// INCLUDE (A)     ALLOW (B)      INCLUDE (A+B)
	case mcast.AllowNewSources:
		a.Union(b)

	// INCLUDE (A)     BLOCK (B)      INCLUDE (A)          Send Q(MA,A*B)
	case mcast.BlockOldSources:
		// no state change

	// INCLUDE (A)     TO_EX (B)      EXCLUDE (A*B,B-A)    Filter Timer=MALI
	case mcast.ChangeToExcludeMode:
		info.FilterMode = mcast.Exclude
		info.ExcludeList = mcast.SubtractOf(b, *a)
		info.IncludeRequestedList.Intersect(b)
		info.FilterTimer = q.mali(gaddr)

	// INCLUDE (A)     TO_IN (B)      INCLUDE (A+B)        Send Q(MA,A-B)
	case mcast.ChangeToIncludeMode:
		a.Union(b)

	// INCLUDE (A)     IS_EX (B)      EXCLUDE (A*B,B-A)    Filter Timer=MALI
	case mcast.ModeIsExclude:
		info.FilterMode = mcast.Exclude
		info.ExcludeList = mcast.SubtractOf(b, *a)
		info.IncludeRequestedList.Intersect(b)
		info.FilterTimer = q.mali(gaddr)

	// INCLUDE (A)     IS_IN (B)      INCLUDE (A+B)
	case mcast.ModeIsInclude:
		a.Union(b)

	default:
		slog.Error("unknown multicast record type", "record_type", int(recordType))
	}
}

// Same tables, current state EXCLUDE(X,Y).
func (q *Querier) receiveRecordInExcludeMode(recordType mcast.RecordType, gaddr netip.Addr, saddrs mcast.SourceList, info *GroupInfo) {
	x := &info.IncludeRequestedList
	y := &info.ExcludeList
	a := saddrs

	switch recordType {

	// EXCLUDE (X,Y)   ALLOW (A)      EXCLUDE (X+A,Y-A)
	case mcast.AllowNewSources:
		x.Union(a)
		y.Subtract(a)

	// EXCLUDE (X,Y)   BLOCK (A)      EXCLUDE (X+(A-Y),Y)  Send Q(MA,A-Y)
	case mcast.BlockOldSources:
		x.Union(mcast.SubtractOf(a, *y))

	// EXCLUDE (X,Y)   TO_EX (A)      EXCLUDE (A-Y,Y*A)    Filter Timer=MALI
	case mcast.ChangeToExcludeMode:
		info.IncludeRequestedList = mcast.SubtractOf(a, *y)
		y.Intersect(a)
		info.FilterTimer = q.mali(gaddr)

	// EXCLUDE (X,Y)   TO_IN (A)      EXCLUDE (X+A,Y-A)    Send Q(MA,X-A), Send Q(MA)
	case mcast.ChangeToIncludeMode:
		x.Union(a)
		y.Subtract(a)

	// EXCLUDE (X,Y)   IS_EX (A)      EXCLUDE (A-Y,Y*A)    Filter Timer=MALI
	case mcast.ModeIsExclude:
		info.IncludeRequestedList = mcast.SubtractOf(a, *y)
		y.Intersect(a)
		info.FilterTimer = q.mali(gaddr)

	// EXCLUDE (X,Y)   IS_IN (A)      EXCLUDE (X+A,Y-A)
	case mcast.ModeIsInclude:
		x.Union(a)
		y.Subtract(a)

	default:
		slog.Error("unknown multicast record type", "record_type", int(recordType))
	}
}

// TimerTriggered handles a timer payload delivered by the Timing service.
// Only filter timers are meaningful here, and only while the database entry
// still references the delivered handle (RFC 3376 §6.5 filter-timer
// expiry); everything else is stale and dropped.
func (q *Querier) TimerTriggered(msg TimerMsg) {
	if msg.MsgType() != FilterTimerMsg {
		slog.Error("unknown timer message format", "msg", msg.String())
		return
	}
	ft := msg.(*FilterTimer)

	info := q.db.Lookup(ft.Group())
	if info == nil {
		// The entry was erased after this timer was enrolled.
		slog.Debug("filter timer is outdated", "gaddr", ft.Group().String())
		metrics.FilterTimersStaleTotal.Inc()
		return
	}

	if info.FilterTimer != ft {
		slog.Debug("found filter timer differs from processing filter timer", "gaddr", ft.Group().String())
		metrics.FilterTimersStaleTotal.Inc()
		return
	}

	// EXCLUDE, timer expired: no more listeners insisting on EXCLUDE mode.
	// An empty requested list deletes the record; otherwise the group falls
	// back to INCLUDE of the requested sources.
	if info.FilterMode != mcast.Exclude {
		slog.Error("filter mode is not in expected mode EXCLUDE",
			"gaddr", ft.Group().String(), "filter_mode", info.FilterMode.String())
		return
	}

	metrics.FilterTimersExpiredTotal.Inc()
	if info.IncludeRequestedList.Empty() {
		q.db.Erase(ft.Group())
	} else {
		info.FilterMode = mcast.Include
		info.ExcludeList.Clear()
		info.FilterTimer = nil
	}
	metrics.GroupsActive.WithLabelValues(fmt.Sprint(q.ifIndex)).Set(float64(q.db.Len()))
}

// ReceiveQuery would restart compatibility timers when acting as
// non-querier. This proxy always assumes the querier role, so there is
// nothing to do.
func (q *Querier) ReceiveQuery() {}

// mali arms a fresh filter timer for gaddr to the Multicast Address
// Listening Interval and enrolls it for delivery to the owning instance.
// The caller installs the returned handle as the entry's FilterTimer, which
// replaces and thereby neutralizes any previously armed timer.
func (q *Querier) mali(gaddr netip.Addr) *FilterTimer {
	d := q.timers.MulticastAddressListeningInterval()
	ft := NewFilterTimer(q.ifIndex, gaddr, d)
	q.timing.AddTime(d, q.target, ft)
	metrics.FilterTimersArmedTotal.Inc()
	return ft
}

// A TO_IN or BLOCK record can leave an INCLUDE entry with nothing requested;
// such an entry carries no listener state and is removed.
func (q *Querier) dropEmptyIncludeEntry(gaddr netip.Addr, info *GroupInfo) {
	if info.FilterMode == mcast.Include && info.IncludeRequestedList.Empty() {
		q.db.Erase(gaddr)
	}
}

func (q *Querier) String() string {
	name := fmt.Sprint(q.ifIndex)
	if ifi, err := net.InterfaceByIndex(q.ifIndex); err == nil {
		name = ifi.Name
	}
	return fmt.Sprintf("##-- interface: %s (index: %d) --##\n%s", name, q.ifIndex, q.db)
}

func recordTypeLabel(rt mcast.RecordType) string {
	return strings.ToLower(rt.String())
}
