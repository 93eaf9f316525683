package proxy

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/mcproxy/internal/mcast"
)

var (
	s1 = netip.MustParseAddr("1.1.1.1")
	s2 = netip.MustParseAddr("2.2.2.2")
	s3 = netip.MustParseAddr("3.3.3.3")
	g  = netip.MustParseAddr("239.1.1.1")
)

// fakeSender records join/leave/query operations and can be told to fail.
type fakeSender struct {
	mu       sync.Mutex
	joins    []string
	leaves   []string
	queries  []int
	failJoin bool
}

func (f *fakeSender) SendReport(ifIndex int, group netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failJoin {
		return fmt.Errorf("join denied")
	}
	f.joins = append(f.joins, fmt.Sprintf("%d/%s", ifIndex, group))
	return nil
}

func (f *fakeSender) SendLeave(ifIndex int, group netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, fmt.Sprintf("%d/%s", ifIndex, group))
	return nil
}

func (f *fakeSender) SendGeneralQuery(ifIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, ifIndex)
	return nil
}

// nullTarget swallows timer deliveries; querier tests trigger expiry by
// calling TimerTriggered with the handle directly.
type nullTarget struct{}

func (nullTarget) DeliverTimer(TimerMsg) {}

func newTestQuerier(t *testing.T) (*Querier, *fakeSender, *Timing) {
	t.Helper()
	snd := &fakeSender{}
	timing := NewTiming()
	t.Cleanup(timing.Stop)

	q, err := NewQuerier(mcast.IGMPv3, 7, snd, timing, NewTimersValues(), nullTarget{})
	require.NoError(t, err)
	return q, snd, timing
}

// checkInvariants asserts the structural invariants that must hold after
// every public operation.
func checkInvariants(t *testing.T, db *MembershipDb) {
	t.Helper()
	for _, group := range db.Groups() {
		info := db.Lookup(group)
		if info.FilterMode == mcast.Include {
			assert.True(t, info.ExcludeList.Empty(), "INCLUDE entry %s has non-empty exclude list", group)
			assert.False(t, info.IncludeRequestedList.Empty(), "empty INCLUDE entry %s not removed", group)
		} else {
			inter := mcast.IntersectOf(info.IncludeRequestedList, info.ExcludeList)
			assert.True(t, inter.Empty(), "EXCLUDE entry %s: requested ∩ exclude = %s", group, inter)
		}
	}
}

func TestNewQuerier_JoinsRouterGroups(t *testing.T) {
	q, snd, _ := newTestQuerier(t)

	assert.Equal(t, []string{"7/224.0.0.2", "7/224.0.0.22"}, snd.joins)
	assert.Equal(t, mcast.IGMPv3, q.Db().CompatibilityModeVariable)
	assert.True(t, q.Db().IsQuerier)
}

func TestNewQuerier_JoinFailure(t *testing.T) {
	snd := &fakeSender{failJoin: true}
	timing := NewTiming()
	defer timing.Stop()

	_, err := NewQuerier(mcast.IGMPv3, 7, snd, timing, NewTimersValues(), nullTarget{})
	assert.ErrorContains(t, err, "failed to subscribe multicast router group")
}

func TestNewQuerier_UnsupportedVersion(t *testing.T) {
	_, err := NewQuerier(mcast.ProtocolVersion(42), 7, &fakeSender{}, NewTiming(), NewTimersValues(), nullTarget{})
	assert.ErrorContains(t, err, "unsupported protocol version")
}

func TestQuerier_Close_LeavesRouterGroups(t *testing.T) {
	q, snd, _ := newTestQuerier(t)

	require.NoError(t, q.Close())
	assert.Equal(t, []string{"7/224.0.0.2", "7/224.0.0.22"}, snd.leaves)
}

// Scenario: fresh group, IS_IN.
func TestQuerier_FreshGroupIsIn(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1, s2), mcast.IGMPv3)

	info := q.Db().Lookup(g)
	require.NotNil(t, info)
	assert.Equal(t, mcast.Include, info.FilterMode)
	assert.True(t, info.IncludeRequestedList.Equal(mcast.NewSourceList(s1, s2)))
	assert.True(t, info.ExcludeList.Empty())
	assert.Nil(t, info.FilterTimer)
	checkInvariants(t, q.Db())
}

// Scenario: INCLUDE → EXCLUDE via TO_EX.
func TestQuerier_IncludeToExclude(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1, s2), mcast.IGMPv3)
	q.ReceiveRecord(mcast.ChangeToExcludeMode, g, mcast.NewSourceList(s2, s3), mcast.IGMPv3)

	info := q.Db().Lookup(g)
	require.NotNil(t, info)
	assert.Equal(t, mcast.Exclude, info.FilterMode)
	assert.True(t, info.IncludeRequestedList.Equal(mcast.NewSourceList(s2)))
	assert.True(t, info.ExcludeList.Equal(mcast.NewSourceList(s3)))
	require.NotNil(t, info.FilterTimer)
	assert.Equal(t, q.TimersValues().MulticastAddressListeningInterval(), info.FilterTimer.Duration())
	assert.Equal(t, g, info.FilterTimer.Group())
	checkInvariants(t, q.Db())
}

// Scenario: ALLOW in EXCLUDE mode pulls sources off the exclude list without
// touching the filter timer.
func TestQuerier_ExcludeAllow(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1, s2), mcast.IGMPv3)
	q.ReceiveRecord(mcast.ChangeToExcludeMode, g, mcast.NewSourceList(s2, s3), mcast.IGMPv3)
	armed := q.Db().Lookup(g).FilterTimer

	q.ReceiveRecord(mcast.AllowNewSources, g, mcast.NewSourceList(s3), mcast.IGMPv3)

	info := q.Db().Lookup(g)
	assert.Equal(t, mcast.Exclude, info.FilterMode)
	assert.True(t, info.IncludeRequestedList.Equal(mcast.NewSourceList(s2, s3)))
	assert.True(t, info.ExcludeList.Empty())
	assert.Same(t, armed, info.FilterTimer)
	checkInvariants(t, q.Db())
}

// Scenario: filter timer expiry with a non-empty requested list falls back
// to INCLUDE.
func TestQuerier_TimerExpiryNonEmptyRequested(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1, s2), mcast.IGMPv3)
	q.ReceiveRecord(mcast.ChangeToExcludeMode, g, mcast.NewSourceList(s2, s3), mcast.IGMPv3)

	q.TimerTriggered(q.Db().Lookup(g).FilterTimer)

	info := q.Db().Lookup(g)
	require.NotNil(t, info)
	assert.Equal(t, mcast.Include, info.FilterMode)
	assert.True(t, info.IncludeRequestedList.Equal(mcast.NewSourceList(s2)))
	assert.True(t, info.ExcludeList.Empty())
	checkInvariants(t, q.Db())
}

// Scenario: filter timer expiry with an empty requested list deletes the
// entry.
func TestQuerier_TimerExpiryEmptyRequested(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsExclude, g, mcast.NewSourceList(s1), mcast.IGMPv3)
	info := q.Db().Lookup(g)
	require.NotNil(t, info)
	require.True(t, info.IncludeRequestedList.Empty())

	q.TimerTriggered(info.FilterTimer)

	assert.Nil(t, q.Db().Lookup(g))
	checkInvariants(t, q.Db())
}

// Scenario: a replaced timer is stale and its delivery must not mutate.
func TestQuerier_StaleTimerDropped(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1, s2), mcast.IGMPv3)
	q.ReceiveRecord(mcast.ChangeToExcludeMode, g, mcast.NewSourceList(s2, s3), mcast.IGMPv3)
	first := q.Db().Lookup(g).FilterTimer

	q.ReceiveRecord(mcast.ChangeToExcludeMode, g, mcast.NewSourceList(s1), mcast.IGMPv3)
	second := q.Db().Lookup(g).FilterTimer
	require.NotSame(t, first, second)

	before := *q.Db().Lookup(g)
	q.TimerTriggered(first)

	info := q.Db().Lookup(g)
	require.NotNil(t, info)
	assert.Equal(t, before.FilterMode, info.FilterMode)
	assert.True(t, before.IncludeRequestedList.Equal(info.IncludeRequestedList))
	assert.True(t, before.ExcludeList.Equal(info.ExcludeList))
	assert.Same(t, second, info.FilterTimer)
}

// A timer delivered after its entry was erased must be dropped silently.
func TestQuerier_TimerForErasedGroupDropped(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsExclude, g, mcast.NewSourceList(s1), mcast.IGMPv3)
	ft := q.Db().Lookup(g).FilterTimer
	q.Db().Erase(g)

	q.TimerTriggered(ft)
	assert.Nil(t, q.Db().Lookup(g))
}

// A timer expiring on an INCLUDE entry signals a bug elsewhere; state stays
// untouched.
func TestQuerier_TimerInIncludeModeIgnored(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1), mcast.IGMPv3)
	info := q.Db().Lookup(g)
	ft := NewFilterTimer(7, g, 0)
	info.FilterTimer = ft

	q.TimerTriggered(ft)

	info = q.Db().Lookup(g)
	require.NotNil(t, info)
	assert.Equal(t, mcast.Include, info.FilterMode)
}

func TestQuerier_UnknownTimerMsgIgnored(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1), mcast.IGMPv3)
	q.TimerTriggered(NewGeneralQueryTimer(7))

	assert.NotNil(t, q.Db().Lookup(g))
}

// BLOCK on an unknown group must not leave an empty entry behind.
func TestQuerier_BlockOnFreshGroup(t *testing.T) {
	q, _, _ := newTestQuerier(t)

	q.ReceiveRecord(mcast.BlockOldSources, g, mcast.NewSourceList(s1), mcast.IGMPv3)

	assert.Nil(t, q.Db().Lookup(g))
	checkInvariants(t, q.Db())
}

func TestQuerier_ReceiveQueryIsNoop(t *testing.T) {
	q, _, _ := newTestQuerier(t)
	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1), mcast.IGMPv3)
	q.ReceiveQuery()
	assert.Equal(t, 1, q.Db().Len())
}

func TestQuerier_String(t *testing.T) {
	q, _, _ := newTestQuerier(t)
	q.ReceiveRecord(mcast.ModeIsInclude, g, mcast.NewSourceList(s1), mcast.IGMPv3)

	out := q.String()
	assert.Contains(t, out, "##-- interface:")
	assert.Contains(t, out, "(index: 7)")
	assert.Contains(t, out, "239.1.1.1")
}
