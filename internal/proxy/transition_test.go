package proxy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/mcproxy/internal/mcast"
)

var extra = netip.MustParseAddr("9.9.9.9")

// Full sweep of the RFC 3376 §6.4 / RFC 3810 §7.4 transition tables: for
// every (current mode, record type) cell the record is applied with three
// probe source lists and the resulting (mode, X, Y, timer) is checked
// against the table.
func TestQuerier_TransitionTable(t *testing.T) {
	sl := mcast.NewSourceList

	// Probe report lists: empty, a set overlapping the preset state, and the
	// same set widened by an address unknown to the state.
	probes := map[string]mcast.SourceList{
		"empty":   {},
		"overlap": sl(s2, s3),
		"widened": sl(s2, s3, extra),
	}

	type expect struct {
		mode     mcast.FilterMode
		x        func(b mcast.SourceList) mcast.SourceList
		y        func(b mcast.SourceList) mcast.SourceList
		armTimer bool
	}

	// Preset INCLUDE state: A = {s1, s2}.
	inA := sl(s1, s2)
	includeTable := map[mcast.RecordType]expect{
		mcast.ModeIsInclude: {
			mode: mcast.Include,
			x:    func(b mcast.SourceList) mcast.SourceList { return mcast.UnionOf(inA, b) },
			y:    func(mcast.SourceList) mcast.SourceList { return mcast.SourceList{} },
		},
		mcast.AllowNewSources: {
			mode: mcast.Include,
			x:    func(b mcast.SourceList) mcast.SourceList { return mcast.UnionOf(inA, b) },
			y:    func(mcast.SourceList) mcast.SourceList { return mcast.SourceList{} },
		},
		mcast.ChangeToIncludeMode: {
			mode: mcast.Include,
			x:    func(b mcast.SourceList) mcast.SourceList { return mcast.UnionOf(inA, b) },
			y:    func(mcast.SourceList) mcast.SourceList { return mcast.SourceList{} },
		},
		mcast.ModeIsExclude: {
			mode:     mcast.Exclude,
			x:        func(b mcast.SourceList) mcast.SourceList { return mcast.IntersectOf(inA, b) },
			y:        func(b mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(b, inA) },
			armTimer: true,
		},
		mcast.ChangeToExcludeMode: {
			mode:     mcast.Exclude,
			x:        func(b mcast.SourceList) mcast.SourceList { return mcast.IntersectOf(inA, b) },
			y:        func(b mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(b, inA) },
			armTimer: true,
		},
		mcast.BlockOldSources: {
			mode: mcast.Include,
			x:    func(mcast.SourceList) mcast.SourceList { return inA },
			y:    func(mcast.SourceList) mcast.SourceList { return mcast.SourceList{} },
		},
	}

	// Preset EXCLUDE state: X = {s1}, Y = {s3}.
	exX := sl(s1)
	exY := sl(s3)
	excludeTable := map[mcast.RecordType]expect{
		mcast.ModeIsInclude: {
			mode: mcast.Exclude,
			x:    func(a mcast.SourceList) mcast.SourceList { return mcast.UnionOf(exX, a) },
			y:    func(a mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(exY, a) },
		},
		mcast.AllowNewSources: {
			mode: mcast.Exclude,
			x:    func(a mcast.SourceList) mcast.SourceList { return mcast.UnionOf(exX, a) },
			y:    func(a mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(exY, a) },
		},
		mcast.ChangeToIncludeMode: {
			mode: mcast.Exclude,
			x:    func(a mcast.SourceList) mcast.SourceList { return mcast.UnionOf(exX, a) },
			y:    func(a mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(exY, a) },
		},
		mcast.ModeIsExclude: {
			mode:     mcast.Exclude,
			x:        func(a mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(a, exY) },
			y:        func(a mcast.SourceList) mcast.SourceList { return mcast.IntersectOf(exY, a) },
			armTimer: true,
		},
		mcast.ChangeToExcludeMode: {
			mode:     mcast.Exclude,
			x:        func(a mcast.SourceList) mcast.SourceList { return mcast.SubtractOf(a, exY) },
			y:        func(a mcast.SourceList) mcast.SourceList { return mcast.IntersectOf(exY, a) },
			armTimer: true,
		},
		mcast.BlockOldSources: {
			mode: mcast.Exclude,
			x: func(a mcast.SourceList) mcast.SourceList {
				return mcast.UnionOf(exX, mcast.SubtractOf(a, exY))
			},
			y: func(mcast.SourceList) mcast.SourceList { return exY },
		},
	}

	for probeName, probe := range probes {
		for rt, want := range includeTable {
			t.Run("include/"+rt.String()+"/"+probeName, func(t *testing.T) {
				q, _, _ := newTestQuerier(t)
				// Preset INCLUDE(A).
				q.ReceiveRecord(mcast.ModeIsInclude, g, inA.Clone(), mcast.IGMPv3)

				q.ReceiveRecord(rt, g, probe.Clone(), mcast.IGMPv3)

				wantX := want.x(probe)
				if want.mode == mcast.Include && wantX.Empty() {
					// An INCLUDE entry with nothing requested is removed.
					assert.Nil(t, q.Db().Lookup(g))
					return
				}
				info := q.Db().Lookup(g)
				require.NotNil(t, info)
				assert.Equal(t, want.mode, info.FilterMode, "mode")
				assert.True(t, info.IncludeRequestedList.Equal(wantX),
					"X: got %s want %s", info.IncludeRequestedList, wantX)
				assert.True(t, info.ExcludeList.Equal(want.y(probe)),
					"Y: got %s want %s", info.ExcludeList, want.y(probe))
				if want.armTimer {
					require.NotNil(t, info.FilterTimer)
					assert.Equal(t, q.TimersValues().MulticastAddressListeningInterval(), info.FilterTimer.Duration())
				} else {
					assert.Nil(t, info.FilterTimer)
				}
				checkInvariants(t, q.Db())
			})
		}

		for rt, want := range excludeTable {
			t.Run("exclude/"+rt.String()+"/"+probeName, func(t *testing.T) {
				q, _, _ := newTestQuerier(t)
				// Preset EXCLUDE(X,Y) directly.
				info := q.Db().InsertNeutral(g)
				info.FilterMode = mcast.Exclude
				info.IncludeRequestedList = exX.Clone()
				info.ExcludeList = exY.Clone()
				preset := NewFilterTimer(q.IfIndex(), g, 0)
				info.FilterTimer = preset

				q.ReceiveRecord(rt, g, probe.Clone(), mcast.IGMPv3)

				info = q.Db().Lookup(g)
				require.NotNil(t, info)
				assert.Equal(t, want.mode, info.FilterMode, "mode")
				assert.True(t, info.IncludeRequestedList.Equal(want.x(probe)),
					"X: got %s want %s", info.IncludeRequestedList, want.x(probe))
				assert.True(t, info.ExcludeList.Equal(want.y(probe)),
					"Y: got %s want %s", info.ExcludeList, want.y(probe))
				if want.armTimer {
					require.NotNil(t, info.FilterTimer)
					assert.NotSame(t, preset, info.FilterTimer, "timer must be re-armed")
				} else {
					assert.Same(t, preset, info.FilterTimer, "timer must be untouched")
				}
				checkInvariants(t, q.Db())
			})
		}
	}
}
