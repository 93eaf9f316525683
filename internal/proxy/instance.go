package proxy

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"firestige.xyz/mcproxy/internal/mcast"
	"firestige.xyz/mcproxy/internal/metrics"
)

// Instance is one proxy instance: the queriers of its downstream interfaces,
// the aggregation that folds their memberships, and the upstream interface
// whose subscriptions mirror the aggregate.
//
// All state is owned by a single event-loop goroutine; reports, timer
// deliveries and diagnostic requests are serialized through the same
// mailbox, so handlers never race each other.
type Instance struct {
	name       string
	version    mcast.ProtocolVersion
	upstreamIf int

	sender Sender
	timing *Timing
	timers *TimersValues
	agg    *MembershipAggregation

	queriers map[int]*Querier
	upstream map[netip.Addr]MemSourceState

	startupQueriesLeft map[int]int

	mailbox chan instanceMsg
	done    chan struct{}
	wg      sync.WaitGroup
}

type instanceMsg interface{ isInstanceMsg() }

type reportMsg struct {
	ifIndex int
	report  *mcast.Report
}

type timerMsg struct{ msg TimerMsg }

type dumpMsg struct{ reply chan string }

func (reportMsg) isInstanceMsg() {}
func (timerMsg) isInstanceMsg()  {}
func (dumpMsg) isInstanceMsg()   {}

const mailboxSize = 256

// NewInstance builds a proxy instance. A querier is created for every
// downstream interface; construction fails when any querier cannot join its
// router groups. filter is the optional administrative source filter applied
// to the aggregated upstream membership.
func NewInstance(name string, version mcast.ProtocolVersion, upstreamIf int, downstreamIfs []int, sender Sender, timing *Timing, timers *TimersValues, filter *FilterSourceState) (*Instance, error) {
	inst := &Instance{
		name:       name,
		version:    version,
		upstreamIf: upstreamIf,
		sender:     sender,
		timing:     timing,
		timers:     timers,
		agg:        NewMembershipAggregation(version, filter),
		queriers:   make(map[int]*Querier),
		upstream:   make(map[netip.Addr]MemSourceState),
		mailbox:    make(chan instanceMsg, mailboxSize),
		done:       make(chan struct{}),
	}

	for _, ifIndex := range downstreamIfs {
		q, err := NewQuerier(version, ifIndex, sender, timing, timers, inst)
		if err != nil {
			inst.closeQueriers()
			return nil, fmt.Errorf("querier on interface %d: %w", ifIndex, err)
		}
		inst.queriers[ifIndex] = q
	}

	return inst, nil
}

// Name returns the configured instance name.
func (inst *Instance) Name() string { return inst.name }

// Version returns the protocol version of the instance.
func (inst *Instance) Version() mcast.ProtocolVersion { return inst.version }

// Querier returns the querier serving ifIndex, or nil.
func (inst *Instance) Querier(ifIndex int) *Querier { return inst.queriers[ifIndex] }

// Start runs the event loop and kicks off the startup general queries.
func (inst *Instance) Start() {
	inst.startupQueriesLeft = make(map[int]int, len(inst.queriers))
	for ifIndex := range inst.queriers {
		inst.startupQueriesLeft[ifIndex] = inst.timers.StartupQueryCount()
	}
	inst.wg.Add(1)
	go inst.run()
	for ifIndex := range inst.queriers {
		inst.timing.AddTime(0, inst, NewGeneralQueryTimer(ifIndex))
	}
}

// Stop drains the event loop and leaves all joined groups, downstream router
// groups included.
func (inst *Instance) Stop() {
	close(inst.done)
	inst.wg.Wait()

	for group, state := range inst.upstream {
		if state.Listeners() {
			if err := inst.sender.SendLeave(inst.upstreamIf, group); err != nil {
				slog.Error("failed to leave upstream group", "group", group.String(), "error", err)
			}
		}
	}
	inst.closeQueriers()
}

// ReceiveReport hands a decoded listener report from ifIndex to the event
// loop. It never blocks the receiver: when the mailbox is full the report is
// dropped and counted, the next periodic report will repair the state.
func (inst *Instance) ReceiveReport(ifIndex int, report *mcast.Report) {
	select {
	case inst.mailbox <- reportMsg{ifIndex: ifIndex, report: report}:
	default:
		slog.Warn("mailbox full, dropping report", "instance", inst.name, "if_index", ifIndex)
		metrics.ReportsDroppedTotal.WithLabelValues(inst.name).Inc()
	}
}

// DeliverTimer implements TimerTarget for the Timing service.
func (inst *Instance) DeliverTimer(msg TimerMsg) {
	select {
	case inst.mailbox <- timerMsg{msg: msg}:
	case <-inst.done:
	}
}

// String renders every querier of the instance; safe to call from any
// goroutine because the dump is produced inside the event loop.
func (inst *Instance) String() string {
	reply := make(chan string, 1)
	select {
	case inst.mailbox <- dumpMsg{reply: reply}:
		return <-reply
	case <-inst.done:
		return fmt.Sprintf("##-- proxy instance %s (stopped) --##", inst.name)
	}
}

func (inst *Instance) run() {
	defer inst.wg.Done()
	for {
		select {
		case m := <-inst.mailbox:
			switch msg := m.(type) {
			case reportMsg:
				inst.handleReport(msg.ifIndex, msg.report)
			case timerMsg:
				inst.handleTimer(msg.msg)
			case dumpMsg:
				msg.reply <- inst.dump()
			}
		case <-inst.done:
			return
		}
	}
}

func (inst *Instance) handleReport(ifIndex int, report *mcast.Report) {
	q := inst.queriers[ifIndex]
	if q == nil {
		slog.Warn("report from unknown interface", "instance", inst.name, "if_index", ifIndex)
		return
	}
	metrics.ReportsReceivedTotal.WithLabelValues(inst.name, report.Version.String()).Inc()

	for _, rec := range report.Records {
		q.ReceiveRecord(rec.Type, rec.Group, rec.Sources, report.Version)
		inst.updateUpstream(rec.Group)
	}
}

func (inst *Instance) handleTimer(msg TimerMsg) {
	switch msg.MsgType() {
	case FilterTimerMsg:
		ft := msg.(*FilterTimer)
		q := inst.queriers[ft.IfIndex()]
		if q == nil {
			slog.Debug("filter timer for unknown interface", "if_index", ft.IfIndex())
			return
		}
		q.TimerTriggered(msg)
		inst.updateUpstream(ft.Group())
	case GeneralQueryTimerMsg:
		inst.handleGeneralQueryTimer(msg.(*GeneralQueryTimer))
	default:
		slog.Error("unknown timer message format", "msg", msg.String())
	}
}

// handleGeneralQueryTimer sends a general query on the interface and
// re-arms the tick: StartupQueryCount queries at StartupQueryInterval,
// QueryInterval thereafter.
func (inst *Instance) handleGeneralQueryTimer(t *GeneralQueryTimer) {
	if err := inst.sender.SendGeneralQuery(t.IfIndex()); err != nil {
		slog.Error("failed to send general query", "if_index", t.IfIndex(), "error", err)
	} else {
		metrics.QueriesSentTotal.WithLabelValues(inst.name).Inc()
	}

	interval := inst.timers.QueryInterval
	if left := inst.startupQueriesLeft[t.IfIndex()]; left > 0 {
		inst.startupQueriesLeft[t.IfIndex()] = left - 1
		interval = inst.timers.StartupQueryInterval()
	}
	inst.timing.AddTime(interval, inst, NewGeneralQueryTimer(t.IfIndex()))
}

// updateUpstream re-aggregates the group across all queriers and mirrors the
// result on the upstream interface: join on the first listener, leave on the
// last.
func (inst *Instance) updateUpstream(group netip.Addr) {
	queriers := make([]*Querier, 0, len(inst.queriers))
	for _, q := range inst.queriers {
		queriers = append(queriers, q)
	}

	state, tracked := inst.agg.AggregatedMembership(queriers, group)
	prev, had := inst.upstream[group]

	hadListeners := had && prev.Listeners()
	hasListeners := tracked && state.Listeners()

	switch {
	case hasListeners && !hadListeners:
		if err := inst.sender.SendReport(inst.upstreamIf, group); err != nil {
			slog.Error("failed to join upstream group", "group", group.String(), "error", err)
		} else {
			slog.Info("joined upstream group", "instance", inst.name, "group", group.String(), "membership", state.String())
		}
	case !hasListeners && hadListeners:
		if err := inst.sender.SendLeave(inst.upstreamIf, group); err != nil {
			slog.Error("failed to leave upstream group", "group", group.String(), "error", err)
		} else {
			slog.Info("left upstream group", "instance", inst.name, "group", group.String())
		}
	}

	if tracked {
		inst.upstream[group] = state
	} else {
		delete(inst.upstream, group)
	}
}

func (inst *Instance) dump() string {
	ifIndexes := make([]int, 0, len(inst.queriers))
	for ifIndex := range inst.queriers {
		ifIndexes = append(ifIndexes, ifIndex)
	}
	sort.Ints(ifIndexes)

	var b strings.Builder
	fmt.Fprintf(&b, "##-- proxy instance %s (%s) --##\n", inst.name, inst.version)
	for _, ifIndex := range ifIndexes {
		b.WriteString(inst.queriers[ifIndex].String())
	}
	return b.String()
}

func (inst *Instance) closeQueriers() {
	for ifIndex, q := range inst.queriers {
		if err := q.Close(); err != nil {
			slog.Error("failed to close querier", "if_index", ifIndex, "error", err)
		}
	}
}
