// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReportsReceivedTotal counts decoded listener reports by instance and
	// protocol version.
	ReportsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcproxy_reports_received_total",
			Help: "Total number of listener reports received",
		},
		[]string{"instance", "version"},
	)

	// ReportsDroppedTotal counts reports dropped because an instance mailbox
	// was full.
	ReportsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcproxy_reports_dropped_total",
			Help: "Total number of listener reports dropped before processing",
		},
		[]string{"instance"},
	)

	// RecordsProcessedTotal counts multicast address records by record type.
	RecordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcproxy_records_processed_total",
			Help: "Total number of multicast address records applied to the membership database",
		},
		[]string{"record_type"},
	)

	// GroupsActive tracks the current number of groups with listener state
	// per downstream interface.
	GroupsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcproxy_groups_active",
			Help: "Current number of multicast groups with listener state",
		},
		[]string{"if_index"},
	)

	// FilterTimersArmedTotal counts filter timers armed to MALI.
	FilterTimersArmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcproxy_filter_timers_armed_total",
			Help: "Total number of group filter timers armed",
		},
	)

	// FilterTimersExpiredTotal counts filter timers that expired while still
	// authoritative and mutated group state.
	FilterTimersExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcproxy_filter_timers_expired_total",
			Help: "Total number of group filter timers that expired and acted on state",
		},
	)

	// FilterTimersStaleTotal counts timer deliveries dropped by the identity
	// check.
	FilterTimersStaleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcproxy_filter_timers_stale_total",
			Help: "Total number of stale filter timer deliveries dropped",
		},
	)

	// QueriesSentTotal counts general queries sent downstream.
	QueriesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcproxy_queries_sent_total",
			Help: "Total number of general membership queries sent",
		},
		[]string{"instance"},
	)

	// SenderErrorsTotal counts failed sender operations by kind.
	SenderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcproxy_sender_errors_total",
			Help: "Total number of failed sender operations",
		},
		[]string{"operation"},
	)
)
