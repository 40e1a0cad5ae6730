// Package metrics exposes the balancer's Prometheus instrumentation,
// generalized from the teacher's single "reannounces made" counter
// (Edholm-qbit-service qbit.go) into the small set of counters/gauges
// that matter for dispatch and announce supervision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForcedReannounces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadbalancer_forced_reannounces_total",
		Help: "Re-announces issued because an attempt counter crossed the fast-announce threshold.",
	})

	ConditionalReannounces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadbalancer_conditional_reannounces_total",
		Help: "Re-announces issued because tracker health or peer count looked bad.",
	})

	TorrentsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadbalancer_torrents_evicted_total",
		Help: "Torrents removed from announce supervision (completed, aged out, or too young).",
	})

	TorrentsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadbalancer_torrents_dispatched_total",
		Help: "Torrents successfully handed to a qBittorrent instance, by instance name.",
	}, []string{"instance"})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadbalancer_dispatch_failures_total",
		Help: "torrents_add calls that did not return an Ok response.",
	})

	PendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadbalancer_pending_queue_depth",
		Help: "Number of torrents currently waiting in the ingest queue.",
	})

	InstancesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadbalancer_instances_connected",
		Help: "Number of qBittorrent instances currently connected.",
	})

	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadbalancer_reconnect_attempts_total",
		Help: "Reconnect attempts made, by instance and outcome.",
	}, []string{"instance", "outcome"})
)
