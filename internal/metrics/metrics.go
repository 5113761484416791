// Package metrics registers the agent's Prometheus gauges and counters,
// following the promauto pattern this codebase already uses, repurposed
// from container-update-scan metrics to the spool/shipper/worker metrics
// this agent's pipeline needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SpoolDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_spool_depth",
		Help: "Number of rows currently buffered in the spool.",
	})
	ShipmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_shipments_total",
		Help: "Total shipment attempts by outcome (ok, partial, rejected, transient).",
	}, []string{"outcome"})
	RowsShipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_rows_shipped_total",
		Help: "Total rows acknowledged and deleted from the spool.",
	})
	ShipperSleepSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_shipper_sleep_seconds",
		Help: "Current adaptive pacing sleep interval of the shipper.",
	})
	ConnectionFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_connection_failures",
		Help: "Shipper connection-failure counter: 1 after any response, plus one per consecutive connection failure, clamped at 200.",
	})
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_worker_restarts_total",
		Help: "Total worker restarts by reason (died, timed_out, memory_limit, reconfigure).",
	}, []string{"reason"})
	WorkerRSSBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_worker_rss_bytes",
		Help: "Resident set size of each live sensor worker process.",
	}, []string{"config_id"})
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_queue_dropped_total",
		Help: "Total DataPoints dropped because the result queue's soft cap was reached.",
	})
	ReceiverDrains = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_receiver_drains_total",
		Help: "Total Receiver drain cycles performed.",
	})
)
