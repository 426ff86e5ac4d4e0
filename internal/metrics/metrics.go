// Package metrics exposes the Prometheus instrumentation for the monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts collector hook posts by hook type.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsleak_events_ingested_total",
		Help: "Hook events accepted by the collector.",
	}, []string{"hook_type"})

	// AlertsFired counts alerts by the action that produced them.
	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsleak_alerts_fired_total",
		Help: "Alerts generated by policies and sequence rules.",
	}, []string{"action"})

	// PreToolDenied counts synchronous block decisions.
	PreToolDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsleak_pretool_denied_total",
		Help: "PreToolUse requests denied by a blocking policy.",
	})

	// QueueDropped counts events dropped because the async queue was full.
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsleak_queue_dropped_total",
		Help: "Events dropped at enqueue because the processing queue was full.",
	})

	// QueueDepth tracks the current async queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsleak_queue_depth",
		Help: "Events currently waiting in the processing queue.",
	})

	// WSClients tracks connected pub/sub clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsleak_ws_clients",
		Help: "Currently connected WebSocket clients.",
	})
)
