// Package metrics provides Prometheus metrics for graphmesh nodes.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all graphmesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NodeMetrics holds all Prometheus metrics for a graphmesh node.
type NodeMetrics struct {
	// Instance registry
	EphemeralInstances prometheus.Gauge
	EphemeralCapacity  prometheus.Gauge
	InstanceEvictions  prometheus.Counter
	WireConnections    prometheus.Gauge

	// Replication
	PinRequestsObserved prometheus.Counter
	PinsFulfilled       prometheus.Counter
	PinsFailed          prometheus.Counter
	PinQueueDepth       prometheus.Gauge
	PinQueueDropped     prometheus.Counter

	// Reconciliation
	ReconcileRuns   prometheus.Counter
	ReconcileErrors prometheus.Counter
	DealsMirrored   prometheus.Counter

	// Reputation
	PulsesRecorded prometheus.Counter
	PeerScore      *prometheus.GaugeVec // labels: host
}

var (
	initOnce sync.Once
	shared   *NodeMetrics
)

// InitMetrics initializes all metrics with the node name as a constant
// label. Registration happens once per process; later calls return the
// same set.
func InitMetrics(nodeName string) *NodeMetrics {
	initOnce.Do(func() {
		shared = newNodeMetrics(nodeName)
	})
	return shared
}

func newNodeMetrics(nodeName string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeName,
	}

	return &NodeMetrics{
		EphemeralInstances: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "graphmesh_ephemeral_instances",
			Help:        "Number of live ephemeral graph instances",
			ConstLabels: constLabels,
		}),
		EphemeralCapacity: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "graphmesh_ephemeral_capacity",
			Help:        "Configured ephemeral instance capacity",
			ConstLabels: constLabels,
		}),
		InstanceEvictions: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_instance_evictions_total",
			Help:        "Total ephemeral instances evicted under capacity pressure",
			ConstLabels: constLabels,
		}),
		WireConnections: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "graphmesh_wire_connections",
			Help:        "Open wire (WebSocket) connections across all instances",
			ConstLabels: constLabels,
		}),

		PinRequestsObserved: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_pin_requests_observed_total",
			Help:        "Pin requests observed on the replication feed",
			ConstLabels: constLabels,
		}),
		PinsFulfilled: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_pins_fulfilled_total",
			Help:        "Pin requests fulfilled locally",
			ConstLabels: constLabels,
		}),
		PinsFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_pins_failed_total",
			Help:        "Pin requests that failed locally",
			ConstLabels: constLabels,
		}),
		PinQueueDepth: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "graphmesh_pin_queue_depth",
			Help:        "Pin requests waiting in the replication queue",
			ConstLabels: constLabels,
		}),
		PinQueueDropped: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_pin_queue_dropped_total",
			Help:        "Pin requests dropped due to a full queue",
			ConstLabels: constLabels,
		}),

		ReconcileRuns: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_reconcile_runs_total",
			Help:        "Deal reconciliation passes completed",
			ConstLabels: constLabels,
		}),
		ReconcileErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_reconcile_errors_total",
			Help:        "Deal reconciliation passes aborted by errors",
			ConstLabels: constLabels,
		}),
		DealsMirrored: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_deals_mirrored_total",
			Help:        "Deals written to the off-chain mirror",
			ConstLabels: constLabels,
		}),

		PulsesRecorded: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "graphmesh_pulses_recorded_total",
			Help:        "Liveness pulses recorded across all hosts",
			ConstLabels: constLabels,
		}),
		PeerScore: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "graphmesh_peer_score",
			Help:        "Locally computed reputation score per host",
			ConstLabels: constLabels,
		}, []string{"host"}),
	}
}
