package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// graphMetrics are registered on the graph's own registry so several
// graphs can live in one process.
type graphMetrics struct {
	eventsIngested  prometheus.Counter
	eventsFailed    prometheus.Counter
	nodesCreated    prometheus.Counter
	edgesCreated    *prometheus.CounterVec
	queries         *prometheus.CounterVec
	queryLatency    prometheus.Histogram
	interactions    prometheus.Counter
	maintenanceRuns *prometheus.CounterVec
	maintenanceTime prometheus.Histogram
	activeNodes     prometheus.Gauge
	activeEdges     prometheus.Gauge
	sessions        prometheus.Gauge
}

func newGraphMetrics(reg prometheus.Registerer, namespace string) *graphMetrics {
	m := &graphMetrics{
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_ingested_total",
			Help: "Events turned into nodes.",
		}),
		eventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_failed_total",
			Help: "Events rejected by validation or storage.",
		}),
		nodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "nodes_created_total",
			Help: "Nodes created by ingestion, clustering and import.",
		}),
		edgesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "edges_created_total",
			Help: "Edges created, by origin.",
		}, []string{"origin"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_total",
			Help: "Queries executed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_seconds",
			Help:    "Query execution time.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		interactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "interactions_recorded_total",
			Help: "Interactions stored against a node.",
		}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "maintenance_runs_total",
			Help: "Maintenance passes, by outcome.",
		}, []string{"outcome"}),
		maintenanceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "maintenance_duration_seconds",
			Help:    "Maintenance pass duration.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_nodes",
			Help: "Active nodes after the last stats refresh.",
		}),
		activeEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_edges",
			Help: "Active edges after the last stats refresh.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "context_sessions",
			Help: "Live context sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsIngested, m.eventsFailed, m.nodesCreated, m.edgesCreated,
			m.queries, m.queryLatency, m.interactions,
			m.maintenanceRuns, m.maintenanceTime,
			m.activeNodes, m.activeEdges, m.sessions,
		)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
