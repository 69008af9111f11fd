package controller

import "github.com/prometheus/client_golang/prometheus"

const namespace = "agentgraph"

type metrics struct {
	slots       prometheus.Gauge
	running     prometheus.Gauge
	queued      prometheus.Gauge
	admitted    prometheus.Counter
	abandoned   prometheus.Counter
	waitSeconds prometheus.Histogram
	runSeconds  prometheus.Histogram

	cacheEntries prometheus.Gauge
	cacheEvents  *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them on reg when it is
// not nil. Unregistered collectors still work, they are simply not exported.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "slots",
			Help: "Maximum number of concurrently running workflows.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "running",
			Help: "Workflows currently holding a slot.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "queued",
			Help: "Workflows waiting for a slot.",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "admitted_total",
			Help: "Workflows admitted.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "abandoned_total",
			Help: "Queued workflows whose caller gave up before admission.",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "admission", Name: "wait_seconds",
			Help:    "Time between enqueue and admission.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "admission", Name: "run_seconds",
			Help:    "Time a workflow held its slot.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "graph_cache", Name: "entries",
			Help: "Compiled graphs held in the cache.",
		}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graph_cache", Name: "events_total",
			Help: "Cache lookups and removals by outcome (hit, miss, eviction, expiration).",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.slots, m.running, m.queued, m.admitted, m.abandoned,
			m.waitSeconds, m.runSeconds, m.cacheEntries, m.cacheEvents,
		)
	}
	return m
}
