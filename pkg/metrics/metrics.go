// Package metrics exposes the vcscored process's Prometheus instrumentation,
// grounded on the teacher's core.HealthLogger: a private registry owning a
// fixed set of collectors, with a Handler for mounting on the HTTP mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every metric vcscored records. One instance is created
// per process and threaded explicitly into the components that report to
// it (the sync server and vcscored's HTTP handlers and backlog collector)
// rather than used as a package-global.
type Collectors struct {
	registry *prometheus.Registry

	ArtifactsStored   prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	SyncRoundsTotal   *prometheus.CounterVec // labeled by mode: clone/pull/push
	SyncErrorsTotal   *prometheus.CounterVec // labeled by kind
	PhantomBacklog    prometheus.Gauge
	ClusterSealsTotal prometheus.Counter
	UnclusteredBacklog prometheus.Gauge
}

// New builds a Collectors with its own registry, distinct from the default
// global one so tests can construct multiple instances without collisions.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		ArtifactsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcscore_artifacts_stored_total",
			Help: "Total number of artifacts successfully stored in the repository.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcscore_sync_bytes_sent_total",
			Help: "Total framed bytes sent over the sync transport.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcscore_sync_bytes_received_total",
			Help: "Total framed bytes received over the sync transport.",
		}),
		SyncRoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcscore_sync_rounds_total",
			Help: "Total sync protocol rounds exchanged, by session mode.",
		}, []string{"mode"}),
		SyncErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcscore_sync_errors_total",
			Help: "Total sync sessions that ended in an error, by error kind.",
		}, []string{"kind"}),
		PhantomBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcscore_phantom_backlog",
			Help: "Number of phantom artifacts currently awaiting content.",
		}),
		ClusterSealsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcscore_cluster_seals_total",
			Help: "Total number of cluster artifacts sealed.",
		}),
		UnclusteredBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcscore_unclustered_backlog",
			Help: "Number of artifacts, phantoms included, not yet named by a cluster.",
		}),
	}

	reg.MustRegister(
		c.ArtifactsStored,
		c.BytesSent,
		c.BytesReceived,
		c.SyncRoundsTotal,
		c.SyncErrorsTotal,
		c.PhantomBacklog,
		c.ClusterSealsTotal,
		c.UnclusteredBacklog,
	)
	return c
}

// Handler returns the HTTP handler that serves this Collectors' registry in
// the Prometheus exposition format, for mounting at e.g. GET /metrics.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
