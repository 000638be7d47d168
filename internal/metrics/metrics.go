package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "haproxy_console"

// Registry holds the console's collectors on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	builds          prometheus.Counter
	buildDuration   prometheus.Histogram
	fragmentsParsed prometheus.Counter
	fragmentsSkip   prometheus.Counter
	mutations       *prometheus.CounterVec
	probes          *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		}, []string{"route", "method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		builds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_builds_total",
			Help:      "Topology snapshots built",
		}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "topology_build_duration_seconds",
			Help:      "Time to parse all fragments and probe all servers",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		fragmentsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_parsed_total",
			Help:      "Configuration files parsed into the topology",
		}),
		fragmentsSkip: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_skipped_total",
			Help:      "Configuration files skipped after a read or parse failure",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frontend_mutations_total",
			Help:      "Frontend fragment routing edits by outcome",
		}, []string{"outcome"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_probes_total",
			Help:      "Server liveness probes by result",
		}, []string{"status"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.requestLatency,
		r.builds, r.buildDuration,
		r.fragmentsParsed, r.fragmentsSkip,
		r.mutations, r.probes,
	)
	return r
}

func (r *Registry) IncRequest(route, method, status string) {
	r.requests.WithLabelValues(route, method, status).Inc()
}

func (r *Registry) ObserveLatency(route string, d time.Duration) {
	r.requestLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) ObserveBuild(d time.Duration) {
	r.builds.Inc()
	r.buildDuration.Observe(d.Seconds())
}

func (r *Registry) IncFragment(skipped bool) {
	if skipped {
		r.fragmentsSkip.Inc()
		return
	}
	r.fragmentsParsed.Inc()
}

// IncMutation counts a frontend edit by outcome: added, removed, noop or error.
func (r *Registry) IncMutation(outcome string) {
	r.mutations.WithLabelValues(outcome).Inc()
}

func (r *Registry) IncProbe(status string) {
	r.probes.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and scrapes.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
