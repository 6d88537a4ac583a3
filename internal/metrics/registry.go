// Package metrics wires the per-component StatsExporter collectors
// (mcpclient, eventbus) into one shared Prometheus registry for the
// process, the same way the teacher's StatsExporter is registered
// against RoadRunner's aggregate metrics collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects MetricsCollector() results from the kernel's
// endure vertices and exposes them over HTTP.
type Registry struct {
	reg *prometheus.Registry
}

// New builds a registry pre-populated with Go runtime and process
// collectors, matching what a RoadRunner-style process normally
// exposes alongside its own plugin metrics.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Registry{reg: reg}
}

// Register adds one or more collectors, typically the MetricsCollector()
// results returned by endure vertices.
func (r *Registry) Register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if c == nil {
			continue
		}
		r.reg.MustRegister(c)
	}
}

// Handler returns the http.Handler serving the registry in Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
