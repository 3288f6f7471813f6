// Package metrics exports dispatcher activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/tdl/internal/dispatch"
	"github.com/me/tdl/pkg/model"
)

const namespace = "tdl"

// Collector counts dispatched actions, mode switches and runs. It implements
// dispatch.Observer and is safe to share between concurrent runs.
type Collector struct {
	registry *prometheus.Registry
	actions  *prometheus.CounterVec
	switches *prometheus.CounterVec
	lateness prometheus.Histogram
	runs     *prometheus.CounterVec
}

// New creates a collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Schedule actions handled by the dispatcher.",
		}, []string{"kind", "outcome"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "mode_switches_total",
			Help:      "Mode switches taken.",
		}, []string{"from", "to"}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "lateness_seconds",
			Help:      "Model time between an action's schedule time and its firing.",
			Buckets:   []float64{0, .0005, .001, .005, .01, .05, .1},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Simulation runs by final state.",
		}, []string{"state"}),
	}
	c.registry.MustRegister(
		c.actions, c.switches, c.lateness, c.runs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Observe implements dispatch.Observer.
func (c *Collector) Observe(ev dispatch.Event) {
	a := ev.Node.Action
	c.actions.WithLabelValues(a.Kind.String(), ev.Outcome.String()).Inc()
	switch ev.Outcome {
	case dispatch.Switched:
		c.switches.WithLabelValues(a.Mode, ev.Target).Inc()
	case dispatch.Fired:
		c.lateness.Observe((ev.At - ev.Logical).Seconds())
	}
}

// RunFinished counts a run that reached a terminal state.
func (c *Collector) RunFinished(state model.RunState) {
	c.runs.WithLabelValues(state.String()).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
