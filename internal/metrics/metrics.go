// Package metrics exposes Prometheus instrumentation for ensemble
// execution. All Collector methods are nil-receiver safe so callers never
// guard instrumentation sites.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	invocations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	cacheHits    *prometheus.CounterVec
	suspensions  *prometheus.CounterVec
	loopLimits   *prometheus.CounterVec
	activeRuns   *prometheus.GaugeVec
}

// NewCollector creates and registers the collectors. Pass nil to register
// on the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Name:      "agent_invocations_total",
			Help:      "Agent invocations by ensemble, agent and outcome.",
		}, []string{"ensemble", "agent", "success"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "podium",
			Name:      "agent_duration_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"ensemble", "agent"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Name:      "agent_cache_hits_total",
			Help:      "Agent invocations served from the per-run cache.",
		}, []string{"ensemble", "agent"}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Name:      "suspensions_total",
			Help:      "Executions suspended awaiting resumption.",
		}, []string{"ensemble"}),
		loopLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Name:      "loop_limit_reached_total",
			Help:      "While loops stopped by their iteration bound.",
		}, []string{"ensemble"}),
		activeRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "podium",
			Name:      "active_runs",
			Help:      "In-flight ensemble executions.",
		}, []string{"ensemble"}),
	}

	reg.MustRegister(c.invocations, c.duration, c.cacheHits, c.suspensions, c.loopLimits, c.activeRuns)
	return c
}

// ObserveInvocation records one agent invocation.
func (c *Collector) ObserveInvocation(ensemble, agent string, d time.Duration, cached, success bool) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(ensemble, agent, strconv.FormatBool(success)).Inc()
	if cached {
		c.cacheHits.WithLabelValues(ensemble, agent).Inc()
		return
	}
	c.duration.WithLabelValues(ensemble, agent).Observe(d.Seconds())
}

// Suspended records one execution suspension.
func (c *Collector) Suspended(ensemble string) {
	if c == nil {
		return
	}
	c.suspensions.WithLabelValues(ensemble).Inc()
}

// LoopLimitReached records a while loop hitting its iteration bound.
func (c *Collector) LoopLimitReached(ensemble string) {
	if c == nil {
		return
	}
	c.loopLimits.WithLabelValues(ensemble).Inc()
}

// RunStarted and RunFinished bracket an execution for the active gauge.
func (c *Collector) RunStarted(ensemble string) {
	if c == nil {
		return
	}
	c.activeRuns.WithLabelValues(ensemble).Inc()
}

// RunFinished decrements the active run gauge.
func (c *Collector) RunFinished(ensemble string) {
	if c == nil {
		return
	}
	c.activeRuns.WithLabelValues(ensemble).Dec()
}
