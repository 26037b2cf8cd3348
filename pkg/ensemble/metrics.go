package ensemble

import "time"

// AgentMetric records one agent invocation. Immutable once recorded.
type AgentMetric struct {
	// Name is the resolved agent name.
	Name string `json:"name"`

	// Duration is the wall-clock time of the invocation. Zero for cache
	// hits.
	Duration time.Duration `json:"duration"`

	// Cached marks the invocation as served from the per-run cache.
	Cached bool `json:"cached"`

	// Success reports whether the invocation returned without error.
	Success bool `json:"success"`
}

// RunMetrics accumulates per-ensemble statistics for one run, including
// runs that span a suspend/resume boundary. Errors surfaced by the engine
// carry the metrics accumulated up to the failure point.
type RunMetrics struct {
	// Ensemble is the definition name.
	Ensemble string `json:"ensemble"`

	// TotalDuration is the engine-side wall-clock time, summed across
	// resumptions.
	TotalDuration time.Duration `json:"total_duration"`

	// CacheHits counts invocations served from the per-run cache.
	CacheHits int `json:"cache_hits"`

	// Agents lists one entry per agent invocation, in invocation order.
	Agents []AgentMetric `json:"agents"`

	// StateAccess is the audited shared-state access log.
	StateAccess []AccessEntry `json:"state_access"`

	// LoopLimitReached counts while loops that exhausted their iteration
	// bound without the condition turning false. Informational, not an
	// error.
	LoopLimitReached int `json:"loop_limit_reached,omitempty"`
}
