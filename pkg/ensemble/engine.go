package ensemble

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/podium-run/podium/internal/metrics"
	"github.com/podium-run/podium/pkg/agent"
	"github.com/podium-run/podium/pkg/ensemble/expression"
	"github.com/podium-run/podium/pkg/errors"
)

// DefaultParallelConcurrency bounds parallel construct children when a
// step names no max_concurrency of its own.
const DefaultParallelConcurrency = 3

// Engine executes ensembles. Construct one with New and the WithX
// builders, then call Run and Resume; a single Engine is safe for
// concurrent use, with each run owning its own execution context.
type Engine struct {
	registry   *agent.Registry
	resumption *ResumptionManager
	eval       *expression.Evaluator
	logger     *slog.Logger
	tracer     trace.Tracer
	limiter    *rate.Limiter
	collector  *metrics.Collector

	stepTimeout      time.Duration
	parallelLimit    int
	allowSkippedDeps bool
}

// New creates an engine over the given agent registry. A nil registry
// gets a fresh one preloaded with the builtin agents.
func New(registry *agent.Registry) *Engine {
	if registry == nil {
		registry = agent.NewRegistry()
	}
	return &Engine{
		registry:      registry,
		eval:          expression.New(),
		logger:        slog.Default(),
		tracer:        otel.Tracer("podium/ensemble"),
		parallelLimit: DefaultParallelConcurrency,
	}
}

// WithLogger sets the structured logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithResumption enables suspend/resume through the given manager.
// Without one, a suspending agent fails the run.
func (e *Engine) WithResumption(mgr *ResumptionManager) *Engine {
	e.resumption = mgr
	return e
}

// WithRateLimiter gates agent invocations through the given limiter.
func (e *Engine) WithRateLimiter(limiter *rate.Limiter) *Engine {
	e.limiter = limiter
	return e
}

// WithCollector enables Prometheus instrumentation.
func (e *Engine) WithCollector(c *metrics.Collector) *Engine {
	e.collector = c
	return e
}

// WithStepTimeout sets the default per-step timeout applied when a step
// declares none. Zero means unbounded.
func (e *Engine) WithStepTimeout(d time.Duration) *Engine {
	e.stepTimeout = d
	return e
}

// WithParallelConcurrency sets the default parallel child bound.
func (e *Engine) WithParallelConcurrency(n int) *Engine {
	if n > 0 {
		e.parallelLimit = n
	}
	return e
}

// WithTracer sets the OpenTelemetry tracer.
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	if t != nil {
		e.tracer = t
	}
	return e
}

// AllowSkippedDependencies makes depends_on accept skipped dependencies
// in addition to succeeded ones.
func (e *Engine) AllowSkippedDependencies() *Engine {
	e.allowSkippedDeps = true
	return e
}

// Registry exposes the engine's agent registry for registration.
func (e *Engine) Registry() *agent.Registry {
	return e.registry
}

// Result is the outcome of a run or a resumed segment.
type Result struct {
	// Output is the run output: the Output mapping when the definition
	// declares one, otherwise the last step's output. Nil when suspended
	// or failed.
	Output map[string]any `json:"output,omitempty"`

	// Metrics covers the whole execution up to this point, including
	// segments before a suspension.
	Metrics RunMetrics `json:"metrics"`

	// Scores holds per-step scoring state for scored steps.
	Scores map[string]*ScoreState `json:"scores,omitempty"`

	// Suspended is set instead of Output when the run paused awaiting
	// resumption.
	Suspended *SuspensionMeta `json:"suspended,omitempty"`
}

// Run validates and executes an ensemble from the start.
func (e *Engine) Run(ctx context.Context, def *Definition, input map[string]any) (*Result, error) {
	if def == nil {
		return nil, &errors.ValidationError{Field: "definition", Message: "definition is required"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := e.registry.AddInline(def.Agents); err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(def.Inputs)+len(input))
	for k, v := range def.Inputs {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}

	var initial map[string]any
	if def.State != nil {
		initial = def.State.Initial
	}
	ec := NewExecContext(merged, initial)

	return e.execute(ctx, def, ec, 0, RunMetrics{Ensemble: def.Name}, nil, "")
}

// Resume loads a suspension by token, consumes it, and continues the run
// from the step that suspended. resumeInput is delivered to that step's
// agent as its resume payload.
func (e *Engine) Resume(ctx context.Context, token string, resumeInput map[string]any) (*Result, error) {
	if e.resumption == nil {
		return nil, resumptionUnconfigured()
	}
	susp, err := e.resumption.Resume(ctx, token)
	if err != nil {
		return nil, err
	}
	return e.ResumeSuspension(ctx, susp, resumeInput)
}

// ResumeSuspension continues execution from an already-loaded suspension.
func (e *Engine) ResumeSuspension(ctx context.Context, susp *Suspension, resumeInput map[string]any) (*Result, error) {
	if susp == nil || susp.Definition == nil || susp.Context == nil {
		return nil, &errors.ValidationError{Field: "suspension", Message: "suspension carries no execution snapshot"}
	}
	if err := e.registry.AddInline(susp.Definition.Agents); err != nil {
		return nil, err
	}
	e.logger.Info("resuming execution",
		"ensemble", susp.Definition.Name,
		"resume_from", susp.ResumeFrom,
	)
	return e.execute(ctx, susp.Definition, susp.Context, susp.ResumeFrom, susp.Metrics, resumeInput, susp.Meta.SuspendedBy)
}

// execute drives one segment of a run: from a fresh start or from a
// resumption point, to completion, failure or the next suspension.
func (e *Engine) execute(ctx context.Context, def *Definition, ec *ExecContext, start int, base RunMetrics, resumeInput map[string]any, resumeStep string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "ensemble.execute",
		trace.WithAttributes(
			attribute.String("ensemble.name", def.Name),
			attribute.Int("ensemble.start_index", start),
		),
	)
	defer span.End()

	e.collector.RunStarted(def.Name)
	defer e.collector.RunFinished(def.Name)

	r := &run{
		engine:     e,
		def:        def,
		ec:         ec,
		metrics:    &base,
		cache:      make(map[string]map[string]any),
		lastInputs: make(map[string]map[string]any),
		resume:     resumeInput,
		resumeStep: resumeStep,
	}

	began := time.Now()
	var out map[string]any
	var err error
	if def.HasControlFlow() {
		out, err = r.runGraph(ctx, start)
	} else {
		out, err = r.runLinear(ctx, start)
	}
	r.metrics.TotalDuration += time.Since(began)
	r.metrics.StateAccess = ec.Report.Entries

	result := &Result{Metrics: *r.metrics, Scores: ec.Scores}

	if err != nil {
		var sp *suspendPoint
		if stderrors.As(err, &sp) {
			return e.suspend(ctx, span, def, ec, sp, result)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Partial metrics travel with the failure.
		return result, err
	}

	if len(def.Output) > 0 {
		out, err = r.resolveOutput(def.Output)
		if err != nil {
			span.RecordError(err)
			return result, err
		}
	}
	result.Output = out
	span.SetStatus(codes.Ok, "")
	e.logger.Info("execution complete",
		"ensemble", def.Name,
		"duration", r.metrics.TotalDuration,
		"agents", len(r.metrics.Agents),
		"cache_hits", r.metrics.CacheHits,
	)
	return result, nil
}

func (e *Engine) suspend(ctx context.Context, span trace.Span, def *Definition, ec *ExecContext, sp *suspendPoint, result *Result) (*Result, error) {
	if e.resumption == nil {
		err := resumptionUnconfigured()
		span.RecordError(err)
		return result, err
	}

	snapshot, err := ec.Clone()
	if err != nil {
		return result, err
	}

	meta, err := e.resumption.Suspend(ctx, &Suspension{
		Definition: def,
		Context:    snapshot,
		ResumeFrom: sp.index,
		Metrics:    result.Metrics,
	}, SuspendOptions{
		Reason:  sp.req.Reason,
		By:      sp.step,
		TTL:     sp.req.TTL,
		Payload: sp.req.Payload,
	})
	if err != nil {
		return result, err
	}

	result.Suspended = meta
	e.collector.Suspended(def.Name)
	span.AddEvent("ensemble.suspended", trace.WithAttributes(
		attribute.String("suspension.step", sp.step),
		attribute.Int("suspension.index", sp.index),
	))
	return result, nil
}

// resolveOutput maps the declared output expressions over the final
// context.
func (r *run) resolveOutput(mapping map[string]any) (map[string]any, error) {
	sc := r.topScope()
	out := make(map[string]any, len(mapping))
	for key, raw := range mapping {
		expr, ok := raw.(string)
		if !ok {
			out[key] = raw
			continue
		}
		value, err := r.engine.eval.Value(expr, r.env(sc, nil))
		if err != nil {
			return nil, fmt.Errorf("resolve output %q: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

func resumptionUnconfigured() error {
	return &errors.ConfigurationError{
		Field:      "resumption",
		Message:    "no resumption manager configured",
		Suggestion: "attach one with Engine.WithResumption before running ensembles that suspend",
	}
}
