package ensemble

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podium-run/podium/pkg/agent"
	"github.com/podium-run/podium/pkg/errors"
	"github.com/podium-run/podium/pkg/store"
)

func newSuspendableEngine(t *testing.T, agents ...agent.Agent) (*Engine, *ResumptionManager) {
	t.Helper()
	mgr := NewResumptionManager(store.NewMemoryStore()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return newTestEngine(t, agents...).WithResumption(mgr), mgr
}

// approvalFlow is a five-step flow with an approval gate in the middle.
func approvalFlow() *Definition {
	return &Definition{
		Name: "deploy",
		Flow: []Step{
			{ID: "plan", Agent: "plan"},
			{ID: "build", Agent: "build"},
			{ID: "gate", Agent: "approval.gate", Input: map[string]any{
				"reason": "'awaiting deployment approval'",
			}},
			{ID: "deploy", Agent: "deploy"},
			{ID: "verify", Agent: "verify", Input: map[string]any{
				"plan":     "steps.plan.artifact",
				"approval": "steps.gate.approved",
			}},
		},
	}
}

func approvalAgents(t *testing.T, verifySaw *map[string]any) []agent.Agent {
	t.Helper()
	return []agent.Agent{
		constant("plan", map[string]any{"artifact": "plan-v1"}),
		constant("build", map[string]any{"image": "app:1"}),
		constant("deploy", map[string]any{"deployed": true}),
		fn("verify", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			*verifySaw = inv.Input
			return map[string]any{"status": "verified"}, nil
		}),
	}
}

func TestSuspendAndResumeCompletesFlow(t *testing.T) {
	var verifySaw map[string]any
	e, _ := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	require.NotNil(t, result.Suspended, "the gate should park the run")
	assert.Nil(t, result.Output)

	meta := result.Suspended
	assert.NotEmpty(t, meta.Token)
	assert.Equal(t, "deploy", meta.Ensemble)
	assert.Equal(t, "gate", meta.SuspendedBy)
	assert.Equal(t, SuspensionPending, meta.Status)
	assert.Contains(t, meta.Reason, "deployment approval")

	// The suspended step has not completed: only the two finished steps
	// have metrics.
	assert.Len(t, result.Metrics.Agents, 2)

	final, err := e.Resume(context.Background(), meta.Token, map[string]any{"approved": true})
	require.NoError(t, err)
	require.Nil(t, final.Suspended)
	assert.Equal(t, map[string]any{"status": "verified"}, final.Output)

	// Pre-suspension outputs survive the snapshot round-trip and stay
	// addressable by later steps.
	assert.Equal(t, "plan-v1", verifySaw["plan"])
	assert.Equal(t, true, verifySaw["approval"])

	// Two before the gate, the resumed gate itself, two after: the
	// combined metrics cover every step exactly once.
	assert.Len(t, final.Metrics.Agents, 5)
}

func TestResumeTokenIsSingleUse(t *testing.T) {
	var verifySaw map[string]any
	e, _ := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	token := result.Suspended.Token

	_, err = e.Resume(context.Background(), token, map[string]any{"approved": true})
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), token, nil)
	var notFound *errors.SuspensionNotFoundError
	require.ErrorAs(t, err, &notFound, "a consumed token must not replay")
}

func TestSuspensionExpires(t *testing.T) {
	var verifySaw map[string]any
	e, mgr := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	token := result.Suspended.Token

	mgr.now = func() time.Time { return time.Now().Add(DefaultSuspensionTTL + time.Hour) }

	_, err = e.Resume(context.Background(), token, nil)
	var expired *errors.SuspensionExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, token, expired.Token)
}

func TestApproveThenResume(t *testing.T) {
	var verifySaw map[string]any
	e, mgr := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	token := result.Suspended.Token

	require.NoError(t, mgr.Approve(context.Background(), token, "sre-oncall", "looks safe"))

	meta, err := mgr.Metadata(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, SuspensionReady, meta.Status)
	require.NotNil(t, meta.Approval)
	assert.True(t, meta.Approval.Approved)
	assert.Equal(t, "sre-oncall", meta.Approval.By)

	final, err := e.Resume(context.Background(), token, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "verified"}, final.Output)
}

func TestRejectBlocksResume(t *testing.T) {
	var verifySaw map[string]any
	e, mgr := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	token := result.Suspended.Token

	require.NoError(t, mgr.Reject(context.Background(), token, "sre-oncall", "too risky"))

	_, err = e.Resume(context.Background(), token, nil)
	require.Error(t, err)

	// The rejected record remains inspectable.
	meta, metaErr := mgr.Metadata(context.Background(), token)
	require.NoError(t, metaErr)
	assert.Equal(t, SuspensionRejected, meta.Status)
}

func TestDecisionRequiresPendingStatus(t *testing.T) {
	var verifySaw map[string]any
	e, mgr := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	token := result.Suspended.Token

	require.NoError(t, mgr.Approve(context.Background(), token, "a", ""))
	err = mgr.Approve(context.Background(), token, "b", "")
	require.Error(t, err, "an already-decided suspension cannot be decided again")
}

func TestCancelDiscardsSuspension(t *testing.T) {
	var verifySaw map[string]any
	e, mgr := newSuspendableEngine(t, approvalAgents(t, &verifySaw)...)

	result, err := e.Run(context.Background(), approvalFlow(), nil)
	require.NoError(t, err)
	token := result.Suspended.Token

	require.NoError(t, mgr.Cancel(context.Background(), token))

	_, err = e.Resume(context.Background(), token, nil)
	var notFound *errors.SuspensionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSuspendWithoutManagerFails(t *testing.T) {
	e := newTestEngine(t, constant("noop", map[string]any{}))

	def := &Definition{
		Name: "unmanaged",
		Flow: []Step{{ID: "gate", Agent: "approval.gate"}},
	}

	_, err := e.Run(context.Background(), def, nil)
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSuspendedStatePersistsAcrossResume(t *testing.T) {
	e, _ := newSuspendableEngine(t,
		fn("remember", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			require.NoError(t, inv.State.Set("note", "before the gate"))
			return map[string]any{}, nil
		}),
		fn("recall", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			v, err := inv.State.Get("note")
			if err != nil {
				return nil, err
			}
			return map[string]any{"note": v}, nil
		}),
	)

	def := &Definition{
		Name: "stateful-suspend",
		Flow: []Step{
			{ID: "remember", Agent: "remember", State: &StateUse{Set: []string{"note"}}},
			{ID: "gate", Agent: "approval.gate"},
			{ID: "recall", Agent: "recall", State: &StateUse{Use: []string{"note"}}},
		},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Suspended)

	final, err := e.Resume(context.Background(), result.Suspended.Token, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"note": "before the gate"}, final.Output)
}

func TestSuspensionMetadataCarriesPayload(t *testing.T) {
	e, mgr := newSuspendableEngine(t)

	def := &Definition{
		Name: "payloads",
		Flow: []Step{{
			ID:    "gate",
			Agent: "approval.gate",
			Input: map[string]any{
				"reason":      "'budget override'",
				"ttl_seconds": 600,
				"amount":      12500,
			},
		}},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Suspended)

	meta, err := mgr.Metadata(context.Background(), result.Suspended.Token)
	require.NoError(t, err)
	assert.Equal(t, "budget override", meta.Reason)
	assert.Equal(t, float64(12500), meta.Payload["amount"], "gate input is surfaced to approvers")
	assert.WithinDuration(t, meta.SuspendedAt.Add(10*time.Minute), meta.ExpiresAt, time.Second)
}

func TestResumeDeliversPayloadToNestedGate(t *testing.T) {
	var prepCalls atomic.Int32
	var afterSaw map[string]any
	e, _ := newSuspendableEngine(t,
		fn("prep", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			prepCalls.Add(1)
			return map[string]any{"ready": true}, nil
		}),
		fn("after", func(ctx context.Context, inv *agent.Invocation) (map[string]any, error) {
			afterSaw = inv.Input
			return map[string]any{"done": true}, nil
		}),
	)

	def := &Definition{
		Name: "guarded-deploy",
		Flow: []Step{{
			Type: StepTry,
			ID:   "guarded",
			Steps: []Step{
				{ID: "prep", Agent: "prep"},
				{ID: "gate", Agent: "approval.gate", Input: map[string]any{
					"reason": "'awaiting approval'",
				}},
				{ID: "after", Agent: "after", Input: map[string]any{
					"approved": "steps.gate.approved",
				}},
			},
		}},
	}

	result, err := e.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Suspended)
	assert.Equal(t, "gate", result.Suspended.SuspendedBy)
	assert.Equal(t, int32(1), prepCalls.Load())

	// Resumption re-enters the whole construct: prep runs again, but the
	// payload must reach the gate, not the first leaf replayed before it.
	resumed, err := e.Resume(context.Background(), result.Suspended.Token, map[string]any{"approved": true})
	require.NoError(t, err)
	require.Nil(t, resumed.Suspended, "the gate should consume the payload instead of suspending again")

	assert.Equal(t, int32(2), prepCalls.Load())
	assert.Equal(t, map[string]any{"approved": true}, afterSaw)
}
