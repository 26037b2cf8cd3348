package ensemble

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/podium-run/podium/pkg/errors"
	"github.com/podium-run/podium/pkg/store"
)

// DefaultSuspensionTTL bounds how long a suspension waits for resumption
// when the suspending agent names no TTL of its own.
const DefaultSuspensionTTL = 72 * time.Hour

// SuspensionStatus is the lifecycle state of a stored suspension.
type SuspensionStatus string

const (
	// SuspensionPending awaits input or approval.
	SuspensionPending SuspensionStatus = "pending"
	// SuspensionReady has been approved and may resume.
	SuspensionReady SuspensionStatus = "ready"
	// SuspensionRejected was declined by an approver.
	SuspensionRejected SuspensionStatus = "rejected"
)

// SuspensionMeta is the queryable header of a suspension: everything an
// approver needs without loading the execution snapshot.
type SuspensionMeta struct {
	// Token is the unique, single-use resumption handle.
	Token string `json:"token"`

	// Ensemble names the suspended ensemble.
	Ensemble string `json:"ensemble"`

	// Reason describes why the run suspended.
	Reason string `json:"reason,omitempty"`

	// SuspendedBy names the step that triggered the suspension.
	SuspendedBy string `json:"suspended_by,omitempty"`

	SuspendedAt time.Time `json:"suspended_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	Status SuspensionStatus `json:"status"`

	// Payload carries agent-provided context for approvers.
	Payload map[string]any `json:"payload,omitempty"`

	// Approval records the approve/reject decision, when one was made.
	Approval *ApprovalRecord `json:"approval,omitempty"`
}

// ApprovalRecord captures who decided a pending suspension and how.
type ApprovalRecord struct {
	Approved bool      `json:"approved"`
	By       string    `json:"by,omitempty"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

// Suspension is the full persisted record: metadata plus the execution
// snapshot needed to reconstruct the run exactly where it paused.
type Suspension struct {
	Meta SuspensionMeta `json:"meta"`

	// Definition is the ensemble being executed, embedded so resumption
	// does not depend on the caller still holding it.
	Definition *Definition `json:"definition"`

	// Context is the deep-copied execution context at suspension time.
	Context *ExecContext `json:"context"`

	// ResumeFrom is the top-level flow index of the suspended step.
	ResumeFrom int `json:"resume_from"`

	// Metrics accumulated before the suspension; the resumed segment
	// appends to these.
	Metrics RunMetrics `json:"metrics"`
}

// SuspendOptions parameterize one suspension.
type SuspendOptions struct {
	Reason  string
	By      string
	TTL     time.Duration
	Payload map[string]any
}

// ResumptionManager persists and retrieves suspensions through a Store.
// Tokens are single-use: a successful Resume consumes the record, and a
// replayed token fails with SuspensionNotFoundError.
type ResumptionManager struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewResumptionManager wraps the given store with the default TTL.
func NewResumptionManager(st store.Store) *ResumptionManager {
	return &ResumptionManager{
		store:  st,
		ttl:    DefaultSuspensionTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithDefaultTTL overrides the TTL used when a suspension names none.
func (m *ResumptionManager) WithDefaultTTL(ttl time.Duration) *ResumptionManager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// WithLogger sets the structured logger.
func (m *ResumptionManager) WithLogger(logger *slog.Logger) *ResumptionManager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Suspend persists the snapshot and returns its metadata, including the
// freshly minted token.
func (m *ResumptionManager) Suspend(ctx context.Context, susp *Suspension, opts SuspendOptions) (*SuspensionMeta, error) {
	if susp.Definition == nil || susp.Context == nil {
		return nil, &errors.ValidationError{
			Field:   "suspension",
			Message: "suspension requires a definition and an execution context",
		}
	}
	if susp.ResumeFrom < 0 || susp.ResumeFrom >= len(susp.Definition.Flow) {
		return nil, &errors.ValidationError{
			Field:   "resume_from",
			Message: fmt.Sprintf("resume index %d outside flow of %d steps", susp.ResumeFrom, len(susp.Definition.Flow)),
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()

	susp.Meta = SuspensionMeta{
		Token:       uuid.NewString(),
		Ensemble:    susp.Definition.Name,
		Reason:      opts.Reason,
		SuspendedBy: opts.By,
		SuspendedAt: now,
		ExpiresAt:   now.Add(ttl),
		Status:      SuspensionPending,
		Payload:     opts.Payload,
	}

	if err := m.put(ctx, susp, ttl); err != nil {
		return nil, err
	}

	m.logger.Info("execution suspended",
		"ensemble", susp.Meta.Ensemble,
		"token", susp.Meta.Token,
		"step", susp.Meta.SuspendedBy,
		"expires_at", susp.Meta.ExpiresAt,
	)
	meta := susp.Meta
	return &meta, nil
}

// Resume loads and consumes a suspension. Only pending and ready
// suspensions resume; rejected ones stay stored until expiry for audit.
func (m *ResumptionManager) Resume(ctx context.Context, token string) (*Suspension, error) {
	susp, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if susp.Meta.Status == SuspensionRejected {
		return nil, &errors.ValidationError{
			Field:   "token",
			Message: fmt.Sprintf("suspension %s was rejected and cannot resume", token),
		}
	}

	if err := m.store.Delete(ctx, m.key(token)); err != nil {
		return nil, fmt.Errorf("consume suspension %s: %w", token, err)
	}
	m.logger.Info("suspension consumed", "ensemble", susp.Meta.Ensemble, "token", token)
	return susp, nil
}

// Cancel discards a suspension without resuming it.
func (m *ResumptionManager) Cancel(ctx context.Context, token string) error {
	if _, err := m.load(ctx, token); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, m.key(token)); err != nil {
		return fmt.Errorf("cancel suspension %s: %w", token, err)
	}
	m.logger.Info("suspension cancelled", "token", token)
	return nil
}

// Metadata returns the suspension header without consuming the token.
func (m *ResumptionManager) Metadata(ctx context.Context, token string) (*SuspensionMeta, error) {
	susp, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	meta := susp.Meta
	return &meta, nil
}

// Approve moves a pending suspension to ready.
func (m *ResumptionManager) Approve(ctx context.Context, token, by, note string) error {
	return m.decide(ctx, token, by, note, true)
}

// Reject declines a pending suspension; it can no longer resume.
func (m *ResumptionManager) Reject(ctx context.Context, token, by, note string) error {
	return m.decide(ctx, token, by, note, false)
}

func (m *ResumptionManager) decide(ctx context.Context, token, by, note string, approved bool) error {
	susp, err := m.load(ctx, token)
	if err != nil {
		return err
	}
	if susp.Meta.Status != SuspensionPending {
		return &errors.ValidationError{
			Field:   "token",
			Message: fmt.Sprintf("suspension %s is %s, not pending", token, susp.Meta.Status),
		}
	}

	if approved {
		susp.Meta.Status = SuspensionReady
	} else {
		susp.Meta.Status = SuspensionRejected
	}
	susp.Meta.Approval = &ApprovalRecord{
		Approved: approved,
		By:       by,
		Note:     note,
		At:       m.now(),
	}

	remaining := time.Until(susp.Meta.ExpiresAt)
	if err := m.put(ctx, susp, remaining); err != nil {
		return err
	}
	m.logger.Info("suspension decided",
		"token", token, "approved", approved, "by", by)
	return nil
}

func (m *ResumptionManager) put(ctx context.Context, susp *Suspension, ttl time.Duration) error {
	data, err := json.Marshal(susp)
	if err != nil {
		return fmt.Errorf("encode suspension: %w", err)
	}
	if err := m.store.Put(ctx, m.key(susp.Meta.Token), data, ttl); err != nil {
		return fmt.Errorf("persist suspension %s: %w", susp.Meta.Token, err)
	}
	return nil
}

func (m *ResumptionManager) load(ctx context.Context, token string) (*Suspension, error) {
	data, err := m.store.Get(ctx, m.key(token))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, &errors.SuspensionNotFoundError{Token: token}
		}
		return nil, fmt.Errorf("load suspension %s: %w", token, err)
	}

	var susp Suspension
	if err := json.Unmarshal(data, &susp); err != nil {
		return nil, fmt.Errorf("decode suspension %s: %w", token, err)
	}

	if m.now().After(susp.Meta.ExpiresAt) {
		_ = m.store.Delete(ctx, m.key(token))
		return nil, &errors.SuspensionExpiredError{Token: token, ExpiredAt: susp.Meta.ExpiresAt}
	}
	return &susp, nil
}

func (m *ResumptionManager) key(token string) string {
	return "suspension:" + token
}
