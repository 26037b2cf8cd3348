package ensemble

import (
	"sync"
	"time"

	"github.com/podium-run/podium/pkg/errors"
)

// stateView is the permitted slice of shared state handed to one agent
// invocation. Reads are checked against the step's declared use set; writes
// are checked against the set set and staged until the step succeeds, so a
// failed or timed-out step never touches shared state.
type stateView struct {
	run    *run
	stepID string
	uses   map[string]bool
	sets   map[string]bool

	// mu guards staged: a timed-out agent may still be writing while the
	// engine discards.
	mu     sync.Mutex
	staged map[string]any
}

func newStateView(r *run, stepID string, decl *StateUse) *stateView {
	v := &stateView{
		run:    r,
		stepID: stepID,
		uses:   make(map[string]bool),
		sets:   make(map[string]bool),
		staged: make(map[string]any),
	}
	if decl != nil {
		for _, f := range decl.Use {
			v.uses[f] = true
		}
		for _, f := range decl.Set {
			v.sets[f] = true
		}
	}
	return v
}

// Get reads a declared-readable field from the shared snapshot.
func (v *stateView) Get(field string) (any, error) {
	if !v.uses[field] {
		v.record(field, AccessRead, true)
		return nil, &errors.StateAccessError{StepID: v.stepID, Field: field, Mode: "read"}
	}
	v.record(field, AccessRead, false)

	v.run.mu.Lock()
	defer v.run.mu.Unlock()
	return v.run.ec.State[field], nil
}

// Set stages a write to a declared-writable field.
func (v *stateView) Set(field string, value any) error {
	if !v.sets[field] {
		v.record(field, AccessWrite, true)
		return &errors.StateAccessError{StepID: v.stepID, Field: field, Mode: "write"}
	}
	v.record(field, AccessWrite, false)
	v.mu.Lock()
	v.staged[field] = value
	v.mu.Unlock()
	return nil
}

// visible returns the declared-readable slice of the current state, used as
// the "state" namespace for this step's input expressions.
func (v *stateView) visible() map[string]any {
	v.run.mu.Lock()
	defer v.run.mu.Unlock()

	out := make(map[string]any, len(v.uses))
	for field := range v.uses {
		if val, ok := v.run.ec.State[field]; ok {
			out[field] = val
		}
	}
	return out
}

// commit applies staged writes to the shared snapshot. Called only after
// the step succeeds.
func (v *stateView) commit() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.staged) == 0 {
		return
	}
	v.run.mu.Lock()
	defer v.run.mu.Unlock()
	for field, value := range v.staged {
		v.run.ec.State[field] = value
	}
}

// discard drops staged writes without applying them.
func (v *stateView) discard() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.staged = make(map[string]any)
}

func (v *stateView) record(field string, mode AccessMode, violation bool) {
	v.run.mu.Lock()
	defer v.run.mu.Unlock()
	v.run.ec.Report.Entries = append(v.run.ec.Report.Entries, AccessEntry{
		StepID:    v.stepID,
		Field:     field,
		Mode:      mode,
		Violation: violation,
		At:        time.Now(),
	})
}
