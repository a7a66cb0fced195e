package fsm

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/jobs/stagedef"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// CourseStateStore is the conditional-update primitive the machine runs on.
// UpdateStageStateIf must apply newState only when the row currently holds
// expectedState, reporting whether any row changed. The implementation lives
// in the course repo; tests substitute an in-memory fake.
type CourseStateStore interface {
	GetStageState(dbc dbctx.Context, courseID uuid.UUID) (string, error)
	UpdateStageStateIf(dbc dbctx.Context, courseID uuid.UUID, expectedState, newState string, extra map[string]any) (bool, error)
}

// Outcome of one transition attempt.
type Outcome int

const (
	// Applied: this caller performed the state change.
	Applied Outcome = iota
	// NoopAlready: another worker already moved the course to the target
	// state or beyond; the retried call is a benign no-op.
	NoopAlready
	// NoopClosed: the course is terminally failed/cancelled/completed and the
	// caller should discard its work.
	NoopClosed
)

// Machine owns every stage_state mutation for courses. All writes go through
// the conditional-update store, so concurrent workers racing on the same
// course can never produce a transition outside the table.
type Machine struct {
	store CourseStateStore
	log   *logger.Logger
}

func New(store CourseStateStore, baseLog *logger.Logger) *Machine {
	return &Machine{store: store, log: baseLog.With("component", "StageMachine")}
}

// InitStage moves the course into stage N's init state. The course must be
// in the previous stage's complete state (or pending for the first stage).
// Idempotent under concurrent retries: a second caller observing the course
// already at or past the target no-ops instead of erroring.
func (m *Machine) InitStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) (Outcome, error) {
	stage, err := stagedef.ByID(stageID)
	if err != nil {
		return NoopClosed, err
	}
	expected := stagedef.StatePending
	if prev, ok := stagedef.Prev(stageID); ok {
		expected = prev.CompleteState
	}
	return m.transition(dbc, courseID, expected, stage.InitState, nil)
}

// BeginProcessing moves stage_N_init -> stage_N_processing. ensureUnits (may
// be nil) runs after the init state is confirmed and before the transition,
// so the stage's StageUnits exist before any worker can observe the
// processing state. ensureUnits must itself be idempotent.
func (m *Machine) BeginProcessing(dbc dbctx.Context, courseID uuid.UUID, stageID int, ensureUnits func() error) (Outcome, error) {
	stage, err := stagedef.ByID(stageID)
	if err != nil {
		return NoopClosed, err
	}
	if ensureUnits != nil {
		cur, err := m.store.GetStageState(dbc, courseID)
		if err != nil {
			return NoopClosed, &faults.InfraError{Op: "fsm.begin_processing", Err: err}
		}
		if cur == stage.InitState {
			if err := ensureUnits(); err != nil {
				return NoopClosed, err
			}
		}
	}
	return m.transition(dbc, courseID, stage.InitState, stage.ProcessingState, nil)
}

// CompleteStage moves stage_N_processing -> stage_N_complete. Callers must
// only invoke it once the tracker reports the stage unit-complete.
func (m *Machine) CompleteStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) (Outcome, error) {
	stage, err := stagedef.ByID(stageID)
	if err != nil {
		return NoopClosed, err
	}
	return m.transition(dbc, courseID, stage.ProcessingState, stage.CompleteState, nil)
}

// BeginFinalize moves the last stage's complete state -> finalizing.
func (m *Machine) BeginFinalize(dbc dbctx.Context, courseID uuid.UUID) (Outcome, error) {
	return m.transition(dbc, courseID, stagedef.Last().CompleteState, stagedef.StateFinalizing, nil)
}

// Complete moves finalizing -> completed.
func (m *Machine) Complete(dbc dbctx.Context, courseID uuid.UUID) (Outcome, error) {
	return m.transition(dbc, courseID, stagedef.StateFinalizing, stagedef.StateCompleted, nil)
}

// Fail moves any non-terminal state to failed. Terminal; later transition
// attempts on the course become closed no-ops.
func (m *Machine) Fail(dbc dbctx.Context, courseID uuid.UUID, reason string) (Outcome, error) {
	return m.close(dbc, courseID, stagedef.StateFailed, map[string]any{"fail_reason": reason})
}

// Cancel moves any non-terminal state to cancelled.
func (m *Machine) Cancel(dbc dbctx.Context, courseID uuid.UUID) (Outcome, error) {
	return m.close(dbc, courseID, stagedef.StateCancelled, nil)
}

func (m *Machine) transition(dbc dbctx.Context, courseID uuid.UUID, expected, next string, extra map[string]any) (Outcome, error) {
	ok, err := m.store.UpdateStageStateIf(dbc, courseID, expected, next, extra)
	if err != nil {
		return NoopClosed, &faults.InfraError{Op: "fsm.transition", Err: err}
	}
	if ok {
		m.log.Info("Stage state advanced", "course_id", courseID, "from", expected, "to", next)
		return Applied, nil
	}
	cur, err := m.store.GetStageState(dbc, courseID)
	if err != nil {
		return NoopClosed, &faults.InfraError{Op: "fsm.reread", Err: err}
	}
	if Terminal(cur) {
		return NoopClosed, nil
	}
	if AtOrBeyond(cur, next) {
		// A faster worker already performed this transition (or a later one).
		m.log.Debug("Transition already applied, no-op", "course_id", courseID, "current", cur, "target", next)
		return NoopAlready, nil
	}
	return NoopClosed, &faults.InvalidTransitionError{CourseID: courseID, From: cur, To: next}
}

func (m *Machine) close(dbc dbctx.Context, courseID uuid.UUID, terminalState string, extra map[string]any) (Outcome, error) {
	// Closing races against every other transition, so it loops over the
	// observed state instead of asserting a single predecessor.
	for i := 0; i < 5; i++ {
		cur, err := m.store.GetStageState(dbc, courseID)
		if err != nil {
			return NoopClosed, &faults.InfraError{Op: "fsm.close", Err: err}
		}
		if Terminal(cur) {
			if cur == terminalState {
				return NoopAlready, nil
			}
			return NoopClosed, nil
		}
		ok, err := m.store.UpdateStageStateIf(dbc, courseID, cur, terminalState, extra)
		if err != nil {
			return NoopClosed, &faults.InfraError{Op: "fsm.close", Err: err}
		}
		if ok {
			m.log.Info("Course closed", "course_id", courseID, "from", cur, "to", terminalState)
			return Applied, nil
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return NoopClosed, &faults.InfraError{Op: "fsm.close", Err: fmt.Errorf("could not settle state for course %s", courseID)}
}
