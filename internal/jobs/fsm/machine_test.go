package fsm

import (
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type fakeStateStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]string
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: map[uuid.UUID]string{}}
}

func (f *fakeStateStore) GetStageState(dbc dbctx.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id], nil
}

func (f *fakeStateStore) UpdateStageStateIf(dbc dbctx.Context, id uuid.UUID, expected, next string, extra map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[id] != expected {
		return false, nil
	}
	f.states[id] = next
	return true, nil
}

func newTestMachine(t *testing.T) (*Machine, *fakeStateStore) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := newFakeStateStore()
	return New(store, log), store
}

func TestMachineHappyPath(t *testing.T) {
	m, store := newTestMachine(t)
	id := uuid.New()
	store.states[id] = "pending"
	dbc := dbctx.Context{}

	steps := []func() (Outcome, error){
		func() (Outcome, error) { return m.InitStage(dbc, id, 2) },
		func() (Outcome, error) { return m.BeginProcessing(dbc, id, 2, nil) },
		func() (Outcome, error) { return m.CompleteStage(dbc, id, 2) },
		func() (Outcome, error) { return m.InitStage(dbc, id, 3) },
		func() (Outcome, error) { return m.BeginProcessing(dbc, id, 3, nil) },
		func() (Outcome, error) { return m.CompleteStage(dbc, id, 3) },
		func() (Outcome, error) { return m.InitStage(dbc, id, 4) },
		func() (Outcome, error) { return m.BeginProcessing(dbc, id, 4, nil) },
		func() (Outcome, error) { return m.CompleteStage(dbc, id, 4) },
		func() (Outcome, error) { return m.InitStage(dbc, id, 5) },
		func() (Outcome, error) { return m.BeginProcessing(dbc, id, 5, nil) },
		func() (Outcome, error) { return m.CompleteStage(dbc, id, 5) },
		func() (Outcome, error) { return m.InitStage(dbc, id, 6) },
		func() (Outcome, error) { return m.BeginProcessing(dbc, id, 6, nil) },
		func() (Outcome, error) { return m.CompleteStage(dbc, id, 6) },
		func() (Outcome, error) { return m.BeginFinalize(dbc, id) },
		func() (Outcome, error) { return m.Complete(dbc, id) },
	}
	for i, step := range steps {
		out, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if out != Applied {
			t.Fatalf("step %d: outcome %v, want Applied", i, out)
		}
	}
	if store.states[id] != "completed" {
		t.Fatalf("final state %s", store.states[id])
	}
}

func TestMachineRetryAfterStateAdvanceIsNoop(t *testing.T) {
	// A worker that already moved the course into processing dies before
	// acking; the retried run must not error or move the state backwards.
	m, store := newTestMachine(t)
	id := uuid.New()
	store.states[id] = "stage_4_analyzing"
	dbc := dbctx.Context{}

	out, err := m.InitStage(dbc, id, 4)
	if err != nil {
		t.Fatalf("retried init: %v", err)
	}
	if out != NoopAlready {
		t.Fatalf("outcome %v, want NoopAlready", out)
	}
	if store.states[id] != "stage_4_analyzing" {
		t.Fatalf("state moved to %s", store.states[id])
	}

	out, err = m.BeginProcessing(dbc, id, 4, func() error {
		t.Fatal("ensureUnits must not run when already processing")
		return nil
	})
	if err != nil || out != NoopAlready {
		t.Fatalf("retried begin: outcome %v err %v", out, err)
	}
}

func TestMachineInvalidTransition(t *testing.T) {
	m, store := newTestMachine(t)
	id := uuid.New()
	store.states[id] = "stage_3_init"

	_, err := m.CompleteStage(dbctx.Context{}, id, 5)
	if !faults.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if store.states[id] != "stage_3_init" {
		t.Fatalf("state changed to %s", store.states[id])
	}
}

func TestMachineEnsureUnitsRunsBeforeProcessing(t *testing.T) {
	m, store := newTestMachine(t)
	id := uuid.New()
	store.states[id] = "stage_2_init"

	ran := false
	out, err := m.BeginProcessing(dbctx.Context{}, id, 2, func() error {
		ran = true
		if store.states[id] != "stage_2_init" {
			t.Fatal("units must be created before the processing transition")
		}
		return nil
	})
	if err != nil || out != Applied {
		t.Fatalf("outcome %v err %v", out, err)
	}
	if !ran {
		t.Fatal("ensureUnits did not run")
	}
	if store.states[id] != "stage_2_ingesting" {
		t.Fatalf("state %s", store.states[id])
	}
}

func TestMachineFailAndClosedNoops(t *testing.T) {
	m, store := newTestMachine(t)
	id := uuid.New()
	store.states[id] = "stage_5_structuring"
	dbc := dbctx.Context{}

	out, err := m.Fail(dbc, id, "provider unavailable")
	if err != nil || out != Applied {
		t.Fatalf("fail: outcome %v err %v", out, err)
	}
	if store.states[id] != "failed" {
		t.Fatalf("state %s", store.states[id])
	}

	// Everything after a terminal close is a discard signal, never an error.
	out, err = m.CompleteStage(dbc, id, 5)
	if err != nil || out != NoopClosed {
		t.Fatalf("post-fail complete: outcome %v err %v", out, err)
	}
	out, err = m.Fail(dbc, id, "again")
	if err != nil || out != NoopAlready {
		t.Fatalf("repeat fail: outcome %v err %v", out, err)
	}
	out, err = m.Cancel(dbc, id)
	if err != nil || out != NoopClosed {
		t.Fatalf("cancel after fail: outcome %v err %v", out, err)
	}
}

func TestMachineCancelMidPipeline(t *testing.T) {
	m, store := newTestMachine(t)
	id := uuid.New()
	store.states[id] = "stage_2_ingesting"

	out, err := m.Cancel(dbctx.Context{}, id)
	if err != nil || out != Applied {
		t.Fatalf("cancel: outcome %v err %v", out, err)
	}
	if store.states[id] != "cancelled" {
		t.Fatalf("state %s", store.states[id])
	}
}
