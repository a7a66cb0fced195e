package tracker

import (
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/stagedef"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// fakeUnitRepo mirrors the repo's conditional-update behavior in memory.
type fakeUnitRepo struct {
	mu    sync.Mutex
	units map[uuid.UUID]*domain.StageUnit
}

func newFakeUnitRepo() *fakeUnitRepo {
	return &fakeUnitRepo{units: map[uuid.UUID]*domain.StageUnit{}}
}

func (f *fakeUnitRepo) CreateBatch(dbc dbctx.Context, units []*domain.StageUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range units {
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		f.units[u.ID] = u
	}
	return nil
}

func (f *fakeUnitRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.StageUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StageUnit
	for _, id := range ids {
		if u, ok := f.units[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUnitRepo) GetByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) ([]*domain.StageUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StageUnit
	for _, u := range f.units {
		if u.CourseID == courseID && u.StageID == stageID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUnitRepo) CountByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) (repos.UnitStatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c repos.UnitStatusCounts
	for _, u := range f.units {
		if u.CourseID != courseID || u.StageID != stageID {
			continue
		}
		c.Total++
		switch u.UnitStatus {
		case domain.UnitPending:
			c.Pending++
		case domain.UnitActive:
			c.Active++
		case domain.UnitCompleted:
			c.Completed++
		case domain.UnitError:
			c.Errored++
		}
	}
	return c, nil
}

func (f *fakeUnitRepo) AdvanceStep(dbc dbctx.Context, unitID uuid.UUID, step string, newCompleted int, status domain.UnitStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok || u.UnitStatus.Terminal() || u.CompletedSteps >= newCompleted {
		return false, nil
	}
	u.CurrentStep = step
	u.CompletedSteps = newCompleted
	u.UnitStatus = status
	return true, nil
}

func (f *fakeUnitRepo) MarkTerminal(dbc dbctx.Context, unitID uuid.UUID, status domain.UnitStatus, errDetail string, needsHumanReview bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok || u.UnitStatus.Terminal() {
		return false, nil
	}
	u.UnitStatus = status
	u.Error = errDetail
	u.NeedsHumanReview = needsHumanReview
	return true, nil
}

func (f *fakeUnitRepo) IncrementAttempts(dbc dbctx.Context, unitID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[unitID]; ok {
		u.AttemptCount++
	}
	return nil
}

func newTestTracker(t *testing.T) (*Tracker, *fakeUnitRepo) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := newFakeUnitRepo()
	return New(repo, log), repo
}

func seedUnit(t *testing.T, repo *fakeUnitRepo, courseID uuid.UUID, stageID, ordinal int) *domain.StageUnit {
	t.Helper()
	u := &domain.StageUnit{
		CourseID:   courseID,
		StageID:    stageID,
		Ordinal:    ordinal,
		UnitStatus: domain.UnitPending,
	}
	if err := repo.CreateBatch(dbctx.Context{}, []*domain.StageUnit{u}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return u
}

func TestRecordStepProgressesToCompletion(t *testing.T) {
	tr, repo := newTestTracker(t)
	courseID := uuid.New()
	unit := seedUnit(t, repo, courseID, 2, 0)
	dbc := dbctx.Context{}

	// Steps of the ingest stage in order; the last one completes the unit.
	for _, step := range []string{"ingest_started", "fetch_document", "summarize_document"} {
		applied, err := tr.RecordStep(dbc, unit, step)
		if err != nil || !applied {
			t.Fatalf("step %s: applied=%v err=%v", step, applied, err)
		}
		if unit.UnitStatus != domain.UnitActive {
			t.Fatalf("after %s: status %s", step, unit.UnitStatus)
		}
	}
	applied, err := tr.RecordStep(dbc, unit, "ingest_finished")
	if err != nil || !applied {
		t.Fatalf("final step: applied=%v err=%v", applied, err)
	}
	if unit.UnitStatus != domain.UnitCompleted {
		t.Fatalf("status %s, want completed", unit.UnitStatus)
	}
}

func TestRecordStepMonotonic(t *testing.T) {
	tr, repo := newTestTracker(t)
	unit := seedUnit(t, repo, uuid.New(), 2, 0)
	dbc := dbctx.Context{}

	if _, err := tr.RecordStep(dbc, unit, "fetch_document"); err != nil {
		t.Fatal(err)
	}
	// A stale retry replays an earlier step; the counter must not move back.
	applied, err := tr.RecordStep(dbc, unit, "ingest_started")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("replaying an earlier step must be a no-op")
	}
	if unit.CompletedSteps != 2 || unit.CurrentStep != "fetch_document" {
		t.Fatalf("unit regressed: steps=%d current=%s", unit.CompletedSteps, unit.CurrentStep)
	}
}

func TestRecordStepUnknown(t *testing.T) {
	tr, repo := newTestTracker(t)
	unit := seedUnit(t, repo, uuid.New(), 2, 0)
	if _, err := tr.RecordStep(dbctx.Context{}, unit, "no_such_step"); err == nil {
		t.Fatal("expected error for unknown step")
	}
}

func TestRecordFailureExactlyOnce(t *testing.T) {
	tr, repo := newTestTracker(t)
	unit := seedUnit(t, repo, uuid.New(), 6, 0)
	dbc := dbctx.Context{}

	applied, err := tr.RecordFailure(dbc, unit, "retries exhausted", true)
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	applied, err = tr.RecordFailure(dbc, unit, "different error", false)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("second failure mark must be a no-op")
	}
	if unit.Error != "retries exhausted" || !unit.NeedsHumanReview {
		t.Fatalf("first terminal write lost: %+v", unit)
	}
}

func TestStageStatusAggregation(t *testing.T) {
	tr, repo := newTestTracker(t)
	courseID := uuid.New()
	units := make([]*domain.StageUnit, 4)
	for i := range units {
		units[i] = seedUnit(t, repo, courseID, 2, i)
	}
	dbc := dbctx.Context{}

	res, err := tr.StageStatus(dbc, courseID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete {
		t.Fatal("pending units, stage cannot be complete")
	}

	for _, u := range units[:3] {
		if _, err := tr.RecordStep(dbc, u, "ingest_finished"); err != nil {
			t.Fatal(err)
		}
	}
	res, err = tr.StageStatus(dbc, courseID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete {
		t.Fatal("one unit still pending")
	}
	if done, total := Progress(res.Counts); done != 3 || total != 4 {
		t.Fatalf("progress %d/%d", done, total)
	}

	// The last unit fails. Ingest requires full success, so the stage is
	// complete and failed, not partially succeeded.
	if _, err := tr.RecordFailure(dbc, units[3], "fetch failed", false); err != nil {
		t.Fatal(err)
	}
	res, err = tr.StageStatus(dbc, courseID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete {
		t.Fatal("all units terminal, stage must be complete")
	}
	if res.Succeeded {
		t.Fatal("a full-success stage with an errored unit must not succeed")
	}
}

func TestResolvePartialTolerance(t *testing.T) {
	content, err := stagedef.ByID(6)
	if err != nil {
		t.Fatal(err)
	}
	ingest, err := stagedef.ByID(2)
	if err != nil {
		t.Fatal(err)
	}

	mixed := repos.UnitStatusCounts{Total: 4, Completed: 3, Errored: 1}
	res := Resolve(content, mixed)
	if !res.Complete || !res.Succeeded || !res.Partial {
		t.Fatalf("tolerant stage with mixed outcome: %+v", res)
	}
	res = Resolve(ingest, mixed)
	if !res.Complete || res.Succeeded {
		t.Fatalf("strict stage with mixed outcome: %+v", res)
	}

	allFailed := repos.UnitStatusCounts{Total: 3, Errored: 3}
	res = Resolve(content, allFailed)
	if res.Succeeded {
		t.Fatal("a stage with zero completed units must not succeed, even when tolerant")
	}

	allDone := repos.UnitStatusCounts{Total: 2, Completed: 2}
	res = Resolve(ingest, allDone)
	if !res.Succeeded || res.Partial {
		t.Fatalf("clean success: %+v", res)
	}
}

func TestResolveZeroUnitStageCompletesVacuously(t *testing.T) {
	ingest, err := stagedef.ByID(2)
	if err != nil {
		t.Fatal(err)
	}

	// A topic-only course fans out no documents; the stage must pass
	// through rather than wait forever.
	res := Resolve(ingest, repos.UnitStatusCounts{})
	if !res.Complete {
		t.Fatal("a stage with zero units must be complete")
	}
	if !res.Succeeded || res.Partial {
		t.Fatalf("a stage with zero units must succeed cleanly: %+v", res)
	}

	done, total := Progress(repos.UnitStatusCounts{})
	if done != 0 || total != 0 {
		t.Fatalf("zero-unit progress: got %d/%d", done, total)
	}
}
