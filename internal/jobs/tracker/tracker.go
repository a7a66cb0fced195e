// Package tracker aggregates per-unit progress into stage-level answers: how
// far along a stage is, whether it is finished, and whether a finished stage
// counts as a success. It owns no state of its own; everything derives from
// the stage_unit rows.
package tracker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/stagedef"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type Tracker struct {
	units repos.StageUnitRepo
	log   *logger.Logger
}

func New(units repos.StageUnitRepo, baseLog *logger.Logger) *Tracker {
	return &Tracker{units: units, log: baseLog.With("component", "StageTracker")}
}

// RecordStep records completion of one step for a unit. Marker steps are
// bookkeeping and complete the moment they are recorded; the final step of a
// stage makes the unit terminal. The underlying write is monotonic, so a
// stale retry replaying an earlier step is a no-op, never a regression.
func (t *Tracker) RecordStep(dbc dbctx.Context, unit *domain.StageUnit, stepName string) (bool, error) {
	stage, err := stagedef.ByID(unit.StageID)
	if err != nil {
		return false, err
	}
	idx, _, ok := stage.StepIndex(stepName)
	if !ok {
		return false, fmt.Errorf("step %q not in stage %d", stepName, unit.StageID)
	}

	if idx == len(stage.Steps)-1 {
		applied, err := t.units.MarkTerminal(dbc, unit.ID, domain.UnitCompleted, "", false)
		if err != nil {
			return false, err
		}
		if applied {
			t.log.Info("Unit completed",
				"course_id", unit.CourseID, "stage_id", unit.StageID, "unit_id", unit.ID)
		}
		return applied, nil
	}
	return t.units.AdvanceStep(dbc, unit.ID, stepName, idx+1, domain.UnitActive)
}

// RecordFailure marks a unit terminally errored. Exactly once: a unit that
// already settled keeps its original status and error detail.
func (t *Tracker) RecordFailure(dbc dbctx.Context, unit *domain.StageUnit, errDetail string, needsHumanReview bool) (bool, error) {
	applied, err := t.units.MarkTerminal(dbc, unit.ID, domain.UnitError, errDetail, needsHumanReview)
	if err != nil {
		return false, err
	}
	if applied {
		t.log.Warn("Unit failed",
			"course_id", unit.CourseID, "stage_id", unit.StageID, "unit_id", unit.ID,
			"needs_human_review", needsHumanReview)
	}
	return applied, nil
}

// StageResult is the tracker's verdict on a stage's fan-out.
type StageResult struct {
	Counts repos.UnitStatusCounts
	// Complete: every unit reached a terminal status.
	Complete bool
	// Succeeded: the stage may advance. False only when complete with
	// failures the stage's policy does not tolerate.
	Succeeded bool
	// Partial: succeeded, but with tolerated unit failures.
	Partial bool
}

// StageStatus computes the stage verdict from current unit counts.
//
// A stage requiring full success fails as soon as all units are terminal and
// any errored. A partial-tolerant stage succeeds when at least one unit
// completed; it fails only when every unit errored.
func (t *Tracker) StageStatus(dbc dbctx.Context, courseID uuid.UUID, stageID int) (StageResult, error) {
	stage, err := stagedef.ByID(stageID)
	if err != nil {
		return StageResult{}, err
	}
	counts, err := t.units.CountByCourseStage(dbc, courseID, stageID)
	if err != nil {
		return StageResult{}, err
	}
	return Resolve(stage, counts), nil
}

// Resolve is the pure half of StageStatus.
func Resolve(stage stagedef.StageDef, counts repos.UnitStatusCounts) StageResult {
	res := StageResult{Counts: counts}
	if !counts.AllTerminal() {
		return res
	}
	res.Complete = true
	switch {
	case counts.Errored == 0:
		res.Succeeded = true
	case stage.ToleratePartial && counts.Completed > 0:
		res.Succeeded = true
		res.Partial = true
	}
	return res
}

// Progress returns completed/total for UI progress reporting. Errored units
// count as processed so a failing stage's bar still converges.
func Progress(counts repos.UnitStatusCounts) (done, total int) {
	return counts.Completed + counts.Errored, counts.Total
}
