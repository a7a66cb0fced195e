package course_generation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/fsm"
	"github.com/courseforge/courseforge-backend/internal/jobs/pipeline/artifacts"
	jobrt "github.com/courseforge/courseforge-backend/internal/jobs/runtime"
	"github.com/courseforge/courseforge-backend/internal/jobs/stagedef"
	"github.com/courseforge/courseforge-backend/internal/jobs/tracker"
	"github.com/courseforge/courseforge-backend/internal/jobs/unitexec"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/pkg/faults"
	"github.com/courseforge/courseforge-backend/internal/quality"
	"github.com/courseforge/courseforge-backend/internal/services"
)

// stepsPerClaim bounds how many state transitions one claim performs before
// requeueing itself, so a single course cannot monopolize a worker slot.
const stepsPerClaim = 32

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Run == nil {
		return nil
	}
	courseID, ok := jc.PayloadUUID("course_id")
	if !ok || courseID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("missing course_id"))
		return nil
	}
	dbc := jc.Dbc()

	courses, err := p.courses.GetByIDs(dbc, []uuid.UUID{courseID})
	if err != nil || len(courses) == 0 {
		jc.Fail("load_course", fmt.Errorf("course %s not found: %v", courseID, err))
		return nil
	}
	course := courses[0]

	for i := 0; i < stepsPerClaim; i++ {
		if jc.Canceled() {
			return nil
		}
		jc.Heartbeat()

		state, err := p.courses.GetStageState(dbc, courseID)
		if err != nil {
			jc.Fail("read_state", err)
			return nil
		}

		done, err := p.step(jc, course, state)
		if err != nil {
			if faults.IsInvalidTransition(err) {
				// Lost a transition race; the next iteration reads the state
				// another worker actually left behind.
				p.log.Debug("Transition race, re-reading state", "course_id", courseID, "state", state)
				continue
			}
			jc.Fail(state, err)
			return nil
		}
		if done {
			return nil
		}
	}
	// Still mid-flight after the per-claim budget; hand the slot back.
	jc.Yield("orchestrate", "Continuing on next claim")
	return nil
}

// step performs one state transition for the course. It returns done=true
// when the run should stop, either because the course reached a terminal
// state or because the run yielded or succeeded.
func (p *Pipeline) step(jc *jobrt.Context, course *domain.Course, state string) (bool, error) {
	dbc := jc.Dbc()
	courseID := course.ID

	switch state {
	case stagedef.StatePending:
		outcome, err := p.machine.InitStage(dbc, courseID, stagedef.First().ID)
		if err != nil {
			return false, err
		}
		if outcome == fsm.Applied {
			p.notify.CourseStateChanged(jc.Run.OwnerUserID, courseID, stagedef.First().InitState)
		}
		return false, nil

	case stagedef.StateFinalizing:
		return true, p.finalize(jc, course)

	case stagedef.StateCompleted:
		jc.Succeed("done", map[string]any{"course_id": courseID.String(), "course_state": state})
		return true, nil

	case stagedef.StateFailed, stagedef.StateCancelled:
		// The course settled terminally; this run's work is over.
		jc.Succeed("done", map[string]any{"course_id": courseID.String(), "course_state": state})
		return true, nil
	}

	for _, stage := range stagedef.Stages() {
		switch state {
		case stage.InitState:
			return false, p.beginStage(jc, course, stage)
		case stage.ProcessingState:
			if stage.FanOutKind != "" {
				return p.pollFanOut(jc, course, stage)
			}
			return false, p.runStageArtifact(jc, course, stage)
		case stage.CompleteState:
			return false, p.advancePastStage(jc, courseID, stage)
		}
	}
	return false, fmt.Errorf("course %s in unknown state %q", courseID, state)
}

// beginStage moves init -> processing, creating the stage's units first for
// fan-out stages.
func (p *Pipeline) beginStage(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) error {
	dbc := jc.Dbc()
	var ensure func() error
	if stage.FanOutKind != "" {
		ensure = func() error { return p.ensureUnits(jc, course, stage) }
	}
	outcome, err := p.machine.BeginProcessing(dbc, course.ID, stage.ID, ensure)
	if err != nil {
		return err
	}
	if outcome == fsm.Applied {
		jc.Progress(stage.Name, stagePct(stage.ID), fmt.Sprintf("Stage %d (%s) started", stage.ID, stage.Name))
		p.notify.CourseStateChanged(jc.Run.OwnerUserID, course.ID, stage.ProcessingState)
	}
	return nil
}

// ensureUnits creates the stage's StageUnits if they do not exist yet. It is
// called under the stage's init state and must stay idempotent: a retried
// init finding units already in place creates nothing.
func (p *Pipeline) ensureUnits(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) error {
	dbc := jc.Dbc()
	existing, err := p.units.GetByCourseStage(dbc, course.ID, stage.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	refs, err := p.unitRefs(jc, course, stage)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		// Topic-only courses have no documents; the ingest stage completes
		// vacuously. A structure listing no lessons errored in unitRefs.
		p.log.Info("Stage has no units to fan out", "course_id", course.ID, "stage_id", stage.ID)
		return nil
	}

	units := make([]*domain.StageUnit, 0, len(refs))
	for i, ref := range refs {
		units = append(units, &domain.StageUnit{
			CourseID:   course.ID,
			StageID:    stage.ID,
			Ordinal:    i,
			Kind:       stage.FanOutKind,
			RefKey:     ref,
			UnitStatus: domain.UnitPending,
		})
	}
	if err := p.units.CreateBatch(dbc, units); err != nil {
		return err
	}
	p.log.Info("Stage units created", "course_id", course.ID, "stage_id", stage.ID, "count", len(units))
	return nil
}

// unitRefs resolves what each unit of a fan-out stage refers to: a document
// key for the ingest stage, a lesson title from the accepted structure for
// the content stage.
func (p *Pipeline) unitRefs(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) ([]string, error) {
	switch stage.FanOutKind {
	case domain.UnitKindDocument:
		var keys []string
		if len(course.DocumentKeys) > 0 {
			if err := json.Unmarshal(course.DocumentKeys, &keys); err != nil {
				return nil, fmt.Errorf("decode document keys for course %s: %w", course.ID, err)
			}
		}
		return keys, nil
	case domain.UnitKindLesson:
		structure, found, err := artifacts.Load(jc.Ctx, p.bucket, artifacts.StageKey(course.ID, 5))
		if err != nil || !found {
			return nil, fmt.Errorf("course structure artifact missing for %s: %v", course.ID, err)
		}
		lessons := artifacts.Lessons(structure)
		if len(lessons) == 0 {
			return nil, fmt.Errorf("course structure for %s lists no lessons", course.ID)
		}
		return lessons, nil
	}
	return nil, fmt.Errorf("stage %d has no fan-out kind", stage.ID)
}

// pollFanOut enqueues missing child runs, then checks the stage verdict.
// While units are still working the run yields instead of blocking a slot.
func (p *Pipeline) pollFanOut(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) (bool, error) {
	dbc := jc.Dbc()
	if err := p.enqueueChildren(jc, course, stage); err != nil {
		return false, err
	}

	res, err := p.track.StageStatus(dbc, course.ID, stage.ID)
	if err != nil {
		return false, err
	}
	if !res.Complete {
		done, total := tracker.Progress(res.Counts)
		jc.Progress(stage.Name, stagePct(stage.ID), fmt.Sprintf("Stage %d: %d/%d units done", stage.ID, done, total))
		jc.Yield(stage.Name, fmt.Sprintf("Waiting on %d units", total-done))
		return true, nil
	}
	if !res.Succeeded {
		reason := fmt.Sprintf("stage %d (%s) failed: %d of %d units errored",
			stage.ID, stage.Name, res.Counts.Errored, res.Counts.Total)
		outcome, err := p.machine.Fail(dbc, course.ID, reason)
		if err != nil {
			return false, err
		}
		if outcome == fsm.Applied {
			p.notify.CourseStateChanged(jc.Run.OwnerUserID, course.ID, stagedef.StateFailed)
		}
		return false, nil
	}
	if res.Partial {
		p.log.Warn("Stage completed partially",
			"course_id", course.ID, "stage_id", stage.ID,
			"completed", res.Counts.Completed, "errored", res.Counts.Errored)
	}
	return false, p.completeStage(jc, course, stage)
}

// enqueueChildren creates a child run for every non-terminal unit that has
// no queued or running one. Duplicate enqueues are harmless: child runs
// short-circuit on terminal units and reuse stored artifacts.
func (p *Pipeline) enqueueChildren(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) error {
	dbc := jc.Dbc()
	jobType := childJobType(stage)
	if jobType == "" {
		return fmt.Errorf("stage %d has no child job type", stage.ID)
	}
	units, err := p.units.GetByCourseStage(dbc, course.ID, stage.ID)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.UnitStatus.Terminal() {
			continue
		}
		unitID := unit.ID
		exists, err := p.runs.ExistsRunnable(dbc, course.ID, jobType, &unitID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"course_id": course.ID.String(),
			"unit_id":   unitID.String(),
		})
		created, err := p.runs.Create(dbc, []*domain.GenerationRun{{
			OwnerUserID: jc.Run.OwnerUserID,
			CourseID:    course.ID,
			JobType:     jobType,
			UnitID:      &unitID,
			Status:      domain.RunStatusQueued,
			Stage:       stage.Name,
			Payload:     payload,
		}})
		if err != nil {
			return err
		}
		if len(created) > 0 {
			p.notify.RunQueued(jc.Run.OwnerUserID, created[0])
		}
	}
	return nil
}

func childJobType(stage stagedef.StageDef) string {
	switch stage.FanOutKind {
	case domain.UnitKindDocument:
		return domain.JobTypeDocumentIngest
	case domain.UnitKindLesson:
		return domain.JobTypeLessonContent
	}
	return ""
}

// runStageArtifact produces a stage-level artifact inline through the
// quality loop and completes the stage. A stored artifact from a previous
// claim short-circuits straight to the transition.
func (p *Pipeline) runStageArtifact(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) error {
	dbc := jc.Dbc()
	key := artifacts.StageKey(course.ID, stage.ID)
	if _, found, err := artifacts.Load(jc.Ctx, p.bucket, key); err == nil && found {
		return p.completeStage(jc, course, stage)
	}

	producer, err := p.stageProducer(jc, course, stage)
	if err != nil {
		return err
	}
	jc.Progress(stage.Name, stagePct(stage.ID), fmt.Sprintf("Generating %s artifact", stage.Name))

	// Keep the lease fresh while the quality loop is inside model calls.
	stop := jc.KeepAlive(0)
	art, err := p.exec.ExecuteStageArtifact(dbc, course.ID, stage.ID, stage.TerminalStep(), producer)
	stop()
	if err != nil {
		if unitexec.IsTerminal(err) {
			// A stage-level artifact has no siblings to carry it; the
			// course fails here.
			reason := fmt.Sprintf("stage %d (%s) artifact: %v", stage.ID, stage.Name, err)
			outcome, ferr := p.machine.Fail(dbc, course.ID, reason)
			if ferr != nil {
				return ferr
			}
			if outcome == fsm.Applied {
				p.notify.CourseStateChanged(jc.Run.OwnerUserID, course.ID, stagedef.StateFailed)
			}
			return nil
		}
		return err
	}
	if err := artifacts.Store(jc.Ctx, p.bucket, key, art); err != nil {
		return err
	}
	return p.completeStage(jc, course, stage)
}

func (p *Pipeline) completeStage(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) error {
	outcome, err := p.machine.CompleteStage(jc.Dbc(), course.ID, stage.ID)
	if err != nil {
		return err
	}
	if outcome == fsm.Applied {
		p.notify.CourseStateChanged(jc.Run.OwnerUserID, course.ID, stage.CompleteState)
	}
	return nil
}

// stageProducer builds the generator closure for a stage-level artifact,
// loading the prior stages' outputs it consumes.
func (p *Pipeline) stageProducer(jc *jobrt.Context, course *domain.Course, stage stagedef.StageDef) (unitexec.Producer, error) {
	switch stage.ID {
	case 3:
		summaries, err := p.collectSummaries(jc, course)
		if err != nil {
			return nil, err
		}
		return unitexec.ProducerFunc{
			ArtifactKind: quality.ArtifactClassification,
			Fn: func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
				return p.gen.ClassifyCourse(jc.Ctx, tier, course.Topic, summaries, g)
			},
		}, nil
	case 4:
		summaries, err := p.collectSummaries(jc, course)
		if err != nil {
			return nil, err
		}
		classification, err := p.loadStageText(jc, course.ID, 3)
		if err != nil {
			return nil, err
		}
		return unitexec.ProducerFunc{
			ArtifactKind: quality.ArtifactAnalysis,
			Fn: func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
				return p.gen.AnalyzeMaterials(jc.Ctx, tier, course.Topic, summaries, classification, g)
			},
		}, nil
	case 5:
		analysis, err := p.loadStageText(jc, course.ID, 4)
		if err != nil {
			return nil, err
		}
		return unitexec.ProducerFunc{
			ArtifactKind: quality.ArtifactCourseStructure,
			Fn: func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
				return p.gen.GenerateStructure(jc.Ctx, tier, course.Topic, analysis, g)
			},
		}, nil
	}
	return nil, fmt.Errorf("stage %d has no stage-level producer", stage.ID)
}

// collectSummaries loads the flattened artifact of every completed ingest
// unit. Errored units (tolerated only when a later stage can work without
// them) contribute nothing.
func (p *Pipeline) collectSummaries(jc *jobrt.Context, course *domain.Course) ([]string, error) {
	dbc := jc.Dbc()
	units, err := p.units.GetByCourseStage(dbc, course.ID, stagedef.First().ID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, unit := range units {
		if unit.UnitStatus != domain.UnitCompleted {
			continue
		}
		art, found, err := artifacts.Load(jc.Ctx, p.bucket, artifacts.UnitKey(course.ID, unit.StageID, unit.ID))
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("summary artifact missing for completed unit %s", unit.ID)
		}
		out = append(out, artifacts.Flatten(art))
	}
	// Empty is legal: a topic-only course classifies from the topic alone.
	return out, nil
}

func (p *Pipeline) loadStageText(jc *jobrt.Context, courseID uuid.UUID, stageID int) (string, error) {
	art, found, err := artifacts.Load(jc.Ctx, p.bucket, artifacts.StageKey(courseID, stageID))
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("stage %d artifact missing for course %s", stageID, courseID)
	}
	return artifacts.Flatten(art), nil
}

// advancePastStage moves a completed stage to the next stage's init, or into
// finalization after the last one.
func (p *Pipeline) advancePastStage(jc *jobrt.Context, courseID uuid.UUID, stage stagedef.StageDef) error {
	dbc := jc.Dbc()
	if next, ok := stagedef.Next(stage.ID); ok {
		_, err := p.machine.InitStage(dbc, courseID, next.ID)
		return err
	}
	_, err := p.machine.BeginFinalize(dbc, courseID)
	return err
}

// finalize aggregates attempt usage into the course metadata, completes the
// course, and succeeds the run.
func (p *Pipeline) finalize(jc *jobrt.Context, course *domain.Course) error {
	dbc := jc.Dbc()
	tokens, cents, err := p.attempts.SumUsageForCourse(dbc, course.ID)
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if len(course.Metadata) > 0 {
		_ = json.Unmarshal(course.Metadata, &meta)
	}
	meta["total_tokens"] = tokens
	meta["total_cost_cents"] = cents
	metaRaw, _ := json.Marshal(meta)
	if err := p.courses.UpdateFields(dbc, course.ID, map[string]interface{}{"metadata": metaRaw}); err != nil {
		return err
	}

	outcome, err := p.machine.Complete(dbc, course.ID)
	if err != nil {
		return err
	}
	if outcome == fsm.NoopClosed {
		state, _ := p.courses.GetStageState(dbc, course.ID)
		jc.Succeed("done", map[string]any{"course_id": course.ID.String(), "course_state": state})
		return nil
	}
	p.notify.CourseStateChanged(jc.Run.OwnerUserID, course.ID, stagedef.StateCompleted)
	jc.Progress("finalize", 100, "Course completed")
	jc.Succeed("done", map[string]any{
		"course_id":        course.ID.String(),
		"course_state":     stagedef.StateCompleted,
		"total_tokens":     tokens,
		"total_cost_cents": cents,
	})
	return nil
}

// stagePct maps a stage to a coarse overall progress percentage.
func stagePct(stageID int) int {
	switch stageID {
	case 2:
		return 20
	case 3:
		return 40
	case 4:
		return 55
	case 5:
		return 70
	case 6:
		return 85
	}
	return 0
}
