package lesson_content

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/pipeline/artifacts"
	jobrt "github.com/courseforge/courseforge-backend/internal/jobs/runtime"
	"github.com/courseforge/courseforge-backend/internal/jobs/unitexec"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/quality"
	"github.com/courseforge/courseforge-backend/internal/services"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Run == nil {
		return nil
	}
	courseID, ok := jc.PayloadUUID("course_id")
	if !ok || courseID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("missing course_id"))
		return nil
	}
	unitID, ok := jc.PayloadUUID("unit_id")
	if !ok || unitID == uuid.Nil {
		jc.Fail("validate", fmt.Errorf("missing unit_id"))
		return nil
	}
	dbc := jc.Dbc()

	units, err := p.units.GetByIDs(dbc, []uuid.UUID{unitID})
	if err != nil {
		jc.Fail("load_unit", err)
		return nil
	}
	if len(units) == 0 {
		jc.Fail("load_unit", fmt.Errorf("unit %s not found", unitID))
		return nil
	}
	unit := units[0]
	if unit.UnitStatus.Terminal() {
		jc.Succeed("done", map[string]any{"unit_id": unitID.String(), "unit_status": string(unit.UnitStatus)})
		return nil
	}

	courses, err := p.courses.GetByIDs(dbc, []uuid.UUID{courseID})
	if err != nil || len(courses) == 0 {
		jc.Fail("load_course", fmt.Errorf("course %s not found: %v", courseID, err))
		return nil
	}
	course := courses[0]

	if _, err := p.track.RecordStep(dbc, unit, "content_started"); err != nil {
		jc.Fail("content_started", err)
		return nil
	}
	jc.Progress("content", 10, fmt.Sprintf("Generating lesson %q", unit.RefKey))

	key := artifacts.UnitKey(courseID, unit.StageID, unit.ID)
	if _, found, err := artifacts.Load(jc.Ctx, p.bucket, key); err == nil && found {
		p.finish(jc, unit, key)
		return nil
	}

	// The lesson is written against the accepted course structure, which
	// stage 5 stored before this unit was enqueued.
	structure, found, err := artifacts.Load(jc.Ctx, p.bucket, artifacts.StageKey(courseID, 5))
	if err != nil || !found {
		jc.Fail("load_structure", fmt.Errorf("course structure artifact missing for %s: %v", courseID, err))
		return nil
	}
	structureText := artifacts.Flatten(structure)

	producer := unitexec.ProducerFunc{
		ArtifactKind: quality.ArtifactLessonContent,
		Fn: func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
			return p.gen.GenerateLessonContent(jc.Ctx, tier, course.Topic, unit.RefKey, structureText, g)
		},
	}
	// Keep the lease fresh while the quality loop is inside model calls.
	stop := jc.KeepAlive(0)
	art, err := p.exec.ExecuteUnit(dbc, unit, "generate_lesson", producer)
	stop()
	if err != nil {
		if unitexec.IsTerminal(err) {
			p.notify.UnitReviewNeeded(jc.Run.OwnerUserID, courseID, unit.ID, err.Error())
			jc.Succeed("done", map[string]any{"unit_id": unitID.String(), "unit_status": string(domain.UnitError)})
			return nil
		}
		jc.Fail("generate_lesson", err)
		return nil
	}

	if err := artifacts.Store(jc.Ctx, p.bucket, key, art); err != nil {
		jc.Fail("store_artifact", err)
		return nil
	}
	p.finish(jc, unit, key)
	return nil
}

// finish records the artifact step and the closing marker, completing the
// unit, then succeeds the run.
func (p *Pipeline) finish(jc *jobrt.Context, unit *domain.StageUnit, key string) {
	dbc := jc.Dbc()
	if _, err := p.track.RecordStep(dbc, unit, "generate_lesson"); err != nil {
		jc.Fail("generate_lesson", err)
		return
	}
	jc.Progress("content", 90, "Finishing lesson")
	if _, err := p.track.RecordStep(dbc, unit, "content_finished"); err != nil {
		jc.Fail("content_finished", err)
		return
	}
	jc.Succeed("done", map[string]any{
		"unit_id":      unit.ID.String(),
		"artifact_key": key,
	})
}
