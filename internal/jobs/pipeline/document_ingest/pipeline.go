package document_ingest

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

// fetchGiveUpAttempts bounds run-level retries of a failing document fetch
// before the unit is settled as errored. Below the claim loop's own attempt
// cap so the unit always resolves.
const fetchGiveUpAttempts = 3

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

	if _, err := p.track.RecordStep(dbc, unit, "ingest_started"); err != nil {
		jc.Fail("ingest_started", err)
		return nil
	}
	jc.Progress("ingest", 10, fmt.Sprintf("Ingesting %s", unit.RefKey))

	// A crashed run that already summarized this document finds its stored
	// artifact and only has to finish the bookkeeping.
	key := artifacts.UnitKey(courseID, unit.StageID, unit.ID)
	if _, found, err := artifacts.Load(jc.Ctx, p.bucket, key); err == nil && found {
		p.finish(jc, unit, key)
		return nil
	}

	docBytes, err := p.bucket.Fetch(jc.Ctx, unit.RefKey)
	if err != nil {
		if jc.Run.Attempts >= fetchGiveUpAttempts {
			_, _ = p.track.RecordFailure(dbc, unit, fmt.Sprintf("document fetch failed: %v", err), false)
			jc.Succeed("done", map[string]any{"unit_id": unitID.String(), "unit_status": string(domain.UnitError)})
			return nil
		}
		jc.Fail("fetch_document", err)
		return nil
	}
	if _, err := p.track.RecordStep(dbc, unit, "fetch_document"); err != nil {
		jc.Fail("fetch_document", err)
		return nil
	}
	jc.Progress("ingest", 40, "Summarizing document")

	producer := unitexec.ProducerFunc{
		ArtifactKind: quality.ArtifactDocumentSummary,
		Fn: func(dbc dbctx.Context, tier domain.ModelTier, g quality.Guidance) (quality.Artifact, services.Usage, error) {
			return p.gen.SummarizeDocument(jc.Ctx, tier, course.Topic, string(docBytes), g)
		},
	}
	// Keep the lease fresh while the quality loop is inside model calls.
	stop := jc.KeepAlive(0)
	art, err := p.exec.ExecuteUnit(dbc, unit, "summarize_document", producer)
	stop()
	if err != nil {
		if unitexec.IsTerminal(err) {
			// The unit settled as errored; the stage verdict carries it.
			p.notify.UnitReviewNeeded(jc.Run.OwnerUserID, courseID, unit.ID, err.Error())
			jc.Succeed("done", map[string]any{"unit_id": unitID.String(), "unit_status": string(domain.UnitError)})
			return nil
		}
		jc.Fail("summarize_document", err)
		return nil
	}

	if err := artifacts.Store(jc.Ctx, p.bucket, key, art); err != nil {
		jc.Fail("store_artifact", err)
		return nil
	}
	p.finish(jc, unit, key)
	return nil
}

// finish records the remaining steps (the artifact step and the closing
// marker, which completes the unit) and succeeds the run.
func (p *Pipeline) finish(jc *jobrt.Context, unit *domain.StageUnit, key string) {
	dbc := jc.Dbc()
	if _, err := p.track.RecordStep(dbc, unit, "summarize_document"); err != nil {
		jc.Fail("summarize_document", err)
		return
	}
	jc.Progress("ingest", 90, "Finishing ingestion")
	if _, err := p.track.RecordStep(dbc, unit, "ingest_finished"); err != nil {
		jc.Fail("ingest_finished", err)
		return
	}
	jc.Succeed("done", map[string]any{
		"unit_id":      unit.ID.String(),
		"artifact_key": key,
	})
}
