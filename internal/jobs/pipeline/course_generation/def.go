package course_generation

import (
	"gorm.io/gorm"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/fsm"
	"github.com/courseforge/courseforge-backend/internal/jobs/tracker"
	"github.com/courseforge/courseforge-backend/internal/jobs/unitexec"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/services"
)

// Pipeline is the root orchestrator run for one course. It drives the
// course's stage state machine end to end: fans out child runs for the
// parallel stages, produces the stage-level artifacts inline, and finalizes
// the course with aggregated usage. The run re-enters itself via Yield while
// fan-out children are working, so it never pins a worker slot.
type Pipeline struct {
	db       *gorm.DB
	log      *logger.Logger
	courses  repos.CourseRepo
	units    repos.StageUnitRepo
	runs     repos.GenerationRunRepo
	attempts repos.UnitAttemptRepo
	bucket   services.BucketService
	gen      services.ArtifactGenerator
	track    *tracker.Tracker
	exec     *unitexec.Executor
	machine  *fsm.Machine
	notify   services.CourseNotifier
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	courses repos.CourseRepo,
	units repos.StageUnitRepo,
	runs repos.GenerationRunRepo,
	attempts repos.UnitAttemptRepo,
	bucket services.BucketService,
	gen services.ArtifactGenerator,
	track *tracker.Tracker,
	exec *unitexec.Executor,
	machine *fsm.Machine,
	notify services.CourseNotifier,
) *Pipeline {
	return &Pipeline{
		db:       db,
		log:      baseLog.With("job", domain.JobTypeCourseGeneration),
		courses:  courses,
		units:    units,
		runs:     runs,
		attempts: attempts,
		bucket:   bucket,
		gen:      gen,
		track:    track,
		exec:     exec,
		machine:  machine,
		notify:   notify,
	}
}

func (p *Pipeline) Type() string { return domain.JobTypeCourseGeneration }
