package document_ingest

import (
	"gorm.io/gorm"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/jobs/tracker"
	"github.com/courseforge/courseforge-backend/internal/jobs/unitexec"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/services"
)

// Pipeline handles one document unit of the ingest stage: fetch the source
// document, summarize it through the quality loop, store the accepted
// summary.
type Pipeline struct {
	db      *gorm.DB
	log     *logger.Logger
	courses repos.CourseRepo
	units   repos.StageUnitRepo
	bucket  services.BucketService
	gen     services.ArtifactGenerator
	track   *tracker.Tracker
	exec    *unitexec.Executor
	notify  services.CourseNotifier
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	courses repos.CourseRepo,
	units repos.StageUnitRepo,
	bucket services.BucketService,
	gen services.ArtifactGenerator,
	track *tracker.Tracker,
	exec *unitexec.Executor,
	notify services.CourseNotifier,
) *Pipeline {
	return &Pipeline{
		db:      db,
		log:     baseLog.With("job", domain.JobTypeDocumentIngest),
		courses: courses,
		units:   units,
		bucket:  bucket,
		gen:     gen,
		track:   track,
		exec:    exec,
		notify:  notify,
	}
}

func (p *Pipeline) Type() string { return domain.JobTypeDocumentIngest }
