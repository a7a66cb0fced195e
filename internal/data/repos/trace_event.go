package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

// TraceEventRepo is append-only. The core never reads traces back; ListForCourse
// exists for the observability API only.
type TraceEventRepo interface {
	Append(dbc dbctx.Context, events []*domain.TraceEvent) error
	ListForCourse(dbc dbctx.Context, courseID uuid.UUID, limit int) ([]*domain.TraceEvent, error)
}

type traceEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTraceEventRepo(db *gorm.DB, baseLog *logger.Logger) TraceEventRepo {
	return &traceEventRepo{db: db, log: baseLog.With("repo", "TraceEventRepo")}
}

func (r *traceEventRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *traceEventRepo) Append(dbc dbctx.Context, events []*domain.TraceEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(&events).Error
}

func (r *traceEventRepo) ListForCourse(dbc dbctx.Context, courseID uuid.UUID, limit int) ([]*domain.TraceEvent, error) {
	var out []*domain.TraceEvent
	if courseID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 {
		limit = 500
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("course_id = ?", courseID).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
