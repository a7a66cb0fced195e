package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type CourseRepo interface {
	Create(dbc dbctx.Context, courses []*domain.Course) ([]*domain.Course, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Course, error)
	GetStageState(dbc dbctx.Context, courseID uuid.UUID) (string, error)
	// UpdateStageStateIf applies newState only when the row currently holds
	// expectedState. Extra fields ride along in the same guarded write.
	UpdateStageStateIf(dbc dbctx.Context, courseID uuid.UUID, expectedState, newState string, extra map[string]any) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type courseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCourseRepo(db *gorm.DB, baseLog *logger.Logger) CourseRepo {
	return &courseRepo{db: db, log: baseLog.With("repo", "CourseRepo")}
}

func (r *courseRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *courseRepo) Create(dbc dbctx.Context, courses []*domain.Course) ([]*domain.Course, error) {
	if len(courses) == 0 {
		return []*domain.Course{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&courses).Error; err != nil {
		return nil, err
	}
	return courses, nil
}

func (r *courseRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Course, error) {
	var out []*domain.Course
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *courseRepo) GetStageState(dbc dbctx.Context, courseID uuid.UUID) (string, error) {
	var state string
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Course{}).
		Where("id = ?", courseID).
		Pluck("stage_state", &state).Error
	if err != nil {
		return "", err
	}
	return state, nil
}

func (r *courseRepo) UpdateStageStateIf(dbc dbctx.Context, courseID uuid.UUID, expectedState, newState string, extra map[string]any) (bool, error) {
	if courseID == uuid.Nil {
		return false, nil
	}
	updates := map[string]interface{}{
		"stage_state": newState,
		"updated_at":  time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Course{}).
		Where("id = ? AND stage_state = ?", courseID, expectedState).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *courseRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Course{}).
		Where("id = ?", id).
		Updates(updates).Error
}
