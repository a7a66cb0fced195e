package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type GenerationRunRepo interface {
	Create(dbc dbctx.Context, runs []*domain.GenerationRun) ([]*domain.GenerationRun, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.GenerationRun, error)
	GetLatestForCourse(dbc dbctx.Context, courseID uuid.UUID, jobType string) (*domain.GenerationRun, error)
	// ClaimNextRunnable picks one runnable run (queued, retriable-failed, or
	// stale-running) and marks it running. SKIP LOCKED keeps concurrent
	// workers off the same row.
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.GenerationRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus writes only while the run is not in one of the
	// disallowed statuses. A canceled run is never overwritten by a slow
	// worker's late write.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	ExistsRunnable(dbc dbctx.Context, courseID uuid.UUID, jobType string, unitID *uuid.UUID) (bool, error)
	CancelActiveForCourse(dbc dbctx.Context, courseID uuid.UUID) (int64, error)
}

type generationRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationRunRepo(db *gorm.DB, baseLog *logger.Logger) GenerationRunRepo {
	return &generationRunRepo{db: db, log: baseLog.With("repo", "GenerationRunRepo")}
}

func (r *generationRunRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *generationRunRepo) Create(dbc dbctx.Context, runs []*domain.GenerationRun) ([]*domain.GenerationRun, error) {
	if len(runs) == 0 {
		return []*domain.GenerationRun{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *generationRunRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.GenerationRun, error) {
	var out []*domain.GenerationRun
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *generationRunRepo) GetLatestForCourse(dbc dbctx.Context, courseID uuid.UUID, jobType string) (*domain.GenerationRun, error) {
	if courseID == uuid.Nil {
		return nil, nil
	}
	var run domain.GenerationRun
	q := r.tx(dbc).WithContext(dbc.Ctx).Where("course_id = ?", courseID)
	if jobType != "" {
		q = q.Where("job_type = ?", jobType)
	}
	err := q.Order("created_at DESC").Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *generationRunRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.GenerationRun, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)
	var claimed *domain.GenerationRun
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var run domain.GenerationRun
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND attempts < ?
            AND (last_error_at IS NULL OR last_error_at < ?)
          )
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, domain.RunStatusQueued, domain.RunStatusFailed, maxAttempts, retryCutoff, domain.RunStatusRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&run).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.GenerationRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":       domain.RunStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *generationRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.GenerationRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.GenerationRun{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *generationRunRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.GenerationRun{}).
		Where("id = ? AND status = ?", id, domain.RunStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *generationRunRepo) ExistsRunnable(dbc dbctx.Context, courseID uuid.UUID, jobType string, unitID *uuid.UUID) (bool, error) {
	if courseID == uuid.Nil || jobType == "" {
		return false, nil
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.GenerationRun{}).
		Where("course_id = ? AND job_type = ? AND status IN ?",
			courseID, jobType, []string{domain.RunStatusQueued, domain.RunStatusRunning})
	if unitID != nil && *unitID != uuid.Nil {
		q = q.Where("unit_id = ?", *unitID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *generationRunRepo) CancelActiveForCourse(dbc dbctx.Context, courseID uuid.UUID) (int64, error) {
	if courseID == uuid.Nil {
		return 0, nil
	}
	now := time.Now()
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.GenerationRun{}).
		Where("course_id = ? AND status IN ?", courseID, []string{domain.RunStatusQueued, domain.RunStatusRunning}).
		Updates(map[string]interface{}{
			"status":     domain.RunStatusCanceled,
			"locked_at":  nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
