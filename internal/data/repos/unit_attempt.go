package repos

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type UnitAttemptRepo interface {
	// Begin appends the next attempt for a unit (or course+stage artifact).
	// Inside one transaction, under a row lock on the unit (course for
	// stage-level artifacts), it re-checks that the unit is not already
	// terminal and that no attempt is still open, so racing workers cannot
	// both open an attempt. Returns nil without error when the precondition
	// no longer holds.
	Begin(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID, modelTier string) (*domain.UnitAttempt, error)
	Complete(dbc dbctx.Context, attemptID uuid.UUID, updates map[string]interface{}) error
	ListForUnit(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID) ([]*domain.UnitAttempt, error)
	SumUsageForCourse(dbc dbctx.Context, courseID uuid.UUID) (tokens int64, costCents int64, err error)
}

type unitAttemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUnitAttemptRepo(db *gorm.DB, baseLog *logger.Logger) UnitAttemptRepo {
	return &unitAttemptRepo{db: db, log: baseLog.With("repo", "UnitAttemptRepo")}
}

func (r *unitAttemptRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *unitAttemptRepo) Begin(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID, modelTier string) (*domain.UnitAttempt, error) {
	if courseID == uuid.Nil {
		return nil, fmt.Errorf("missing course id")
	}
	var created *domain.UnitAttempt
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		// Lock the unit row (or the course row for a stage-level artifact)
		// first. Without it two workers holding the same redelivered run can
		// both read open==0 and insert the same attempt number.
		if unitID != nil && *unitID != uuid.Nil {
			var unit domain.StageUnit
			if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id", "unit_status").
				Where("id = ?", *unitID).
				First(&unit).Error; err != nil {
				return err
			}
			if unit.UnitStatus.Terminal() {
				return nil
			}
		} else {
			var course domain.Course
			if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id").
				Where("id = ?", courseID).
				First(&course).Error; err != nil {
				return err
			}
		}

		scope := func(q *gorm.DB) *gorm.DB {
			q = q.Where("course_id = ? AND stage_id = ?", courseID, stageID)
			if unitID != nil && *unitID != uuid.Nil {
				return q.Where("unit_id = ?", *unitID)
			}
			return q.Where("unit_id IS NULL")
		}

		var open int64
		if err := scope(txx.Model(&domain.UnitAttempt{})).
			Where("completed_at IS NULL").
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}

		var last int
		if err := scope(txx.Model(&domain.UnitAttempt{})).
			Select("COALESCE(MAX(attempt_number), 0)").
			Scan(&last).Error; err != nil {
			return err
		}

		attempt := &domain.UnitAttempt{
			ID:            uuid.New(),
			CourseID:      courseID,
			StageID:       stageID,
			UnitID:        unitID,
			AttemptNumber: last + 1,
			ModelTier:     modelTier,
			StartedAt:     time.Now(),
			CreatedAt:     time.Now(),
		}
		if err := txx.Create(attempt).Error; err != nil {
			return err
		}
		created = attempt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *unitAttemptRepo) Complete(dbc dbctx.Context, attemptID uuid.UUID, updates map[string]interface{}) error {
	if attemptID == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["completed_at"]; !ok {
		updates["completed_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.UnitAttempt{}).
		Where("id = ? AND completed_at IS NULL", attemptID).
		Updates(updates).Error
}

func (r *unitAttemptRepo) ListForUnit(dbc dbctx.Context, courseID uuid.UUID, stageID int, unitID *uuid.UUID) ([]*domain.UnitAttempt, error) {
	var out []*domain.UnitAttempt
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Where("course_id = ? AND stage_id = ?", courseID, stageID)
	if unitID != nil && *unitID != uuid.Nil {
		q = q.Where("unit_id = ?", *unitID)
	} else {
		q = q.Where("unit_id IS NULL")
	}
	if err := q.Order("attempt_number ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *unitAttemptRepo) SumUsageForCourse(dbc dbctx.Context, courseID uuid.UUID) (int64, int64, error) {
	var row struct {
		Tokens int64
		Cost   int64
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.UnitAttempt{}).
		Select("COALESCE(SUM(tokens_used),0) as tokens, COALESCE(SUM(cost_cents),0) as cost").
		Where("course_id = ?", courseID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Tokens, row.Cost, nil
}
