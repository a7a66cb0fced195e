package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/courseforge/courseforge-backend/internal/domain"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
)

type UnitStatusCounts struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Errored   int
}

// AllTerminal reports whether every unit settled. A stage with zero units is
// vacuously terminal; a topic-only course fans out nothing at ingest.
func (c UnitStatusCounts) AllTerminal() bool {
	return c.Completed+c.Errored == c.Total
}

type StageUnitRepo interface {
	// CreateBatch inserts the stage's units, ignoring conflicts on
	// (course_id, stage_id, ordinal) so fan-out is idempotent under retries.
	CreateBatch(dbc dbctx.Context, units []*domain.StageUnit) error
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.StageUnit, error)
	GetByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) ([]*domain.StageUnit, error)
	CountByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) (UnitStatusCounts, error)
	// AdvanceStep bumps the completed-step counter monotonically: the write
	// applies only while the stored counter is below newCompleted and the
	// unit is not already terminal.
	AdvanceStep(dbc dbctx.Context, unitID uuid.UUID, step string, newCompleted int, status domain.UnitStatus) (bool, error)
	// MarkTerminal flips the unit to completed/error exactly once.
	MarkTerminal(dbc dbctx.Context, unitID uuid.UUID, status domain.UnitStatus, errDetail string, needsHumanReview bool) (bool, error)
	IncrementAttempts(dbc dbctx.Context, unitID uuid.UUID) error
}

type stageUnitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageUnitRepo(db *gorm.DB, baseLog *logger.Logger) StageUnitRepo {
	return &stageUnitRepo{db: db, log: baseLog.With("repo", "StageUnitRepo")}
}

func (r *stageUnitRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stageUnitRepo) CreateBatch(dbc dbctx.Context, units []*domain.StageUnit) error {
	if len(units) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "course_id"}, {Name: "stage_id"}, {Name: "ordinal"}},
			DoNothing: true,
		}).
		Create(&units).Error
}

func (r *stageUnitRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.StageUnit, error) {
	var out []*domain.StageUnit
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageUnitRepo) GetByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) ([]*domain.StageUnit, error) {
	var out []*domain.StageUnit
	if courseID == uuid.Nil {
		return out, nil
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("course_id = ? AND stage_id = ?", courseID, stageID).
		Order("ordinal ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageUnitRepo) CountByCourseStage(dbc dbctx.Context, courseID uuid.UUID, stageID int) (UnitStatusCounts, error) {
	var rows []struct {
		UnitStatus string
		N          int
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.StageUnit{}).
		Select("unit_status, count(*) as n").
		Where("course_id = ? AND stage_id = ?", courseID, stageID).
		Group("unit_status").
		Scan(&rows).Error
	if err != nil {
		return UnitStatusCounts{}, err
	}
	var out UnitStatusCounts
	for _, row := range rows {
		out.Total += row.N
		switch domain.UnitStatus(row.UnitStatus) {
		case domain.UnitPending:
			out.Pending += row.N
		case domain.UnitActive:
			out.Active += row.N
		case domain.UnitCompleted:
			out.Completed += row.N
		case domain.UnitError:
			out.Errored += row.N
		}
	}
	return out, nil
}

func (r *stageUnitRepo) AdvanceStep(dbc dbctx.Context, unitID uuid.UUID, step string, newCompleted int, status domain.UnitStatus) (bool, error) {
	if unitID == uuid.Nil {
		return false, nil
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.StageUnit{}).
		Where("id = ? AND completed_steps < ? AND unit_status NOT IN ?",
			unitID, newCompleted, []string{string(domain.UnitCompleted), string(domain.UnitError)}).
		Updates(map[string]interface{}{
			"current_step":    step,
			"completed_steps": newCompleted,
			"unit_status":     string(status),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *stageUnitRepo) MarkTerminal(dbc dbctx.Context, unitID uuid.UUID, status domain.UnitStatus, errDetail string, needsHumanReview bool) (bool, error) {
	if unitID == uuid.Nil || !status.Terminal() {
		return false, nil
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.StageUnit{}).
		Where("id = ? AND unit_status NOT IN ?",
			unitID, []string{string(domain.UnitCompleted), string(domain.UnitError)}).
		Updates(map[string]interface{}{
			"unit_status":        string(status),
			"error":              errDetail,
			"needs_human_review": needsHumanReview,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *stageUnitRepo) IncrementAttempts(dbc dbctx.Context, unitID uuid.UUID) error {
	if unitID == uuid.Nil {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.StageUnit{}).
		Where("id = ?", unitID).
		Updates(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now(),
		}).Error
}
