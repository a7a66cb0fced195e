package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// UnitAttempt is one generation+evaluation cycle for a StageUnit, or for a
// stage-level artifact when the stage has no fan-out (UnitID nil). Rows are
// append-only and ordered by AttemptNumber; at most one attempt per unit may
// be open (StartedAt set, CompletedAt null) at a time.
type UnitAttempt struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_unit_attempt_course_stage;uniqueIndex:idx_unit_attempt_identity" json:"course_id"`
	StageID       int            `gorm:"column:stage_id;not null;index:idx_unit_attempt_course_stage;uniqueIndex:idx_unit_attempt_identity" json:"stage_id"`
	UnitID        *uuid.UUID     `gorm:"type:uuid;column:unit_id;index;uniqueIndex:idx_unit_attempt_identity" json:"unit_id,omitempty"`
	AttemptNumber int            `gorm:"column:attempt_number;not null;uniqueIndex:idx_unit_attempt_identity" json:"attempt_number"`
	ModelTier     string         `gorm:"column:model_tier;not null" json:"model_tier"`
	StartedAt     time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	TokensUsed    int            `gorm:"column:tokens_used;not null;default:0" json:"tokens_used"`
	CostCents     int            `gorm:"column:cost_cents;not null;default:0" json:"cost_cents"`
	DurationMs    int64          `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	Verdict       string         `gorm:"column:verdict" json:"verdict,omitempty"`
	CascadeDetail datatypes.JSON `gorm:"column:cascade_detail;type:jsonb" json:"cascade_detail,omitempty"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (UnitAttempt) TableName() string { return "unit_attempt" }
