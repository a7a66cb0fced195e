package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitActive    UnitStatus = "active"
	UnitCompleted UnitStatus = "completed"
	UnitError     UnitStatus = "error"
)

func (s UnitStatus) Terminal() bool {
	return s == UnitCompleted || s == UnitError
}

// StageUnit is one parallel work item inside a stage: one document during
// ingestion, one lesson during content generation. Units are fixed at
// fan-out time; a unit becomes terminal exactly once per stage pass.
// CompletedSteps is monotonic; writes are guarded so it only increases.
type StageUnit struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_stage_unit_course_stage;uniqueIndex:idx_stage_unit_identity" json:"course_id"`
	StageID          int            `gorm:"column:stage_id;not null;index:idx_stage_unit_course_stage;uniqueIndex:idx_stage_unit_identity" json:"stage_id"`
	Ordinal          int            `gorm:"column:ordinal;not null;uniqueIndex:idx_stage_unit_identity" json:"ordinal"`
	Kind             string         `gorm:"column:kind;not null" json:"kind"`
	RefKey           string         `gorm:"column:ref_key" json:"ref_key,omitempty"`
	UnitStatus       UnitStatus     `gorm:"column:unit_status;not null;index" json:"unit_status"`
	CurrentStep      string         `gorm:"column:current_step" json:"current_step,omitempty"`
	CompletedSteps   int            `gorm:"column:completed_steps;not null;default:0" json:"completed_steps"`
	AttemptCount     int            `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	NeedsHumanReview bool           `gorm:"column:needs_human_review;not null;default:false" json:"needs_human_review"`
	Error            string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (StageUnit) TableName() string { return "stage_unit" }

// Unit kinds.
const (
	UnitKindDocument = "document"
	UnitKindLesson   = "lesson"
)
