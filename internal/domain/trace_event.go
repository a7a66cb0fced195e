package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TraceEvent is one append-only row per stage/step attempt. Written
// fire-and-forget by the pipeline, read only by observability tooling.
type TraceEvent struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_trace_course_stage" json:"course_id"`
	StageID       int            `gorm:"column:stage_id;not null;index:idx_trace_course_stage" json:"stage_id"`
	StepName      string         `gorm:"column:step_name;not null" json:"step_name"`
	UnitID        *uuid.UUID     `gorm:"type:uuid;column:unit_id;index" json:"unit_id,omitempty"`
	InputSummary  string         `gorm:"column:input_summary" json:"input_summary,omitempty"`
	OutputSummary string         `gorm:"column:output_summary" json:"output_summary,omitempty"`
	ErrorDetail   string         `gorm:"column:error_detail" json:"error_detail,omitempty"`
	Metrics       datatypes.JSON `gorm:"column:metrics;type:jsonb" json:"metrics,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (TraceEvent) TableName() string { return "trace_event" }
