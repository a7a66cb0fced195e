package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Course is the root aggregate. StageState is owned exclusively by the stage
// machine and only ever mutated through conditional updates; everything else
// is written at intake or by the finalize step.
type Course struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	OrgID        *uuid.UUID     `gorm:"type:uuid;index" json:"org_id,omitempty"`
	Topic        string         `gorm:"column:topic;not null" json:"topic"`
	StageState   string         `gorm:"column:stage_state;not null;index" json:"stage_state"`
	FailReason   string         `gorm:"column:fail_reason" json:"fail_reason,omitempty"`
	DocumentKeys datatypes.JSON `gorm:"column:document_keys;type:jsonb" json:"document_keys"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Course) TableName() string { return "course" }
