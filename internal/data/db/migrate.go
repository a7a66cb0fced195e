package db

import (
	types "github.com/courseforge/courseforge-backend/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Course + orchestration state
		// =========================
		&types.Course{},
		&types.GenerationRun{},
		&types.StageUnit{},

		// =========================
		// Quality loop + audit
		// =========================
		&types.UnitAttempt{},
		&types.TraceEvent{},
	)
}
