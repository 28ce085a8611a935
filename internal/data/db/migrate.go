package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/feedforge-backend/internal/domain/jobs"
)

// AutoMigrateAll creates or updates the schema. The partial unique index keeps
// a second creating job from being inserted for the same subscription even if
// two requests race past the application check.
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&jobs.BuildJob{},
		&jobs.JobEvent{},
	); err != nil {
		return err
	}
	stmt := `CREATE UNIQUE INDEX IF NOT EXISTS uq_build_job_active_subscription
		ON build_job (subscription_id) WHERE status = 'creating' AND deleted_at IS NULL`
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("create active subscription index: %w", err)
	}
	return nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Running schema migration")
	return AutoMigrateAll(s.db)
}
