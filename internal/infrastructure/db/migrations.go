package db

import (
	"github.com/cra-copilot/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.Task{}); err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return nil
}

func createCustomIndexes(db *gorm.DB) error {
	// Serves "tasks for a user, newest first".
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_user_created
		ON tasks (user_id, created_at DESC)
	`).Error; err != nil {
		return err
	}

	return nil
}
