package db

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model Switchboard persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.CorrelationEntry{},
		&models.AutoreplyTicket{},
		&models.ConversationRow{},
		&models.UserLanguage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
