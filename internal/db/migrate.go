package db

import (
	"fmt"

	"github.com/waule/mjgateway/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the registry schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Account{}); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
