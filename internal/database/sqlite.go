package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-chat-client/internal/models"
)

// ConnectSQLite opens the local cache database at path and migrates the tables
// owned by the client.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
	}
	// sqlite allows one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the cache and credential tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.CacheEntry{}, &models.Secret{}); err != nil {
		return fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return nil
}
