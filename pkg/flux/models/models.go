package models

import "gorm.io/gorm"

// AllModels returns all models for migration
// Note: LicenseKey must be migrated first as Activation references it
func AllModels() []interface{} {
	return []interface{}{
		&LicenseKey{},
		&Activation{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
