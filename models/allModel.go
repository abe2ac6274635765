package models

import "gorm.io/gorm"

// AutoMigrateAll migrates every table this service owns. Startup can disable
// it (run migrations as a separate job) because DDL can block hot tables.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&Quote{},
		&QuoteItem{},
		&PricingConfig{},
		&PricingRecalcRun{},
		&PricingRecalcItem{},
		&AuditLog{},
		&IdempotencyKey{},
	)
}
