package models

import (
	"fmt"
	"log"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates every table the add-on manager owns
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&InstalledAddOn{}, &AddOnOperation{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return MigrateInstallationStatus(db)
}

// MigrateInstallationStatus fills installation_status on rows written before
// the column existed and normalizes lower-case values to the enum form.
// Uses GORM's Migrator API for database independence
func MigrateInstallationStatus(db *gorm.DB) error {
	migrator := db.Migrator()

	if !migrator.HasColumn(&InstalledAddOn{}, "installation_status") {
		if err := migrator.AddColumn(&InstalledAddOn{}, "InstallationStatus"); err != nil {
			return fmt.Errorf("failed to add installation_status column: %w", err)
		}
		log.Printf("[Migrations] Added installation_status column")
	}

	res := db.Model(&InstalledAddOn{}).
		Where("installation_status = ? OR installation_status IS NULL", "").
		Update("installation_status", StatusInstalled)
	if res.Error != nil {
		return fmt.Errorf("failed to set default installation_status: %w", res.Error)
	}

	for _, status := range []InstallationStatus{StatusInstalled, StatusUninstallationFailed, StatusSoftUninstallationFailed} {
		res := db.Model(&InstalledAddOn{}).
			Where("LOWER(installation_status) = LOWER(?) AND installation_status <> ?", status, status).
			Update("installation_status", status)
		if res.Error != nil {
			return fmt.Errorf("failed to normalize installation_status: %w", res.Error)
		}
	}

	return nil
}
