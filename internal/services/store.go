package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/models"
	"gorm.io/gorm"
)

// Store persists the local catalog and the operation log
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ListInstalled returns every installed add-on record, ordered by add-on ID
func (s *Store) ListInstalled() ([]models.InstalledAddOn, error) {
	var records []models.InstalledAddOn
	if err := s.db.Order("add_on_id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list installed add-ons: %w", err)
	}
	return records, nil
}

// GetInstalled returns the record for one add-on
func (s *Store) GetInstalled(addOnID string) (*models.InstalledAddOn, error) {
	var record models.InstalledAddOn
	if err := s.db.Where("add_on_id = ?", addOnID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Add-on " + addOnID)
		}
		return nil, fmt.Errorf("failed to get add-on: %w", err)
	}
	return &record, nil
}

// LoadCatalog builds the local catalog from the installed records
func (s *Store) LoadCatalog() (*catalog.Catalog, error) {
	records, err := s.ListInstalled()
	if err != nil {
		return nil, err
	}
	addOns := make([]models.AddOn, 0, len(records))
	for _, r := range records {
		addOns = append(addOns, r.ToAddOn())
	}
	c, err := catalog.New(addOns)
	if err != nil {
		return nil, fmt.Errorf("installed add-ons are inconsistent: %w", err)
	}
	return c, nil
}

// SaveInstalled records addOn as installed at filePath, replacing any previous record for the ID
func (s *Store) SaveInstalled(addOn models.AddOn, filePath string) (*models.InstalledAddOn, error) {
	record := models.NewInstalledAddOn(addOn, filePath)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("add_on_id = ?", addOn.ID).Delete(&models.InstalledAddOn{}).Error; err != nil {
			return fmt.Errorf("failed to replace previous record: %w", err)
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to record add-on: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Store] Recorded %s %s at %s", addOn.ID, addOn.Version, filePath)
	return record, nil
}

// DeleteInstalled removes the record for an add-on
func (s *Store) DeleteInstalled(addOnID string) error {
	if err := s.db.Where("add_on_id = ?", addOnID).Delete(&models.InstalledAddOn{}).Error; err != nil {
		return fmt.Errorf("failed to delete add-on record: %w", err)
	}
	return nil
}

// SetStatus updates the installation status of an installed add-on
func (s *Store) SetStatus(addOnID string, status models.InstallationStatus) error {
	res := s.db.Model(&models.InstalledAddOn{}).
		Where("add_on_id = ?", addOnID).
		Update("installation_status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Add-on " + addOnID)
	}
	return nil
}

// CreateOperation starts an operation log entry
func (s *Store) CreateOperation(kind models.OperationKind, requested []string) (*models.AddOnOperation, error) {
	op := &models.AddOnOperation{
		Kind:      kind,
		Requested: append([]string{}, requested...),
		Status:    models.OperationStatusRunning,
	}
	if err := s.db.Create(op).Error; err != nil {
		return nil, fmt.Errorf("failed to record operation: %w", err)
	}
	return op, nil
}

// CompleteOperation stores the outcome of an operation
func (s *Store) CompleteOperation(op *models.AddOnOperation, status models.OperationStatus, succeeded, failed []string, summary string) error {
	now := time.Now()
	op.Status = status
	op.Succeeded = succeeded
	op.Failed = failed
	op.Summary = summary
	op.CompletedAt = &now

	if err := s.db.Save(op).Error; err != nil {
		return fmt.Errorf("failed to complete operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations first
func (s *Store) ListOperations(limit int) ([]models.AddOnOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	var ops []models.AddOnOperation
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

// GetOperation returns one operation
func (s *Store) GetOperation(id uuid.UUID) (*models.AddOnOperation, error) {
	var op models.AddOnOperation
	if err := s.db.First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Operation")
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return &op, nil
}
