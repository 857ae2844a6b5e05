package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InstalledAddOn is the persisted form of an add-on in the managed directory
type InstalledAddOn struct {
	ID                 uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	AddOnID            string             `gorm:"not null;uniqueIndex" json:"addon_id"`
	Name               string             `json:"name"`
	Version            string             `gorm:"not null" json:"version"`
	ReleaseStatus      ReleaseStatus      `gorm:"type:varchar(20)" json:"release_status"`
	URL                string             `json:"url"`
	Size               int64              `json:"size"`
	Hash               string             `json:"hash"`
	Dependencies       []Dependency       `gorm:"serializer:json" json:"dependencies"`
	NotBeforeVersion   string             `json:"not_before_version,omitempty"`
	NotFromVersion     string             `json:"not_from_version,omitempty"`
	Mandatory          bool               `json:"mandatory"`
	InstallationStatus InstallationStatus `gorm:"type:varchar(40);not null;default:'INSTALLED'" json:"installation_status"`
	Capabilities       Capabilities       `gorm:"serializer:json" json:"capabilities"`
	FilePath           string             `json:"file_path"`
	InstalledAt        time.Time          `json:"installed_at"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// BeforeCreate hook to generate UUID
func (a *InstalledAddOn) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.InstalledAt.IsZero() {
		a.InstalledAt = time.Now()
	}
	return nil
}

// TableName overrides the default table name
func (InstalledAddOn) TableName() string {
	return "installed_addons"
}

// ToAddOn converts the record to the catalog value type
func (a InstalledAddOn) ToAddOn() AddOn {
	return AddOn{
		ID:                 a.AddOnID,
		Name:               a.Name,
		Version:            a.Version,
		Status:             a.ReleaseStatus,
		URL:                a.URL,
		Size:               a.Size,
		Hash:               a.Hash,
		Dependencies:       append([]Dependency(nil), a.Dependencies...),
		NotBeforeVersion:   a.NotBeforeVersion,
		NotFromVersion:     a.NotFromVersion,
		Mandatory:          a.Mandatory,
		InstallationStatus: a.InstallationStatus,
		Capabilities:       a.Capabilities,
		FilePath:           a.FilePath,
	}
}

// NewInstalledAddOn builds a record for an add-on that was copied to filePath
func NewInstalledAddOn(addOn AddOn, filePath string) *InstalledAddOn {
	return &InstalledAddOn{
		AddOnID:            addOn.ID,
		Name:               addOn.Name,
		Version:            addOn.Version,
		ReleaseStatus:      addOn.Status,
		URL:                addOn.URL,
		Size:               addOn.Size,
		Hash:               addOn.Hash,
		Dependencies:       append([]Dependency(nil), addOn.Dependencies...),
		NotBeforeVersion:   addOn.NotBeforeVersion,
		NotFromVersion:     addOn.NotFromVersion,
		Mandatory:          addOn.Mandatory,
		InstallationStatus: StatusInstalled,
		Capabilities:       addOn.Capabilities,
		FilePath:           filePath,
	}
}
