package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OperationKind is the user-facing action an operation performs
type OperationKind string

const (
	OperationInstall   OperationKind = "install"
	OperationUpdate    OperationKind = "update"
	OperationUninstall OperationKind = "uninstall"
)

// OperationStatus represents the status of an add-on operation
type OperationStatus string

const (
	OperationStatusRunning  OperationStatus = "running"
	OperationStatusSuccess  OperationStatus = "success"
	OperationStatusPartial  OperationStatus = "partial"
	OperationStatusFailed   OperationStatus = "failed"
	OperationStatusRejected OperationStatus = "rejected"
)

// AddOnOperation records one install, update or uninstall request
type AddOnOperation struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Kind        OperationKind   `gorm:"type:varchar(20);not null;index" json:"kind"`
	Requested   []string        `gorm:"serializer:json" json:"requested"`
	Status      OperationStatus `gorm:"type:varchar(20);not null;default:'running'" json:"status"`
	Succeeded   []string        `gorm:"serializer:json" json:"succeeded,omitempty"`
	Failed      []string        `gorm:"serializer:json" json:"failed,omitempty"`
	Summary     string          `gorm:"type:text" json:"summary,omitempty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// BeforeCreate hook to generate UUID for cross-database compatibility
func (o *AddOnOperation) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// TableName specifies the table name for AddOnOperation
func (AddOnOperation) TableName() string {
	return "addon_operations"
}
