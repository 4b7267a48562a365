package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	AlertError   = "error"
	AlertWarning = "warning"
	AlertInfo    = "info"
)

// Alert is a monitor observation. WorkflowID is nil for system-level
// alerts. Kind dedupes: at most one unresolved alert per
// (workflow_id, kind).
type Alert struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Type       string         `gorm:"column:type;not null;index" json:"type"`
	WorkflowID *uuid.UUID     `gorm:"type:uuid;column:workflow_id;index" json:"workflow_id,omitempty"`
	Kind       string         `gorm:"column:kind;not null;index" json:"kind"`
	Message    string         `gorm:"column:message;not null" json:"message"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	Resolved   bool           `gorm:"column:resolved;not null;default:false;index" json:"resolved"`
	ResolvedAt *time.Time     `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Alert) TableName() string { return "alert" }
