package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StatusDraft      = "draft"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

type Project struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Name       string         `gorm:"column:name;not null" json:"name"`
	Status     string         `gorm:"column:status;not null;index;default:draft" json:"status"`
	ImageCount int            `gorm:"column:image_count;not null;default:0" json:"image_count"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Project) TableName() string { return "project" }
