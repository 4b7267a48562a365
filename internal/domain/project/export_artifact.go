package project

import (
	"time"

	"github.com/google/uuid"
)

// ExportArtifact is keyed (project_id, format): exporting the same format
// twice replaces the previous artifact descriptor.
type ExportArtifact struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_artifact_project_format" json:"project_id"`
	Format     string    `gorm:"column:format;not null;uniqueIndex:idx_artifact_project_format" json:"format"`
	StorageKey string    `gorm:"column:storage_key;not null" json:"storage_key"`
	SizeBytes  int64     `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (ExportArtifact) TableName() string { return "export_artifact" }
