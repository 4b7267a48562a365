package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ImageStatusUploaded  = "uploaded"
	ImageStatusProcessed = "processed"
	ImageStatusFailed    = "failed"
)

// NoteImage is one photographed page of handwritten notes. OCR output is
// written back onto the row keyed by image id so re-runs overwrite rather
// than append.
type NoteImage struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	StorageKey    string         `gorm:"column:storage_key;not null" json:"storage_key"`
	MimeType      string         `gorm:"column:mime_type" json:"mime_type,omitempty"`
	Status        string         `gorm:"column:status;not null;index;default:uploaded" json:"status"`
	OCRText       string         `gorm:"column:ocr_text" json:"ocr_text,omitempty"`
	OCRConfidence float64        `gorm:"column:ocr_confidence;default:0" json:"ocr_confidence"`
	OCRBlocks     datatypes.JSON `gorm:"column:ocr_blocks;type:jsonb" json:"ocr_blocks,omitempty"`
	ProcessedAt   *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (NoteImage) TableName() string { return "note_image" }
