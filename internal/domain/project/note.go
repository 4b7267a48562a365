package project

import (
	"time"

	"github.com/google/uuid"
)

// Note is one extracted text snippet. BlockID is the stable OCR block id
// within its source image; (image_id, block_id) keys cleaning re-runs.
type Note struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	ImageID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_note_origin" json:"image_id"`
	BlockID     string     `gorm:"column:block_id;not null;uniqueIndex:idx_note_origin" json:"block_id"`
	Text        string     `gorm:"column:text;not null" json:"text"`
	CleanedText string     `gorm:"column:cleaned_text" json:"cleaned_text,omitempty"`
	Confidence  float64    `gorm:"column:confidence;default:0" json:"confidence"`
	ClusterID   *uuid.UUID `gorm:"type:uuid;column:cluster_id;index" json:"cluster_id,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (Note) TableName() string { return "note" }
