package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type NoteCluster struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Label      string         `gorm:"column:label;not null" json:"label"`
	Confidence float64        `gorm:"column:confidence;default:0" json:"confidence"`
	Centroid   datatypes.JSON `gorm:"column:centroid;type:jsonb" json:"centroid,omitempty"`
	NoteCount  int            `gorm:"column:note_count;not null;default:0" json:"note_count"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (NoteCluster) TableName() string { return "note_cluster" }
