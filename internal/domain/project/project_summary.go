package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ProjectSummary is the single summary row per project; summarize re-runs
// overwrite it in place.
type ProjectSummary struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"project_id"`
	TopThemes    datatypes.JSON `gorm:"column:top_themes;type:jsonb" json:"top_themes"`
	Distribution datatypes.JSON `gorm:"column:distribution;type:jsonb" json:"distribution,omitempty"`
	Quotes       datatypes.JSON `gorm:"column:quotes;type:jsonb" json:"quotes,omitempty"`
	Insights     datatypes.JSON `gorm:"column:insights;type:jsonb" json:"insights,omitempty"`
	ThemeCount   int            `gorm:"column:theme_count;not null;default:0" json:"theme_count"`
	GeneratedAt  time.Time      `gorm:"column:generated_at;not null;default:now()" json:"generated_at"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ProjectSummary) TableName() string { return "project_summary" }
