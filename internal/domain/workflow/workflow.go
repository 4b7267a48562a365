package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	StageUpload    = "upload"
	StageOCR       = "ocr"
	StageClean     = "clean"
	StageCluster   = "cluster"
	StageSummary   = "summary"
	StageExport    = "export"
	StageCompleted = "completed"
)

// StageOrder is the canonical pipeline sequence. A workflow's observed
// current_stage values are always a prefix of this order, except across an
// explicit rollback.
var StageOrder = []string{StageUpload, StageOCR, StageClean, StageCluster, StageSummary, StageExport}

const (
	ClusteringEmbeddings = "embeddings"
	ClusteringLLM        = "llm"
	ClusteringHybrid     = "hybrid"
)

func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// StageIndex returns the position of stage in StageOrder, or -1.
func StageIndex(stage string) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

type CleaningOptions struct {
	SpellCheck       bool `json:"spell_check"`
	RemoveArtifacts  bool `json:"remove_artifacts"`
	NormalizeSpacing bool `json:"normalize_spacing"`
}

type SummaryOptions struct {
	IncludeQuotes       bool    `json:"include_quotes"`
	IncludeDistribution bool    `json:"include_distribution"`
	MaxThemes           int     `json:"max_themes"`
	MinThemePercentage  float64 `json:"min_theme_percentage"`
}

type Config struct {
	AutoProcessing   bool            `json:"auto_processing"`
	ClusteringMethod string          `json:"clustering_method"`
	TargetClusters   *int            `json:"target_clusters,omitempty"`
	Cleaning         CleaningOptions `json:"cleaning"`
	Summary          SummaryOptions  `json:"summary"`
	ExportFormats    []string        `json:"export_formats,omitempty"`
}

type Workflow struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Status          string         `gorm:"column:status;not null;index;default:pending" json:"status"`
	CurrentStage    string         `gorm:"column:current_stage;not null;default:upload" json:"current_stage"`
	Progress        int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Config          datatypes.JSON `gorm:"column:config;type:jsonb" json:"config"`
	StageResults    datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	ErrorKind       string         `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message,omitempty"`
	CancelRequested bool           `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	StartedAt       time.Time      `gorm:"column:started_at;not null;default:now();index" json:"started_at"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastEventAt     time.Time      `gorm:"column:last_event_at;not null;default:now()" json:"last_event_at"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Workflow) TableName() string { return "workflow" }
