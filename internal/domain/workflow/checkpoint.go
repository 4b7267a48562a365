package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RollbackOpDelete  = "delete"
	RollbackOpUpdate  = "update"
	RollbackOpRestore = "restore"
)

const (
	EntityProject = "project"
	EntityImage   = "image"
	EntityNote    = "note"
	EntityCluster = "cluster"
	EntitySummary = "summary"
)

// RollbackAction is one inverse operation recorded when a checkpoint is
// taken. Actions from checkpoints newer than the rollback target are
// executed in reverse temporal order.
type RollbackAction struct {
	Stage      string          `json:"stage"`
	Op         string          `json:"op"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	PriorState json.RawMessage `json:"prior_state,omitempty"`
}

// Checkpoint anchors rollback for one stage. Seq totally orders the
// checkpoints of a workflow; the highest Seq at or below a stage is the
// one restored.
type Checkpoint struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	WorkflowID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"workflow_id"`
	Stage           string         `gorm:"column:stage;not null" json:"stage"`
	Seq             int            `gorm:"column:seq;not null" json:"seq"`
	ProjectSnapshot datatypes.JSON `gorm:"column:project_snapshot;type:jsonb" json:"project_snapshot"`
	RollbackActions datatypes.JSON `gorm:"column:rollback_actions;type:jsonb" json:"rollback_actions"`
	TakenAt         time.Time      `gorm:"column:taken_at;not null;default:now();index" json:"taken_at"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (Checkpoint) TableName() string { return "workflow_checkpoint" }
