package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
	StateCancelled = "cancelled"
)

const (
	TypeVerify  = "verify"
	TypeOCR     = "ocr"
	TypeClean   = "clean"
	TypeCluster = "cluster"
	TypeSummary = "summary"
	TypeExport  = "export"
)

// Types lists every job type the queue carries, in pipeline order.
var Types = []string{TypeVerify, TypeOCR, TypeClean, TypeCluster, TypeSummary, TypeExport}

// Job is a queued unit of work. The queue exclusively owns rows; workers
// lease them and must present their worker id on every mutation.
type Job struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Type            string         `gorm:"column:type;not null;index" json:"type"`
	WorkflowID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"workflow_id"`
	State           string         `gorm:"column:state;not null;index;default:waiting" json:"state"`
	Priority        int            `gorm:"column:priority;not null;default:0;index" json:"priority"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts     int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Progress        int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Payload         datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result          datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ErrorKind       string         `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message,omitempty"`
	WorkerID        string         `gorm:"column:worker_id" json:"worker_id,omitempty"`
	CancelRequested bool           `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	LeaseExpiresAt  *time.Time     `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	DelayUntil      *time.Time     `gorm:"column:delay_until;index" json:"delay_until,omitempty"`
	EnqueuedAt      time.Time      `gorm:"column:enqueued_at;not null;default:now();index" json:"enqueued_at"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "workflow_job" }

// Terminal reports whether state admits no further transitions.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}
