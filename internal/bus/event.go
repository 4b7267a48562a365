package bus

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventStageStarted   = "stage-started"
	EventProgress       = "progress"
	EventStageCompleted = "stage-completed"
	EventStatusChanged  = "status-changed"
	EventError          = "error"
	EventRollback       = "rollback"
	EventAlert          = "alert"
)

// Event is the wire format every progress update travels in. Seq is
// assigned by the hub at publish time and is monotonic per process, so a
// subscriber can order events within a workflow.
type Event struct {
	Topic      string    `json:"topic"`
	Type       string    `json:"type"`
	WorkflowID uuid.UUID `json:"workflow_id,omitempty"`
	ProjectID  uuid.UUID `json:"project_id,omitempty"`
	UserID     uuid.UUID `json:"user_id,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Progress   int       `json:"progress"`
	Status     string    `json:"status,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"ts"`
}

func WorkflowTopic(id uuid.UUID) string { return "workflow." + id.String() }
func ProjectTopic(id uuid.UUID) string  { return "project." + id.String() }
func UserTopic(id uuid.UUID) string     { return "user." + id.String() }
