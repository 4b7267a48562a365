package executor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
)

// Payload is the wire body every stage job carries. Anything heavier
// lives in the database or object storage, keyed by these ids.
type Payload struct {
	WorkflowID uuid.UUID            `json:"workflow_id"`
	ProjectID  uuid.UUID            `json:"project_id"`
	UserID     uuid.UUID            `json:"user_id"`
	Config     types.WorkflowConfig `json:"config"`
}

func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, faults.New(faults.KindSchemaMismatch, err)
	}
	if p.WorkflowID == uuid.Nil || p.ProjectID == uuid.Nil {
		return p, faults.Newf(faults.KindSchemaMismatch, "payload missing workflow or project id")
	}
	return p, nil
}

// Request is one delivery of a stage job. Beat renews the queue lease
// and reports progress; it returns true when cancellation was requested,
// and the executor is expected to stop at the next safe point.
type Request struct {
	Job     *types.Job
	Payload Payload
	Config  types.WorkflowConfig

	Beat func(ctx context.Context, progress int) (cancelRequested bool, err error)
}

func (r *Request) beat(ctx context.Context, progress int) (bool, error) {
	if r.Beat == nil {
		return false, nil
	}
	return r.Beat(ctx, progress)
}

type Result struct {
	Data json.RawMessage
}

// Executor runs one pipeline stage. Implementations are idempotent:
// every write is keyed, so a redelivered job overwrites its own previous
// partial output instead of duplicating it.
type Executor interface {
	Type() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps job types to executors.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]Executor{}}
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[e.Type()] = e
}

func (r *Registry) Get(jobType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[jobType]
	if !ok {
		return nil, faults.Newf(faults.KindInternal, "no executor registered for job type %q", jobType)
	}
	return e, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for t := range r.byID {
		out = append(out, t)
	}
	return out
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
