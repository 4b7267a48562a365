package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/inklight/inklight-backend/internal/bus"
	wfrepo "github.com/inklight/inklight-backend/internal/data/repos/workflow"
	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// DefaultTerminalTTL is how long terminal workflows stay queryable
// before the sweep removes them.
const DefaultTerminalTTL = 24 * time.Hour

// rollbacksKey is the stage_results entry tracking how many rollbacks
// this workflow has performed, so the cap survives restarts.
const rollbacksKey = "_rollbacks"

// Registry is the authority on workflow state. The orchestrator is its
// only writer; everything else reads. Status changes are
// compare-and-swap against the allowed source statuses, so a terminal
// workflow can never transition again, and every accepted change is
// published on the bus.
type Registry struct {
	repo wfrepo.WorkflowRepo
	hub  *bus.Hub
	log  *logger.Logger
	ttl  time.Duration

	mu   sync.RWMutex
	byID map[uuid.UUID]*types.Workflow
}

func NewRegistry(repo wfrepo.WorkflowRepo, hub *bus.Hub, ttl time.Duration, baseLog *logger.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTerminalTTL
	}
	return &Registry{
		repo: repo,
		hub:  hub,
		log:  baseLog.With("component", "WorkflowRegistry"),
		ttl:  ttl,
		byID: map[uuid.UUID]*types.Workflow{},
	}
}

// Create persists and caches a new workflow. The same-project check is
// re-run under the registry lock so two concurrent starts cannot both
// pass the service-level validation.
func (r *Registry) Create(ctx context.Context, wf *types.Workflow) (*types.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cached := range r.byID {
		if cached.ProjectID == wf.ProjectID && !domwf.IsTerminalStatus(cached.Status) {
			return nil, faults.Newf(faults.KindConflict, "project %s already has an active workflow", wf.ProjectID)
		}
	}
	active, err := r.repo.HasActiveForProject(dbctx.Context{Ctx: ctx}, wf.ProjectID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, faults.Newf(faults.KindConflict, "project %s already has an active workflow", wf.ProjectID)
	}
	created, err := r.repo.Create(dbctx.Context{Ctx: ctx}, wf)
	if err != nil {
		return nil, err
	}
	r.byID[created.ID] = created
	r.publishLocked(created, bus.EventStatusChanged, "")
	return created, nil
}

// Get serves from cache, falling back to the store.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*types.Workflow, error) {
	r.mu.RLock()
	wf, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		cp := *wf
		return &cp, nil
	}
	wf, err := r.repo.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, nil
	}
	r.mu.Lock()
	r.byID[wf.ID] = wf
	r.mu.Unlock()
	cp := *wf
	return &cp, nil
}

func (r *Registry) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.Workflow, error) {
	return r.repo.ListByUser(dbctx.Context{Ctx: ctx}, userID)
}

func (r *Registry) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*types.Workflow, error) {
	return r.repo.ListByProject(dbctx.Context{Ctx: ctx}, projectID)
}

// Running returns every workflow that needs a driver, for boot
// recovery, and primes the cache with them.
func (r *Registry) Running(ctx context.Context) ([]*types.Workflow, error) {
	rows, err := r.repo.ListByStatus(dbctx.Context{Ctx: ctx}, []string{domwf.StatusPending, domwf.StatusRunning})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	for _, wf := range rows {
		r.byID[wf.ID] = wf
	}
	r.mu.Unlock()
	return rows, nil
}

// Snapshot returns every cached non-terminal workflow. The monitor
// sweeps this without touching the store.
func (r *Registry) Snapshot() []*types.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Workflow, 0, len(r.byID))
	for _, wf := range r.byID {
		cp := *wf
		out = append(out, &cp)
	}
	return out
}

// MarkRunning flips pending to running.
func (r *Registry) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.transition(ctx, id, []string{domwf.StatusPending}, domwf.StatusRunning, nil)
}

// StageStarted records entry into a stage and announces it.
func (r *Registry) StageStarted(ctx context.Context, id uuid.UUID, stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"current_stage": stage,
		"last_event_at": now,
	}); err != nil {
		return err
	}
	wf.CurrentStage = stage
	wf.LastEventAt = now
	r.publishLocked(wf, bus.EventStageStarted, "")
	return nil
}

// Progress folds job progress into the workflow. Decreases are dropped
// so observers see a monotonic series; only a rollback resets it.
func (r *Registry) Progress(ctx context.Context, id uuid.UUID, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return err
	}
	if progress <= wf.Progress || domwf.IsTerminalStatus(wf.Status) {
		return nil
	}
	if progress > 100 {
		progress = 100
	}
	now := time.Now()
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"progress":      progress,
		"last_event_at": now,
	}); err != nil {
		return err
	}
	wf.Progress = progress
	wf.LastEventAt = now
	r.publishLocked(wf, bus.EventProgress, "")
	return nil
}

// StageCompleted stores the stage result and bumps progress to the
// stage's cumulative weight.
func (r *Registry) StageCompleted(ctx context.Context, id uuid.UUID, stage string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return err
	}
	results := decodeResults(wf.StageResults)
	if len(result) > 0 {
		results[stage] = result
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return faults.New(faults.KindInternal, err)
	}
	progress := StageCumulative(stage)
	if progress < wf.Progress {
		progress = wf.Progress
	}
	now := time.Now()
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"stage_results": datatypes.JSON(encoded),
		"progress":      progress,
		"last_event_at": now,
	}); err != nil {
		return err
	}
	wf.StageResults = datatypes.JSON(encoded)
	wf.Progress = progress
	wf.LastEventAt = now
	r.publishLocked(wf, bus.EventStageCompleted, "")
	return nil
}

// Complete finishes the workflow. Only running workflows complete.
func (r *Registry) Complete(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	return r.transition(ctx, id, []string{domwf.StatusRunning}, domwf.StatusCompleted, map[string]interface{}{
		"progress":      100,
		"current_stage": domwf.StageCompleted,
		"completed_at":  now,
	})
}

// Fail terminates the workflow with its error.
func (r *Registry) Fail(ctx context.Context, id uuid.UUID, kind faults.Kind, message string) (bool, error) {
	now := time.Now()
	ok, err := r.transition(ctx, id, []string{domwf.StatusPending, domwf.StatusRunning}, domwf.StatusFailed, map[string]interface{}{
		"error_kind":    string(kind),
		"error_message": message,
		"completed_at":  now,
	})
	if err != nil || !ok {
		return ok, err
	}
	r.mu.RLock()
	wf := r.byID[id]
	if wf != nil {
		r.publishLocked(wf, bus.EventError, message)
	}
	r.mu.RUnlock()
	return true, nil
}

// MarkCancelled settles a cancel request.
func (r *Registry) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	return r.transition(ctx, id, []string{domwf.StatusPending, domwf.StatusRunning}, domwf.StatusCancelled, map[string]interface{}{
		"completed_at": now,
	})
}

// RequestCancel flips the cancel intent on a live workflow. The driver
// observes the flag and refuses to advance past the current stage.
func (r *Registry) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return false, err
	}
	if domwf.IsTerminalStatus(wf.Status) || wf.CancelRequested {
		return false, nil
	}
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"cancel_requested": true,
	}); err != nil {
		return false, err
	}
	wf.CancelRequested = true
	return true, nil
}

func (r *Registry) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	wf, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if wf == nil {
		return false, faults.Newf(faults.KindNotFound, "workflow %s not found", id)
	}
	return wf.CancelRequested, nil
}

// RollbackReset rewinds stage and progress after a rollback. This is
// the one sanctioned progress decrease; it rides the rollback event.
func (r *Registry) RollbackReset(ctx context.Context, id uuid.UUID, stage string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return err
	}
	progress := StageBaseline(stage)
	now := time.Now()
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"current_stage": stage,
		"progress":      progress,
		"last_event_at": now,
	}); err != nil {
		return err
	}
	wf.CurrentStage = stage
	wf.Progress = progress
	wf.LastEventAt = now
	r.publishLocked(wf, bus.EventRollback, message)
	return nil
}

// IncrementRollbacks bumps the persistent rollback counter and returns
// the new total.
func (r *Registry) IncrementRollbacks(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return 0, err
	}
	results := decodeResults(wf.StageResults)
	count := rollbackCount(results)
	count++
	raw, _ := json.Marshal(count)
	results[rollbacksKey] = raw
	encoded, err := json.Marshal(results)
	if err != nil {
		return 0, faults.New(faults.KindInternal, err)
	}
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, id, map[string]interface{}{
		"stage_results": datatypes.JSON(encoded),
	}); err != nil {
		return 0, err
	}
	wf.StageResults = datatypes.JSON(encoded)
	return count, nil
}

// Rollbacks reads the persistent rollback counter.
func (r *Registry) Rollbacks(ctx context.Context, id uuid.UUID) (int, error) {
	wf, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if wf == nil {
		return 0, nil
	}
	return rollbackCount(decodeResults(wf.StageResults)), nil
}

// SweepTerminal evicts terminal workflows past the retention TTL.
func (r *Registry) SweepTerminal(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.ttl)
	n, err := r.repo.DeleteTerminalOlderThan(dbctx.Context{Ctx: ctx}, cutoff)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	for id, wf := range r.byID {
		if domwf.IsTerminalStatus(wf.Status) && wf.UpdatedAt.Before(cutoff) {
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()
	return n, nil
}

func (r *Registry) transition(ctx context.Context, id uuid.UUID, from []string, to string, extra map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.lockedGet(ctx, id)
	if err != nil {
		return false, err
	}
	allowed := false
	for _, s := range from {
		if wf.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	ok, err := r.repo.UpdateFieldsWhereStatus(dbctx.Context{Ctx: ctx}, id, from, updates)
	if err != nil || !ok {
		return ok, err
	}
	wf.Status = to
	if p, has := updates["progress"]; has {
		if pi, isInt := p.(int); isInt {
			wf.Progress = pi
		}
	}
	if s, has := updates["current_stage"]; has {
		if ss, isStr := s.(string); isStr {
			wf.CurrentStage = ss
		}
	}
	if k, has := updates["error_kind"]; has {
		if ks, isStr := k.(string); isStr {
			wf.ErrorKind = ks
		}
	}
	if m, has := updates["error_message"]; has {
		if ms, isStr := m.(string); isStr {
			wf.ErrorMessage = ms
		}
	}
	if c, has := updates["completed_at"]; has {
		if ct, isTime := c.(time.Time); isTime {
			wf.CompletedAt = &ct
		}
	}
	wf.LastEventAt = time.Now()
	r.publishLocked(wf, bus.EventStatusChanged, "")
	return true, nil
}

// lockedGet returns the cached row, loading it if needed. Callers hold
// r.mu.
func (r *Registry) lockedGet(ctx context.Context, id uuid.UUID) (*types.Workflow, error) {
	if wf, ok := r.byID[id]; ok {
		return wf, nil
	}
	wf, err := r.repo.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, faults.Newf(faults.KindNotFound, "workflow %s not found", id)
	}
	r.byID[id] = wf
	return wf, nil
}

// publishLocked fans the current state out on all three topics.
func (r *Registry) publishLocked(wf *types.Workflow, evType, message string) {
	for _, topic := range []string{
		bus.WorkflowTopic(wf.ID),
		bus.ProjectTopic(wf.ProjectID),
		bus.UserTopic(wf.UserID),
	} {
		r.hub.Publish(bus.Event{
			Topic:      topic,
			Type:       evType,
			WorkflowID: wf.ID,
			ProjectID:  wf.ProjectID,
			UserID:     wf.UserID,
			Stage:      wf.CurrentStage,
			Progress:   wf.Progress,
			Status:     wf.Status,
			ErrorKind:  wf.ErrorKind,
			Message:    message,
		})
	}
}

func decodeResults(raw datatypes.JSON) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func rollbackCount(results map[string]json.RawMessage) int {
	var count int
	if raw, ok := results[rollbacksKey]; ok {
		_ = json.Unmarshal(raw, &count)
	}
	return count
}
