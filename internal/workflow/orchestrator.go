package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/queue"
)

// DefaultSettlePoll is how often a driver re-reads its stage job while
// waiting for the workers to settle it.
const DefaultSettlePoll = time.Second

// stageJobTypes maps pipeline stages to queue job types. The upload
// stage runs as a verify job; every other stage shares its name.
var stageJobTypes = map[string]string{
	domwf.StageUpload:  domjobs.TypeVerify,
	domwf.StageOCR:     domjobs.TypeOCR,
	domwf.StageClean:   domjobs.TypeClean,
	domwf.StageCluster: domjobs.TypeCluster,
	domwf.StageSummary: domjobs.TypeSummary,
	domwf.StageExport:  domjobs.TypeExport,
}

type OrchestratorConfig struct {
	SettlePoll time.Duration
}

// StageCheckpointer is what the driver needs from the checkpoint layer.
// *Checkpointer satisfies it.
type StageCheckpointer interface {
	Capture(ctx context.Context, wf *types.Workflow, stage string) (*types.Checkpoint, error)
	Rollback(ctx context.Context, workflowID uuid.UUID, targetStage string) error
}

// Orchestrator drives workflows through the pipeline: one goroutine per
// workflow that checkpoints, enqueues the stage job, waits for the
// worker pool to settle it, and routes failures. It is the registry's
// single writer.
type Orchestrator struct {
	registry    *Registry
	queue       *queue.Service
	checkpoints StageCheckpointer
	projects    projrepo.ProjectRepo
	cfg         OrchestratorConfig
	log         *logger.Logger
	wg          sync.WaitGroup

	dmu     sync.Mutex
	driving map[uuid.UUID]struct{}
}

func NewOrchestrator(
	registry *Registry,
	q *queue.Service,
	checkpoints StageCheckpointer,
	projects projrepo.ProjectRepo,
	cfg OrchestratorConfig,
	baseLog *logger.Logger,
) *Orchestrator {
	if cfg.SettlePoll <= 0 {
		cfg.SettlePoll = DefaultSettlePoll
	}
	return &Orchestrator{
		registry:    registry,
		queue:       q,
		checkpoints: checkpoints,
		projects:    projects,
		cfg:         cfg,
		log:         baseLog.With("component", "Orchestrator"),
		driving:     map[uuid.UUID]struct{}{},
	}
}

// track claims the driver slot for a workflow. One driver per workflow.
func (o *Orchestrator) track(id uuid.UUID) bool {
	o.dmu.Lock()
	defer o.dmu.Unlock()
	if _, ok := o.driving[id]; ok {
		return false
	}
	o.driving[id] = struct{}{}
	return true
}

func (o *Orchestrator) untrack(id uuid.UUID) {
	o.dmu.Lock()
	delete(o.driving, id)
	o.dmu.Unlock()
}

// Driving reports whether a driver goroutine is attached to the workflow.
func (o *Orchestrator) Driving(id uuid.UUID) bool {
	o.dmu.Lock()
	defer o.dmu.Unlock()
	_, ok := o.driving[id]
	return ok
}

// Validate re-attaches a driver to a live workflow that has none. The
// monitor calls this for workflows it flags as stuck.
func (o *Orchestrator) Validate(ctx context.Context, id uuid.UUID) error {
	if o.Driving(id) {
		return nil
	}
	wf, err := o.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf == nil || domwf.IsTerminalStatus(wf.Status) {
		return nil
	}
	o.log.Warn("re-attaching driver to unattended workflow", "workflow_id", id, "stage", wf.CurrentStage)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(ctx, id, true)
	}()
	return nil
}

// Launch starts driving a freshly created workflow.
func (o *Orchestrator) Launch(ctx context.Context, wf *types.Workflow) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(ctx, wf.ID, false)
	}()
}

// Resume re-attaches drivers to every pending or running workflow. Run
// once at boot, after the worker pool is up.
func (o *Orchestrator) Resume(ctx context.Context) error {
	rows, err := o.registry.Running(ctx)
	if err != nil {
		return err
	}
	for _, wf := range rows {
		o.log.Info("resuming workflow", "workflow_id", wf.ID, "stage", wf.CurrentStage, "status", wf.Status)
		o.wg.Add(1)
		go func(id uuid.UUID) {
			defer o.wg.Done()
			o.drive(ctx, id, true)
		}(wf.ID)
	}
	return nil
}

// Wait blocks until every driver goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) drive(ctx context.Context, id uuid.UUID, resume bool) {
	if !o.track(id) {
		return
	}
	defer o.untrack(id)
	log := o.log.With("workflow_id", id)
	wf, err := o.registry.Get(ctx, id)
	if err != nil || wf == nil {
		log.Error("driver could not load workflow", "error", err)
		return
	}
	payload, err := o.buildPayload(wf)
	if err != nil {
		o.fail(ctx, id, faults.KindSchemaMismatch, fmt.Sprintf("workflow config: %v", err))
		return
	}

	if wf.Status == domwf.StatusPending {
		ok, err := o.registry.MarkRunning(ctx, id)
		if err != nil {
			log.Error("mark running", "error", err)
			return
		}
		if !ok {
			// Another driver owns it, or it went terminal already.
			return
		}
	}

	idx := domwf.StageIndex(wf.CurrentStage)
	if idx < 0 {
		idx = 0
	}
	fresh := !resume

	// job survives loop iterations so a routed retry awaits the job the
	// router enqueued instead of starting the stage over.
	var job *types.Job
	for idx < len(domwf.StageOrder) {
		if ctx.Err() != nil {
			// Shutdown: leave the workflow running, Resume picks it up.
			return
		}
		stage := domwf.StageOrder[idx]

		if done, err := o.checkCancel(ctx, id); err != nil {
			log.Error("cancel check", "error", err)
			return
		} else if done {
			return
		}

		if !fresh {
			// Re-attach to whatever the stage was doing before restart.
			job, err = o.queue.LatestForWorkflow(ctx, id, stageJobTypes[stage])
			if err != nil {
				log.Error("re-attach lookup", "error", err)
				return
			}
			fresh = true
		}
		if job == nil {
			job, err = o.startStage(ctx, wf, stage, payload, 0)
			if err != nil {
				o.fail(ctx, id, faults.KindOf(err), fmt.Sprintf("start stage %s: %v", stage, err))
				return
			}
		}

		job, err = o.await(ctx, id, stage, job)
		if err != nil {
			log.Error("await stage job", "stage", stage, "error", err)
			return
		}
		if job == nil {
			// Context ended mid-wait.
			return
		}

		switch job.State {
		case domjobs.StateCompleted:
			if err := o.registry.StageCompleted(ctx, id, stage, json.RawMessage(job.Result)); err != nil {
				log.Error("record stage result", "stage", stage, "error", err)
				return
			}
			idx++
			job = nil

		case domjobs.StateCancelled:
			o.settleCancel(ctx, id)
			return

		case domjobs.StateFailed:
			next, retryJob, stop := o.routeFailure(ctx, wf, idx, job, payload)
			if stop {
				return
			}
			idx = next
			job = retryJob

		default:
			log.Error("stage job settled in unexpected state", "stage", stage, "state", job.State)
			return
		}
	}

	if _, err := o.registry.Complete(ctx, id); err != nil {
		log.Error("complete workflow", "error", err)
		return
	}
	if err := o.projects.SetStatus(dbctx.Context{Ctx: ctx}, wf.ProjectID, domproj.StatusReady); err != nil {
		log.Error("mark project ready", "error", err)
	}
	log.Info("workflow completed")
}

// startStage checkpoints, announces the stage, and enqueues its job.
func (o *Orchestrator) startStage(ctx context.Context, wf *types.Workflow, stage string, payload []byte, delay time.Duration) (*types.Job, error) {
	if _, err := o.checkpoints.Capture(ctx, wf, stage); err != nil {
		return nil, err
	}
	if err := o.registry.StageStarted(ctx, wf.ID, stage); err != nil {
		return nil, err
	}
	return o.queue.Enqueue(ctx, wf.ID, stageJobTypes[stage], payload, queue.EnqueueOpts{Delay: delay})
}

// await polls the stage job until the worker pool settles it, folding
// job progress into workflow progress and forwarding cancel intent.
func (o *Orchestrator) await(ctx context.Context, id uuid.UUID, stage string, job *types.Job) (*types.Job, error) {
	cancelForwarded := false
	ticker := time.NewTicker(o.cfg.SettlePoll)
	defer ticker.Stop()
	for {
		if domjobs.Terminal(job.State) {
			return job, nil
		}
		if !cancelForwarded {
			requested, err := o.registry.CancelRequested(ctx, id)
			if err != nil {
				return nil, err
			}
			if requested {
				settled, err := o.queue.Cancel(ctx, job.ID)
				if err != nil {
					return nil, err
				}
				cancelForwarded = true
				if settled {
					return o.queue.Status(ctx, job.ID)
				}
			}
		}
		if err := o.registry.Progress(ctx, id, Rollup(stage, job.Progress)); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
		var err error
		job, err = o.queue.Status(ctx, job.ID)
		if err != nil {
			return nil, err
		}
	}
}

// routeFailure decides what a terminally failed stage job means for the
// workflow. Returns the next stage index, the already-enqueued retry
// job when the action was a retry, and whether the driver stops.
func (o *Orchestrator) routeFailure(ctx context.Context, wf *types.Workflow, idx int, job *types.Job, payload []byte) (int, *types.Job, bool) {
	stage := domwf.StageOrder[idx]
	kind := faults.Kind(job.ErrorKind)
	exhausted := job.Attempts >= job.MaxAttempts
	rollbacks, err := o.registry.Rollbacks(ctx, wf.ID)
	if err != nil {
		o.fail(ctx, wf.ID, faults.KindInternal, fmt.Sprintf("read rollback count: %v", err))
		return 0, nil, true
	}

	action := Route(kind, exhausted, rollbacks)
	o.log.Warn("stage failed",
		"workflow_id", wf.ID, "stage", stage, "kind", kind,
		"attempts", job.Attempts, "action", action)

	switch action {
	case ActionRetry, ActionDelayRetry:
		delay := time.Duration(0)
		if action == ActionDelayRetry {
			delay = QuotaRetryDelay
		}
		retry, err := o.queue.Enqueue(ctx, wf.ID, stageJobTypes[stage], payload, queue.EnqueueOpts{Delay: delay})
		if err != nil {
			o.fail(ctx, wf.ID, faults.KindOf(err), fmt.Sprintf("re-enqueue stage %s: %v", stage, err))
			return 0, nil, true
		}
		return idx, retry, false

	case ActionRollback:
		if idx == 0 {
			o.fail(ctx, wf.ID, kind, job.ErrorMessage)
			return 0, nil, true
		}
		target := domwf.StageOrder[idx-1]
		if _, err := o.registry.IncrementRollbacks(ctx, wf.ID); err != nil {
			o.fail(ctx, wf.ID, faults.KindInternal, fmt.Sprintf("count rollback: %v", err))
			return 0, nil, true
		}
		if err := o.checkpoints.Rollback(ctx, wf.ID, target); err != nil {
			o.fail(ctx, wf.ID, faults.KindInternal, fmt.Sprintf("%s: %s; rollback: %v", kind, job.ErrorMessage, err))
			return 0, nil, true
		}
		msg := fmt.Sprintf("stage %s failed with %s, rolled back to %s", stage, kind, target)
		if err := o.registry.RollbackReset(ctx, wf.ID, target, msg); err != nil {
			o.log.Error("rollback reset", "workflow_id", wf.ID, "error", err)
			return 0, nil, true
		}
		return idx - 1, nil, false

	default:
		o.fail(ctx, wf.ID, kind, job.ErrorMessage)
		return 0, nil, true
	}
}

// checkCancel settles a pending cancel request between stages.
func (o *Orchestrator) checkCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	requested, err := o.registry.CancelRequested(ctx, id)
	if err != nil {
		return false, err
	}
	if !requested {
		return false, nil
	}
	o.settleCancel(ctx, id)
	return true, nil
}

func (o *Orchestrator) settleCancel(ctx context.Context, id uuid.UUID) {
	wf, err := o.registry.Get(ctx, id)
	if err != nil || wf == nil {
		o.log.Error("load workflow for cancel", "workflow_id", id, "error", err)
		return
	}
	if _, err := o.registry.MarkCancelled(ctx, id); err != nil {
		o.log.Error("mark cancelled", "workflow_id", id, "error", err)
		return
	}
	if err := o.projects.SetStatus(dbctx.Context{Ctx: ctx}, wf.ProjectID, domproj.StatusDraft); err != nil {
		o.log.Error("reset project status after cancel", "workflow_id", id, "error", err)
	}
	o.log.Info("workflow cancelled", "workflow_id", id)
}

func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, kind faults.Kind, message string) {
	wf, err := o.registry.Get(ctx, id)
	if err != nil || wf == nil {
		o.log.Error("load workflow for fail", "workflow_id", id, "error", err)
		return
	}
	if _, err := o.registry.Fail(ctx, id, kind, message); err != nil {
		o.log.Error("fail workflow", "workflow_id", id, "error", err)
		return
	}
	if err := o.projects.SetStatus(dbctx.Context{Ctx: ctx}, wf.ProjectID, domproj.StatusFailed); err != nil {
		o.log.Error("mark project failed", "workflow_id", id, "error", err)
	}
}

func (o *Orchestrator) buildPayload(wf *types.Workflow) ([]byte, error) {
	var cfg types.WorkflowConfig
	if len(wf.Config) > 0 {
		if err := json.Unmarshal(wf.Config, &cfg); err != nil {
			return nil, err
		}
	}
	p := executor.Payload{
		WorkflowID: wf.ID,
		ProjectID:  wf.ProjectID,
		UserID:     wf.UserID,
		Config:     cfg,
	}
	return json.Marshal(p)
}
