package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobrepo "github.com/inklight/inklight-backend/internal/data/repos/jobs"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// MaxPayloadBytes caps job payloads. Larger blobs belong in object
// storage with a key in the payload.
const MaxPayloadBytes = 64 << 10

const (
	DefaultMaxAttempts = 3

	// DefaultLeaseTTL is the visibility timeout for types without a
	// configured TTL. Wide enough that a worker on a 10s heartbeat can
	// miss several beats before losing the job.
	DefaultLeaseTTL = 2 * time.Minute

	// quotaRetryFloor is the minimum delay before retrying after a
	// provider quota rejection, unless the provider said otherwise.
	quotaRetryFloor = 60 * time.Second
)

type EnqueueOpts struct {
	Priority int
	// MaxAttempts caps deliveries. Nil means DefaultMaxAttempts; an
	// explicit zero makes the first failure terminal.
	MaxAttempts *int
	Delay       time.Duration
}

// Config carries per-type lease TTLs. Types absent from LeaseTTL use
// DefaultLeaseTTL.
type Config struct {
	LeaseTTL map[string]time.Duration
	Backoff  Backoff
}

// Service is the durable job queue. Delivery is at-least-once: a worker
// that stops heartbeating loses its lease and the job is redelivered, so
// executors must tolerate re-running.
type Service struct {
	repo jobrepo.JobRepo
	cfg  Config
	log  *logger.Logger

	mu     sync.RWMutex
	paused map[string]bool
}

func NewService(repo jobrepo.JobRepo, cfg Config, baseLog *logger.Logger) *Service {
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		log:    baseLog.With("service", "JobQueue"),
		paused: map[string]bool{},
	}
}

func (s *Service) leaseTTL(jobType string) time.Duration {
	if d, ok := s.cfg.LeaseTTL[jobType]; ok && d > 0 {
		return d
	}
	return DefaultLeaseTTL
}

func (s *Service) Enqueue(ctx context.Context, workflowID uuid.UUID, jobType string, payload []byte, opts EnqueueOpts) (*types.Job, error) {
	if jobType == "" {
		return nil, faults.Newf(faults.KindValidation, "job type is required")
	}
	known := false
	for _, t := range domjobs.Types {
		if t == jobType {
			known = true
			break
		}
	}
	if !known {
		return nil, faults.Newf(faults.KindValidation, "unknown job type %q", jobType)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, faults.Newf(faults.KindValidation, "payload is %d bytes, limit is %d", len(payload), MaxPayloadBytes)
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	maxAttempts := DefaultMaxAttempts
	if opts.MaxAttempts != nil && *opts.MaxAttempts >= 0 {
		maxAttempts = *opts.MaxAttempts
	}
	now := time.Now()
	job := &types.Job{
		ID:          uuid.New(),
		Type:        jobType,
		WorkflowID:  workflowID,
		State:       domjobs.StateWaiting,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Payload:     datatypes.JSON(payload),
		EnqueuedAt:  now,
	}
	if opts.Delay > 0 {
		until := now.Add(opts.Delay)
		job.State = domjobs.StateDelayed
		job.DelayUntil = &until
	}
	created, err := s.repo.Create(dbctx.Context{Ctx: ctx}, []*types.Job{job})
	if err != nil {
		return nil, err
	}
	s.log.Info("job enqueued", "job_id", job.ID, "type", jobType, "workflow_id", workflowID, "priority", opts.Priority)
	return created[0], nil
}

// Lease claims the next runnable job among jobTypes, skipping paused
// types. Returns nil when nothing is runnable.
func (s *Service) Lease(ctx context.Context, jobTypes []string, workerID string) (*types.Job, error) {
	eligible := make([]string, 0, len(jobTypes))
	s.mu.RLock()
	for _, t := range jobTypes {
		if !s.paused[t] {
			eligible = append(eligible, t)
		}
	}
	s.mu.RUnlock()
	if len(eligible) == 0 {
		return nil, nil
	}
	// Per-type TTLs differ, so claim one type at a time in given order.
	for _, t := range eligible {
		job, err := s.repo.LeaseNext(dbctx.Context{Ctx: ctx}, []string{t}, workerID, s.leaseTTL(t))
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// Heartbeat renews the lease and reports progress. A stale-lease fault
// means another worker owns the job now and the caller must abandon it.
func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, progress *int) (*types.Job, error) {
	job, err := s.repo.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.Newf(faults.KindNotFound, "job %s not found", id)
	}
	row, err := s.repo.Heartbeat(dbctx.Context{Ctx: ctx}, id, workerID, progress, s.leaseTTL(job.Type))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, faults.Newf(faults.KindStaleLease, "worker %s no longer owns job %s", workerID, id)
	}
	return row, nil
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) error {
	if len(result) == 0 {
		result = []byte("{}")
	}
	ok, err := s.repo.Complete(dbctx.Context{Ctx: ctx}, id, workerID, datatypes.JSON(result))
	if err != nil {
		return err
	}
	if !ok {
		return faults.Newf(faults.KindStaleLease, "worker %s no longer owns job %s", workerID, id)
	}
	return nil
}

// Fail settles a failed delivery. Retryable causes below the attempt
// budget go back to delayed with backoff; everything else is terminal.
// Returns whether a retry was scheduled.
func (s *Service) Fail(ctx context.Context, job *types.Job, workerID string, cause error) (bool, error) {
	kind := faults.KindOf(cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	retry := faults.IsRetryable(cause) && job.Attempts < job.MaxAttempts
	if !retry {
		ok, err := s.repo.FailTerminal(dbctx.Context{Ctx: ctx}, job.ID, workerID, string(kind), msg)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, faults.Newf(faults.KindStaleLease, "worker %s no longer owns job %s", workerID, job.ID)
		}
		s.log.Warn("job failed terminally", "job_id", job.ID, "type", job.Type, "kind", kind, "attempts", job.Attempts)
		return false, nil
	}

	delay := s.cfg.Backoff.Delay(job.Attempts)
	if after := faults.RetryAfterOf(cause); after > delay {
		delay = after
	}
	if kind == faults.KindQuotaExceeded && delay < quotaRetryFloor {
		delay = quotaRetryFloor
	}
	ok, err := s.repo.FailForRetry(dbctx.Context{Ctx: ctx}, job.ID, workerID, string(kind), msg, time.Now().Add(delay))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, faults.Newf(faults.KindStaleLease, "worker %s no longer owns job %s", workerID, job.ID)
	}
	s.log.Info("job scheduled for retry", "job_id", job.ID, "type", job.Type, "kind", kind, "attempts", job.Attempts, "delay", delay)
	return true, nil
}

// MarkCancelled settles an active job whose worker observed the cancel
// flag and stopped.
func (s *Service) MarkCancelled(ctx context.Context, id uuid.UUID, workerID string) error {
	ok, err := s.repo.MarkCancelled(dbctx.Context{Ctx: ctx}, id, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Newf(faults.KindStaleLease, "worker %s no longer owns job %s", workerID, id)
	}
	return nil
}

// Cancel stops a job. Queued jobs cancel immediately; active jobs get
// the cancel flag and settle when the worker notices. Returns whether
// the job reached a settled state synchronously.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.repo.CancelQueued(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	_, err = s.repo.RequestCancel(dbctx.Context{Ctx: ctx}, id)
	return false, err
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	job, err := s.repo.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.Newf(faults.KindNotFound, "job %s not found", id)
	}
	return job, nil
}

// ActiveForWorkflow returns the workflow's live job, if any. Drivers
// re-attach through this after a restart.
func (s *Service) ActiveForWorkflow(ctx context.Context, workflowID uuid.UUID) (*types.Job, error) {
	return s.repo.ActiveForWorkflow(dbctx.Context{Ctx: ctx}, workflowID)
}

// LatestForWorkflow returns the newest job of jobType for the workflow,
// settled or not.
func (s *Service) LatestForWorkflow(ctx context.Context, workflowID uuid.UUID, jobType string) (*types.Job, error) {
	return s.repo.LatestForWorkflow(dbctx.Context{Ctx: ctx}, workflowID, jobType)
}

func (s *Service) Counts(ctx context.Context) (map[string]int64, error) {
	return s.repo.CountByState(dbctx.Context{Ctx: ctx})
}

func (s *Service) Pause(jobType string) {
	s.mu.Lock()
	s.paused[jobType] = true
	s.mu.Unlock()
	s.log.Warn("job type paused", "type", jobType)
}

func (s *Service) Resume(jobType string) {
	s.mu.Lock()
	delete(s.paused, jobType)
	s.mu.Unlock()
	s.log.Info("job type resumed", "type", jobType)
}

func (s *Service) Paused(jobType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[jobType]
}

// PausedTypes lists the currently paused job types, sorted.
func (s *Service) PausedTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.paused))
	for t, p := range s.paused {
		if p {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Clean removes settled jobs older than the retention window. Empty
// jobType means all types.
func (s *Service) Clean(ctx context.Context, jobType string, retention time.Duration) (int64, error) {
	return s.repo.DeleteFinishedOlderThan(dbctx.Context{Ctx: ctx}, jobType, time.Now().Add(-retention))
}

// ReleaseExpired requeues active jobs whose lease lapsed. The monitor
// runs this on its sweep; LeaseNext would also pick them up lazily.
func (s *Service) ReleaseExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.ReleaseExpired(dbctx.Context{Ctx: ctx}, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("released expired leases", "count", n)
	}
	return n, nil
}
