package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/queue"
)

// Config sizes the pool. Zero-valued fields fall back to defaults.
type Config struct {
	// Concurrency is the number of workers per job type.
	Concurrency map[string]int
	// Timeout bounds a single delivery per job type.
	Timeout map[string]time.Duration
	// PollInterval is how long an idle worker sleeps between lease
	// attempts.
	PollInterval time.Duration
	// HeartbeatInterval is how often a busy worker renews its lease.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency: map[string]int{
			domjobs.TypeVerify:  4,
			domjobs.TypeOCR:     4,
			domjobs.TypeClean:   8,
			domjobs.TypeCluster: 2,
			domjobs.TypeSummary: 2,
			domjobs.TypeExport:  2,
		},
		Timeout: map[string]time.Duration{
			domjobs.TypeVerify:  time.Minute,
			domjobs.TypeOCR:     5 * time.Minute,
			domjobs.TypeClean:   2 * time.Minute,
			domjobs.TypeCluster: 5 * time.Minute,
			domjobs.TypeSummary: 3 * time.Minute,
			domjobs.TypeExport:  5 * time.Minute,
		},
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Pool runs a fixed set of workers per job type. Each worker leases,
// executes, heartbeats, and settles one job at a time; the queue's lease
// model covers us if a worker dies mid-job.
type Pool struct {
	queue    *queue.Service
	registry *executor.Registry
	cfg      Config
	log      *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(q *queue.Service, registry *executor.Registry, cfg Config, baseLog *logger.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency == nil {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout == nil {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	return &Pool{
		queue:    q,
		registry: registry,
		cfg:      cfg,
		log:      baseLog.With("component", "WorkerPool"),
	}
}

// Start spins up the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	total := 0
	for _, jobType := range domjobs.Types {
		n := p.cfg.Concurrency[jobType]
		for i := 0; i < n; i++ {
			workerID := fmt.Sprintf("%s-%d-%s", jobType, i, uuid.NewString()[:8])
			p.wg.Add(1)
			go p.run(ctx, jobType, workerID)
			total++
		}
	}
	p.log.Info("worker pool started", "workers", total)
}

// Stop cancels all workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, jobType, workerID string) {
	defer p.wg.Done()
	log := p.log.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.queue.Lease(ctx, []string{jobType}, workerID)
		if err != nil {
			log.Error("lease failed", "error", err)
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		p.process(ctx, job, workerID, log)
	}
}

func (p *Pool) process(ctx context.Context, job *types.Job, workerID string, log *logger.Logger) {
	timeout := p.cfg.Timeout[job.Type]
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, timeout)
	defer cancelJob()

	// The heartbeat loop keeps the lease alive and watches for cancel
	// requests. Losing the lease or seeing the flag cancels the executor.
	var cancelled bool
	var stale bool
	hbDone := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				row, err := p.queue.Heartbeat(jobCtx, job.ID, workerID, nil)
				if err != nil {
					if faults.IsKind(err, faults.KindStaleLease) {
						stale = true
						cancelJob()
						return
					}
					log.Warn("heartbeat failed", "job_id", job.ID, "error", err)
					continue
				}
				if row.CancelRequested {
					cancelled = true
					cancelJob()
					return
				}
			}
		}
	}()

	result, execErr := p.execute(jobCtx, job, workerID)
	close(hbDone)
	hbWG.Wait()

	// Settle with the parent context: jobCtx is likely dead by now.
	switch {
	case stale:
		log.Warn("lease lost mid-job, dropping", "job_id", job.ID, "type", job.Type)
	case execErr == nil:
		var data []byte
		if result != nil {
			data = result.Data
		}
		if err := p.queue.Complete(ctx, job.ID, workerID, data); err != nil {
			log.Warn("complete settle failed", "job_id", job.ID, "error", err)
		}
	case ctx.Err() != nil:
		// Pool shutdown. Leave the job to lease expiry so another
		// process redelivers it.
		log.Info("shutdown mid-job, leaving to lease expiry", "job_id", job.ID, "type", job.Type)
	case cancelled || errors.Is(execErr, context.Canceled):
		if err := p.queue.MarkCancelled(ctx, job.ID, workerID); err != nil {
			log.Warn("mark cancelled failed", "job_id", job.ID, "error", err)
		}
	default:
		if jobCtx.Err() == context.DeadlineExceeded {
			execErr = faults.Newf(faults.KindTimeout, "%s stage exceeded %v", job.Type, timeout)
		}
		if _, err := p.queue.Fail(ctx, job, workerID, execErr); err != nil {
			log.Warn("fail settle failed", "job_id", job.ID, "error", err)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job *types.Job, workerID string) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("executor panicked", "job_id", job.ID, "type", job.Type, "panic", r, "stack", string(debug.Stack()))
			res = nil
			err = faults.Newf(faults.KindInternal, "executor panic: %v", r)
		}
	}()

	exec, err := p.registry.Get(job.Type)
	if err != nil {
		return nil, err
	}
	payload, err := executor.ParsePayload(job.Payload)
	if err != nil {
		return nil, err
	}
	req := &executor.Request{
		Job:     job,
		Payload: payload,
		Config:  payload.Config,
		Beat: func(beatCtx context.Context, progress int) (bool, error) {
			row, err := p.queue.Heartbeat(beatCtx, job.ID, workerID, &progress)
			if err != nil {
				return false, err
			}
			return row.CancelRequested, nil
		},
	}
	return exec.Execute(ctx, req)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
