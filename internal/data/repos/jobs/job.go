package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// JobRepo owns workflow_job rows. The queue service layers delivery
// semantics (backoff, pause, payload caps) on top; everything here is a
// single guarded statement so concurrent workers stay correct.
type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)

	// LeaseNext claims at most one runnable job of the given types:
	// waiting, delayed past delay_until, or active past lease expiry.
	// Priority descending, then enqueued_at ascending. Attempts increments
	// on lease only when the job last left a worker via fail; expired
	// leases re-deliver without an attempt charge.
	LeaseNext(dbc dbctx.Context, jobTypes []string, workerID string, leaseTTL time.Duration) (*types.Job, error)

	// Heartbeat extends the lease and optionally records progress. Returns
	// the refreshed row so callers can observe cancel_requested. A nil row
	// with nil error means the worker no longer owns the job.
	Heartbeat(dbc dbctx.Context, id uuid.UUID, workerID string, progress *int, leaseTTL time.Duration) (*types.Job, error)

	Complete(dbc dbctx.Context, id uuid.UUID, workerID string, result datatypes.JSON) (bool, error)
	FailTerminal(dbc dbctx.Context, id uuid.UUID, workerID string, kind, message string) (bool, error)
	FailForRetry(dbc dbctx.Context, id uuid.UUID, workerID string, kind, message string, delayUntil time.Time) (bool, error)
	MarkCancelled(dbc dbctx.Context, id uuid.UUID, workerID string) (bool, error)

	// CancelQueued cancels a waiting or delayed job outright.
	CancelQueued(dbc dbctx.Context, id uuid.UUID) (bool, error)
	// RequestCancel flags an active job; the owning worker observes the
	// flag on its next heartbeat.
	RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error)

	ActiveForWorkflow(dbc dbctx.Context, workflowID uuid.UUID) (*types.Job, error)
	LatestForWorkflow(dbc dbctx.Context, workflowID uuid.UUID, jobType string) (*types.Job, error)
	CountByState(dbc dbctx.Context) (map[string]int64, error)
	ReleaseExpired(dbc dbctx.Context, now time.Time) (int64, error)
	DeleteFinishedOlderThan(dbc dbctx.Context, jobType string, olderThan time.Time) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*types.Job) ([]*types.Job, error) {
	if len(jobs) == 0 {
		return []*types.Job{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) LeaseNext(dbc dbctx.Context, jobTypes []string, workerID string, leaseTTL time.Duration) (*types.Job, error) {
	if len(jobTypes) == 0 || workerID == "" {
		return nil, nil
	}
	now := time.Now()
	var claimed *types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var job types.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("type IN ?", jobTypes).
			Where(`
        (
          state = ?
          OR (state = ? AND delay_until IS NOT NULL AND delay_until <= ?)
          OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
        )
      `, domjobs.StateWaiting, domjobs.StateDelayed, now, domjobs.StateActive, now).
			Order("priority DESC").
			Order("enqueued_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		expires := now.Add(leaseTTL)
		updates := map[string]interface{}{
			"state":            domjobs.StateActive,
			"worker_id":        workerID,
			"lease_expires_at": expires,
			"updated_at":       now,
		}
		// A delayed job is a retry re-entering service; charge the attempt
		// now so backoff exponents line up with delivery count. Expired
		// active leases re-deliver for free.
		if job.State == domjobs.StateWaiting || job.State == domjobs.StateDelayed {
			updates["attempts"] = gorm.Expr("attempts + 1")
			job.Attempts++
		}
		if job.StartedAt == nil {
			updates["started_at"] = now
			job.StartedAt = &now
		}
		if uErr := tx.Model(&types.Job{}).Where("id = ?", job.ID).Updates(updates).Error; uErr != nil {
			return uErr
		}
		job.State = domjobs.StateActive
		job.WorkerID = workerID
		job.LeaseExpiresAt = &expires
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID, workerID string, progress *int, leaseTTL time.Duration) (*types.Job, error) {
	if id == uuid.Nil || workerID == "" {
		return nil, nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"lease_expires_at": now.Add(leaseTTL),
		"updated_at":       now,
	}
	if progress != nil {
		updates["progress"] = *progress
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND worker_id = ? AND state = ?", id, workerID, domjobs.StateActive).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetByID(dbc, id)
}

func (r *jobRepo) finish(dbc dbctx.Context, id uuid.UUID, workerID string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || workerID == "" {
		return false, nil
	}
	now := time.Now()
	updates["worker_id"] = ""
	updates["lease_expires_at"] = nil
	updates["updated_at"] = now
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND worker_id = ? AND state = ?", id, workerID, domjobs.StateActive).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) Complete(dbc dbctx.Context, id uuid.UUID, workerID string, result datatypes.JSON) (bool, error) {
	now := time.Now()
	return r.finish(dbc, id, workerID, map[string]interface{}{
		"state":       domjobs.StateCompleted,
		"progress":    100,
		"result":      result,
		"finished_at": now,
	})
}

func (r *jobRepo) FailTerminal(dbc dbctx.Context, id uuid.UUID, workerID string, kind, message string) (bool, error) {
	now := time.Now()
	return r.finish(dbc, id, workerID, map[string]interface{}{
		"state":         domjobs.StateFailed,
		"error_kind":    kind,
		"error_message": message,
		"finished_at":   now,
	})
}

func (r *jobRepo) FailForRetry(dbc dbctx.Context, id uuid.UUID, workerID string, kind, message string, delayUntil time.Time) (bool, error) {
	return r.finish(dbc, id, workerID, map[string]interface{}{
		"state":         domjobs.StateDelayed,
		"error_kind":    kind,
		"error_message": message,
		"delay_until":   delayUntil,
	})
}

func (r *jobRepo) MarkCancelled(dbc dbctx.Context, id uuid.UUID, workerID string) (bool, error) {
	now := time.Now()
	return r.finish(dbc, id, workerID, map[string]interface{}{
		"state":       domjobs.StateCancelled,
		"finished_at": now,
	})
}

func (r *jobRepo) CancelQueued(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND state IN ?", id, []string{domjobs.StateWaiting, domjobs.StateDelayed}).
		Updates(map[string]interface{}{
			"state":       domjobs.StateCancelled,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND state = ?", id, domjobs.StateActive).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) ActiveForWorkflow(dbc dbctx.Context, workflowID uuid.UUID) (*types.Job, error) {
	if workflowID == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_id = ? AND state = ?", workflowID, domjobs.StateActive).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) LatestForWorkflow(dbc dbctx.Context, workflowID uuid.UUID, jobType string) (*types.Job, error) {
	if workflowID == uuid.Nil {
		return nil, nil
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).Where("workflow_id = ?", workflowID)
	if jobType != "" {
		q = q.Where("type = ?", jobType)
	}
	var job types.Job
	err := q.Order("enqueued_at DESC").Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) CountByState(dbc dbctx.Context) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[rw.State] = rw.N
	}
	return out, nil
}

func (r *jobRepo) ReleaseExpired(dbc dbctx.Context, now time.Time) (int64, error) {
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", domjobs.StateActive, now).
		Updates(map[string]interface{}{
			"state":            domjobs.StateWaiting,
			"worker_id":        "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	return res.RowsAffected, res.Error
}

func (r *jobRepo) DeleteFinishedOlderThan(dbc dbctx.Context, jobType string, olderThan time.Time) (int64, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Where("state IN ?", []string{domjobs.StateCompleted, domjobs.StateFailed, domjobs.StateCancelled}).
		Where("finished_at IS NOT NULL AND finished_at < ?", olderThan)
	if jobType != "" {
		q = q.Where("type = ?", jobType)
	}
	res := q.Delete(&types.Job{})
	return res.RowsAffected, res.Error
}
