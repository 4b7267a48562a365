// Package queuetest provides an in-memory job repo mirroring the
// guarded-update semantics of the postgres repo, for queue and worker
// tests.
package queuetest

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
)

type MemJobRepo struct {
	Mu   sync.Mutex
	Jobs map[uuid.UUID]*types.Job
}

func NewMemJobRepo() *MemJobRepo {
	return &MemJobRepo{Jobs: map[uuid.UUID]*types.Job{}}
}

func (m *MemJobRepo) Create(_ dbctx.Context, jobs []*types.Job) ([]*types.Job, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, j := range jobs {
		cp := *j
		m.Jobs[j.ID] = &cp
	}
	return jobs, nil
}

func (m *MemJobRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Job, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *MemJobRepo) LeaseNext(_ dbctx.Context, jobTypes []string, workerID string, leaseTTL time.Duration) (*types.Job, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	now := time.Now()
	typeOK := func(t string) bool {
		for _, jt := range jobTypes {
			if jt == t {
				return true
			}
		}
		return false
	}
	var eligible []*types.Job
	for _, j := range m.Jobs {
		if !typeOK(j.Type) {
			continue
		}
		switch {
		case j.State == domjobs.StateWaiting:
		case j.State == domjobs.StateDelayed && j.DelayUntil != nil && !j.DelayUntil.After(now):
		case j.State == domjobs.StateActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now):
		default:
			continue
		}
		eligible = append(eligible, j)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		return eligible[a].EnqueuedAt.Before(eligible[b].EnqueuedAt)
	})
	j := eligible[0]
	if j.State == domjobs.StateWaiting || j.State == domjobs.StateDelayed {
		j.Attempts++
	}
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	expires := now.Add(leaseTTL)
	j.State = domjobs.StateActive
	j.WorkerID = workerID
	j.LeaseExpiresAt = &expires
	cp := *j
	return &cp, nil
}

func (m *MemJobRepo) Heartbeat(_ dbctx.Context, id uuid.UUID, workerID string, progress *int, leaseTTL time.Duration) (*types.Job, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok || j.State != domjobs.StateActive || j.WorkerID != workerID {
		return nil, nil
	}
	expires := time.Now().Add(leaseTTL)
	j.LeaseExpiresAt = &expires
	if progress != nil {
		j.Progress = *progress
	}
	cp := *j
	return &cp, nil
}

func (m *MemJobRepo) finish(id uuid.UUID, workerID string, f func(j *types.Job)) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok || j.State != domjobs.StateActive || j.WorkerID != workerID {
		return false, nil
	}
	f(j)
	j.WorkerID = ""
	j.LeaseExpiresAt = nil
	return true, nil
}

func (m *MemJobRepo) Complete(_ dbctx.Context, id uuid.UUID, workerID string, result datatypes.JSON) (bool, error) {
	now := time.Now()
	return m.finish(id, workerID, func(j *types.Job) {
		j.State = domjobs.StateCompleted
		j.Progress = 100
		j.Result = result
		j.FinishedAt = &now
	})
}

func (m *MemJobRepo) FailTerminal(_ dbctx.Context, id uuid.UUID, workerID string, kind, message string) (bool, error) {
	now := time.Now()
	return m.finish(id, workerID, func(j *types.Job) {
		j.State = domjobs.StateFailed
		j.ErrorKind = kind
		j.ErrorMessage = message
		j.FinishedAt = &now
	})
}

func (m *MemJobRepo) FailForRetry(_ dbctx.Context, id uuid.UUID, workerID string, kind, message string, delayUntil time.Time) (bool, error) {
	return m.finish(id, workerID, func(j *types.Job) {
		j.State = domjobs.StateDelayed
		j.ErrorKind = kind
		j.ErrorMessage = message
		j.DelayUntil = &delayUntil
	})
}

func (m *MemJobRepo) MarkCancelled(_ dbctx.Context, id uuid.UUID, workerID string) (bool, error) {
	now := time.Now()
	return m.finish(id, workerID, func(j *types.Job) {
		j.State = domjobs.StateCancelled
		j.FinishedAt = &now
	})
}

func (m *MemJobRepo) CancelQueued(_ dbctx.Context, id uuid.UUID) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok || (j.State != domjobs.StateWaiting && j.State != domjobs.StateDelayed) {
		return false, nil
	}
	now := time.Now()
	j.State = domjobs.StateCancelled
	j.FinishedAt = &now
	return true, nil
}

func (m *MemJobRepo) RequestCancel(_ dbctx.Context, id uuid.UUID) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok || j.State != domjobs.StateActive {
		return false, nil
	}
	j.CancelRequested = true
	return true, nil
}

func (m *MemJobRepo) ActiveForWorkflow(_ dbctx.Context, workflowID uuid.UUID) (*types.Job, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, j := range m.Jobs {
		if j.WorkflowID == workflowID && j.State == domjobs.StateActive {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemJobRepo) LatestForWorkflow(_ dbctx.Context, workflowID uuid.UUID, jobType string) (*types.Job, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var latest *types.Job
	for _, j := range m.Jobs {
		if j.WorkflowID != workflowID {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		if latest == nil || j.EnqueuedAt.After(latest.EnqueuedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemJobRepo) CountByState(_ dbctx.Context) (map[string]int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := map[string]int64{}
	for _, j := range m.Jobs {
		out[j.State]++
	}
	return out, nil
}

func (m *MemJobRepo) ReleaseExpired(_ dbctx.Context, now time.Time) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var n int64
	for _, j := range m.Jobs {
		if j.State == domjobs.StateActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			j.State = domjobs.StateWaiting
			j.WorkerID = ""
			j.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MemJobRepo) DeleteFinishedOlderThan(_ dbctx.Context, jobType string, olderThan time.Time) (int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var n int64
	for id, j := range m.Jobs {
		if !domjobs.Terminal(j.State) {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		if j.FinishedAt != nil && j.FinishedAt.Before(olderThan) {
			delete(m.Jobs, id)
			n++
		}
	}
	return n, nil
}
