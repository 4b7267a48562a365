package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/inklight/inklight-backend/internal/bus"
	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T) (*Registry, *memWorkflowRepo, *bus.Hub) {
	t.Helper()
	log := testLog(t)
	repo := newMemWorkflowRepo()
	hub := bus.NewHub(0, log)
	return NewRegistry(repo, hub, 0, log), repo, hub
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// memWorkflowRepo keeps workflows in a map with the same guarded-update
// semantics as the postgres repo.
type memWorkflowRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Workflow
}

func newMemWorkflowRepo() *memWorkflowRepo {
	return &memWorkflowRepo{rows: map[uuid.UUID]*types.Workflow{}}
}

func applyWorkflowUpdates(wf *types.Workflow, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			wf.Status = v.(string)
		case "current_stage":
			wf.CurrentStage = v.(string)
		case "progress":
			wf.Progress = v.(int)
		case "stage_results":
			wf.StageResults = v.(datatypes.JSON)
		case "error_kind":
			wf.ErrorKind = v.(string)
		case "error_message":
			wf.ErrorMessage = v.(string)
		case "cancel_requested":
			wf.CancelRequested = v.(bool)
		case "completed_at":
			t := v.(time.Time)
			wf.CompletedAt = &t
		case "last_event_at":
			wf.LastEventAt = v.(time.Time)
		}
	}
	wf.UpdatedAt = time.Now()
}

func (m *memWorkflowRepo) Create(_ dbctx.Context, wf *types.Workflow) (*types.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	cp := *wf
	m.rows[wf.ID] = &cp
	return wf, nil
}

func (m *memWorkflowRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (m *memWorkflowRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok := m.rows[id]; ok {
		applyWorkflowUpdates(wf, updates)
	}
	return nil
}

func (m *memWorkflowRepo) UpdateFieldsWhereStatus(_ dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range allowedStatuses {
		if wf.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	applyWorkflowUpdates(wf, updates)
	return true, nil
}

func (m *memWorkflowRepo) ListByUser(_ dbctx.Context, userID uuid.UUID) ([]*types.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Workflow
	for _, wf := range m.rows {
		if wf.UserID == userID {
			cp := *wf
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memWorkflowRepo) ListByProject(_ dbctx.Context, projectID uuid.UUID) ([]*types.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Workflow
	for _, wf := range m.rows {
		if wf.ProjectID == projectID {
			cp := *wf
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memWorkflowRepo) ListByStatus(_ dbctx.Context, statuses []string) ([]*types.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Workflow
	for _, wf := range m.rows {
		for _, s := range statuses {
			if wf.Status == s {
				cp := *wf
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *memWorkflowRepo) HasActiveForProject(_ dbctx.Context, projectID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.rows {
		if wf.ProjectID == projectID && !domwf.IsTerminalStatus(wf.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memWorkflowRepo) DeleteTerminalOlderThan(_ dbctx.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, wf := range m.rows {
		if domwf.IsTerminalStatus(wf.Status) && wf.UpdatedAt.Before(olderThan) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type memProjectRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Project
}

func newMemProjectRepo() *memProjectRepo {
	return &memProjectRepo{rows: map[uuid.UUID]*types.Project{}}
}

func (m *memProjectRepo) Create(_ dbctx.Context, p *types.Project) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.rows[p.ID] = &cp
	return p, nil
}

func (m *memProjectRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memProjectRepo) ListByUser(_ dbctx.Context, userID uuid.UUID) ([]*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Project
	for _, p := range m.rows {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memProjectRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "name":
			p.Name = v.(string)
		case "status":
			p.Status = v.(string)
		case "image_count":
			p.ImageCount = v.(int)
		}
	}
	return nil
}

func (m *memProjectRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status string) error {
	return m.UpdateFields(dbc, id, map[string]interface{}{"status": status})
}

func (m *memProjectRepo) Delete(_ dbctx.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memProjectRepo) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.rows[id]; ok {
		return p.Status
	}
	return ""
}
