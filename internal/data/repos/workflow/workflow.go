package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// WorkflowRepo persists workflow snapshots. Status transitions go through
// UpdateFieldsWhereStatus so a terminal row can never be revived: the
// registry treats a zero-row update as a lost compare-and-swap.
type WorkflowRepo interface {
	Create(dbc dbctx.Context, wf *types.Workflow) (*types.Workflow, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Workflow, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Workflow, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Workflow, error)
	ListByStatus(dbc dbctx.Context, statuses []string) ([]*types.Workflow, error)
	HasActiveForProject(dbc dbctx.Context, projectID uuid.UUID) (bool, error)
	DeleteTerminalOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

type workflowRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkflowRepo(db *gorm.DB, baseLog *logger.Logger) WorkflowRepo {
	return &workflowRepo{
		db:  db,
		log: baseLog.With("repo", "WorkflowRepo"),
	}
}

func (r *workflowRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *workflowRepo) Create(dbc dbctx.Context, wf *types.Workflow) (*types.Workflow, error) {
	if wf == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(wf).Error; err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *workflowRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Workflow, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var wf types.Workflow
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&wf).Error
	if err != nil {
		return nil, err
	}
	if wf.ID == uuid.Nil {
		return nil, nil
	}
	return &wf, nil
}

func (r *workflowRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Workflow{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *workflowRepo) UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Workflow{}).
		Where("id = ?", id)
	if len(allowedStatuses) == 1 {
		q = q.Where("status = ?", allowedStatuses[0])
	} else if len(allowedStatuses) > 1 {
		q = q.Where("status IN ?", allowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *workflowRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Workflow, error) {
	var out []*types.Workflow
	if userID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Find(&out).Error
	return out, err
}

func (r *workflowRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Workflow, error) {
	var out []*types.Workflow
	if projectID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("started_at DESC").
		Find(&out).Error
	return out, err
}

func (r *workflowRepo) ListByStatus(dbc dbctx.Context, statuses []string) ([]*types.Workflow, error) {
	var out []*types.Workflow
	if len(statuses) == 0 {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("status IN ?", statuses).
		Order("started_at ASC").
		Find(&out).Error
	return out, err
}

func (r *workflowRepo) HasActiveForProject(dbc dbctx.Context, projectID uuid.UUID) (bool, error) {
	if projectID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Workflow{}).
		Where("project_id = ? AND status IN ?", projectID, []string{domwf.StatusPending, domwf.StatusRunning}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *workflowRepo) DeleteTerminalOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error) {
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("status IN ?", []string{domwf.StatusCompleted, domwf.StatusFailed, domwf.StatusCancelled}).
		Where("updated_at < ?", olderThan).
		Delete(&types.Workflow{})
	return res.RowsAffected, res.Error
}
