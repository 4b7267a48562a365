package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type CheckpointRepo interface {
	Create(dbc dbctx.Context, cp *types.Checkpoint) (*types.Checkpoint, error)
	MaxSeq(dbc dbctx.Context, workflowID uuid.UUID) (int, error)
	// ListByWorkflowDesc returns checkpoints newest-first (by seq).
	ListByWorkflowDesc(dbc dbctx.Context, workflowID uuid.UUID) ([]*types.Checkpoint, error)
	// LatestForStage returns the newest checkpoint taken for the stage.
	LatestForStage(dbc dbctx.Context, workflowID uuid.UUID, stage string) (*types.Checkpoint, error)
	DeleteByWorkflow(dbc dbctx.Context, workflowID uuid.UUID) (int64, error)
	DeleteOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{
		db:  db,
		log: baseLog.With("repo", "CheckpointRepo"),
	}
}

func (r *checkpointRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *checkpointRepo) Create(dbc dbctx.Context, cp *types.Checkpoint) (*types.Checkpoint, error) {
	if cp == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(cp).Error; err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *checkpointRepo) MaxSeq(dbc dbctx.Context, workflowID uuid.UUID) (int, error) {
	if workflowID == uuid.Nil {
		return 0, nil
	}
	var max int
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Checkpoint{}).
		Where("workflow_id = ?", workflowID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&max).Error
	return max, err
}

func (r *checkpointRepo) ListByWorkflowDesc(dbc dbctx.Context, workflowID uuid.UUID) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	if workflowID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_id = ?", workflowID).
		Order("seq DESC").
		Find(&out).Error
	return out, err
}

func (r *checkpointRepo) LatestForStage(dbc dbctx.Context, workflowID uuid.UUID, stage string) (*types.Checkpoint, error) {
	if workflowID == uuid.Nil || stage == "" {
		return nil, nil
	}
	var cp types.Checkpoint
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_id = ? AND stage = ?", workflowID, stage).
		Order("seq DESC").
		Limit(1).
		Find(&cp).Error
	if err != nil {
		return nil, err
	}
	if cp.ID == uuid.Nil {
		return nil, nil
	}
	return &cp, nil
}

func (r *checkpointRepo) DeleteByWorkflow(dbc dbctx.Context, workflowID uuid.UUID) (int64, error) {
	if workflowID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("workflow_id = ?", workflowID).
		Delete(&types.Checkpoint{})
	return res.RowsAffected, res.Error
}

func (r *checkpointRepo) DeleteOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error) {
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("taken_at < ?", olderThan).
		Delete(&types.Checkpoint{})
	return res.RowsAffected, res.Error
}
