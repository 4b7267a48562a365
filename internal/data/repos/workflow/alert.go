package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type AlertRepo interface {
	// UpsertOpen creates an alert unless an unresolved one already exists
	// for (workflow_id, kind). Returns the row and whether it was created;
	// a repeated hit on an existing warning escalates it to error.
	UpsertOpen(dbc dbctx.Context, workflowID *uuid.UUID, kind, alertType, message string, metadata datatypes.JSON) (*types.Alert, bool, error)
	Resolve(dbc dbctx.Context, workflowID *uuid.UUID, kind string) (int64, error)
	ResolveByWorkflow(dbc dbctx.Context, workflowID uuid.UUID) (int64, error)
	ListOpen(dbc dbctx.Context) ([]*types.Alert, error)
	ListRecent(dbc dbctx.Context, since time.Time, limit int) ([]*types.Alert, error)
	DeleteResolvedOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

type alertRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAlertRepo(db *gorm.DB, baseLog *logger.Logger) AlertRepo {
	return &alertRepo{
		db:  db,
		log: baseLog.With("repo", "AlertRepo"),
	}
}

func (r *alertRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *alertRepo) UpsertOpen(dbc dbctx.Context, workflowID *uuid.UUID, kind, alertType, message string, metadata datatypes.JSON) (*types.Alert, bool, error) {
	if kind == "" {
		return nil, false, nil
	}
	var out *types.Alert
	created := false
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&types.Alert{}).Where("kind = ? AND resolved = false", kind)
		if workflowID != nil {
			q = q.Where("workflow_id = ?", *workflowID)
		} else {
			q = q.Where("workflow_id IS NULL")
		}
		var existing types.Alert
		if err := q.Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if existing.ID != uuid.Nil {
			// Repeated observation of the same condition upgrades severity.
			if existing.Type == domwf.AlertWarning && alertType == domwf.AlertWarning {
				alertType = domwf.AlertError
			}
			now := time.Now()
			if err := tx.Model(&types.Alert{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
				"type":       alertType,
				"message":    message,
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
			existing.Type = alertType
			existing.Message = message
			existing.UpdatedAt = now
			out = &existing
			return nil
		}
		row := &types.Alert{
			ID:         uuid.New(),
			Type:       alertType,
			WorkflowID: workflowID,
			Kind:       kind,
			Message:    message,
			Metadata:   metadata,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		out = row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *alertRepo) Resolve(dbc dbctx.Context, workflowID *uuid.UUID, kind string) (int64, error) {
	now := time.Now()
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Alert{}).
		Where("kind = ? AND resolved = false", kind)
	if workflowID != nil {
		q = q.Where("workflow_id = ?", *workflowID)
	} else {
		q = q.Where("workflow_id IS NULL")
	}
	res := q.Updates(map[string]interface{}{
		"resolved":    true,
		"resolved_at": now,
		"updated_at":  now,
	})
	return res.RowsAffected, res.Error
}

func (r *alertRepo) ResolveByWorkflow(dbc dbctx.Context, workflowID uuid.UUID) (int64, error) {
	if workflowID == uuid.Nil {
		return 0, nil
	}
	now := time.Now()
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Alert{}).
		Where("workflow_id = ? AND resolved = false", workflowID).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

func (r *alertRepo) ListOpen(dbc dbctx.Context) ([]*types.Alert, error) {
	var out []*types.Alert
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("resolved = false").
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (r *alertRepo) ListRecent(dbc dbctx.Context, since time.Time, limit int) ([]*types.Alert, error) {
	var out []*types.Alert
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (r *alertRepo) DeleteResolvedOlderThan(dbc dbctx.Context, olderThan time.Time) (int64, error) {
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("resolved = true AND resolved_at IS NOT NULL AND resolved_at < ?", olderThan).
		Delete(&types.Alert{})
	return res.RowsAffected, res.Error
}
