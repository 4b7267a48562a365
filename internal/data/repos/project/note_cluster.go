package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type NoteClusterRepo interface {
	Create(dbc dbctx.Context, c *types.NoteCluster) (*types.NoteCluster, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.NoteCluster, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.NoteCluster, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// ReplaceForProject deletes the project's clusters and inserts the new
	// set in one transaction. Notes must be detached first.
	ReplaceForProject(dbc dbctx.Context, projectID uuid.UUID, clusters []*types.NoteCluster) ([]*types.NoteCluster, error)
	DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type noteClusterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNoteClusterRepo(db *gorm.DB, baseLog *logger.Logger) NoteClusterRepo {
	return &noteClusterRepo{
		db:  db,
		log: baseLog.With("repo", "NoteClusterRepo"),
	}
}

func (r *noteClusterRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *noteClusterRepo) Create(dbc dbctx.Context, c *types.NoteCluster) (*types.NoteCluster, error) {
	if c == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *noteClusterRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.NoteCluster, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var c types.NoteCluster
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *noteClusterRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.NoteCluster, error) {
	var out []*types.NoteCluster
	if projectID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("note_count DESC, created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *noteClusterRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.NoteCluster{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *noteClusterRepo) ReplaceForProject(dbc dbctx.Context, projectID uuid.UUID, clusters []*types.NoteCluster) ([]*types.NoteCluster, error) {
	if projectID == uuid.Nil {
		return nil, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&types.NoteCluster{}).Error; err != nil {
			return err
		}
		for _, c := range clusters {
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			c.ProjectID = projectID
		}
		if len(clusters) == 0 {
			return nil
		}
		return tx.Create(&clusters).Error
	})
	if err != nil {
		return nil, err
	}
	return clusters, nil
}

func (r *noteClusterRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.NoteCluster{})
	return res.RowsAffected, res.Error
}
