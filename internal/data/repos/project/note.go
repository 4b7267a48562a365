package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type NoteRepo interface {
	// UpsertByOrigin inserts or replaces a note keyed on
	// (image_id, block_id), so cleaning re-runs overwrite in place.
	UpsertByOrigin(dbc dbctx.Context, n *types.Note) (*types.Note, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Note, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Note, error)
	ListByCluster(dbc dbctx.Context, clusterID uuid.UUID) ([]*types.Note, error)
	CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
	AssignCluster(dbc dbctx.Context, noteID uuid.UUID, clusterID *uuid.UUID) error
	// ClearClusters detaches every note in the project from its cluster.
	// Runs before cluster re-assignment so a re-run starts clean.
	ClearClusters(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
	DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
	DeleteByImage(dbc dbctx.Context, imageID uuid.UUID) (int64, error)
}

type noteRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNoteRepo(db *gorm.DB, baseLog *logger.Logger) NoteRepo {
	return &noteRepo{
		db:  db,
		log: baseLog.With("repo", "NoteRepo"),
	}
}

func (r *noteRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *noteRepo) UpsertByOrigin(dbc dbctx.Context, n *types.Note) (*types.Note, error) {
	if n == nil {
		return nil, nil
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "image_id"}, {Name: "block_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"text", "cleaned_text", "confidence", "updated_at",
			}),
		}).
		Create(n).Error
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *noteRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Note, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var n types.Note
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&n).Error
	if err != nil {
		return nil, err
	}
	if n.ID == uuid.Nil {
		return nil, nil
	}
	return &n, nil
}

func (r *noteRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Note, error) {
	var out []*types.Note
	if projectID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *noteRepo) ListByCluster(dbc dbctx.Context, clusterID uuid.UUID) ([]*types.Note, error) {
	var out []*types.Note
	if clusterID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("cluster_id = ?", clusterID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *noteRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Note{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	return count, err
}

func (r *noteRepo) AssignCluster(dbc dbctx.Context, noteID uuid.UUID, clusterID *uuid.UUID) error {
	if noteID == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Note{}).
		Where("id = ?", noteID).
		Updates(map[string]interface{}{
			"cluster_id": clusterID,
			"updated_at": time.Now(),
		}).Error
}

func (r *noteRepo) ClearClusters(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Note{}).
		Where("project_id = ? AND cluster_id IS NOT NULL", projectID).
		Updates(map[string]interface{}{
			"cluster_id": nil,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *noteRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.Note{})
	return res.RowsAffected, res.Error
}

func (r *noteRepo) DeleteByImage(dbc dbctx.Context, imageID uuid.UUID) (int64, error) {
	if imageID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("image_id = ?", imageID).
		Delete(&types.Note{})
	return res.RowsAffected, res.Error
}
