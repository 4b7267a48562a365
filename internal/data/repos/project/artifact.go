package project

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type ArtifactRepo interface {
	// Upsert writes the artifact row keyed on (project_id, format), so an
	// export re-run replaces the prior descriptor.
	Upsert(dbc dbctx.Context, a *types.ExportArtifact) (*types.ExportArtifact, error)
	GetByProjectFormat(dbc dbctx.Context, projectID uuid.UUID, format string) (*types.ExportArtifact, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ExportArtifact, error)
	DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *artifactRepo) Upsert(dbc dbctx.Context, a *types.ExportArtifact) (*types.ExportArtifact, error) {
	if a == nil {
		return nil, nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}, {Name: "format"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"storage_key", "size_bytes", "updated_at",
			}),
		}).
		Create(a).Error
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *artifactRepo) GetByProjectFormat(dbc dbctx.Context, projectID uuid.UUID, format string) (*types.ExportArtifact, error) {
	if projectID == uuid.Nil || format == "" {
		return nil, nil
	}
	var a types.ExportArtifact
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ? AND format = ?", projectID, format).
		Limit(1).
		Find(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == uuid.Nil {
		return nil, nil
	}
	return &a, nil
}

func (r *artifactRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ExportArtifact, error) {
	var out []*types.ExportArtifact
	if projectID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("format ASC").
		Find(&out).Error
	return out, err
}

func (r *artifactRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.ExportArtifact{})
	return res.RowsAffected, res.Error
}
