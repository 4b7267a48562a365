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

type SummaryRepo interface {
	// Upsert writes the single summary row for the project, replacing any
	// previous one.
	Upsert(dbc dbctx.Context, s *types.ProjectSummary) (*types.ProjectSummary, error)
	GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.ProjectSummary, error)
	DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryRepo(db *gorm.DB, baseLog *logger.Logger) SummaryRepo {
	return &summaryRepo{
		db:  db,
		log: baseLog.With("repo", "SummaryRepo"),
	}
}

func (r *summaryRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *summaryRepo) Upsert(dbc dbctx.Context, s *types.ProjectSummary) (*types.ProjectSummary, error) {
	if s == nil {
		return nil, nil
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = time.Now()
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"top_themes", "distribution", "quotes", "insights",
				"theme_count", "generated_at", "updated_at",
			}),
		}).
		Create(s).Error
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *summaryRepo) GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.ProjectSummary, error) {
	if projectID == uuid.Nil {
		return nil, nil
	}
	var s types.ProjectSummary
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Limit(1).
		Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}

func (r *summaryRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.ProjectSummary{})
	return res.RowsAffected, res.Error
}
