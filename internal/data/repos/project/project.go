package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, p *types.Project) (*types.Project, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Project, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	SetStatus(dbc dbctx.Context, id uuid.UUID, status string) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{
		db:  db,
		log: baseLog.With("repo", "ProjectRepo"),
	}
}

func (r *projectRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *projectRepo) Create(dbc dbctx.Context, p *types.Project) (*types.Project, error) {
	if p == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.Project
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *projectRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.Project, error) {
	var out []*types.Project
	if userID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (r *projectRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Project{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *projectRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status string) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"status": status})
}

func (r *projectRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Project{}).Error
}
