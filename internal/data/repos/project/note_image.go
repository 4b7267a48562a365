package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type NoteImageRepo interface {
	Create(dbc dbctx.Context, img *types.NoteImage) (*types.NoteImage, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.NoteImage, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.NoteImage, error)
	CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
	// SetOCRResult overwrites the OCR columns for the image. Keyed by image
	// id, so re-running recognition replaces the previous result.
	SetOCRResult(dbc dbctx.Context, id uuid.UUID, text string, confidence float64, blocks datatypes.JSON) error
	SetStatus(dbc dbctx.Context, id uuid.UUID, status string) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type noteImageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNoteImageRepo(db *gorm.DB, baseLog *logger.Logger) NoteImageRepo {
	return &noteImageRepo{
		db:  db,
		log: baseLog.With("repo", "NoteImageRepo"),
	}
}

func (r *noteImageRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *noteImageRepo) Create(dbc dbctx.Context, img *types.NoteImage) (*types.NoteImage, error) {
	if img == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(img).Error; err != nil {
		return nil, err
	}
	return img, nil
}

func (r *noteImageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.NoteImage, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var img types.NoteImage
	err := r.handle(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&img).Error
	if err != nil {
		return nil, err
	}
	if img.ID == uuid.Nil {
		return nil, nil
	}
	return &img, nil
}

func (r *noteImageRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.NoteImage, error) {
	var out []*types.NoteImage
	if projectID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *noteImageRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.NoteImage{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	return count, err
}

func (r *noteImageRepo) SetOCRResult(dbc dbctx.Context, id uuid.UUID, text string, confidence float64, blocks datatypes.JSON) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.NoteImage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ocr_text":       text,
			"ocr_confidence": confidence,
			"ocr_blocks":     blocks,
			"status":         "processed",
			"processed_at":   now,
			"updated_at":     now,
		}).Error
}

func (r *noteImageRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status string) error {
	return r.UpdateFields(dbc, id, map[string]interface{}{"status": status})
}

func (r *noteImageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.NoteImage{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *noteImageRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.NoteImage{})
	return res.RowsAffected, res.Error
}
