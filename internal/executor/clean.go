package executor

import (
	"context"
	"encoding/json"
	"strings"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// TextCleaner normalizes a raw OCR snippet. Must be deterministic so
// re-running the stage converges on identical rows.
type TextCleaner interface {
	Clean(text string, opts types.CleaningOptions) string
}

// CleanExecutor turns OCR blocks into note rows. Notes key on
// (image_id, block_id), so a re-run updates rows in place.
type CleanExecutor struct {
	images  projrepo.NoteImageRepo
	notes   projrepo.NoteRepo
	cleaner TextCleaner
	log     *logger.Logger
}

func NewCleanExecutor(images projrepo.NoteImageRepo, notes projrepo.NoteRepo, cleaner TextCleaner, baseLog *logger.Logger) *CleanExecutor {
	return &CleanExecutor{
		images:  images,
		notes:   notes,
		cleaner: cleaner,
		log:     baseLog.With("executor", domjobs.TypeClean),
	}
}

func (e *CleanExecutor) Type() string { return domjobs.TypeClean }

func (e *CleanExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	images, err := e.images.ListByProject(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}

	noteCount := 0
	skipped := 0
	for i, img := range images {
		cancelled, err := req.beat(ctx, i*100/max(len(images), 1))
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, context.Canceled
		}
		if img.Status != domproj.ImageStatusProcessed {
			skipped++
			continue
		}

		var blocks []types.OCRBlock
		if len(img.OCRBlocks) > 0 {
			if err := json.Unmarshal(img.OCRBlocks, &blocks); err != nil {
				return nil, faults.Newf(faults.KindSchemaMismatch, "image %s has unreadable ocr blocks: %v", img.ID, err)
			}
		}
		for _, b := range blocks {
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			cleaned := e.cleaner.Clean(b.Text, req.Config.Cleaning)
			if cleaned == "" {
				continue
			}
			if _, err := e.notes.UpsertByOrigin(dbc, &types.Note{
				ProjectID:   req.Payload.ProjectID,
				ImageID:     img.ID,
				BlockID:     b.ID,
				Text:        b.Text,
				CleanedText: cleaned,
				Confidence:  b.Confidence,
			}); err != nil {
				return nil, err
			}
			noteCount++
		}
	}

	if noteCount == 0 {
		return nil, faults.Newf(faults.KindNoInput, "project %s produced no usable text", req.Payload.ProjectID)
	}
	e.log.Info("cleaning finished", "project_id", req.Payload.ProjectID, "notes", noteCount, "skipped_images", skipped)
	return &Result{Data: mustJSON(map[string]interface{}{
		"note_count":     noteCount,
		"skipped_images": skipped,
	})}, nil
}
