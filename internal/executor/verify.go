package executor

import (
	"context"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// BlobChecker reports whether an object exists in storage.
type BlobChecker interface {
	Exists(ctx context.Context, key string) (bool, int64, error)
}

// VerifyExecutor confirms the project is processable before any paid
// provider call happens: the project exists, has images, and every image
// blob is actually readable.
type VerifyExecutor struct {
	projects projrepo.ProjectRepo
	images   projrepo.NoteImageRepo
	blobs    BlobChecker
	log      *logger.Logger
}

func NewVerifyExecutor(projects projrepo.ProjectRepo, images projrepo.NoteImageRepo, blobs BlobChecker, baseLog *logger.Logger) *VerifyExecutor {
	return &VerifyExecutor{
		projects: projects,
		images:   images,
		blobs:    blobs,
		log:      baseLog.With("executor", domjobs.TypeVerify),
	}
}

func (e *VerifyExecutor) Type() string { return domjobs.TypeVerify }

func (e *VerifyExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	proj, err := e.projects.GetByID(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, faults.Newf(faults.KindInvalidInput, "project %s does not exist", req.Payload.ProjectID)
	}

	images, err := e.images.ListByProject(dbc, proj.ID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, faults.Newf(faults.KindNoInput, "project %s has no images to process", proj.ID)
	}

	var totalBytes int64
	for i, img := range images {
		cancelled, err := req.beat(ctx, i*100/len(images))
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, context.Canceled
		}
		ok, size, err := e.blobs.Exists(ctx, img.StorageKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, faults.Newf(faults.KindInvalidInput, "image %s is missing from storage (%s)", img.ID, img.StorageKey)
		}
		totalBytes += size
	}

	e.log.Info("project verified", "project_id", proj.ID, "images", len(images), "bytes", totalBytes)
	return &Result{Data: mustJSON(map[string]interface{}{
		"image_count": len(images),
		"total_bytes": totalBytes,
	})}, nil
}
