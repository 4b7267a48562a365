package executor

import (
	"context"
	"encoding/json"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// OCRResult is one image's recognition output.
type OCRResult struct {
	Text       string
	Confidence float64
	Blocks     []types.OCRBlock
}

// VisionProvider turns image bytes into text blocks.
type VisionProvider interface {
	Recognize(ctx context.Context, imageBytes []byte) (*OCRResult, error)
}

// BlobReader fetches an object from storage.
type BlobReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// OCRExecutor recognizes handwriting in every image of the project.
// Results land on the image row keyed by image id, so a redelivered job
// skips images that already carry output and overwrites nothing twice.
type OCRExecutor struct {
	images projrepo.NoteImageRepo
	blobs  BlobReader
	vision VisionProvider
	log    *logger.Logger
}

func NewOCRExecutor(images projrepo.NoteImageRepo, blobs BlobReader, vision VisionProvider, baseLog *logger.Logger) *OCRExecutor {
	return &OCRExecutor{
		images: images,
		blobs:  blobs,
		vision: vision,
		log:    baseLog.With("executor", domjobs.TypeOCR),
	}
}

func (e *OCRExecutor) Type() string { return domjobs.TypeOCR }

func (e *OCRExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	images, err := e.images.ListByProject(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, faults.Newf(faults.KindNoInput, "project %s has no images", req.Payload.ProjectID)
	}

	blockCount := 0
	var confSum float64
	confN := 0
	for i, img := range images {
		cancelled, err := req.beat(ctx, i*100/len(images))
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, context.Canceled
		}

		if img.Status == domproj.ImageStatusProcessed {
			var blocks []types.OCRBlock
			_ = json.Unmarshal(img.OCRBlocks, &blocks)
			blockCount += len(blocks)
			confSum += img.OCRConfidence
			confN++
			continue
		}

		raw, err := e.blobs.Download(ctx, img.StorageKey)
		if err != nil {
			return nil, err
		}
		res, err := e.vision.Recognize(ctx, raw)
		if err != nil {
			return nil, err
		}

		blocksJSON, err := json.Marshal(res.Blocks)
		if err != nil {
			return nil, faults.New(faults.KindInternal, err)
		}
		if err := e.images.SetOCRResult(dbc, img.ID, res.Text, res.Confidence, blocksJSON); err != nil {
			return nil, err
		}
		blockCount += len(res.Blocks)
		confSum += res.Confidence
		confN++
	}

	avg := 0.0
	if confN > 0 {
		avg = confSum / float64(confN)
	}
	e.log.Info("ocr finished", "project_id", req.Payload.ProjectID, "images", len(images), "blocks", blockCount, "avg_confidence", avg)
	return &Result{Data: mustJSON(map[string]interface{}{
		"image_count":    len(images),
		"block_count":    blockCount,
		"avg_confidence": avg,
	})}, nil
}
