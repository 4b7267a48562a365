package executor

import (
	"context"
	"fmt"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// ExportBundle is everything a rendered artifact may draw on.
type ExportBundle struct {
	Project  *types.Project
	Notes    []*types.Note
	Clusters []*types.NoteCluster
	Summary  *types.ProjectSummary
}

// Renderer produces one artifact format from the bundle. Returns the
// bytes and their content type.
type Renderer interface {
	Formats() []string
	Render(ctx context.Context, format string, bundle *ExportBundle) ([]byte, string, error)
}

// BlobWriter stores an object.
type BlobWriter interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// ExportExecutor renders the requested formats and records one artifact
// row per (project, format), so re-exports replace prior artifacts.
type ExportExecutor struct {
	projects  projrepo.ProjectRepo
	notes     projrepo.NoteRepo
	clusters  projrepo.NoteClusterRepo
	summaries projrepo.SummaryRepo
	artifacts projrepo.ArtifactRepo
	renderer  Renderer
	blobs     BlobWriter
	log       *logger.Logger
}

func NewExportExecutor(
	projects projrepo.ProjectRepo,
	notes projrepo.NoteRepo,
	clusters projrepo.NoteClusterRepo,
	summaries projrepo.SummaryRepo,
	artifacts projrepo.ArtifactRepo,
	renderer Renderer,
	blobs BlobWriter,
	baseLog *logger.Logger,
) *ExportExecutor {
	return &ExportExecutor{
		projects:  projects,
		notes:     notes,
		clusters:  clusters,
		summaries: summaries,
		artifacts: artifacts,
		renderer:  renderer,
		blobs:     blobs,
		log:       baseLog.With("executor", domjobs.TypeExport),
	}
}

func (e *ExportExecutor) Type() string { return domjobs.TypeExport }

func (e *ExportExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	formats := req.Config.ExportFormats
	if len(formats) == 0 {
		formats = []string{"json"}
	}
	supported := map[string]bool{}
	for _, f := range e.renderer.Formats() {
		supported[f] = true
	}
	for _, f := range formats {
		if !supported[f] {
			return nil, faults.Newf(faults.KindValidation, "unsupported export format %q", f)
		}
	}

	proj, err := e.projects.GetByID(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, faults.Newf(faults.KindInvalidInput, "project %s does not exist", req.Payload.ProjectID)
	}
	notes, err := e.notes.ListByProject(dbc, proj.ID)
	if err != nil {
		return nil, err
	}
	clusters, err := e.clusters.ListByProject(dbc, proj.ID)
	if err != nil {
		return nil, err
	}
	summary, err := e.summaries.GetByProject(dbc, proj.ID)
	if err != nil {
		return nil, err
	}
	bundle := &ExportBundle{Project: proj, Notes: notes, Clusters: clusters, Summary: summary}

	written := make([]map[string]interface{}, 0, len(formats))
	for i, format := range formats {
		cancelled, err := req.beat(ctx, i*100/len(formats))
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, context.Canceled
		}

		data, contentType, err := e.renderer.Render(ctx, format, bundle)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("exports/%s/summary.%s", proj.ID, format)
		if err := e.blobs.Upload(ctx, key, data, contentType); err != nil {
			return nil, err
		}
		if _, err := e.artifacts.Upsert(dbc, &types.ExportArtifact{
			ProjectID:  proj.ID,
			Format:     format,
			StorageKey: key,
			SizeBytes:  int64(len(data)),
		}); err != nil {
			return nil, err
		}
		written = append(written, map[string]interface{}{
			"format":      format,
			"storage_key": key,
			"size_bytes":  len(data),
		})
	}

	e.log.Info("export finished", "project_id", proj.ID, "artifacts", len(written))
	return &Result{Data: mustJSON(map[string]interface{}{
		"artifacts": written,
	})}, nil
}
