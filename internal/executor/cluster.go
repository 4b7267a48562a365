package executor

import (
	"context"
	"encoding/json"
	"math"

	"github.com/google/uuid"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// ClusterSpec is one proposed theme grouping.
type ClusterSpec struct {
	Label      string
	Confidence float64
	Centroid   []float64
	NoteIDs    []uuid.UUID
}

// ClusterEngine groups notes into themes. method is one of the
// clustering methods in the workflow config.
type ClusterEngine interface {
	Cluster(ctx context.Context, notes []*types.Note, method string, target int) ([]ClusterSpec, error)
}

// DefaultTargetClusters picks a cluster count from the note count when
// the workflow config leaves it unset.
func DefaultTargetClusters(noteCount int) int {
	k := int(math.Ceil(math.Sqrt(float64(noteCount) / 2)))
	if k < 2 {
		k = 2
	}
	if k > 10 {
		k = 10
	}
	return k
}

// ClusterExecutor replaces the project's cluster set wholesale, so a
// re-run converges instead of accreting.
type ClusterExecutor struct {
	notes    projrepo.NoteRepo
	clusters projrepo.NoteClusterRepo
	engine   ClusterEngine
	log      *logger.Logger
}

func NewClusterExecutor(notes projrepo.NoteRepo, clusters projrepo.NoteClusterRepo, engine ClusterEngine, baseLog *logger.Logger) *ClusterExecutor {
	return &ClusterExecutor{
		notes:    notes,
		clusters: clusters,
		engine:   engine,
		log:      baseLog.With("executor", domjobs.TypeCluster),
	}
}

func (e *ClusterExecutor) Type() string { return domjobs.TypeCluster }

func (e *ClusterExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	notes, err := e.notes.ListByProject(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, faults.Newf(faults.KindNoInput, "project %s has no notes to cluster", req.Payload.ProjectID)
	}

	target := DefaultTargetClusters(len(notes))
	if req.Config.TargetClusters != nil && *req.Config.TargetClusters > 0 {
		target = *req.Config.TargetClusters
	}
	// Never ask for more clusters than notes.
	if target > len(notes) {
		target = len(notes)
	}

	method := req.Config.ClusteringMethod
	if method == "" {
		method = "embeddings"
	}

	if _, err := req.beat(ctx, 10); err != nil {
		return nil, err
	}

	specs, err := e.engine.Cluster(ctx, notes, method, target)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, faults.Newf(faults.KindInternal, "cluster engine returned no clusters for %d notes", len(notes))
	}

	cancelled, err := req.beat(ctx, 70)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, context.Canceled
	}

	if _, err := e.notes.ClearClusters(dbc, req.Payload.ProjectID); err != nil {
		return nil, err
	}
	rows := make([]*types.NoteCluster, 0, len(specs))
	for _, spec := range specs {
		centroid, _ := json.Marshal(spec.Centroid)
		rows = append(rows, &types.NoteCluster{
			ID:         uuid.New(),
			ProjectID:  req.Payload.ProjectID,
			Label:      spec.Label,
			Confidence: spec.Confidence,
			Centroid:   centroid,
			NoteCount:  len(spec.NoteIDs),
		})
	}
	if _, err := e.clusters.ReplaceForProject(dbc, req.Payload.ProjectID, rows); err != nil {
		return nil, err
	}
	for i, spec := range specs {
		cid := rows[i].ID
		for _, noteID := range spec.NoteIDs {
			if err := e.notes.AssignCluster(dbc, noteID, &cid); err != nil {
				return nil, err
			}
		}
	}

	e.log.Info("clustering finished", "project_id", req.Payload.ProjectID, "notes", len(notes), "clusters", len(rows), "method", method)
	return &Result{Data: mustJSON(map[string]interface{}{
		"note_count":    len(notes),
		"cluster_count": len(rows),
		"method":        method,
	})}, nil
}
