package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	wfrepo "github.com/inklight/inklight-backend/internal/data/repos/workflow"
	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// projectSnapshot is what a checkpoint captures. Image rows are covered
// by per-image inverse actions instead, since only their OCR columns
// ever change after upload.
type projectSnapshot struct {
	Project  *types.Project        `json:"project"`
	Notes    []*types.Note         `json:"notes"`
	Clusters []*types.NoteCluster  `json:"clusters"`
	Summary  *types.ProjectSummary `json:"summary,omitempty"`
}

// Checkpointer captures pre-stage state and unwinds it on rollback.
type Checkpointer struct {
	checkpoints wfrepo.CheckpointRepo
	projects    projrepo.ProjectRepo
	images      projrepo.NoteImageRepo
	notes       projrepo.NoteRepo
	clusters    projrepo.NoteClusterRepo
	summaries   projrepo.SummaryRepo
	log         *logger.Logger
}

func NewCheckpointer(
	checkpoints wfrepo.CheckpointRepo,
	projects projrepo.ProjectRepo,
	images projrepo.NoteImageRepo,
	notes projrepo.NoteRepo,
	clusters projrepo.NoteClusterRepo,
	summaries projrepo.SummaryRepo,
	baseLog *logger.Logger,
) *Checkpointer {
	return &Checkpointer{
		checkpoints: checkpoints,
		projects:    projects,
		images:      images,
		notes:       notes,
		clusters:    clusters,
		summaries:   summaries,
		log:         baseLog.With("component", "Checkpointer"),
	}
}

// Capture snapshots the project and records the inverse actions for the
// stage about to run, then persists the checkpoint.
func (c *Checkpointer) Capture(ctx context.Context, wf *types.Workflow, stage string) (*types.Checkpoint, error) {
	dbc := dbctx.Context{Ctx: ctx}

	snap, err := c.snapshot(dbc, wf.ProjectID)
	if err != nil {
		return nil, err
	}
	actions, err := c.inverseActions(dbc, wf.ProjectID, stage)
	if err != nil {
		return nil, err
	}

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}

	maxSeq, err := c.checkpoints.MaxSeq(dbc, wf.ID)
	if err != nil {
		return nil, err
	}
	cp := &types.Checkpoint{
		ID:              uuid.New(),
		WorkflowID:      wf.ID,
		Stage:           stage,
		Seq:             maxSeq + 1,
		ProjectSnapshot: datatypes.JSON(snapJSON),
		RollbackActions: datatypes.JSON(actionsJSON),
		TakenAt:         time.Now(),
	}
	if _, err := c.checkpoints.Create(dbc, cp); err != nil {
		return nil, err
	}
	c.log.Debug("checkpoint taken", "workflow_id", wf.ID, "stage", stage, "seq", cp.Seq, "actions", len(actions))
	return cp, nil
}

// Rollback rewinds the project to the newest checkpoint of the target
// stage: inverse actions of every newer checkpoint run in reverse
// temporal order, then the target snapshot is restored.
func (c *Checkpointer) Rollback(ctx context.Context, workflowID uuid.UUID, targetStage string) error {
	dbc := dbctx.Context{Ctx: ctx}

	all, err := c.checkpoints.ListByWorkflowDesc(dbc, workflowID)
	if err != nil {
		return err
	}
	var target *types.Checkpoint
	var newer []*types.Checkpoint
	for _, cp := range all {
		if cp.Stage == targetStage {
			target = cp
			break
		}
		newer = append(newer, cp)
	}
	if target == nil {
		return faults.Newf(faults.KindInternal, "no checkpoint for stage %s in workflow %s", targetStage, workflowID)
	}

	// newer is already newest-first, which is reverse temporal order.
	// The target's own actions run too: its stage re-runs after the
	// rollback, so its writes must be unwound as well.
	for _, cp := range append(newer, target) {
		var actions []types.RollbackAction
		if len(cp.RollbackActions) > 0 {
			if err := json.Unmarshal(cp.RollbackActions, &actions); err != nil {
				return faults.New(faults.KindInternal, err)
			}
		}
		for i := len(actions) - 1; i >= 0; i-- {
			if err := c.applyInverse(dbc, target, actions[i]); err != nil {
				return fmt.Errorf("undo %s %s from stage %s: %w", actions[i].Op, actions[i].EntityType, cp.Stage, err)
			}
		}
	}

	if err := c.restore(dbc, target); err != nil {
		return err
	}
	c.log.Info("rollback finished", "workflow_id", workflowID, "target_stage", targetStage, "seq", target.Seq)
	return nil
}

func (c *Checkpointer) snapshot(dbc dbctx.Context, projectID uuid.UUID) (*projectSnapshot, error) {
	proj, err := c.projects.GetByID(dbc, projectID)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, faults.Newf(faults.KindNotFound, "project %s not found", projectID)
	}
	notes, err := c.notes.ListByProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	clusters, err := c.clusters.ListByProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	summary, err := c.summaries.GetByProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	return &projectSnapshot{
		Project:  proj,
		Notes:    notes,
		Clusters: clusters,
		Summary:  summary,
	}, nil
}

// inverseActions lists what undoes the stage's writes. Stages that only
// read record nothing.
func (c *Checkpointer) inverseActions(dbc dbctx.Context, projectID uuid.UUID, stage string) ([]types.RollbackAction, error) {
	switch stage {
	case domwf.StageOCR:
		// OCR overwrites image columns in place; keep each prior row.
		images, err := c.images.ListByProject(dbc, projectID)
		if err != nil {
			return nil, err
		}
		actions := make([]types.RollbackAction, 0, len(images))
		for _, img := range images {
			prior, err := json.Marshal(img)
			if err != nil {
				return nil, faults.New(faults.KindInternal, err)
			}
			actions = append(actions, types.RollbackAction{
				Stage:      stage,
				Op:         domwf.RollbackOpUpdate,
				EntityType: domwf.EntityImage,
				EntityID:   img.ID,
				PriorState: prior,
			})
		}
		return actions, nil

	case domwf.StageClean:
		return []types.RollbackAction{{
			Stage:      stage,
			Op:         domwf.RollbackOpRestore,
			EntityType: domwf.EntityNote,
			EntityID:   projectID,
		}}, nil

	case domwf.StageCluster:
		return []types.RollbackAction{{
			Stage:      stage,
			Op:         domwf.RollbackOpRestore,
			EntityType: domwf.EntityCluster,
			EntityID:   projectID,
		}}, nil

	case domwf.StageSummary:
		return []types.RollbackAction{{
			Stage:      stage,
			Op:         domwf.RollbackOpRestore,
			EntityType: domwf.EntitySummary,
			EntityID:   projectID,
		}}, nil

	default:
		// upload verification and export write nothing we roll back;
		// export artifacts are replaced wholesale on re-run.
		return nil, nil
	}
}

// applyInverse undoes one recorded action. Restore ops pull the entity
// set from the rollback target's snapshot so the end state matches the
// checkpoint exactly.
func (c *Checkpointer) applyInverse(dbc dbctx.Context, target *types.Checkpoint, action types.RollbackAction) error {
	switch {
	case action.Op == domwf.RollbackOpUpdate && action.EntityType == domwf.EntityImage:
		var prior types.NoteImage
		if err := json.Unmarshal(action.PriorState, &prior); err != nil {
			return faults.New(faults.KindInternal, err)
		}
		return c.images.UpdateFields(dbc, prior.ID, map[string]interface{}{
			"ocr_text":       prior.OCRText,
			"ocr_confidence": prior.OCRConfidence,
			"ocr_blocks":     prior.OCRBlocks,
			"status":         prior.Status,
			"processed_at":   prior.ProcessedAt,
		})

	case action.Op == domwf.RollbackOpRestore:
		// Entity-set restores collapse into the snapshot restore; they
		// are recorded so the action list documents what the stage
		// touched, and the snapshot is the authority.
		return nil

	case action.Op == domwf.RollbackOpDelete:
		switch action.EntityType {
		case domwf.EntityNote:
			_, err := c.notes.DeleteByImage(dbc, action.EntityID)
			return err
		case domwf.EntityCluster:
			_, err := c.clusters.DeleteByProject(dbc, action.EntityID)
			return err
		}
		return nil

	default:
		return faults.Newf(faults.KindInternal, "unknown rollback action %s/%s", action.Op, action.EntityType)
	}
}

func (c *Checkpointer) restore(dbc dbctx.Context, target *types.Checkpoint) error {
	var snap projectSnapshot
	if err := json.Unmarshal(target.ProjectSnapshot, &snap); err != nil {
		return faults.New(faults.KindInternal, err)
	}
	projectID := snap.Project.ID

	if err := c.projects.UpdateFields(dbc, projectID, map[string]interface{}{
		"name":        snap.Project.Name,
		"status":      snap.Project.Status,
		"image_count": snap.Project.ImageCount,
	}); err != nil {
		return err
	}

	if _, err := c.notes.DeleteByProject(dbc, projectID); err != nil {
		return err
	}
	for _, n := range snap.Notes {
		if _, err := c.notes.UpsertByOrigin(dbc, n); err != nil {
			return err
		}
	}

	if _, err := c.clusters.ReplaceForProject(dbc, projectID, snap.Clusters); err != nil {
		return err
	}
	for _, n := range snap.Notes {
		if n.ClusterID != nil {
			if err := c.notes.AssignCluster(dbc, n.ID, n.ClusterID); err != nil {
				return err
			}
		}
	}

	if snap.Summary != nil {
		if _, err := c.summaries.Upsert(dbc, snap.Summary); err != nil {
			return err
		}
	} else {
		if _, err := c.summaries.DeleteByProject(dbc, projectID); err != nil {
			return err
		}
	}
	return nil
}
