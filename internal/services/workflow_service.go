package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/inklight/inklight-backend/internal/domain"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// ProjectSource is the slice of the project repo the service needs.
type ProjectSource interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
	SetStatus(dbc dbctx.Context, id uuid.UUID, status string) error
}

// ImageCounter reports how many images a project holds.
type ImageCounter interface {
	CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

// WorkflowRegistry is the registry surface the service drives. The
// workflow package's Registry satisfies it.
type WorkflowRegistry interface {
	Create(ctx context.Context, wf *types.Workflow) (*types.Workflow, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Workflow, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.Workflow, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*types.Workflow, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// WorkflowLauncher hands a created workflow to its driver. The
// orchestrator satisfies it.
type WorkflowLauncher interface {
	Launch(ctx context.Context, wf *types.Workflow)
}

// WorkflowService is the control surface behind the HTTP handlers:
// start, inspect, cancel and restart processing for a project.
type WorkflowService struct {
	projects ProjectSource
	images   ImageCounter
	registry WorkflowRegistry
	launcher WorkflowLauncher
	log      *logger.Logger
}

func NewWorkflowService(
	projects ProjectSource,
	images ImageCounter,
	registry WorkflowRegistry,
	launcher WorkflowLauncher,
	baseLog *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		projects: projects,
		images:   images,
		registry: registry,
		launcher: launcher,
		log:      baseLog.With("service", "WorkflowService"),
	}
}

// Start validates the project and creates a pending workflow, then hands
// it to the orchestrator. The registry re-checks the one-active-per-
// project rule under its lock, so concurrent starts cannot both pass.
func (s *WorkflowService) Start(ctx context.Context, userID, projectID uuid.UUID, cfg types.WorkflowConfig) (*types.Workflow, error) {
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}

	count, err := s.images.CountByProject(dbctx.Context{Ctx: ctx}, projectID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, faults.Newf(faults.KindNoInput, "project %s has no images to process", projectID)
	}

	if cfg.ClusteringMethod == "" {
		cfg.ClusteringMethod = domwf.ClusteringEmbeddings
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}

	now := time.Now()
	wf, err := s.registry.Create(ctx, &types.Workflow{
		ID:           uuid.New(),
		ProjectID:    projectID,
		UserID:       userID,
		Status:       domwf.StatusPending,
		CurrentStage: domwf.StageUpload,
		Config:       datatypes.JSON(cfgJSON),
		StartedAt:    now,
		LastEventAt:  now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.projects.SetStatus(dbctx.Context{Ctx: ctx}, projectID, domproj.StatusProcessing); err != nil {
		s.log.Error("project status update failed", "project_id", projectID, "error", err)
	}
	s.launcher.Launch(ctx, wf)
	s.log.Info("workflow started", "workflow_id", wf.ID, "project_id", projectID, "images", count)
	return wf, nil
}

// Get returns the workflow if it belongs to the caller.
func (s *WorkflowService) Get(ctx context.Context, userID, workflowID uuid.UUID) (*types.Workflow, error) {
	return s.authorizeWorkflow(ctx, userID, workflowID)
}

// Cancel requests cooperative cancellation. Terminal workflows reject
// the request with a conflict.
func (s *WorkflowService) Cancel(ctx context.Context, userID, workflowID uuid.UUID) (*types.Workflow, error) {
	wf, err := s.authorizeWorkflow(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}
	ok, err := s.registry.RequestCancel(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.Newf(faults.KindConflict, "workflow %s is already %s", workflowID, wf.Status)
	}
	s.log.Info("workflow cancel requested", "workflow_id", workflowID)
	return s.registry.Get(ctx, workflowID)
}

// Restart runs the pipeline again for a settled workflow's project,
// reusing its configuration.
func (s *WorkflowService) Restart(ctx context.Context, userID, workflowID uuid.UUID) (*types.Workflow, error) {
	wf, err := s.authorizeWorkflow(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}
	if !domwf.IsTerminalStatus(wf.Status) {
		return nil, faults.Newf(faults.KindConflict, "workflow %s is still %s", workflowID, wf.Status)
	}

	var cfg types.WorkflowConfig
	if len(wf.Config) > 0 {
		if err := json.Unmarshal(wf.Config, &cfg); err != nil {
			return nil, faults.New(faults.KindInternal, err)
		}
	}
	return s.Start(ctx, userID, wf.ProjectID, cfg)
}

func (s *WorkflowService) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.Workflow, error) {
	return s.registry.ListByUser(ctx, userID)
}

func (s *WorkflowService) ListByProject(ctx context.Context, userID, projectID uuid.UUID) ([]*types.Workflow, error) {
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.registry.ListByProject(ctx, projectID)
}

func (s *WorkflowService) authorizeProject(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error) {
	proj, err := s.projects.GetByID(dbctx.Context{Ctx: ctx}, projectID)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, faults.Newf(faults.KindNotFound, "project %s not found", projectID)
	}
	if proj.UserID != userID {
		return nil, faults.Newf(faults.KindNotAuthorized, "project %s does not belong to caller", projectID)
	}
	return proj, nil
}

func (s *WorkflowService) authorizeWorkflow(ctx context.Context, userID, workflowID uuid.UUID) (*types.Workflow, error) {
	wf, err := s.registry.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, faults.Newf(faults.KindNotFound, "workflow %s not found", workflowID)
	}
	if wf.UserID != userID {
		return nil, faults.Newf(faults.KindNotAuthorized, "workflow %s does not belong to caller", workflowID)
	}
	return wf, nil
}
