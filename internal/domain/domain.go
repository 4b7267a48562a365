package domain

import (
	"github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/domain/project"
	"github.com/inklight/inklight-backend/internal/domain/workflow"
)

// Flat aliases so repos, services and handlers can refer to every row type
// through a single import.

type Project = project.Project
type OCRBlock = project.OCRBlock
type NoteImage = project.NoteImage
type Note = project.Note
type NoteCluster = project.NoteCluster
type ProjectSummary = project.ProjectSummary
type ExportArtifact = project.ExportArtifact

type Workflow = workflow.Workflow
type WorkflowConfig = workflow.Config
type CleaningOptions = workflow.CleaningOptions
type SummaryOptions = workflow.SummaryOptions
type Checkpoint = workflow.Checkpoint
type RollbackAction = workflow.RollbackAction
type Alert = workflow.Alert

type Job = jobs.Job

const (
	WorkflowPending   = workflow.StatusPending
	WorkflowRunning   = workflow.StatusRunning
	WorkflowCompleted = workflow.StatusCompleted
	WorkflowFailed    = workflow.StatusFailed
	WorkflowCancelled = workflow.StatusCancelled

	StageUpload    = workflow.StageUpload
	StageOCR       = workflow.StageOCR
	StageClean     = workflow.StageClean
	StageCluster   = workflow.StageCluster
	StageSummary   = workflow.StageSummary
	StageExport    = workflow.StageExport
	StageCompleted = workflow.StageCompleted

	JobWaiting   = jobs.StateWaiting
	JobActive    = jobs.StateActive
	JobCompleted = jobs.StateCompleted
	JobFailed    = jobs.StateFailed
	JobDelayed   = jobs.StateDelayed
	JobCancelled = jobs.StateCancelled
)

var StageOrder = workflow.StageOrder
var JobTypes = jobs.Types
