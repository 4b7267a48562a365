package app

import (
	"gorm.io/gorm"

	jobrepo "github.com/inklight/inklight-backend/internal/data/repos/jobs"
	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	wfrepo "github.com/inklight/inklight-backend/internal/data/repos/workflow"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type Repos struct {
	Projects  projrepo.ProjectRepo
	Images    projrepo.NoteImageRepo
	Notes     projrepo.NoteRepo
	Clusters  projrepo.NoteClusterRepo
	Summaries projrepo.SummaryRepo
	Artifacts projrepo.ArtifactRepo

	Workflows   wfrepo.WorkflowRepo
	Checkpoints wfrepo.CheckpointRepo
	Alerts      wfrepo.AlertRepo

	Jobs jobrepo.JobRepo
}

func wireRepos(gdb *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Projects:  projrepo.NewProjectRepo(gdb, log),
		Images:    projrepo.NewNoteImageRepo(gdb, log),
		Notes:     projrepo.NewNoteRepo(gdb, log),
		Clusters:  projrepo.NewNoteClusterRepo(gdb, log),
		Summaries: projrepo.NewSummaryRepo(gdb, log),
		Artifacts: projrepo.NewArtifactRepo(gdb, log),

		Workflows:   wfrepo.NewWorkflowRepo(gdb, log),
		Checkpoints: wfrepo.NewCheckpointRepo(gdb, log),
		Alerts:      wfrepo.NewAlertRepo(gdb, log),

		Jobs: jobrepo.NewJobRepo(gdb, log),
	}
}
