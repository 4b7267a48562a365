package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
)

func SeedProject(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID) *types.Project {
	tb.Helper()
	p := &types.Project{
		ID:     uuid.New(),
		UserID: userID,
		Name:   "field notes",
		Status: "draft",
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed project: %v", err)
	}
	return p
}

func SeedNoteImage(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID uuid.UUID, storageKey string) *types.NoteImage {
	tb.Helper()
	img := &types.NoteImage{
		ID:         uuid.New(),
		ProjectID:  projectID,
		StorageKey: storageKey,
		MimeType:   "image/jpeg",
		Status:     "uploaded",
	}
	if err := tx.WithContext(ctx).Create(img).Error; err != nil {
		tb.Fatalf("seed note image: %v", err)
	}
	return img
}

func SeedWorkflow(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, userID uuid.UUID) *types.Workflow {
	tb.Helper()
	cfg, _ := json.Marshal(types.WorkflowConfig{
		ClusteringMethod: "embeddings",
		ExportFormats:    []string{"json"},
	})
	wf := &types.Workflow{
		ID:           uuid.New(),
		ProjectID:    projectID,
		UserID:       userID,
		Status:       types.WorkflowPending,
		CurrentStage: types.StageUpload,
		Config:       datatypes.JSON(cfg),
		StageResults: datatypes.JSON([]byte("{}")),
		StartedAt:    time.Now(),
		LastEventAt:  time.Now(),
	}
	if err := tx.WithContext(ctx).Create(wf).Error; err != nil {
		tb.Fatalf("seed workflow: %v", err)
	}
	return wf
}

func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, workflowID uuid.UUID, jobType string, priority int) *types.Job {
	tb.Helper()
	j := &types.Job{
		ID:          uuid.New(),
		Type:        jobType,
		WorkflowID:  workflowID,
		State:       domjobs.StateWaiting,
		Priority:    priority,
		MaxAttempts: 3,
		Payload:     datatypes.JSON([]byte(`{}`)),
		EnqueuedAt:  time.Now(),
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}
