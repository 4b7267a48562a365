package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inklight/inklight-backend/internal/bus"
	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
)

func seedRegistryWorkflow(t *testing.T, r *Registry) *types.Workflow {
	t.Helper()
	now := time.Now()
	wf, err := r.Create(context.Background(), &types.Workflow{
		ID:           uuid.New(),
		ProjectID:    uuid.New(),
		UserID:       uuid.New(),
		Status:       domwf.StatusPending,
		CurrentStage: domwf.StageUpload,
		StartedAt:    now,
		LastEventAt:  now,
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

func nextEventOfType(t *testing.T, sub *bus.Subscription, evType string) bus.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == evType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", evType)
		}
	}
}

func TestCreateRejectsSecondActiveForProject(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)

	_, err := r.Create(ctx, &types.Workflow{
		ID:        uuid.New(),
		ProjectID: wf.ProjectID,
		UserID:    wf.UserID,
		Status:    domwf.StatusPending,
	})
	if !faults.IsKind(err, faults.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// A terminal workflow frees the project.
	if _, err := r.MarkRunning(ctx, wf.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := r.Fail(ctx, wf.ID, faults.KindNoInput, "nothing to do"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := r.Create(ctx, &types.Workflow{
		ID:        uuid.New(),
		ProjectID: wf.ProjectID,
		UserID:    wf.UserID,
		Status:    domwf.StatusPending,
	}); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)

	if ok, _ := r.MarkRunning(ctx, wf.ID); !ok {
		t.Fatal("pending workflow should start")
	}
	if ok, _ := r.Fail(ctx, wf.ID, faults.KindInternal, "boom"); !ok {
		t.Fatal("running workflow should fail")
	}

	if ok, _ := r.Complete(ctx, wf.ID); ok {
		t.Fatal("failed workflow completed")
	}
	if ok, _ := r.MarkRunning(ctx, wf.ID); ok {
		t.Fatal("failed workflow restarted")
	}
	if ok, _ := r.MarkCancelled(ctx, wf.ID); ok {
		t.Fatal("failed workflow cancelled")
	}

	got, err := r.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domwf.StatusFailed || got.ErrorKind != string(faults.KindInternal) {
		t.Fatalf("unexpected terminal state: %s / %s", got.Status, got.ErrorKind)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)
	if _, err := r.MarkRunning(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}

	if err := r.Progress(ctx, wf.ID, 50); err != nil {
		t.Fatal(err)
	}
	if err := r.Progress(ctx, wf.ID, 30); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, wf.ID)
	if got.Progress != 50 {
		t.Fatalf("progress decreased: %d", got.Progress)
	}

	if err := r.Progress(ctx, wf.ID, 130); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, wf.ID)
	if got.Progress != 100 {
		t.Fatalf("progress not clamped: %d", got.Progress)
	}
}

func TestStageCompletedMergesResults(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)
	if _, err := r.MarkRunning(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}

	if err := r.StageCompleted(ctx, wf.ID, domwf.StageUpload, json.RawMessage(`{"image_count":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := r.StageCompleted(ctx, wf.ID, domwf.StageOCR, json.RawMessage(`{"block_count":12}`)); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(ctx, wf.ID)
	var results map[string]json.RawMessage
	if err := json.Unmarshal(got.StageResults, &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if _, ok := results[domwf.StageUpload]; !ok {
		t.Fatal("upload result lost after ocr result merged")
	}
	if _, ok := results[domwf.StageOCR]; !ok {
		t.Fatal("ocr result missing")
	}
	if got.Progress != StageCumulative(domwf.StageOCR) {
		t.Fatalf("progress = %d, want %d", got.Progress, StageCumulative(domwf.StageOCR))
	}
}

func TestRollbackResetLowersProgressAndPublishes(t *testing.T) {
	r, _, hub := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)
	if _, err := r.MarkRunning(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.StageCompleted(ctx, wf.ID, domwf.StageClean, nil); err != nil {
		t.Fatal(err)
	}

	sub := hub.Subscribe(bus.WorkflowTopic(wf.ID))
	defer hub.Unsubscribe(sub)

	if err := r.RollbackReset(ctx, wf.ID, domwf.StageOCR, "bad blocks"); err != nil {
		t.Fatal(err)
	}

	ev := nextEventOfType(t, sub, bus.EventRollback)
	if ev.Stage != domwf.StageOCR || ev.Message != "bad blocks" {
		t.Fatalf("unexpected rollback event: %+v", ev)
	}

	got, _ := r.Get(ctx, wf.ID)
	if got.Progress != StageBaseline(domwf.StageOCR) {
		t.Fatalf("progress = %d, want baseline %d", got.Progress, StageBaseline(domwf.StageOCR))
	}
	if got.CurrentStage != domwf.StageOCR {
		t.Fatalf("stage = %s, want ocr", got.CurrentStage)
	}
}

func TestRollbackCounterSurvivesRestart(t *testing.T) {
	r, repo, _ := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)

	if n, err := r.IncrementRollbacks(ctx, wf.ID); err != nil || n != 1 {
		t.Fatalf("first increment: %d, %v", n, err)
	}

	// A fresh registry over the same store sees the counter.
	r2 := NewRegistry(repo, bus.NewHub(0, testLog(t)), 0, testLog(t))
	if n, err := r2.Rollbacks(ctx, wf.ID); err != nil || n != 1 {
		t.Fatalf("counter lost across restart: %d, %v", n, err)
	}

	// Stage results live alongside the counter without clobbering it.
	if err := r2.StageCompleted(ctx, wf.ID, domwf.StageOCR, json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	if n, _ := r2.Rollbacks(ctx, wf.ID); n != 1 {
		t.Fatalf("counter clobbered by stage result: %d", n)
	}
}

func TestRequestCancelIgnoredOnTerminal(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	wf := seedRegistryWorkflow(t, r)
	if _, err := r.MarkRunning(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Complete(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}

	ok, err := r.RequestCancel(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("cancel accepted on completed workflow")
	}
}
