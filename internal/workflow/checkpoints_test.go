package workflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	"github.com/inklight/inklight-backend/internal/data/repos/testutil"
	wfrepo "github.com/inklight/inklight-backend/internal/data/repos/workflow"
	types "github.com/inklight/inklight-backend/internal/domain"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
)

type checkpointFixture struct {
	cp       *Checkpointer
	projects projrepo.ProjectRepo
	images   projrepo.NoteImageRepo
	notes    projrepo.NoteRepo
	clusters projrepo.NoteClusterRepo
	summary  projrepo.SummaryRepo
}

func newCheckpointFixture(t *testing.T, tx *gorm.DB) *checkpointFixture {
	t.Helper()
	log := testutil.Logger(t)
	f := &checkpointFixture{
		projects: projrepo.NewProjectRepo(tx, log),
		images:   projrepo.NewNoteImageRepo(tx, log),
		notes:    projrepo.NewNoteRepo(tx, log),
		clusters: projrepo.NewNoteClusterRepo(tx, log),
		summary:  projrepo.NewSummaryRepo(tx, log),
	}
	f.cp = NewCheckpointer(
		wfrepo.NewCheckpointRepo(tx, log),
		f.projects, f.images, f.notes, f.clusters, f.summary,
		log,
	)
	return f
}

func TestRollbackRestoresNotesAndClusters(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	f := newCheckpointFixture(t, tx)

	proj := testutil.SeedProject(t, ctx, tx, uuid.New())
	img := testutil.SeedNoteImage(t, ctx, tx, proj.ID, "raw/p1.jpg")
	wf := testutil.SeedWorkflow(t, ctx, tx, proj.ID, proj.UserID)

	note, err := f.notes.UpsertByOrigin(dbc, &types.Note{
		ProjectID:  proj.ID,
		ImageID:    img.ID,
		BlockID:    "b1",
		Text:       "helo wrld",
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("seed note: %v", err)
	}

	if _, err := f.cp.Capture(ctx, wf, domwf.StageClean); err != nil {
		t.Fatalf("capture clean: %v", err)
	}

	// The clean stage rewrites the note.
	if _, err := f.notes.UpsertByOrigin(dbc, &types.Note{
		ProjectID:   proj.ID,
		ImageID:     img.ID,
		BlockID:     "b1",
		Text:        "helo wrld",
		CleanedText: "hello world",
		Confidence:  0.8,
	}); err != nil {
		t.Fatalf("clean note: %v", err)
	}

	if _, err := f.cp.Capture(ctx, wf, domwf.StageCluster); err != nil {
		t.Fatalf("capture cluster: %v", err)
	}

	// The cluster stage groups and assigns.
	created, err := f.clusters.ReplaceForProject(dbc, proj.ID, []*types.NoteCluster{{
		ProjectID: proj.ID,
		Label:     "greetings",
		NoteCount: 1,
	}})
	if err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if err := f.notes.AssignCluster(dbc, note.ID, &created[0].ID); err != nil {
		t.Fatalf("assign cluster: %v", err)
	}

	if err := f.cp.Rollback(ctx, wf.ID, domwf.StageClean); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	notes, err := f.notes.ListByProject(dbc, proj.ID)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("note count after rollback: %d", len(notes))
	}
	if notes[0].CleanedText != "" || notes[0].Text != "helo wrld" {
		t.Fatalf("note not restored: text=%q cleaned=%q", notes[0].Text, notes[0].CleanedText)
	}
	if notes[0].ClusterID != nil {
		t.Fatal("cluster assignment survived rollback")
	}

	clusters, err := f.clusters.ListByProject(dbc, proj.ID)
	if err != nil {
		t.Fatalf("list clusters: %v", err)
	}
	if len(clusters) != 0 {
		t.Fatalf("clusters survived rollback: %d", len(clusters))
	}
}

func TestRollbackRestoresImageOCRColumns(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	f := newCheckpointFixture(t, tx)

	proj := testutil.SeedProject(t, ctx, tx, uuid.New())
	img := testutil.SeedNoteImage(t, ctx, tx, proj.ID, "raw/p1.jpg")
	wf := testutil.SeedWorkflow(t, ctx, tx, proj.ID, proj.UserID)

	if _, err := f.cp.Capture(ctx, wf, domwf.StageOCR); err != nil {
		t.Fatalf("capture ocr: %v", err)
	}

	blocks := datatypes.JSON(`[{"id":"b1","text":"helo wrld","confidence":0.8}]`)
	if err := f.images.SetOCRResult(dbc, img.ID, "helo wrld", 0.8, blocks); err != nil {
		t.Fatalf("set ocr result: %v", err)
	}

	if _, err := f.cp.Capture(ctx, wf, domwf.StageClean); err != nil {
		t.Fatalf("capture clean: %v", err)
	}

	if err := f.cp.Rollback(ctx, wf.ID, domwf.StageOCR); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := f.images.GetByID(dbc, img.ID)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if got.OCRText != "" || got.Status != domproj.ImageStatusUploaded || got.ProcessedAt != nil {
		t.Fatalf("image ocr columns not restored: text=%q status=%s", got.OCRText, got.Status)
	}
}

func TestRollbackRestoresSummary(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	f := newCheckpointFixture(t, tx)

	proj := testutil.SeedProject(t, ctx, tx, uuid.New())
	wf := testutil.SeedWorkflow(t, ctx, tx, proj.ID, proj.UserID)

	if _, err := f.cp.Capture(ctx, wf, domwf.StageSummary); err != nil {
		t.Fatalf("capture summary: %v", err)
	}
	if _, err := f.summary.Upsert(dbc, &types.ProjectSummary{
		ProjectID:  proj.ID,
		TopThemes:  datatypes.JSON(`[{"label":"greetings"}]`),
		ThemeCount: 1,
	}); err != nil {
		t.Fatalf("upsert summary: %v", err)
	}

	if err := f.cp.Rollback(ctx, wf.ID, domwf.StageSummary); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// No summary existed at capture time, so none survives the rollback.
	got, err := f.summary.GetByProject(dbc, proj.ID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if got != nil {
		t.Fatalf("summary survived rollback: %+v", got)
	}
}

func TestRollbackWithoutCheckpointFails(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	f := newCheckpointFixture(t, tx)

	if err := f.cp.Rollback(ctx, uuid.New(), domwf.StageClean); err == nil {
		t.Fatal("rollback with no checkpoints should fail")
	}
}
