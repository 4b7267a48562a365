package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/inklight/inklight-backend/internal/domain"
	domproj "github.com/inklight/inklight-backend/internal/domain/project"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type memImageRepo struct {
	images []*types.NoteImage
}

func (m *memImageRepo) Create(_ dbctx.Context, img *types.NoteImage) (*types.NoteImage, error) {
	m.images = append(m.images, img)
	return img, nil
}

func (m *memImageRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.NoteImage, error) {
	for _, img := range m.images {
		if img.ID == id {
			return img, nil
		}
	}
	return nil, nil
}

func (m *memImageRepo) ListByProject(_ dbctx.Context, projectID uuid.UUID) ([]*types.NoteImage, error) {
	var out []*types.NoteImage
	for _, img := range m.images {
		if img.ProjectID == projectID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (m *memImageRepo) CountByProject(_ dbctx.Context, projectID uuid.UUID) (int64, error) {
	out, _ := m.ListByProject(dbctx.Context{}, projectID)
	return int64(len(out)), nil
}

func (m *memImageRepo) SetOCRResult(_ dbctx.Context, id uuid.UUID, text string, confidence float64, blocks datatypes.JSON) error {
	for _, img := range m.images {
		if img.ID == id {
			img.OCRText = text
			img.OCRConfidence = confidence
			img.OCRBlocks = blocks
			img.Status = domproj.ImageStatusProcessed
		}
	}
	return nil
}

func (m *memImageRepo) SetStatus(_ dbctx.Context, id uuid.UUID, status string) error {
	for _, img := range m.images {
		if img.ID == id {
			img.Status = status
		}
	}
	return nil
}

func (m *memImageRepo) UpdateFields(_ dbctx.Context, _ uuid.UUID, _ map[string]interface{}) error {
	return nil
}

func (m *memImageRepo) DeleteByProject(_ dbctx.Context, _ uuid.UUID) (int64, error) {
	return 0, nil
}

type memNoteRepo struct {
	notes map[string]*types.Note
}

func newMemNoteRepo() *memNoteRepo { return &memNoteRepo{notes: map[string]*types.Note{}} }

func originKey(n *types.Note) string { return n.ImageID.String() + "/" + n.BlockID }

func (m *memNoteRepo) UpsertByOrigin(_ dbctx.Context, n *types.Note) (*types.Note, error) {
	key := originKey(n)
	if existing, ok := m.notes[key]; ok {
		existing.Text = n.Text
		existing.CleanedText = n.CleanedText
		existing.Confidence = n.Confidence
		return existing, nil
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	m.notes[key] = n
	return n, nil
}

func (m *memNoteRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Note, error) {
	for _, n := range m.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, nil
}

func (m *memNoteRepo) ListByProject(_ dbctx.Context, projectID uuid.UUID) ([]*types.Note, error) {
	var out []*types.Note
	for _, n := range m.notes {
		if n.ProjectID == projectID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memNoteRepo) ListByCluster(_ dbctx.Context, _ uuid.UUID) ([]*types.Note, error) {
	return nil, nil
}

func (m *memNoteRepo) CountByProject(_ dbctx.Context, projectID uuid.UUID) (int64, error) {
	out, _ := m.ListByProject(dbctx.Context{}, projectID)
	return int64(len(out)), nil
}

func (m *memNoteRepo) AssignCluster(_ dbctx.Context, noteID uuid.UUID, clusterID *uuid.UUID) error {
	for _, n := range m.notes {
		if n.ID == noteID {
			n.ClusterID = clusterID
		}
	}
	return nil
}

func (m *memNoteRepo) ClearClusters(_ dbctx.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	for _, note := range m.notes {
		if note.ProjectID == projectID && note.ClusterID != nil {
			note.ClusterID = nil
			n++
		}
	}
	return n, nil
}

func (m *memNoteRepo) DeleteByProject(_ dbctx.Context, _ uuid.UUID) (int64, error) { return 0, nil }
func (m *memNoteRepo) DeleteByImage(_ dbctx.Context, _ uuid.UUID) (int64, error)  { return 0, nil }

type upperCleaner struct{}

func (upperCleaner) Clean(text string, _ types.CleaningOptions) string {
	return strings.ToUpper(strings.TrimSpace(text))
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func seedProcessedImage(t *testing.T, images *memImageRepo, projectID uuid.UUID, blocks []types.OCRBlock) *types.NoteImage {
	t.Helper()
	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("marshal blocks: %v", err)
	}
	img := &types.NoteImage{
		ID:        uuid.New(),
		ProjectID: projectID,
		Status:    domproj.ImageStatusProcessed,
		OCRBlocks: datatypes.JSON(raw),
	}
	images.images = append(images.images, img)
	return img
}

func TestCleanExecutorRerunConverges(t *testing.T) {
	images := &memImageRepo{}
	notes := newMemNoteRepo()
	projectID := uuid.New()

	seedProcessedImage(t, images, projectID, []types.OCRBlock{
		{ID: "b1", Text: "  meeting notes ", Confidence: 0.9},
		{ID: "b2", Text: "follow up with sam", Confidence: 0.8},
		{ID: "b3", Text: "   ", Confidence: 0.5},
	})

	exec := NewCleanExecutor(images, notes, upperCleaner{}, testLogger(t))
	req := &Request{
		Job:     &types.Job{ID: uuid.New()},
		Payload: Payload{WorkflowID: uuid.New(), ProjectID: projectID},
	}

	res, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out struct {
		NoteCount int `json:"note_count"`
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.NoteCount != 2 {
		t.Fatalf("expected 2 notes (blank block dropped), got %d", out.NoteCount)
	}

	// Redelivery runs the whole stage again; keyed upserts mean the note
	// set must not grow.
	if _, err := exec.Execute(context.Background(), req); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	all, _ := notes.ListByProject(dbctx.Context{}, projectID)
	if len(all) != 2 {
		t.Fatalf("re-run duplicated notes: %d", len(all))
	}
	for _, n := range all {
		if n.CleanedText != strings.ToUpper(strings.TrimSpace(n.Text)) {
			t.Fatalf("cleaned text not deterministic: %+v", n)
		}
	}
}

func TestCleanExecutorNoTextIsNoInput(t *testing.T) {
	images := &memImageRepo{}
	notes := newMemNoteRepo()
	projectID := uuid.New()
	seedProcessedImage(t, images, projectID, []types.OCRBlock{
		{ID: "b1", Text: "   ", Confidence: 0.1},
	})

	exec := NewCleanExecutor(images, notes, upperCleaner{}, testLogger(t))
	req := &Request{
		Job:     &types.Job{ID: uuid.New()},
		Payload: Payload{WorkflowID: uuid.New(), ProjectID: projectID},
	}
	_, err := exec.Execute(context.Background(), req)
	if !faults.IsKind(err, faults.KindNoInput) {
		t.Fatalf("expected no-input fault, got %v", err)
	}
}

func TestCleanExecutorStopsOnCancel(t *testing.T) {
	images := &memImageRepo{}
	notes := newMemNoteRepo()
	projectID := uuid.New()
	for i := 0; i < 3; i++ {
		seedProcessedImage(t, images, projectID, []types.OCRBlock{
			{ID: "b1", Text: "note", Confidence: 0.9},
		})
	}

	exec := NewCleanExecutor(images, notes, upperCleaner{}, testLogger(t))
	req := &Request{
		Job:     &types.Job{ID: uuid.New()},
		Payload: Payload{WorkflowID: uuid.New(), ProjectID: projectID},
		Beat: func(_ context.Context, _ int) (bool, error) {
			return true, nil
		},
	}
	_, err := exec.Execute(context.Background(), req)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	all, _ := notes.ListByProject(dbctx.Context{}, projectID)
	if len(all) != 0 {
		t.Fatalf("cancel before first image should write nothing, got %d notes", len(all))
	}
}
