package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

func rendererBundle() *executor.ExportBundle {
	clusterID := uuid.New()
	return &executor.ExportBundle{
		Project: &types.Project{ID: uuid.New(), Name: "field notes", ImageCount: 2},
		Notes: []*types.Note{
			{ID: uuid.New(), Text: "helo wrld", CleanedText: "hello world", Confidence: 0.9, ClusterID: &clusterID},
			{ID: uuid.New(), Text: "loose thought", Confidence: 0.4},
		},
		Clusters: []*types.NoteCluster{
			{ID: clusterID, Label: "greetings", NoteCount: 1, Confidence: 0.8},
		},
	}
}

func newTestRenderer(t *testing.T) *ExportRenderer {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewExportRenderer(log)
}

func TestRenderCSV(t *testing.T) {
	r := newTestRenderer(t)
	bundle := rendererBundle()

	data, contentType, err := r.Render(context.Background(), FormatCSV, bundle)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "text/csv" {
		t.Fatalf("content type = %s", contentType)
	}

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("row count = %d", len(rows))
	}
	if rows[0][1] != "theme" || rows[0][2] != "text" {
		t.Fatalf("header: %v", rows[0])
	}
	if rows[1][1] != "greetings" || rows[1][3] != "hello world" {
		t.Fatalf("clustered note row: %v", rows[1])
	}
	if rows[2][1] != "" {
		t.Fatalf("unclustered note should have empty theme: %v", rows[2])
	}
}

func TestRenderJSON(t *testing.T) {
	r := newTestRenderer(t)
	bundle := rendererBundle()

	data, contentType, err := r.Render(context.Background(), FormatJSON, bundle)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %s", contentType)
	}

	var out struct {
		Project struct {
			Name string `json:"name"`
		} `json:"project"`
		Themes []struct {
			Label string `json:"label"`
		} `json:"themes"`
		Notes []struct {
			Theme string `json:"theme"`
			Text  string `json:"text"`
		} `json:"notes"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if out.Project.Name != "field notes" {
		t.Fatalf("project name = %s", out.Project.Name)
	}
	if len(out.Themes) != 1 || out.Themes[0].Label != "greetings" {
		t.Fatalf("themes: %+v", out.Themes)
	}
	if len(out.Notes) != 2 || out.Notes[0].Theme != "greetings" || out.Notes[1].Theme != "" {
		t.Fatalf("notes: %+v", out.Notes)
	}
}

func TestRenderPNG(t *testing.T) {
	r := newTestRenderer(t)

	data, contentType, err := r.Render(context.Background(), FormatPNG, rendererBundle())
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "image/png" {
		t.Fatalf("content type = %s", contentType)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatal("output is not a png")
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	r := newTestRenderer(t)
	_, _, err := r.Render(context.Background(), "pdf", rendererBundle())
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestRendererFormats(t *testing.T) {
	got := newTestRenderer(t).Formats()
	if len(got) != 3 {
		t.Fatalf("formats: %v", got)
	}
}
