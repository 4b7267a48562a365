package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fogleman/gg"
	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatPNG  = "png"
)

// ExportRenderer produces the downloadable artifacts: a notes CSV, a
// full JSON export, and a theme-board PNG.
type ExportRenderer struct {
	log *logger.Logger
}

func NewExportRenderer(baseLog *logger.Logger) *ExportRenderer {
	return &ExportRenderer{log: baseLog.With("service", "ExportRenderer")}
}

func (r *ExportRenderer) Formats() []string {
	return []string{FormatCSV, FormatJSON, FormatPNG}
}

func (r *ExportRenderer) Render(ctx context.Context, format string, bundle *executor.ExportBundle) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		data, err := r.renderCSV(bundle)
		return data, "text/csv", err
	case FormatJSON:
		data, err := r.renderJSON(bundle)
		return data, "application/json", err
	case FormatPNG:
		data, err := r.renderPNG(bundle)
		return data, "image/png", err
	default:
		return nil, "", faults.Newf(faults.KindValidation, "unsupported export format %q", format)
	}
}

// renderCSV writes one row per note with its resolved theme label.
func (r *ExportRenderer) renderCSV(bundle *executor.ExportBundle) ([]byte, error) {
	labels := clusterLabels(bundle.Clusters)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"note_id", "theme", "text", "cleaned_text", "confidence"}); err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	for _, n := range bundle.Notes {
		theme := ""
		if n.ClusterID != nil {
			theme = labels[*n.ClusterID]
		}
		if err := w.Write([]string{
			n.ID.String(),
			theme,
			n.Text,
			n.CleanedText,
			fmt.Sprintf("%.2f", n.Confidence),
		}); err != nil {
			return nil, faults.New(faults.KindInternal, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	return buf.Bytes(), nil
}

type jsonExport struct {
	Project struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		ImageCount int    `json:"image_count"`
	} `json:"project"`
	Themes  []jsonTheme           `json:"themes"`
	Notes   []jsonNote            `json:"notes"`
	Summary *types.ProjectSummary `json:"summary,omitempty"`

	ExportedAt time.Time `json:"exported_at"`
}

type jsonTheme struct {
	Label      string  `json:"label"`
	NoteCount  int     `json:"note_count"`
	Confidence float64 `json:"confidence"`
}

type jsonNote struct {
	ID         string  `json:"id"`
	Theme      string  `json:"theme,omitempty"`
	Text       string  `json:"text"`
	Cleaned    string  `json:"cleaned_text,omitempty"`
	Confidence float64 `json:"confidence"`
}

func (r *ExportRenderer) renderJSON(bundle *executor.ExportBundle) ([]byte, error) {
	labels := clusterLabels(bundle.Clusters)

	out := jsonExport{Summary: bundle.Summary, ExportedAt: time.Now().UTC()}
	out.Project.ID = bundle.Project.ID.String()
	out.Project.Name = bundle.Project.Name
	out.Project.ImageCount = bundle.Project.ImageCount

	for _, c := range bundle.Clusters {
		out.Themes = append(out.Themes, jsonTheme{Label: c.Label, NoteCount: c.NoteCount, Confidence: c.Confidence})
	}
	for _, n := range bundle.Notes {
		jn := jsonNote{ID: n.ID.String(), Text: n.Text, Cleaned: n.CleanedText, Confidence: n.Confidence}
		if n.ClusterID != nil {
			jn.Theme = labels[*n.ClusterID]
		}
		out.Notes = append(out.Notes, jn)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	return data, nil
}

// renderPNG draws a horizontal bar per theme, widest theme first.
func (r *ExportRenderer) renderPNG(bundle *executor.ExportBundle) ([]byte, error) {
	clusters := append([]*types.NoteCluster(nil), bundle.Clusters...)
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].NoteCount != clusters[j].NoteCount {
			return clusters[i].NoteCount > clusters[j].NoteCount
		}
		return clusters[i].Label < clusters[j].Label
	})

	const (
		width     = 900
		rowHeight = 56
		marginX   = 40
		marginY   = 80
		barLeft   = 260
	)
	height := marginY + rowHeight*len(clusters) + 40
	if len(clusters) == 0 {
		height = marginY + 80
	}

	dc := gg.NewContext(width, height)
	dc.SetHexColor("#ffffff")
	dc.Clear()

	dc.SetHexColor("#1f2430")
	dc.DrawString(fmt.Sprintf("%s - theme board", bundle.Project.Name), marginX, 40)
	dc.DrawString(fmt.Sprintf("%d notes across %d themes", len(bundle.Notes), len(clusters)), marginX, 60)

	maxCount := 1
	for _, c := range clusters {
		if c.NoteCount > maxCount {
			maxCount = c.NoteCount
		}
	}

	palette := []string{"#4e79a7", "#f28e2b", "#e15759", "#76b7b2", "#59a14f", "#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac"}
	for i, c := range clusters {
		y := float64(marginY + i*rowHeight)

		dc.SetHexColor("#1f2430")
		dc.DrawString(truncate(c.Label, 32), marginX, y+24)

		barW := float64(width-barLeft-marginX) * float64(c.NoteCount) / float64(maxCount)
		dc.SetHexColor(palette[i%len(palette)])
		dc.DrawRoundedRectangle(barLeft, y+8, barW, 24, 6)
		dc.Fill()

		dc.SetHexColor("#1f2430")
		dc.DrawString(fmt.Sprintf("%d", c.NoteCount), barLeft+barW+8, y+24)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	return buf.Bytes(), nil
}

func clusterLabels(clusters []*types.NoteCluster) map[uuid.UUID]string {
	labels := make(map[uuid.UUID]string, len(clusters))
	for _, c := range clusters {
		labels[c.ID] = c.Label
	}
	return labels
}
