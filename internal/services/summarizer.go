package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

const defaultMaxThemes = 5

// Summarizer builds the project summary. Theme ranking and the
// distribution are computed from cluster sizes, so they are identical
// across re-runs; quotes and insights come from the model, with a
// deterministic fallback when no model is configured or it fails.
type Summarizer struct {
	llm OpenAIClient
	log *logger.Logger
}

// NewSummarizer accepts a nil llm; summaries then use the fallback
// quotes and insights only.
func NewSummarizer(llm OpenAIClient, baseLog *logger.Logger) *Summarizer {
	return &Summarizer{
		llm: llm,
		log: baseLog.With("service", "Summarizer"),
	}
}

func (s *Summarizer) Summarize(ctx context.Context, clusters []*types.NoteCluster, notes []*types.Note, opts types.SummaryOptions) (*executor.SummaryData, error) {
	if len(clusters) == 0 {
		return nil, faults.Newf(faults.KindNoInput, "no clusters to summarize")
	}

	totalNotes := 0
	for _, c := range clusters {
		totalNotes += c.NoteCount
	}
	if totalNotes == 0 {
		totalNotes = len(notes)
	}
	if totalNotes == 0 {
		return nil, faults.Newf(faults.KindNoInput, "no notes behind clusters")
	}

	ranked := append([]*types.NoteCluster(nil), clusters...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].NoteCount != ranked[j].NoteCount {
			return ranked[i].NoteCount > ranked[j].NoteCount
		}
		return ranked[i].Label < ranked[j].Label
	})

	maxThemes := opts.MaxThemes
	if maxThemes <= 0 {
		maxThemes = defaultMaxThemes
	}

	data := &executor.SummaryData{}
	for _, c := range ranked {
		pct := float64(c.NoteCount) / float64(totalNotes) * 100
		if opts.MinThemePercentage > 0 && pct < opts.MinThemePercentage {
			continue
		}
		if len(data.TopThemes) < maxThemes {
			data.TopThemes = append(data.TopThemes, executor.Theme{
				Label:      c.Label,
				NoteCount:  c.NoteCount,
				Percentage: pct,
			})
		}
	}
	if len(data.TopThemes) == 0 {
		// the largest cluster always qualifies, whatever the floor
		c := ranked[0]
		data.TopThemes = append(data.TopThemes, executor.Theme{
			Label:      c.Label,
			NoteCount:  c.NoteCount,
			Percentage: float64(c.NoteCount) / float64(totalNotes) * 100,
		})
	}

	if opts.IncludeDistribution {
		data.Distribution = make(map[string]float64, len(ranked))
		for _, c := range ranked {
			data.Distribution[c.Label] = float64(c.NoteCount) / float64(totalNotes) * 100
		}
	}

	if err := s.enrich(ctx, data, clusters, notes, opts); err != nil {
		s.log.Warn("llm enrichment failed, using fallback", "error", err)
		s.fallback(data, clusters, notes, opts)
	}
	return data, nil
}

type llmSummaryResponse struct {
	Quotes []struct {
		Text  string `json:"text"`
		Theme string `json:"theme"`
	} `json:"quotes"`
	Insights []string `json:"insights"`
}

func (s *Summarizer) enrich(ctx context.Context, data *executor.SummaryData, clusters []*types.NoteCluster, notes []*types.Note, opts types.SummaryOptions) error {
	if s.llm == nil {
		return fmt.Errorf("no model configured")
	}

	labels := make(map[uuid.UUID]string, len(clusters))
	for _, c := range clusters {
		labels[c.ID] = c.Label
	}
	var sb strings.Builder
	for _, n := range notes {
		label := "unthemed"
		if n.ClusterID != nil {
			if l, ok := labels[*n.ClusterID]; ok {
				label = l
			}
		}
		fmt.Fprintf(&sb, "[%s] %s\n", label, noteText(n))
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"quotes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":  map[string]any{"type": "string"},
						"theme": map[string]any{"type": "string"},
					},
					"required":             []string{"text", "theme"},
					"additionalProperties": false,
				},
			},
			"insights": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"quotes", "insights"},
		"additionalProperties": false,
	}
	system := "You summarize a set of themed handwritten notes. Quotes must be verbatim note texts."
	user := fmt.Sprintf("From these notes, pick up to 3 representative quotes (verbatim, with their theme) and write up to 3 short insights about the overall collection.\n\n%s", sb.String())

	var resp llmSummaryResponse
	if err := s.llm.GenerateJSON(ctx, system, user, "project_summary", schema, &resp); err != nil {
		return err
	}

	if opts.IncludeQuotes {
		for _, q := range resp.Quotes {
			if t := strings.TrimSpace(q.Text); t != "" {
				data.Quotes = append(data.Quotes, executor.Quote{Text: t, Theme: strings.TrimSpace(q.Theme)})
			}
		}
	}
	for _, in := range resp.Insights {
		if in = strings.TrimSpace(in); in != "" {
			data.Insights = append(data.Insights, in)
		}
	}
	return nil
}

// fallback fills quotes and insights without a model: the highest
// confidence note of each top theme becomes its quote.
func (s *Summarizer) fallback(data *executor.SummaryData, clusters []*types.NoteCluster, notes []*types.Note, opts types.SummaryOptions) {
	data.Quotes = nil
	data.Insights = nil

	if opts.IncludeQuotes {
		idByLabel := make(map[string]uuid.UUID, len(clusters))
		for _, c := range clusters {
			idByLabel[c.Label] = c.ID
		}
		for _, theme := range data.TopThemes {
			cid, ok := idByLabel[theme.Label]
			if !ok {
				continue
			}
			var best *types.Note
			for _, n := range notes {
				if n.ClusterID == nil || *n.ClusterID != cid {
					continue
				}
				if best == nil || n.Confidence > best.Confidence {
					best = n
				}
			}
			if best != nil {
				data.Quotes = append(data.Quotes, executor.Quote{Text: noteText(best), Theme: theme.Label})
			}
		}
	}

	if len(data.TopThemes) > 0 {
		top := data.TopThemes[0]
		data.Insights = append(data.Insights,
			fmt.Sprintf("%q is the dominant theme, covering %.0f%% of %d notes.", top.Label, top.Percentage, len(notes)))
		if len(data.TopThemes) > 1 {
			data.Insights = append(data.Insights,
				fmt.Sprintf("The collection spans %d themes overall.", len(clusters)))
		}
	}
}
