package executor

import (
	"context"
	"encoding/json"
	"time"

	projrepo "github.com/inklight/inklight-backend/internal/data/repos/project"
	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

type Theme struct {
	Label      string  `json:"label"`
	NoteCount  int     `json:"note_count"`
	Percentage float64 `json:"percentage"`
}

type Quote struct {
	Text  string `json:"text"`
	Theme string `json:"theme"`
}

// SummaryData is the summarizer's full output for one project.
type SummaryData struct {
	TopThemes    []Theme
	Distribution map[string]float64
	Quotes       []Quote
	Insights     []string
}

type Summarizer interface {
	Summarize(ctx context.Context, clusters []*types.NoteCluster, notes []*types.Note, opts types.SummaryOptions) (*SummaryData, error)
}

// SummarizeExecutor writes the single summary row for the project.
type SummarizeExecutor struct {
	clusters   projrepo.NoteClusterRepo
	notes      projrepo.NoteRepo
	summaries  projrepo.SummaryRepo
	summarizer Summarizer
	log        *logger.Logger
}

func NewSummarizeExecutor(clusters projrepo.NoteClusterRepo, notes projrepo.NoteRepo, summaries projrepo.SummaryRepo, summarizer Summarizer, baseLog *logger.Logger) *SummarizeExecutor {
	return &SummarizeExecutor{
		clusters:   clusters,
		notes:      notes,
		summaries:  summaries,
		summarizer: summarizer,
		log:        baseLog.With("executor", domjobs.TypeSummary),
	}
}

func (e *SummarizeExecutor) Type() string { return domjobs.TypeSummary }

func (e *SummarizeExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	dbc := dbctx.Context{Ctx: ctx}

	clusters, err := e.clusters.ListByProject(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, faults.Newf(faults.KindNoInput, "project %s has no clusters to summarize", req.Payload.ProjectID)
	}
	notes, err := e.notes.ListByProject(dbc, req.Payload.ProjectID)
	if err != nil {
		return nil, err
	}

	if _, err := req.beat(ctx, 20); err != nil {
		return nil, err
	}

	data, err := e.summarizer.Summarize(ctx, clusters, notes, req.Config.Summary)
	if err != nil {
		return nil, err
	}

	cancelled, err := req.beat(ctx, 80)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, context.Canceled
	}

	themes, err := json.Marshal(data.TopThemes)
	if err != nil {
		return nil, faults.New(faults.KindInternal, err)
	}
	dist, _ := json.Marshal(data.Distribution)
	quotes, _ := json.Marshal(data.Quotes)
	insights, _ := json.Marshal(data.Insights)

	if _, err := e.summaries.Upsert(dbc, &types.ProjectSummary{
		ProjectID:    req.Payload.ProjectID,
		TopThemes:    themes,
		Distribution: dist,
		Quotes:       quotes,
		Insights:     insights,
		ThemeCount:   len(data.TopThemes),
		GeneratedAt:  time.Now(),
	}); err != nil {
		return nil, err
	}

	e.log.Info("summary written", "project_id", req.Payload.ProjectID, "themes", len(data.TopThemes))
	return &Result{Data: mustJSON(map[string]interface{}{
		"theme_count": len(data.TopThemes),
	})}, nil
}
