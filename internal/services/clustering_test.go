package services

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// fakeLLM serves canned embeddings keyed by text and a canned JSON
// payload for structured generation.
type fakeLLM struct {
	mu         sync.Mutex
	embeds     map[string][]float32
	embedCalls int
	genPayload string
	genErr     error
	genCalls   int
}

func (f *fakeLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, ok := f.embeds[t]
		if !ok {
			return nil, fmt.Errorf("no canned embedding for %q", t)
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeLLM) GenerateJSON(_ context.Context, _, _, _ string, _ map[string]any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genCalls++
	if f.genErr != nil {
		return f.genErr
	}
	return json.Unmarshal([]byte(f.genPayload), out)
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCache() *memCache { return &memCache{m: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func (c *memCache) Close() error { return nil }

func clusteringNotes() ([]*types.Note, *fakeLLM) {
	notes := []*types.Note{
		{ID: uuid.New(), Text: "meeting agenda monday"},
		{ID: uuid.New(), Text: "meeting notes followup"},
		{ID: uuid.New(), Text: "grocery list apples"},
		{ID: uuid.New(), Text: "grocery budget milk"},
	}
	llm := &fakeLLM{embeds: map[string][]float32{
		"meeting agenda monday":  {1, 0},
		"meeting notes followup": {0.9, 0.1},
		"grocery list apples":    {0, 1},
		"grocery budget milk":    {0.1, 0.9},
	}}
	return notes, llm
}

func newClusteringProvider(t *testing.T, llm OpenAIClient, cache Cache) *ClusteringProvider {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewClusteringProvider(llm, cache, log)
}

func TestEmbeddingsClusteringIsDeterministic(t *testing.T) {
	notes, llm := clusteringNotes()
	p := newClusteringProvider(t, llm, nil)
	ctx := context.Background()

	first, err := p.Cluster(ctx, notes, domwf.ClusteringEmbeddings, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("cluster count = %d", len(first))
	}

	second, err := p.Cluster(ctx, notes, domwf.ClusteringEmbeddings, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-run diverged:\n%+v\n%+v", first, second)
	}

	// The two meeting notes share a group, as do the two grocery notes.
	group := map[uuid.UUID]int{}
	for ci, spec := range first {
		for _, id := range spec.NoteIDs {
			group[id] = ci
		}
	}
	if group[notes[0].ID] != group[notes[1].ID] || group[notes[2].ID] != group[notes[3].ID] {
		t.Fatalf("grouping wrong: %v", group)
	}
	if group[notes[0].ID] == group[notes[2].ID] {
		t.Fatal("meeting and grocery notes merged")
	}
}

func TestEmbeddingsClusteringUsesCache(t *testing.T) {
	notes, llm := clusteringNotes()
	cache := newMemCache()
	p := newClusteringProvider(t, llm, cache)
	ctx := context.Background()

	if _, err := p.Cluster(ctx, notes, domwf.ClusteringEmbeddings, 2); err != nil {
		t.Fatal(err)
	}
	if llm.embedCalls != 1 {
		t.Fatalf("embed calls = %d", llm.embedCalls)
	}

	// Every vector is cached now; the second run never embeds.
	if _, err := p.Cluster(ctx, notes, domwf.ClusteringEmbeddings, 2); err != nil {
		t.Fatal(err)
	}
	if llm.embedCalls != 1 {
		t.Fatalf("embed calls after cached run = %d", llm.embedCalls)
	}
}

func TestHybridKeepsHeuristicLabelsWhenModelFails(t *testing.T) {
	notes, llm := clusteringNotes()
	llm.genErr = faults.Newf(faults.KindUpstreamUnavailable, "model down")
	p := newClusteringProvider(t, llm, nil)

	specs, err := p.Cluster(context.Background(), notes, domwf.ClusteringHybrid, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("cluster count = %d", len(specs))
	}
	for _, spec := range specs {
		if spec.Label == "" {
			t.Fatal("heuristic label missing")
		}
	}
}

func TestLLMClusteringAssignsEveryNote(t *testing.T) {
	notes, llm := clusteringNotes()
	// The model skips index 3 and repeats index 0; the provider drops the
	// duplicate and sweeps the leftover into a catch-all group.
	llm.genPayload = `{"clusters":[
		{"label":"Meetings","note_indices":[0,1,0]},
		{"label":"Groceries","note_indices":[2]}
	]}`
	p := newClusteringProvider(t, llm, nil)

	specs, err := p.Cluster(context.Background(), notes, domwf.ClusteringLLM, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("cluster count = %d: %+v", len(specs), specs)
	}
	if specs[2].Label != "Other" || len(specs[2].NoteIDs) != 1 || specs[2].NoteIDs[0] != notes[3].ID {
		t.Fatalf("catch-all wrong: %+v", specs[2])
	}
	total := 0
	for _, spec := range specs {
		total += len(spec.NoteIDs)
	}
	if total != len(notes) {
		t.Fatalf("assigned %d of %d notes", total, len(notes))
	}
}

func TestClusteringRejectsUnknownMethod(t *testing.T) {
	notes, llm := clusteringNotes()
	p := newClusteringProvider(t, llm, nil)

	_, err := p.Cluster(context.Background(), notes, "dbscan", 2)
	if !faults.IsKind(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}
