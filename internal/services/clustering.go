package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	domwf "github.com/inklight/inklight-backend/internal/domain/workflow"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

const (
	embedCacheTTL = 7 * 24 * time.Hour
	kmeansMaxIter = 25
)

// ClusteringProvider groups notes into themes. The embeddings method is
// fully deterministic for a fixed embedding response; llm asks the model
// to group directly; hybrid clusters on embeddings and only delegates
// labeling to the model.
type ClusteringProvider struct {
	llm   OpenAIClient
	cache Cache
	log   *logger.Logger
}

// NewClusteringProvider accepts a nil cache; embeddings are then
// recomputed on every run.
func NewClusteringProvider(llm OpenAIClient, cache Cache, baseLog *logger.Logger) *ClusteringProvider {
	return &ClusteringProvider{
		llm:   llm,
		cache: cache,
		log:   baseLog.With("service", "ClusteringProvider"),
	}
}

func (p *ClusteringProvider) Cluster(ctx context.Context, notes []*types.Note, method string, target int) ([]executor.ClusterSpec, error) {
	if len(notes) == 0 {
		return nil, faults.Newf(faults.KindNoInput, "no notes to cluster")
	}
	if target < 1 {
		target = 1
	}
	if target > len(notes) {
		target = len(notes)
	}

	switch method {
	case domwf.ClusteringEmbeddings, "":
		return p.clusterByEmbeddings(ctx, notes, target, false)
	case domwf.ClusteringHybrid:
		return p.clusterByEmbeddings(ctx, notes, target, true)
	case domwf.ClusteringLLM:
		return p.clusterByLLM(ctx, notes, target)
	default:
		return nil, faults.Newf(faults.KindValidation, "unknown clustering method %q", method)
	}
}

func noteText(n *types.Note) string {
	if n.CleanedText != "" {
		return n.CleanedText
	}
	return n.Text
}

func (p *ClusteringProvider) clusterByEmbeddings(ctx context.Context, notes []*types.Note, target int, llmLabels bool) ([]executor.ClusterSpec, error) {
	texts := make([]string, len(notes))
	for i, n := range notes {
		texts[i] = noteText(n)
	}
	vectors, err := p.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	assignments, centroids := kmeans(vectors, target)

	groups := make([][]int, len(centroids))
	for i, c := range assignments {
		groups[c] = append(groups[c], i)
	}

	specs := make([]executor.ClusterSpec, 0, len(groups))
	for ci, members := range groups {
		if len(members) == 0 {
			continue
		}
		ids := make([]uuid.UUID, 0, len(members))
		memberTexts := make([]string, 0, len(members))
		var simSum float64
		for _, i := range members {
			ids = append(ids, notes[i].ID)
			memberTexts = append(memberTexts, texts[i])
			simSum += cosine(vectors[i], centroids[ci])
		}
		specs = append(specs, executor.ClusterSpec{
			Label:      topTermsLabel(memberTexts),
			Confidence: simSum / float64(len(members)),
			Centroid:   centroids[ci],
			NoteIDs:    ids,
		})
	}

	if llmLabels {
		if err := p.relabel(ctx, notes, specs); err != nil {
			// heuristic labels stand when the model is unreachable
			p.log.Warn("llm relabel failed, keeping heuristic labels", "error", err)
		}
	}
	return specs, nil
}

// embed resolves one vector per text, consulting the cache first.
func (p *ClusteringProvider) embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if p.cache == nil {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
			continue
		}
		raw, ok, err := p.cache.Get(ctx, embedKey(text))
		if err != nil {
			p.log.Warn("embedding cache read failed", "error", err)
		}
		if ok {
			var vec []float64
			if err := json.Unmarshal(raw, &vec); err == nil && len(vec) > 0 {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		if p.llm == nil {
			return nil, faults.Newf(faults.KindBackendUnavailable, "no embedding provider configured")
		}
		fresh, err := p.llm.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec32 := range fresh {
			vec := make([]float64, len(vec32))
			for k, v := range vec32 {
				vec[k] = float64(v)
			}
			out[missIdx[j]] = vec
			if p.cache != nil {
				if raw, err := json.Marshal(vec); err == nil {
					if err := p.cache.Set(ctx, embedKey(missTexts[j]), raw, embedCacheTTL); err != nil {
						p.log.Warn("embedding cache write failed", "error", err)
					}
				}
			}
		}
	}
	return out, nil
}

func embedKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embed:v1:" + hex.EncodeToString(sum[:])
}

type llmClusterResponse struct {
	Clusters []struct {
		Label       string `json:"label"`
		NoteIndices []int  `json:"note_indices"`
	} `json:"clusters"`
}

func (p *ClusteringProvider) clusterByLLM(ctx context.Context, notes []*types.Note, target int) ([]executor.ClusterSpec, error) {
	if p.llm == nil {
		return nil, faults.Newf(faults.KindBackendUnavailable, "no model configured")
	}
	var sb strings.Builder
	for i, n := range notes {
		fmt.Fprintf(&sb, "%d. %s\n", i, noteText(n))
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"clusters": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"label":        map[string]any{"type": "string"},
						"note_indices": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
					},
					"required":             []string{"label", "note_indices"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"clusters"},
		"additionalProperties": false,
	}

	system := "You group short handwritten notes into themes. Every note index must appear in exactly one cluster."
	user := fmt.Sprintf("Group the following %d notes into at most %d themes. Respond with cluster labels and the zero-based note indices belonging to each.\n\n%s", len(notes), target, sb.String())

	var resp llmClusterResponse
	if err := p.llm.GenerateJSON(ctx, system, user, "note_clusters", schema, &resp); err != nil {
		return nil, err
	}
	if len(resp.Clusters) == 0 {
		return nil, faults.Newf(faults.KindSchemaMismatch, "model returned no clusters")
	}

	seen := make(map[int]bool, len(notes))
	specs := make([]executor.ClusterSpec, 0, len(resp.Clusters))
	for _, c := range resp.Clusters {
		ids := make([]uuid.UUID, 0, len(c.NoteIndices))
		for _, idx := range c.NoteIndices {
			if idx < 0 || idx >= len(notes) || seen[idx] {
				continue
			}
			seen[idx] = true
			ids = append(ids, notes[idx].ID)
		}
		if len(ids) == 0 {
			continue
		}
		specs = append(specs, executor.ClusterSpec{
			Label:      strings.TrimSpace(c.Label),
			Confidence: 0.9,
			NoteIDs:    ids,
		})
	}

	// Notes the model skipped land in a catch-all so the stage's
	// every-note-assigned invariant holds regardless of model output.
	var leftovers []uuid.UUID
	for i, n := range notes {
		if !seen[i] {
			leftovers = append(leftovers, n.ID)
		}
	}
	if len(leftovers) > 0 {
		specs = append(specs, executor.ClusterSpec{Label: "Other", Confidence: 0.5, NoteIDs: leftovers})
	}
	return specs, nil
}

type llmLabelResponse struct {
	Labels []string `json:"labels"`
}

// relabel asks the model for one label per existing group.
func (p *ClusteringProvider) relabel(ctx context.Context, notes []*types.Note, specs []executor.ClusterSpec) error {
	if p.llm == nil {
		return fmt.Errorf("no model configured")
	}
	byID := make(map[uuid.UUID]*types.Note, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
	}

	var sb strings.Builder
	for i, spec := range specs {
		fmt.Fprintf(&sb, "Group %d:\n", i)
		for _, id := range spec.NoteIDs {
			if n := byID[id]; n != nil {
				fmt.Fprintf(&sb, "- %s\n", noteText(n))
			}
		}
		sb.WriteString("\n")
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"labels"},
		"additionalProperties": false,
	}
	system := "You name groups of handwritten notes. Respond with one short theme label per group, in order."
	user := fmt.Sprintf("Name these %d groups:\n\n%s", len(specs), sb.String())

	var resp llmLabelResponse
	if err := p.llm.GenerateJSON(ctx, system, user, "cluster_labels", schema, &resp); err != nil {
		return err
	}
	if len(resp.Labels) != len(specs) {
		return faults.Newf(faults.KindSchemaMismatch, "got %d labels for %d groups", len(resp.Labels), len(specs))
	}
	for i := range specs {
		if label := strings.TrimSpace(resp.Labels[i]); label != "" {
			specs[i].Label = label
		}
	}
	return nil
}

// kmeans partitions vectors into k groups. Initial centroids are picked
// at evenly spaced input positions, so the result is deterministic for
// a fixed input order.
func kmeans(vectors [][]float64, k int) (assignments []int, centroids [][]float64) {
	n := len(vectors)
	if k > n {
		k = n
	}
	centroids = make([][]float64, k)
	for i := 0; i < k; i++ {
		src := vectors[i*n/k]
		centroids[i] = append([]float64(nil), src...)
	}
	assignments = make([]int, n)

	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, vec := range vectors {
			best, bestSim := 0, math.Inf(-1)
			for c, cent := range centroids {
				if sim := cosine(vec, cent); sim > bestSim {
					best, bestSim = c, sim
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		next := make([][]float64, k)
		for c := range next {
			next[c] = make([]float64, len(vectors[0]))
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for d, v := range vec {
				next[c][d] += v
			}
		}
		for c := range next {
			if counts[c] == 0 {
				// reseed an empty centroid with the point farthest
				// from its current assignment
				next[c] = append([]float64(nil), vectors[farthest(vectors, assignments, centroids)]...)
				continue
			}
			for d := range next[c] {
				next[c][d] /= float64(counts[c])
			}
		}
		centroids = next
	}
	return assignments, centroids
}

func farthest(vectors [][]float64, assignments []int, centroids [][]float64) int {
	worst, worstSim := 0, math.Inf(1)
	for i, vec := range vectors {
		if sim := cosine(vec, centroids[assignments[i]]); sim < worstSim {
			worst, worstSim = i, sim
		}
	}
	return worst
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var labelStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "is": true, "it": true,
	"with": true, "that": true, "this": true, "was": true, "are": true,
	"be": true, "at": true, "as": true, "by": true, "my": true, "we": true,
}

// topTermsLabel builds a heuristic label from the two most frequent
// non-stopword terms. Ties break alphabetically so labels are stable.
func topTermsLabel(texts []string) string {
	freq := map[string]int{}
	for _, t := range texts {
		for _, w := range strings.Fields(strings.ToLower(t)) {
			w = strings.Trim(w, ".,;:!?\"'()[]")
			if len(w) < 3 || labelStopwords[w] {
				continue
			}
			freq[w]++
		}
	}
	if len(freq) == 0 {
		return "Misc"
	}
	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > 2 {
		terms = terms[:2]
	}
	for i, w := range terms {
		terms[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(terms, " & ")
}
