// Package rerank rescores retrieval results with multiple relevance
// factors and flags pairs of sources that contradict each other.
package rerank

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/retrieval"
	"github.com/docifyhq/engine/internal/util"
)

// Factor weights. Base relevance dominates; the remaining factors share
// the rest evenly.
const (
	baseWeight        = 0.40
	citationWeight    = 0.15
	recencyWeight     = 0.15
	specificityWeight = 0.15
	qualityWeight     = 0.15

	conflictPenalty = 0.05
	conflictTopN    = 5
)

// Result is a retrieval result with rerank factor scores attached.
type Result struct {
	retrieval.Result

	RerankScores  map[string]float64 `json:"rerank_scores"`
	FinalScore    float64            `json:"final_score"`
	Conflicts     []uuid.UUID        `json:"conflicts"`
	ConflictCount int                `json:"conflict_count"`
}

// Reranker rescores search results. The LLM registry is only used for
// conflict detection and may be nil to disable it.
type Reranker struct {
	registry *llm.Registry
	logger   *zap.Logger
	now      func() time.Time
}

func NewReranker(registry *llm.Registry, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{registry: registry, logger: logger, now: time.Now}
}

// Rerank scores every result on five factors, optionally detects
// conflicts among the top results, and returns them sorted by final
// score descending.
func (r *Reranker) Rerank(ctx context.Context, results []retrieval.Result, query string, detectConflicts bool) []Result {
	if len(results) == 0 {
		r.logger.Warn("No results to re-rank")
		return nil
	}
	r.logger.Info("Re-ranking results", zap.Int("count", len(results)))

	out := make([]Result, len(results))
	for i, res := range results {
		scores := map[string]float64{
			"base":        res.Score * baseWeight,
			"citation":    r.scoreCitationFrequency(res, results) * citationWeight,
			"recency":     r.scoreRecency(res) * recencyWeight,
			"specificity": r.scoreSpecificity(res, query) * specificityWeight,
			"quality":     r.scoreSourceQuality(res) * qualityWeight,
		}
		final := 0.0
		for _, s := range scores {
			final += s
		}
		out[i] = Result{Result: res, RerankScores: scores, FinalScore: final, Conflicts: []uuid.UUID{}}
	}

	if detectConflicts && r.registry != nil {
		conflicts := r.detectConflicts(ctx, out, query)
		for i := range out {
			if ids, ok := conflicts[out[i].ChunkID]; ok && len(ids) > 0 {
				out[i].Conflicts = ids
				out[i].ConflictCount = len(ids)
				out[i].FinalScore *= 1 - float64(len(ids))*conflictPenalty
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	r.logger.Info("Re-ranking complete", zap.Float64("top_score", out[0].FinalScore))
	return out
}

// scoreCitationFrequency normalizes the resource's citation count by the
// number of distinct other resources in the result set.
func (r *Reranker) scoreCitationFrequency(res retrieval.Result, all []retrieval.Result) float64 {
	others := make(map[uuid.UUID]bool)
	for _, other := range all {
		if other.ResourceID != res.ResourceID {
			others[other.ResourceID] = true
		}
	}
	if len(others) == 0 {
		// Single result, neutral score.
		return 0.5
	}
	score := float64(res.CitationCount) / float64(len(others))
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// scoreRecency prefers newer resources with stepped degradation.
func (r *Reranker) scoreRecency(res retrieval.Result) float64 {
	if res.ResourceCreatedAt.IsZero() {
		return 0.5
	}
	daysOld := int(r.now().UTC().Sub(res.ResourceCreatedAt) / (24 * time.Hour))
	switch {
	case daysOld < 30:
		return 1.0
	case daysOld < 90:
		return 0.9
	case daysOld < 180:
		return 0.8
	case daysOld < 365:
		return 0.6
	case daysOld < 730:
		return 0.4
	default:
		return 0.2
	}
}

// scoreSpecificity is 1.0 for a verbatim query match, otherwise the
// fraction of query terms present in the chunk.
func (r *Reranker) scoreSpecificity(res retrieval.Result, query string) float64 {
	content := strings.ToLower(res.Content)
	queryLower := strings.ToLower(query)

	if strings.Contains(content, queryLower) {
		return 1.0
	}

	queryTerms := make(map[string]bool)
	for _, t := range strings.Fields(queryLower) {
		queryTerms[t] = true
	}
	if len(queryTerms) == 0 {
		return 0.0
	}
	contentTerms := make(map[string]bool)
	for _, t := range strings.Fields(content) {
		contentTerms[t] = true
	}
	overlap := 0
	for t := range queryTerms {
		if contentTerms[t] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTerms))
}

var typeScores = map[string]float64{
	"pdf":      1.0,
	"research": 1.0,
	"academic": 1.0,
	"word":     0.8,
	"docx":     0.8,
	"markdown": 0.8,
	"md":       0.8,
	"excel":    0.6,
	"xlsx":     0.6,
	"csv":      0.6,
	"text":     0.5,
	"txt":      0.5,
	"url":      0.7,
	"web":      0.7,
}

// scoreSourceQuality weighs the document type, boosted for rich metadata.
func (r *Reranker) scoreSourceQuality(res retrieval.Result) float64 {
	base, ok := typeScores[strings.ToLower(res.SourceInfo.Type)]
	if !ok {
		base = 0.5
	}
	boost := 0.0
	for _, key := range []string{"title", "author", "pages"} {
		if v, ok := res.ResourceMetadata[key]; ok && v != nil && v != "" {
			boost += 0.05
		}
	}
	score := base + boost
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// detectConflicts compares the top results pairwise, skipping pairs from
// the same resource, and records symmetric conflict pointers.
func (r *Reranker) detectConflicts(ctx context.Context, results []Result, query string) map[uuid.UUID][]uuid.UUID {
	top := results
	if len(top) > conflictTopN {
		top = top[:conflictTopN]
	}
	r.logger.Info("Checking results for conflicts", zap.Int("count", len(top)))

	conflicts := make(map[uuid.UUID][]uuid.UUID)
	for i, a := range top {
		for _, b := range top[i+1:] {
			if a.ResourceID == b.ResourceID {
				continue
			}
			if r.checkConflict(ctx, a, b, query) {
				conflicts[a.ChunkID] = append(conflicts[a.ChunkID], b.ChunkID)
				conflicts[b.ChunkID] = append(conflicts[b.ChunkID], a.ChunkID)
			}
		}
	}
	return conflicts
}

const conflictPromptFmt = `You are a fact-checking expert. Analyze these two statements from different sources.

QUERY: "%s"

STATEMENT 1 (from %s):
"%s"

STATEMENT 2 (from %s):
"%s"

Do these statements contradict each other or present conflicting information about the query?
Answer ONLY with: YES or NO

Examples of conflicts:
- "X is true" vs "X is false"
- "GDP was 5%%" vs "GDP was 3%%"
- "Study A found X" vs "Study B found Y" (different findings)

Examples of NOT conflicts:
- Same information from different sources
- One source more specific than other
- Both say "X is true"
- Compatible information that adds to each other`

// checkConflict asks the LLM whether two excerpts contradict. Failures
// count as no conflict.
func (r *Reranker) checkConflict(ctx context.Context, a, b Result, query string) bool {
	provider, err := r.registry.Provider("")
	if err != nil {
		return false
	}

	prompt := fmt.Sprintf(conflictPromptFmt,
		query,
		a.ResourceTitle, util.TruncateString(a.Content, 300),
		b.ResourceTitle, util.TruncateString(b.Content, 300),
	)
	response, err := provider.Generate(ctx, prompt, llm.Options{MaxTokens: 10, Temperature: 0.1}, nil)
	if err != nil {
		r.logger.Warn("conflict check failed", zap.Error(err))
		return false
	}

	isConflict := strings.Contains(strings.ToUpper(response), "YES")
	if isConflict {
		r.logger.Warn("Conflict detected",
			zap.String("source_1", a.ResourceTitle),
			zap.String("source_2", b.ResourceTitle),
		)
	}
	return isConflict
}
