package rerank

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/retrieval"
)

type yesNoProvider struct {
	answer string
	calls  int
}

func (p *yesNoProvider) Name() string { return "ollama" }

func (p *yesNoProvider) Generate(_ context.Context, _ string, _ llm.Options, _ llm.TokenSink) (string, error) {
	p.calls++
	return p.answer, nil
}

func newTestReranker(answer string) (*Reranker, *yesNoProvider) {
	p := &yesNoProvider{answer: answer}
	r := NewReranker(llm.NewRegistry("ollama", "mistral", p), zap.NewNop())
	return r, p
}

func result(resourceID uuid.UUID, content string, score float64) retrieval.Result {
	return retrieval.Result{
		ChunkID:           uuid.New(),
		ResourceID:        resourceID,
		ResourceTitle:     "Doc " + resourceID.String()[:4],
		Content:           content,
		Score:             score,
		SourceInfo:        retrieval.SourceInfo{Type: "pdf"},
		ResourceCreatedAt: time.Now().Add(-24 * time.Hour),
	}
}

func TestRerankEmpty(t *testing.T) {
	r, _ := newTestReranker("NO")
	assert.Nil(t, r.Rerank(context.Background(), nil, "q", true))
}

func TestRerankSortsByFinalScore(t *testing.T) {
	r, _ := newTestReranker("NO")
	results := []retrieval.Result{
		result(uuid.New(), "low relevance", 0.1),
		result(uuid.New(), "high relevance", 0.9),
	}

	out := r.Rerank(context.Background(), results, "relevance", true)
	require.Len(t, out, 2)
	assert.GreaterOrEqual(t, out[0].FinalScore, out[1].FinalScore)
	assert.Equal(t, results[1].ChunkID, out[0].ChunkID)
}

func TestRerankFactorWeights(t *testing.T) {
	r, _ := newTestReranker("NO")
	res := result(uuid.New(), "quantum computing uses qubits", 1.0)

	out := r.Rerank(context.Background(), []retrieval.Result{res}, "quantum computing uses qubits", false)
	require.Len(t, out, 1)

	scores := out[0].RerankScores
	assert.InDelta(t, 0.40, scores["base"], 1e-9)
	// Single result: neutral citation score.
	assert.InDelta(t, 0.5*0.15, scores["citation"], 1e-9)
	// Created yesterday.
	assert.InDelta(t, 1.0*0.15, scores["recency"], 1e-9)
	// Verbatim query match.
	assert.InDelta(t, 1.0*0.15, scores["specificity"], 1e-9)
	// PDF without metadata.
	assert.InDelta(t, 1.0*0.15, scores["quality"], 1e-9)
}

func TestScoreRecencySteps(t *testing.T) {
	r, _ := newTestReranker("NO")
	now := time.Now().UTC()
	r.now = func() time.Time { return now }

	cases := []struct {
		daysOld int
		want    float64
	}{
		{10, 1.0}, {60, 0.9}, {120, 0.8}, {300, 0.6}, {500, 0.4}, {900, 0.2},
	}
	for _, tc := range cases {
		res := retrieval.Result{ResourceCreatedAt: now.AddDate(0, 0, -tc.daysOld)}
		assert.Equal(t, tc.want, r.scoreRecency(res), "days_old=%d", tc.daysOld)
	}

	assert.Equal(t, 0.5, r.scoreRecency(retrieval.Result{}), "unknown date is neutral")
}

func TestScoreSpecificityOverlap(t *testing.T) {
	r, _ := newTestReranker("NO")
	res := retrieval.Result{Content: "quantum entanglement is strange"}

	assert.Equal(t, 0.5, r.scoreSpecificity(res, "quantum physics"))
	assert.Equal(t, 1.0, r.scoreSpecificity(retrieval.Result{Content: "what is quantum entanglement exactly"}, "quantum entanglement"))
}

func TestScoreSourceQualityTypesAndMetadata(t *testing.T) {
	r, _ := newTestReranker("NO")

	pdf := retrieval.Result{SourceInfo: retrieval.SourceInfo{Type: "pdf"}}
	assert.Equal(t, 1.0, r.scoreSourceQuality(pdf))

	txt := retrieval.Result{SourceInfo: retrieval.SourceInfo{Type: "txt"}}
	assert.Equal(t, 0.5, r.scoreSourceQuality(txt))

	unknown := retrieval.Result{SourceInfo: retrieval.SourceInfo{Type: "mystery"}}
	assert.Equal(t, 0.5, r.scoreSourceQuality(unknown))

	richMD := retrieval.Result{
		SourceInfo:       retrieval.SourceInfo{Type: "md"},
		ResourceMetadata: db.JSONB{"title": "T", "author": "A", "pages": 12},
	}
	assert.InDelta(t, 0.95, r.scoreSourceQuality(richMD), 1e-9)
}

func TestConflictPenaltyAndSymmetry(t *testing.T) {
	r, p := newTestReranker("YES")
	a := result(uuid.New(), "the GDP grew 5 percent", 0.9)
	b := result(uuid.New(), "the GDP grew 3 percent", 0.8)

	out := r.Rerank(context.Background(), []retrieval.Result{a, b}, "gdp growth", true)
	require.Len(t, out, 2)
	assert.Equal(t, 1, p.calls, "one pair checked")

	for _, res := range out {
		assert.Equal(t, 1, res.ConflictCount)
		require.Len(t, res.Conflicts, 1)
	}
	// 5% penalty per conflict.
	base := out[0].RerankScores["base"] + out[0].RerankScores["citation"] +
		out[0].RerankScores["recency"] + out[0].RerankScores["specificity"] +
		out[0].RerankScores["quality"]
	assert.InDelta(t, base*0.95, out[0].FinalScore, 1e-9)
}

func TestConflictSkipsSameResource(t *testing.T) {
	r, p := newTestReranker("YES")
	res := uuid.New()
	a := result(res, "statement one", 0.9)
	b := result(res, "statement two", 0.8)

	out := r.Rerank(context.Background(), []retrieval.Result{a, b}, "q", true)
	assert.Equal(t, 0, p.calls, "same-resource pairs are not compared")
	for _, r := range out {
		assert.Equal(t, 0, r.ConflictCount)
	}
}

func TestConflictCheckFailureMeansNoConflict(t *testing.T) {
	r := NewReranker(llm.NewRegistry("ollama", "mistral"), zap.NewNop())
	a := result(uuid.New(), "one", 0.9)
	b := result(uuid.New(), "two", 0.8)

	out := r.Rerank(context.Background(), []retrieval.Result{a, b}, "q", true)
	for _, res := range out {
		assert.Equal(t, 0, res.ConflictCount)
	}
}
