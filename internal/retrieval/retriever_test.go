package retrieval

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/db"
)

type fakeStore struct {
	chunks    []db.ChunkHit
	resources []db.Resource
}

func (f *fakeStore) SemanticSearchChunks(_ context.Context, _ uuid.UUID, _ pgvector.Vector, limit int) ([]db.ChunkHit, error) {
	if len(f.chunks) > limit {
		return f.chunks[:limit], nil
	}
	return f.chunks, nil
}

func (f *fakeStore) WorkspaceChunks(_ context.Context, _ uuid.UUID) ([]db.ChunkHit, error) {
	return f.chunks, nil
}

func (f *fakeStore) WorkspaceResources(_ context.Context, _ uuid.UUID) ([]db.Resource, error) {
	return f.resources, nil
}

func (f *fakeStore) FirstChunks(_ context.Context, resourceID uuid.UUID, limit int) ([]db.ChunkHit, error) {
	var out []db.ChunkHit
	for _, c := range f.chunks {
		if c.ResourceID == resourceID {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) GenerateEmbedding(_ context.Context, _ string, _ string) ([]float32, error) {
	return make([]float32, 384), nil
}

func hit(resourceID uuid.UUID, title, content string) db.ChunkHit {
	return db.ChunkHit{
		ChunkID:       uuid.New(),
		ResourceID:    resourceID,
		Content:       content,
		ResourceTitle: title,
		ResourceType:  "pdf",
	}
}

func TestKeywordSearchScoring(t *testing.T) {
	res := uuid.New()
	prefix := hit(res, "Doc", "quantum computing is about quantum states")
	middle := hit(res, "Doc", "an overview of quantum theory")
	none := hit(res, "Doc", "classical mechanics only")

	store := &fakeStore{chunks: []db.ChunkHit{none, middle, prefix}}
	r := NewRetriever(store, fakeEmbedder{}, nil, zap.NewNop())

	scored, err := r.keywordSearch(context.Background(), "quantum", uuid.New(), 10)
	require.NoError(t, err)
	require.Len(t, scored, 2, "zero-score chunks dropped")

	// Two occurrences plus the prefix bonus beat a single occurrence.
	assert.Equal(t, prefix.ChunkID, scored[0].hit.ChunkID)
	assert.Equal(t, 4.0, scored[0].score)
	assert.Equal(t, 1.0, scored[1].score)
}

func TestFuseRRFSumsBranchContributions(t *testing.T) {
	res := uuid.New()
	shared := hit(res, "Doc", "shared chunk")
	semOnly := hit(res, "Doc", "semantic only")

	results := fuseRRF(
		[]scoredHit{{hit: shared, score: 0.9}, {hit: semOnly, score: 0.8}},
		[]scoredHit{{hit: shared, score: 5}},
		nil,
		10,
	)
	require.Len(t, results, 2)

	// shared: 0.5/61 + 0.3/61; semOnly: 0.5/62
	assert.Equal(t, shared.ChunkID, results[0].ChunkID)
	assert.InDelta(t, 0.5/61+0.3/61, results[0].Score, 1e-12)
	assert.InDelta(t, 0.5/62, results[1].Score, 1e-12)
	assert.InDelta(t, 0.3/61, results[0].Components.Keyword, 1e-12)
}

func TestFuseRRFMoreBranchesRankHigher(t *testing.T) {
	res := uuid.New()
	triple := hit(res, "Doc", "in all branches")
	single := hit(res, "Doc", "semantic top only")

	results := fuseRRF(
		[]scoredHit{{hit: single}, {hit: triple}},
		[]scoredHit{{hit: triple}},
		[]db.ChunkHit{triple},
		10,
	)
	require.Len(t, results, 2)
	assert.Equal(t, triple.ChunkID, results[0].ChunkID,
		"a chunk found by every branch outranks a single-branch top hit")
}

func TestFuseRRFTopK(t *testing.T) {
	res := uuid.New()
	var sem []scoredHit
	for i := 0; i < 30; i++ {
		sem = append(sem, scoredHit{hit: hit(res, "Doc", "c")})
	}
	results := fuseRRF(sem, nil, nil, 20)
	assert.Len(t, results, 20)
}

func TestGraphSearchFollowsCitations(t *testing.T) {
	seed := db.Resource{ID: uuid.New(), Title: "Paper A", Metadata: db.JSONB{
		"citations": []interface{}{"Paper B"},
	}}
	cited := db.Resource{ID: uuid.New(), Title: "Paper B"}
	citing := db.Resource{ID: uuid.New(), Title: "Paper C", Metadata: db.JSONB{
		"citations": []interface{}{"Paper A"},
	}}
	unrelated := db.Resource{ID: uuid.New(), Title: "Paper D"}

	store := &fakeStore{
		resources: []db.Resource{seed, cited, citing, unrelated},
		chunks: []db.ChunkHit{
			hit(cited.ID, "Paper B", "b1"),
			hit(citing.ID, "Paper C", "c1"),
			hit(unrelated.ID, "Paper D", "d1"),
		},
	}
	r := NewRetriever(store, fakeEmbedder{}, nil, zap.NewNop())

	chunks, err := r.graphSearch(context.Background(), []uuid.UUID{seed.ID}, uuid.New())
	require.NoError(t, err)

	got := make(map[uuid.UUID]bool)
	for _, c := range chunks {
		got[c.ResourceID] = true
	}
	assert.True(t, got[cited.ID], "cited resource included")
	assert.True(t, got[citing.ID], "citing resource included")
	assert.False(t, got[seed.ID], "seed excluded")
	assert.False(t, got[unrelated.ID])
}

func TestHybridSearchEndToEnd(t *testing.T) {
	res := uuid.New()
	store := &fakeStore{chunks: []db.ChunkHit{
		hit(res, "Intro to QC", "quantum computing uses qubits"),
		hit(res, "Intro to QC", "entanglement links qubit states"),
	}}
	r := NewRetriever(store, fakeEmbedder{}, nil, zap.NewNop())

	results, err := r.HybridSearch(context.Background(), "quantum qubits", uuid.New(), Options{TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "sorted by fused score")
	}
	seen := make(map[uuid.UUID]bool)
	for _, r := range results {
		assert.False(t, seen[r.ChunkID], "no duplicate chunks")
		seen[r.ChunkID] = true
	}
}

func TestHybridSearchEmptyWorkspace(t *testing.T) {
	r := NewRetriever(&fakeStore{}, fakeEmbedder{}, nil, zap.NewNop())
	results, err := r.HybridSearch(context.Background(), "anything", uuid.New(), Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}
