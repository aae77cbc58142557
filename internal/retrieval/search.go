package retrieval

import (
	"context"

	"github.com/google/uuid"
)

// Search types accepted by Search.
const (
	TypeSemantic = "semantic"
	TypeKeyword  = "keyword"
	TypeHybrid   = "hybrid"
)

// Search runs a single-branch or hybrid search. Unknown types fall back
// to hybrid.
func (r *Retriever) Search(ctx context.Context, query string, workspaceID uuid.UUID, searchType string, opts Options) ([]Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 20
	}

	switch searchType {
	case TypeSemantic:
		hits, err := r.semanticSearch(ctx, query, workspaceID, opts.TopK)
		if err != nil {
			return nil, err
		}
		results := make([]Result, 0, len(hits))
		for _, sh := range hits {
			results = append(results, resultFromHit(sh.hit, sh.score, Components{Semantic: sh.score}))
		}
		return results, nil

	case TypeKeyword:
		hits, err := r.keywordSearch(ctx, query, workspaceID, opts.TopK)
		if err != nil {
			return nil, err
		}
		results := make([]Result, 0, len(hits))
		for _, sh := range hits {
			score := sh.score / 100
			results = append(results, resultFromHit(sh.hit, score, Components{Keyword: score}))
		}
		return results, nil

	default:
		return r.HybridSearch(ctx, query, workspaceID, opts)
	}
}
