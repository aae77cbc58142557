package retrieval

import (
	"sort"

	"github.com/google/uuid"

	"github.com/docifyhq/engine/internal/db"
)

// RRF constant and branch weights.
const (
	rrfK           = 60
	semanticWeight = 0.5
	keywordWeight  = 0.3
	graphWeight    = 0.2
)

type scoredHit struct {
	hit db.ChunkHit
	// semantic: similarity; keyword: match score. Unused by fusion,
	// which ranks by position only.
	score float64
}

// fuseRRF combines the three ranked branch lists with weighted
// reciprocal rank fusion. Each branch contributes weight * 1/(k+rank)
// for a chunk's best rank in that branch; a chunk appearing in several
// branches sums the contributions.
func fuseRRF(semantic, keyword []scoredHit, graph []db.ChunkHit, topK int) []Result {
	type entry struct {
		hit   db.ChunkHit
		comps Components
		order int
	}
	combined := make(map[uuid.UUID]*entry)
	order := 0

	upsert := func(hit db.ChunkHit) *entry {
		if e, ok := combined[hit.ChunkID]; ok {
			return e
		}
		e := &entry{hit: hit, order: order}
		order++
		combined[hit.ChunkID] = e
		return e
	}

	for rank, sh := range semantic {
		e := upsert(sh.hit)
		e.comps.Semantic = semanticWeight / float64(rrfK+rank+1)
	}
	for rank, sh := range keyword {
		e := upsert(sh.hit)
		e.comps.Keyword = keywordWeight / float64(rrfK+rank+1)
	}
	for rank, hit := range graph {
		e := upsert(hit)
		e.comps.Graph = graphWeight / float64(rrfK+rank+1)
	}

	entries := make([]*entry, 0, len(combined))
	for _, e := range combined {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		si := entries[i].comps.Semantic + entries[i].comps.Keyword + entries[i].comps.Graph
		sj := entries[j].comps.Semantic + entries[j].comps.Keyword + entries[j].comps.Graph
		if si != sj {
			return si > sj
		}
		return entries[i].order < entries[j].order
	})
	if topK > 0 && len(entries) > topK {
		entries = entries[:topK]
	}

	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		final := e.comps.Semantic + e.comps.Keyword + e.comps.Graph
		results = append(results, resultFromHit(e.hit, final, e.comps))
	}
	return results
}
