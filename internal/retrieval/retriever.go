package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/metrics"
)

// Store is the subset of db.Store the retriever needs.
type Store interface {
	SemanticSearchChunks(ctx context.Context, workspaceID uuid.UUID, embedding pgvector.Vector, limit int) ([]db.ChunkHit, error)
	WorkspaceChunks(ctx context.Context, workspaceID uuid.UUID) ([]db.ChunkHit, error)
	WorkspaceResources(ctx context.Context, workspaceID uuid.UUID) ([]db.Resource, error)
	FirstChunks(ctx context.Context, resourceID uuid.UUID, limit int) ([]db.ChunkHit, error)
}

// Embedder produces query embeddings.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
}

// Options controls a retrieval request.
type Options struct {
	TopK           int
	QueryExpansion bool
	MaxVariants    int
}

// Retriever runs hybrid search across the three branches.
type Retriever struct {
	store    Store
	embedder Embedder
	expander *Expander
	logger   *zap.Logger
}

func NewRetriever(store Store, embedder Embedder, expander *Expander, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, embedder: embedder, expander: expander, logger: logger}
}

// variantHits carries one variant's branch outputs so concatenation stays
// in variant order regardless of goroutine completion order.
type variantHits struct {
	semantic []scoredHit
	keyword  []scoredHit
}

// HybridSearch expands the query, runs semantic and keyword search for
// each variant in parallel, expands the citation graph from semantic
// hits, and fuses everything with RRF.
func (r *Retriever) HybridSearch(ctx context.Context, query string, workspaceID uuid.UUID, opts Options) ([]Result, error) {
	start := time.Now()
	if opts.TopK <= 0 {
		opts.TopK = 20
	}
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = 4
	}

	queries := []string{query}
	if opts.QueryExpansion && r.expander != nil {
		queries = r.expander.Expand(ctx, query, opts.MaxVariants)
	}
	r.logger.Info("Searching with query variants", zap.Int("variants", len(queries)))

	perVariant := make([]variantHits, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			hits, err := r.semanticSearch(gctx, q, workspaceID, opts.TopK)
			if err != nil {
				// Degrade to the remaining branches.
				r.logger.Warn("semantic search failed", zap.String("variant", q), zap.Error(err))
			}
			perVariant[i].semantic = hits
			return nil
		})
		g.Go(func() error {
			hits, err := r.keywordSearch(gctx, q, workspaceID, opts.TopK)
			if err != nil {
				r.logger.Warn("keyword search failed", zap.String("variant", q), zap.Error(err))
			}
			perVariant[i].keyword = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var allSemantic, allKeyword []scoredHit
	var seedResources []uuid.UUID
	seenSeed := make(map[uuid.UUID]bool)
	for _, vh := range perVariant {
		allSemantic = append(allSemantic, vh.semantic...)
		allKeyword = append(allKeyword, vh.keyword...)
		for _, sh := range vh.semantic {
			if !seenSeed[sh.hit.ResourceID] {
				seenSeed[sh.hit.ResourceID] = true
				seedResources = append(seedResources, sh.hit.ResourceID)
			}
		}
	}

	graphChunks, err := r.graphSearch(ctx, seedResources, workspaceID)
	if err != nil {
		r.logger.Warn("graph search failed", zap.Error(err))
	}

	results := fuseRRF(
		dedupHits(allSemantic),
		dedupHits(allKeyword),
		dedupChunks(graphChunks),
		opts.TopK,
	)

	metrics.SearchesTotal.WithLabelValues("ok").Inc()
	metrics.SearchResults.Observe(float64(len(results)))
	r.logger.Info("Hybrid search completed",
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)),
	)
	return results, nil
}

// semanticSearch embeds the query and ranks chunks by L2 distance,
// converted to a 0-1 similarity.
func (r *Retriever) semanticSearch(ctx context.Context, query string, workspaceID uuid.UUID, topK int) ([]scoredHit, error) {
	embedding, err := r.embedder.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, err
	}
	hits, err := r.store.SemanticSearchChunks(ctx, workspaceID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, err
	}
	scored := make([]scoredHit, 0, len(hits))
	for _, hit := range hits {
		scored = append(scored, scoredHit{hit: hit, score: 1 / (1 + hit.Distance)})
	}
	return scored, nil
}

// keywordSearch counts case-insensitive term occurrences with a +2 bonus
// for chunks starting with a term, dropping zero-score chunks.
func (r *Retriever) keywordSearch(ctx context.Context, query string, workspaceID uuid.UUID, topK int) ([]scoredHit, error) {
	hits, err := r.store.WorkspaceChunks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	scored := make([]scoredHit, 0)
	for _, hit := range hits {
		contentLower := strings.ToLower(hit.Content)
		score := 0
		for _, term := range terms {
			count := strings.Count(contentLower, term)
			if count > 0 {
				score += count
				if strings.HasPrefix(contentLower, term) {
					score += 2
				}
			}
		}
		if score > 0 {
			scored = append(scored, scoredHit{hit: hit, score: float64(score)})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// graphSearch walks resource citation links one hop from the seed
// resources and returns the first chunks of each related resource.
func (r *Retriever) graphSearch(ctx context.Context, seeds []uuid.UUID, workspaceID uuid.UUID) ([]db.ChunkHit, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	resources, err := r.store.WorkspaceResources(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*db.Resource, len(resources))
	byTitle := make(map[string]*db.Resource, len(resources))
	for i := range resources {
		byID[resources[i].ID] = &resources[i]
		byTitle[resources[i].Title] = &resources[i]
	}
	seedSet := make(map[uuid.UUID]bool, len(seeds))
	for _, id := range seeds {
		seedSet[id] = true
	}

	var related []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	add := func(id uuid.UUID) {
		if !seen[id] && !seedSet[id] {
			seen[id] = true
			related = append(related, id)
		}
	}

	for _, seedID := range seeds {
		seed, ok := byID[seedID]
		if !ok {
			continue
		}
		// Documents cited by this one.
		for _, title := range metadataCitations(seed.Metadata) {
			if cited, ok := byTitle[title]; ok {
				add(cited.ID)
			}
		}
		// Documents citing this one.
		for i := range resources {
			for _, title := range metadataCitations(resources[i].Metadata) {
				if strings.Contains(title, seed.Title) {
					add(resources[i].ID)
					break
				}
			}
		}
	}

	var chunks []db.ChunkHit
	for _, id := range related {
		first, err := r.store.FirstChunks(ctx, id, 3)
		if err != nil {
			r.logger.Warn("loading graph chunks failed", zap.String("resource_id", id.String()), zap.Error(err))
			continue
		}
		chunks = append(chunks, first...)
	}
	return chunks, nil
}

func metadataCitations(metadata db.JSONB) []string {
	raw, ok := metadata["citations"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func dedupHits(hits []scoredHit) []scoredHit {
	seen := make(map[uuid.UUID]bool, len(hits))
	out := make([]scoredHit, 0, len(hits))
	for _, sh := range hits {
		if !seen[sh.hit.ChunkID] {
			seen[sh.hit.ChunkID] = true
			out = append(out, sh)
		}
	}
	return out
}

func dedupChunks(chunks []db.ChunkHit) []db.ChunkHit {
	seen := make(map[uuid.UUID]bool, len(chunks))
	out := make([]db.ChunkHit, 0, len(chunks))
	for _, c := range chunks {
		if !seen[c.ChunkID] {
			seen[c.ChunkID] = true
			out = append(out, c)
		}
	}
	return out
}
