package assembly

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/rerank"
	"github.com/docifyhq/engine/internal/util"
)

// Token budget split and accounting.
const (
	DefaultMaxTokens = 2000

	primaryBudgetRatio    = 0.6
	supportingBudgetRatio = 0.3

	charsPerToken  = 4
	metadataTokens = 200 // reserved per window for structure

	primaryThreshold = 0.7
	maxRelatedDocs   = 10
)

// Store is the subset of db.Store the assembler needs.
type Store interface {
	RelatedResourcesByTags(ctx context.Context, workspaceID uuid.UUID, tags []string, exclude []uuid.UUID, limit int) ([]db.Resource, error)
}

// Options controls context assembly.
type Options struct {
	MaxTokens      int
	IncludeRelated bool
	Deduplicate    bool
}

// Assembler builds evidence packets from reranked results.
type Assembler struct {
	store  Store
	logger *zap.Logger
}

func NewAssembler(store Store, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: store, logger: logger}
}

// Assemble deduplicates results, splits them into primary and supporting
// strata, fills the token budgets, and attaches document metadata,
// related documents, and a conflict summary.
func (a *Assembler) Assemble(ctx context.Context, results []rerank.Result, workspaceID uuid.UUID, opts Options) *EvidencePacket {
	packet := &EvidencePacket{}
	if len(results) == 0 {
		a.logger.Warn("No results to assemble context from")
		return packet
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	a.logger.Info("Assembling context",
		zap.Int("results", len(results)),
		zap.Int("max_tokens", opts.MaxTokens),
	)

	if opts.Deduplicate {
		results = deduplicateResults(results)
	}

	primary, supporting := categorizeResults(results)

	primaryBudget := int(float64(opts.MaxTokens) * primaryBudgetRatio)
	supportingBudget := int(float64(opts.MaxTokens) * supportingBudgetRatio)

	packet.PrimaryChunks = fillContextWindow(primary, primaryBudget)
	packet.SupportingChunks = fillContextWindow(supporting, supportingBudget)
	packet.DocumentMetadata = extractDocumentMetadata(results)

	if opts.IncludeRelated {
		packet.RelatedDocuments = a.findRelatedDocuments(ctx, results, workspaceID)
	}

	if pairs := extractConflictPairs(results); len(pairs) > 0 {
		packet.HasConflicts = true
		packet.ConflictSummary = summarizeConflicts(pairs)
	}

	for _, c := range packet.Sources() {
		packet.TotalTokens += c.TokenCount
	}
	// Headers and source framing cost tokens too.
	packet.TotalTokens += metadataTokens
	seen := make(map[uuid.UUID]bool)
	for _, c := range packet.Sources() {
		seen[c.ResourceID] = true
	}
	packet.SourceCount = len(seen)

	a.logger.Info("Context assembled",
		zap.Int("primary", len(packet.PrimaryChunks)),
		zap.Int("supporting", len(packet.SupportingChunks)),
		zap.Int("tokens", packet.TotalTokens),
	)
	return packet
}

// deduplicateResults drops results whose normalized 200-char prefix was
// already seen.
func deduplicateResults(results []rerank.Result) []rerank.Result {
	if len(results) <= 1 {
		return results
	}
	seen := make(map[string]bool, len(results))
	out := make([]rerank.Result, 0, len(results))
	for _, r := range results {
		sig := r.Content
		if len(sig) > 200 {
			sig = sig[:200]
		}
		sig = strings.TrimSpace(strings.ToLower(sig))
		if !seen[sig] {
			seen[sig] = true
			out = append(out, r)
		}
	}
	return out
}

// categorizeResults splits results into primary (top third by score, or
// anything at or above the threshold) and supporting.
func categorizeResults(results []rerank.Result) (primary, supporting []rerank.Result) {
	if len(results) == 0 {
		return nil, nil
	}
	sorted := make([]rerank.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FinalScore > sorted[j].FinalScore })

	primaryCount := len(sorted) / 3
	if primaryCount < 1 {
		primaryCount = 1
	}
	for i, r := range sorted {
		if i < primaryCount || r.FinalScore >= primaryThreshold {
			primary = append(primary, r)
		} else {
			supporting = append(supporting, r)
		}
	}
	return primary, supporting
}

// fillContextWindow admits chunks until the budget (less the metadata
// reserve) runs out. The first chunk that does not fit is truncated to
// the remaining space when at least 100 tokens remain, then the window
// closes.
func fillContextWindow(results []rerank.Result, maxTokens int) []ContextChunk {
	usedTokens := 0
	available := func() int { return maxTokens - usedTokens - metadataTokens }

	var chunks []ContextChunk
	for _, r := range results {
		tokenCount := util.EstimateTokens(r.Content)
		chunk := ContextChunk{
			ChunkID:    r.ChunkID,
			ResourceID: r.ResourceID,
			Title:      r.ResourceTitle,
			Type:       chunkType(r),
			Content:    r.Content,
			Score:      r.FinalScore,
			TokenCount: tokenCount,
			Section:    r.SourceInfo.SectionTitle,
			Page:       r.SourceInfo.Page,
		}

		if tokenCount <= available() {
			chunks = append(chunks, chunk)
			usedTokens += tokenCount
			continue
		}

		if avail := available(); avail > 100 {
			chunk.Content = r.Content[:min(len(r.Content), avail*charsPerToken)] + "..."
			chunk.TokenCount = avail
			chunk.Truncated = true
			chunks = append(chunks, chunk)
		}
		break
	}
	return chunks
}

func chunkType(r rerank.Result) string {
	if r.SourceInfo.Type != "" {
		return r.SourceInfo.Type
	}
	return "document"
}

// extractDocumentMetadata summarizes each distinct resource in the
// results, in first-seen order.
func extractDocumentMetadata(results []rerank.Result) []DocumentMeta {
	chunksPer := make(map[uuid.UUID]int)
	for _, r := range results {
		chunksPer[r.ResourceID]++
	}

	var metadata []DocumentMeta
	seen := make(map[uuid.UUID]bool)
	for _, r := range results {
		if seen[r.ResourceID] {
			continue
		}
		seen[r.ResourceID] = true
		meta := DocumentMeta{
			ResourceID:      r.ResourceID,
			Title:           r.ResourceTitle,
			Type:            chunkType(r),
			Tags:            r.ResourceTags,
			ChunksInContext: chunksPer[r.ResourceID],
		}
		if !r.ResourceCreatedAt.IsZero() {
			created := r.ResourceCreatedAt
			meta.CreatedAt = &created
		}
		metadata = append(metadata, meta)
	}
	return metadata
}

// findRelatedDocuments looks up workspace resources sharing tags with the
// result resources, excluding the results themselves.
func (a *Assembler) findRelatedDocuments(ctx context.Context, results []rerank.Result, workspaceID uuid.UUID) []RelatedDocument {
	var exclude []uuid.UUID
	seenRes := make(map[uuid.UUID]bool)
	tagSet := make(map[string]bool)
	for _, r := range results {
		if !seenRes[r.ResourceID] {
			seenRes[r.ResourceID] = true
			exclude = append(exclude, r.ResourceID)
		}
		for _, tag := range r.ResourceTags {
			tagSet[tag] = true
		}
	}
	if len(tagSet) == 0 || a.store == nil {
		return nil
	}
	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	resources, err := a.store.RelatedResourcesByTags(ctx, workspaceID, tags, exclude, 5)
	if err != nil {
		a.logger.Warn("related document lookup failed", zap.Error(err))
		return nil
	}

	var related []RelatedDocument
	for _, res := range resources {
		related = append(related, RelatedDocument{
			ResourceID:   res.ID,
			Title:        res.Title,
			Type:         res.ResourceType,
			Relationship: "shared_tags",
		})
		if len(related) == maxRelatedDocs {
			break
		}
	}
	return related
}

type conflictPair struct {
	a, b rerank.Result
}

// extractConflictPairs collects conflicting result pairs, each pair once.
func extractConflictPairs(results []rerank.Result) []conflictPair {
	byChunk := make(map[uuid.UUID]rerank.Result, len(results))
	for _, r := range results {
		byChunk[r.ChunkID] = r
	}

	var pairs []conflictPair
	seen := make(map[string]bool)
	for _, r := range results {
		for _, conflictID := range r.Conflicts {
			other, ok := byChunk[conflictID]
			if !ok {
				continue
			}
			key := pairKey(r.ChunkID, conflictID)
			if !seen[key] {
				seen[key] = true
				pairs = append(pairs, conflictPair{a: r, b: other})
			}
		}
	}
	return pairs
}

func pairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as < bs {
		return as + "|" + bs
	}
	return bs + "|" + as
}

// summarizeConflicts renders up to three conflict pairs for the prompt.
func summarizeConflicts(pairs []conflictPair) string {
	var lines []string
	limit := len(pairs)
	if limit > 3 {
		limit = 3
	}
	for _, p := range pairs[:limit] {
		lines = append(lines, fmt.Sprintf("- '%s' may conflict with '%s'", p.a.ResourceTitle, p.b.ResourceTitle))
	}
	if len(pairs) > 3 {
		lines = append(lines, fmt.Sprintf("- ... and %d more potential conflicts", len(pairs)-3))
	}
	return "The following sources may contain conflicting information:\n" + strings.Join(lines, "\n")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
