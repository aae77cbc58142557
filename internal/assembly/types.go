// Package assembly turns reranked search results into a token-budgeted
// evidence packet for prompting.
package assembly

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContextChunk is one chunk admitted into the context window.
type ContextChunk struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	ResourceID uuid.UUID `json:"resource_id"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
	TokenCount int       `json:"token_count"`
	Truncated  bool      `json:"truncated,omitempty"`
	Section    *string   `json:"section"`
	Page       *int      `json:"page"`
}

// DocumentMeta summarizes one resource present in the results.
type DocumentMeta struct {
	ResourceID      uuid.UUID  `json:"resource_id"`
	Title           string     `json:"title"`
	Type            string     `json:"type"`
	CreatedAt       *time.Time `json:"created_at"`
	Tags            []string   `json:"tags"`
	ChunksInContext int        `json:"chunks_in_context"`
}

// RelatedDocument points at a workspace resource related to the results
// but not among them.
type RelatedDocument struct {
	ResourceID   uuid.UUID `json:"resource_id"`
	Title        string    `json:"title"`
	Type         string    `json:"type"`
	Relationship string    `json:"relationship"`
}

// EvidencePacket is the assembled context handed to the prompt builder.
type EvidencePacket struct {
	PrimaryChunks    []ContextChunk    `json:"primary_chunks"`
	SupportingChunks []ContextChunk    `json:"supporting_chunks"`
	DocumentMetadata []DocumentMeta    `json:"document_metadata"`
	RelatedDocuments []RelatedDocument `json:"related_documents"`
	TotalTokens      int               `json:"total_tokens"`
	SourceCount      int               `json:"source_count"`
	HasConflicts     bool              `json:"has_conflicts"`
	ConflictSummary  string            `json:"conflict_summary,omitempty"`
}

// Sources returns primary then supporting chunks; the 1-based position
// in this slice is the source index used in citations.
func (p *EvidencePacket) Sources() []ContextChunk {
	out := make([]ContextChunk, 0, len(p.PrimaryChunks)+len(p.SupportingChunks))
	out = append(out, p.PrimaryChunks...)
	out = append(out, p.SupportingChunks...)
	return out
}

// FormattedContext renders the packet as a readable sectioned string,
// for debugging and API responses.
func (p *EvidencePacket) FormattedContext() string {
	var sections []string

	if len(p.PrimaryChunks) > 0 {
		sections = append(sections, "## PRIMARY SOURCES (Most Relevant)")
		for i, chunk := range p.PrimaryChunks {
			sections = append(sections,
				fmt.Sprintf("\n### Source [%d]: %s", i+1, chunk.Title),
				fmt.Sprintf("Type: %s | Relevance: %.2f", chunk.Type, chunk.Score),
				fmt.Sprintf("\n%s\n", chunk.Content),
			)
		}
	}
	if len(p.SupportingChunks) > 0 {
		sections = append(sections, "\n## SUPPORTING SOURCES (Additional Context)")
		for i, chunk := range p.SupportingChunks {
			idx := len(p.PrimaryChunks) + i + 1
			sections = append(sections,
				fmt.Sprintf("\n### Source [%d]: %s", idx, chunk.Title),
				fmt.Sprintf("Type: %s | Relevance: %.2f", chunk.Type, chunk.Score),
				fmt.Sprintf("\n%s\n", chunk.Content),
			)
		}
	}
	if len(p.RelatedDocuments) > 0 {
		sections = append(sections, "\n## RELATED DOCUMENTS (For Reference)")
		limit := len(p.RelatedDocuments)
		if limit > 5 {
			limit = 5
		}
		for _, doc := range p.RelatedDocuments[:limit] {
			sections = append(sections, fmt.Sprintf("- %s (%s)", doc.Title, doc.Type))
		}
	}
	if p.HasConflicts && p.ConflictSummary != "" {
		sections = append(sections, "\n## CONFLICT NOTICE\n"+p.ConflictSummary)
	}

	return strings.Join(sections, "\n")
}
