// Package retrieval implements hybrid search over workspace documents:
// semantic nearest-neighbor, lexical term matching, and citation-graph
// expansion, fused with reciprocal rank fusion.
package retrieval

import (
	"time"

	"github.com/google/uuid"

	"github.com/docifyhq/engine/internal/db"
)

// SourceInfo locates a result inside its resource.
type SourceInfo struct {
	Page         *int    `json:"page"`
	SectionTitle *string `json:"section_title"`
	Type         string  `json:"type"`
}

// Components breaks a fused score into its branch contributions.
type Components struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
	Graph    float64 `json:"graph"`
}

// Result is one retrieved chunk with its fused score and the resource
// fields downstream stages need.
type Result struct {
	ChunkID       uuid.UUID  `json:"chunk_id"`
	ResourceID    uuid.UUID  `json:"resource_id"`
	ResourceTitle string     `json:"resource_title"`
	Content       string     `json:"content"`
	Score         float64    `json:"score"`
	SourceInfo    SourceInfo `json:"source_info"`
	Components    Components `json:"search_components"`

	ResourceMetadata  db.JSONB  `json:"-"`
	ResourceTags      []string  `json:"-"`
	ResourceCreatedAt time.Time `json:"-"`
	CitationCount     int       `json:"-"`
}

func resultFromHit(hit db.ChunkHit, score float64, comps Components) Result {
	return Result{
		ChunkID:           hit.ChunkID,
		ResourceID:        hit.ResourceID,
		ResourceTitle:     hit.ResourceTitle,
		Content:           hit.Content,
		Score:             score,
		Components:        comps,
		SourceInfo:        SourceInfo{Page: hit.PageNumber, SectionTitle: hit.SectionTitle, Type: hit.ResourceType},
		ResourceMetadata:  hit.ResourceMetadata,
		ResourceTags:      []string(hit.ResourceTags),
		ResourceCreatedAt: hit.ResourceCreatedAt,
		CitationCount:     hit.CitationCount,
	}
}
