// Package verify extracts citations from generated answers and checks
// them against the evidence packet the model was given.
package verify

import "github.com/google/uuid"

// ExtractedCitation is a citation parsed out of the response text.
type ExtractedCitation struct {
	CitationID      int    // the N in [Source N]
	ClaimText       string // the text making the claim
	SourceReference string // the [Source N] text
	Position        int    // byte offset in the response
	IsQuote         bool
}

// VerifiedCitation is an extracted citation checked against its source.
type VerifiedCitation struct {
	CitationID   int        `json:"citation_id"`
	Claim        string     `json:"claim"`
	SourceTitle  string     `json:"source"`
	SourceType   string     `json:"source_type"`
	ChunkID      *uuid.UUID `json:"chunk_id"`
	ResourceID   *uuid.UUID `json:"resource_id"`
	Page         *int       `json:"page"`
	Section      *string    `json:"section"`
	Verified     bool       `json:"verified"`
	OverlapScore float64    `json:"overlap_score"`
	MatchingText string     `json:"matching_text,omitempty"`
	Notes        string     `json:"notes"`
}

// Result is the complete verification outcome for a response.
type Result struct {
	Citations            []VerifiedCitation `json:"citations"`
	UnverifiedClaims     []string           `json:"unverified_claims"`
	TotalClaims          int                `json:"total_claims"`
	VerifiedCount        int                `json:"verified_claims"`
	VerificationScore    float64            `json:"verification_score"`
	HasHallucinations    bool               `json:"has_hallucinations"`
	HallucinationDetails []string           `json:"hallucination_details"`
	Warnings             []string           `json:"warnings"`
}
