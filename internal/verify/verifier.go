package verify

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/assembly"
	"github.com/docifyhq/engine/internal/metrics"
	"github.com/docifyhq/engine/internal/util"
)

// Verification thresholds.
const (
	MinOverlapScore         = 0.3 // minimum overlap to consider verified
	HighConfidenceThreshold = 0.7
)

var (
	citationPattern = regexp.MustCompile(`(?i)\[Source\s*(\d+)\]`)
	quotePattern    = regexp.MustCompile(`(?i)"([^"]+)"\s*\[Source\s*(\d+)\]`)
	claimPattern    = regexp.MustCompile(`(?i)([^.!?]+[.!?])\s*\[Source\s*(\d+)(?:,\s*Source\s*(\d+))?\]`)
)

// Sentences with these markers need a citation in strict mode.
var claimIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)according to`),
	regexp.MustCompile(`(?i)research shows`),
	regexp.MustCompile(`(?i)studies indicate`),
	regexp.MustCompile(`(?i)data suggests`),
	regexp.MustCompile(`(?i)it is known that`),
	regexp.MustCompile(`(?i)evidence shows`),
	regexp.MustCompile(`(?i)results demonstrate`),
	regexp.MustCompile(`(?i)findings reveal`),
	regexp.MustCompile(`\d+%`),
	regexp.MustCompile(`\d+ percent`),
	regexp.MustCompile(`(?i)the study found`),
	regexp.MustCompile(`(?i)experiments show`),
}

// Phrasings that mean the model declined rather than answered.
var noInfoPatterns = []string{
	"i don't have",
	"i cannot find",
	"not available in",
	"no information",
	"not in the documents",
	"not covered in",
	"i couldn't find",
	"no relevant",
}

type sourceEntry struct {
	chunk assembly.ContextChunk
}

// Verifier checks generated answers against their sources.
type Verifier struct {
	logger *zap.Logger
}

func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{logger: logger}
}

// VerifyResponse extracts every citation in the response, verifies each
// against the packet's sources, and flags hallucinations: uncited
// factual claims (strict mode), references to sources that were never
// provided, and claim-making answers without any citations.
func (v *Verifier) VerifyResponse(responseText string, packet *assembly.EvidencePacket, strictMode bool) *Result {
	v.logger.Info("Verifying citations in LLM response")

	result := &Result{
		Citations:            []VerifiedCitation{},
		UnverifiedClaims:     []string{},
		HallucinationDetails: []string{},
		Warnings:             []string{},
	}

	sourceMap := buildSourceMap(packet)

	extracted := extractCitations(responseText)
	result.TotalClaims = len(extracted)
	v.logger.Info("Extracted citations", zap.Int("count", len(extracted)))

	for _, citation := range extracted {
		verified := verifyCitation(citation, sourceMap)
		result.Citations = append(result.Citations, verified)
		if verified.Verified {
			result.VerifiedCount++
		}
	}

	if strictMode {
		uncited := findUncitedClaims(responseText)
		result.UnverifiedClaims = uncited
		if len(uncited) > 0 {
			result.HasHallucinations = true
			limit := len(uncited)
			if limit > 5 {
				limit = 5
			}
			for _, claim := range uncited[:limit] {
				result.HallucinationDetails = append(result.HallucinationDetails,
					"Uncited claim: "+util.TruncateString(claim, 100))
			}
		}
	}

	if invalid := findInvalidReferences(extracted, sourceMap); len(invalid) > 0 {
		result.HasHallucinations = true
		for _, ref := range invalid {
			result.HallucinationDetails = append(result.HallucinationDetails,
				fmt.Sprintf("Invalid source reference: [Source %d]", ref))
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Response references %d sources that were not provided", len(invalid)))
	}

	if result.TotalClaims > 0 {
		result.VerificationScore = float64(result.VerifiedCount) / float64(result.TotalClaims)
	} else if responseMakesClaims(responseText) {
		result.VerificationScore = 0.0
		result.HasHallucinations = true
		result.Warnings = append(result.Warnings, "Response makes claims but has no citations")
	} else {
		// No claims to verify.
		result.VerificationScore = 1.0
	}

	lowConf := 0
	for _, c := range result.Citations {
		if c.Verified && c.OverlapScore < HighConfidenceThreshold {
			lowConf++
		}
	}
	if lowConf > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d citations have low overlap scores (may be paraphrased)", lowConf))
	}

	if result.HasHallucinations {
		metrics.HallucinationFlags.Inc()
	}
	v.logger.Info("Verification complete",
		zap.Int("verified", result.VerifiedCount),
		zap.Int("total", result.TotalClaims),
		zap.Float64("score", result.VerificationScore),
	)
	return result
}

// buildSourceMap numbers the packet's sources the same way the prompt
// builder did: primary then supporting, 1-based.
func buildSourceMap(packet *assembly.EvidencePacket) map[int]sourceEntry {
	sourceMap := make(map[int]sourceEntry)
	for i, chunk := range packet.Sources() {
		sourceMap[i+1] = sourceEntry{chunk: chunk}
	}
	return sourceMap
}

// extractCitations pulls quoted citations first, then sentence claims,
// deduplicated by position and sorted by position. A [Source N, Source M]
// citation yields one claim per source.
func extractCitations(responseText string) []ExtractedCitation {
	var citations []ExtractedCitation
	seenPositions := make(map[int]bool)

	for _, match := range quotePattern.FindAllStringSubmatchIndex(responseText, -1) {
		position := match[0]
		if seenPositions[position] {
			continue
		}
		quote := responseText[match[2]:match[3]]
		sourceNum, _ := strconv.Atoi(responseText[match[4]:match[5]])
		citations = append(citations, ExtractedCitation{
			CitationID:      sourceNum,
			ClaimText:       quote,
			SourceReference: fmt.Sprintf("[Source %d]", sourceNum),
			Position:        position,
			IsQuote:         true,
		})
		seenPositions[position] = true
	}

	for _, match := range claimPattern.FindAllStringSubmatchIndex(responseText, -1) {
		position := match[0]
		if seenPositions[position] {
			continue
		}
		claim := strings.TrimSpace(responseText[match[2]:match[3]])
		sourceNum, _ := strconv.Atoi(responseText[match[4]:match[5]])
		citations = append(citations, ExtractedCitation{
			CitationID:      sourceNum,
			ClaimText:       claim,
			SourceReference: fmt.Sprintf("[Source %d]", sourceNum),
			Position:        position,
			IsQuote:         false,
		})
		seenPositions[position] = true

		// Second source in the same citation: one claim, two sources.
		if match[6] >= 0 {
			secondNum, _ := strconv.Atoi(responseText[match[6]:match[7]])
			citations = append(citations, ExtractedCitation{
				CitationID:      secondNum,
				ClaimText:       claim,
				SourceReference: fmt.Sprintf("[Source %d]", secondNum),
				Position:        position,
				IsQuote:         false,
			})
		}
	}

	sort.SliceStable(citations, func(i, j int) bool { return citations[i].Position < citations[j].Position })
	return citations
}

func verifyCitation(citation ExtractedCitation, sourceMap map[int]sourceEntry) VerifiedCitation {
	source, ok := sourceMap[citation.CitationID]
	if !ok {
		return VerifiedCitation{
			CitationID:  citation.CitationID,
			Claim:       citation.ClaimText,
			SourceTitle: "Unknown",
			SourceType:  "unknown",
			Notes:       "Referenced source was not provided in context",
		}
	}

	overlap := calculateOverlap(citation.ClaimText, source.chunk.Content, citation.IsQuote)
	matching := findMatchingText(citation.ClaimText, source.chunk.Content)
	verified := overlap >= MinOverlapScore

	var notes string
	switch {
	case verified && overlap >= HighConfidenceThreshold:
		notes = "High confidence match"
	case verified:
		notes = "Partial match - may be paraphrased"
	default:
		notes = "Could not verify claim against source content"
	}

	chunkID := source.chunk.ChunkID
	resourceID := source.chunk.ResourceID
	return VerifiedCitation{
		CitationID:   citation.CitationID,
		Claim:        citation.ClaimText,
		SourceTitle:  source.chunk.Title,
		SourceType:   source.chunk.Type,
		ChunkID:      &chunkID,
		ResourceID:   &resourceID,
		Page:         source.chunk.Page,
		Section:      source.chunk.Section,
		Verified:     verified,
		OverlapScore: overlap,
		MatchingText: util.TruncateString(matching, 200),
		Notes:        notes,
	}
}

// calculateOverlap scores how well a claim is supported by the source.
// Quotes get 1.0 for substring presence and 0.9 when the longest common
// block covers at least 80% of the quote; paraphrases combine claim word
// coverage (60%) with key phrase matches (40%).
func calculateOverlap(claim, sourceContent string, isQuote bool) float64 {
	claimNorm := strings.TrimSpace(strings.ToLower(claim))
	sourceNorm := strings.ToLower(sourceContent)

	if isQuote {
		if strings.Contains(sourceNorm, claimNorm) {
			return 1.0
		}
		if longestCommonSubstring(claimNorm, sourceNorm) > int(float64(len(claimNorm))*0.8) {
			return 0.9
		}
	}

	claimWords := toSet(tokenize(claimNorm))
	if len(claimWords) == 0 {
		return 0.0
	}
	sourceWords := toSet(tokenize(sourceNorm))

	overlap := 0
	for w := range claimWords {
		if sourceWords[w] {
			overlap++
		}
	}
	claimCoverage := float64(overlap) / float64(len(claimWords))

	keyPhrases := extractKeyPhrases(claimNorm)
	phraseScore := 0.0
	if len(keyPhrases) > 0 {
		matches := 0
		for _, phrase := range keyPhrases {
			if strings.Contains(sourceNorm, phrase) {
				matches++
			}
		}
		phraseScore = float64(matches) / float64(len(keyPhrases))
	}

	return claimCoverage*0.6 + phraseScore*0.4
}

// findMatchingText locates the source segment that best supports the
// claim: the exact substring when present, else the best sliding window.
func findMatchingText(claim, sourceContent string) string {
	claimNorm := strings.TrimSpace(strings.ToLower(claim))
	sourceNorm := strings.ToLower(sourceContent)

	if idx := strings.Index(sourceNorm, claimNorm); idx >= 0 {
		end := idx + len(claim)
		if end > len(sourceContent) {
			end = len(sourceContent)
		}
		return sourceContent[idx:end]
	}

	claimWords := tokenize(claimNorm)
	if len(claimWords) == 0 {
		return ""
	}
	claimSet := toSet(claimWords)

	sourceWords := strings.Fields(sourceContent)
	windowSize := len(claimWords) * 2
	if windowSize > len(sourceWords) {
		windowSize = len(sourceWords)
	}

	bestMatch := ""
	bestScore := 0.0
	for i := 0; i+windowSize <= len(sourceWords); i++ {
		window := strings.Join(sourceWords[i:i+windowSize], " ")
		windowSet := toSet(tokenize(strings.ToLower(window)))
		overlap := 0
		for w := range windowSet {
			if claimSet[w] {
				overlap++
			}
		}
		score := float64(overlap) / float64(len(claimSet))
		if score > bestScore {
			bestScore = score
			bestMatch = window
		}
	}
	if bestScore > 0.3 {
		return bestMatch
	}
	return ""
}

var nonWordPattern = regexp.MustCompile(`[^\w\s]`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "must": true, "shall": true, "to": true, "of": true,
	"in": true, "for": true, "on": true, "with": true, "at": true, "by": true,
	"from": true, "as": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true,
	"between": true, "under": true, "again": true, "further": true,
	"then": true, "once": true, "and": true, "but": true, "or": true,
	"nor": true, "so": true, "yet": true, "both": true, "either": true,
	"neither": true, "not": true, "only": true, "own": true, "same": true,
	"than": true, "too": true, "very": true, "just": true, "also": true,
	"now": true, "here": true, "there": true, "when": true, "where": true,
	"why": true, "how": true, "all": true, "each": true, "every": true,
	"few": true, "more": true, "most": true, "other": true, "some": true,
	"such": true, "no": true, "any": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true,
}

// tokenize strips punctuation and drops stopwords and short words.
func tokenize(text string) []string {
	cleaned := nonWordPattern.ReplaceAllString(text, " ")
	var words []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) > 2 && !stopwords[w] {
			words = append(words, w)
		}
	}
	return words
}

// extractKeyPhrases returns the bigrams and trigrams of the tokens.
func extractKeyPhrases(text string) []string {
	words := tokenize(text)
	var phrases []string
	for i := 0; i+1 < len(words); i++ {
		phrases = append(phrases, words[i]+" "+words[i+1])
	}
	for i := 0; i+2 < len(words); i++ {
		phrases = append(phrases, words[i]+" "+words[i+1]+" "+words[i+2])
	}
	return phrases
}

// longestCommonSubstring returns the length of the longest run of bytes
// common to both strings.
func longestCommonSubstring(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}

// findUncitedClaims returns sentences that sound factual but carry no
// citation.
func findUncitedClaims(responseText string) []string {
	var uncited []string
	for _, sentence := range splitSentences(responseText) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" || citationPattern.MatchString(sentence) {
			continue
		}
		for _, indicator := range claimIndicators {
			if indicator.MatchString(sentence) {
				uncited = append(uncited, sentence)
				break
			}
		}
	}
	return uncited
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace, keeping the punctuation with the sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\t' || text[i+1] == '\n' || text[i+1] == '\r') {
				sentences = append(sentences, text[start:i+1])
				j := i + 1
				for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
					j++
				}
				start = j
				i = j - 1
			}
		}
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

func findInvalidReferences(citations []ExtractedCitation, sourceMap map[int]sourceEntry) []int {
	var invalid []int
	seen := make(map[int]bool)
	for _, c := range citations {
		if _, ok := sourceMap[c.CitationID]; !ok && !seen[c.CitationID] {
			invalid = append(invalid, c.CitationID)
			seen[c.CitationID] = true
		}
	}
	return invalid
}

// responseMakesClaims distinguishes substantive answers from short
// "no information" disclaimers.
func responseMakesClaims(responseText string) bool {
	lower := strings.ToLower(responseText)
	for _, pattern := range noInfoPatterns {
		if strings.Contains(lower, pattern) && len(responseText) < 500 {
			return false
		}
	}
	return len(responseText) > 100
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Summary renders a human-readable verification digest.
func Summary(result *Result) string {
	var status string
	switch {
	case result.VerificationScore >= 0.9:
		status = "Highly Verified"
	case result.VerificationScore >= 0.7:
		status = "Mostly Verified"
	case result.VerificationScore >= 0.5:
		status = "Partially Verified"
	default:
		status = "Low Verification"
	}

	lines := []string{
		"**Verification Status:** " + status,
		fmt.Sprintf("**Score:** %.0f%%", result.VerificationScore*100),
		fmt.Sprintf("**Citations:** %d/%d verified", result.VerifiedCount, result.TotalClaims),
	}
	if result.HasHallucinations {
		lines = append(lines, "**Potential Issues Detected**")
		limit := len(result.HallucinationDetails)
		if limit > 3 {
			limit = 3
		}
		for _, detail := range result.HallucinationDetails[:limit] {
			lines = append(lines, "  - "+detail)
		}
	}
	if len(result.Warnings) > 0 {
		lines = append(lines, "**Notes:**")
		for _, warning := range result.Warnings {
			lines = append(lines, "  - "+warning)
		}
	}
	return strings.Join(lines, "\n")
}
