// Package prompt builds grounded, citation-enforced prompts from
// assembled evidence packets.
package prompt

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/assembly"
	"github.com/docifyhq/engine/internal/util"
)

const historyMaxTurns = 5

// HistoryMessage is one prior conversation turn.
type HistoryMessage struct {
	Role    string
	Content string
}

// GroundedPrompt is a complete system/user prompt pair.
type GroundedPrompt struct {
	System       string `json:"system"`
	User         string `json:"user"`
	PromptType   string `json:"prompt_type"`
	SourceCount  int    `json:"source_count"`
	HasConflicts bool   `json:"has_conflicts"`
}

// Combined returns the prompt as a single string for completion-style
// providers.
func (p *GroundedPrompt) Combined() string {
	return p.System + "\n\n" + p.User
}

// EstimateTokens approximates the prompt's token footprint.
func (p *GroundedPrompt) EstimateTokens() int {
	return (len(p.System) + len(p.User)) / 4
}

// Builder assembles prompts from evidence packets.
type Builder struct {
	logger *zap.Logger
}

func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger}
}

// Build renders a prompt of the given type. Unknown types fall back to
// qa. The conflict notice, additional instructions, and compressed
// conversation history are appended to the system prompt.
func (b *Builder) Build(query string, packet *assembly.EvidencePacket, promptType string, history []HistoryMessage, additionalInstructions string) *GroundedPrompt {
	b.logger.Info("Building prompt",
		zap.String("type", promptType),
		zap.String("query", util.TruncateString(query, 50)),
	)

	tmpl, ok := templates[promptType]
	if !ok {
		promptType = TypeQA
		tmpl = templates[TypeQA]
	}

	system := tmpl.system
	if packet.HasConflicts && packet.ConflictSummary != "" {
		system += "\n\nNOTE: Some sources may contain conflicting information. When you encounter conflicts, present both perspectives with citations."
	}
	if additionalInstructions != "" {
		system += "\n\nADDITIONAL INSTRUCTIONS:\n" + additionalInstructions
	}
	if len(history) > 0 {
		system += "\n\nPREVIOUS CONVERSATION:\n" + formatHistory(history)
	}

	user := fmt.Sprintf(tmpl.user, formatContext(packet), query)

	return &GroundedPrompt{
		System:       system,
		User:         user,
		PromptType:   promptType,
		SourceCount:  packet.SourceCount,
		HasConflicts: packet.HasConflicts,
	}
}

// BuildFollowup builds a qa prompt that carries the previous answer so
// follow-up questions stay consistent.
func (b *Builder) BuildFollowup(query string, packet *assembly.EvidencePacket, previousAnswer string, history []HistoryMessage) *GroundedPrompt {
	additional := fmt.Sprintf(`This is a follow-up question. The previous answer was:
"%s..."

If this follow-up relates to the previous answer, maintain consistency.
If it's a new topic, treat it as a fresh question using only the provided sources.`,
		head(previousAnswer, 500))

	return b.Build(query, packet, TypeQA, history, additional)
}

// BuildClarification combines the original question with the user's
// clarification into one targeted qa prompt.
func (b *Builder) BuildClarification(originalQuery, clarification string, packet *assembly.EvidencePacket) *GroundedPrompt {
	combined := fmt.Sprintf("Original question: %s\nClarification: %s", originalQuery, clarification)
	additional := `The user has provided clarification for their question.
Use both the original question and the clarification to provide a more targeted answer.`

	return b.Build(combined, packet, TypeQA, nil, additional)
}

// NoContextResponse is the canned answer used when retrieval found
// nothing relevant.
func NoContextResponse(query string) string {
	return fmt.Sprintf(`I couldn't find any relevant information in your documents to answer: "%s"

This could mean:
1. The topic isn't covered in your uploaded documents
2. The question might need to be rephrased
3. You may need to upload documents containing this information

Would you like to:
- Rephrase your question?
- Upload relevant documents?
- Ask about a different topic?`, query)
}

// LowConfidencePrefix marks answers backed by few sources.
func LowConfidencePrefix() string {
	return `**Note:** The following answer is based on limited relevant sources.
The information may be incomplete. Please verify against the cited sources.

---

`
}

// formatContext renders sources as [Source N] blocks, primary before
// supporting, with continuous 1-based numbering.
func formatContext(packet *assembly.EvidencePacket) string {
	sources := packet.Sources()
	sections := make([]string, 0, len(sources))
	for i, chunk := range sources {
		sections = append(sections, formatChunk(chunk, i+1))
	}
	return strings.Join(sections, "\n\n")
}

func formatChunk(chunk assembly.ContextChunk, index int) string {
	lines := []string{
		fmt.Sprintf("[Source %d]", index),
		"Document: " + chunk.Title,
		"Type: " + chunk.Type,
	}
	if chunk.Section != nil && *chunk.Section != "" {
		lines = append(lines, "Section: "+*chunk.Section)
	}
	if chunk.Page != nil {
		lines = append(lines, fmt.Sprintf("Page: %d", *chunk.Page))
	}
	lines = append(lines,
		fmt.Sprintf("Relevance: %.2f", chunk.Score),
		"",
		chunk.Content,
		fmt.Sprintf("[End Source %d]", index),
	)
	return strings.Join(lines, "\n")
}

// formatHistory keeps the last turns, truncating long messages.
func formatHistory(history []HistoryMessage) string {
	recent := history
	if len(recent) > historyMaxTurns*2 {
		recent = recent[len(recent)-historyMaxTurns*2:]
	}
	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		role := strings.ToUpper(msg.Role)
		if role == "" {
			role = "USER"
		}
		lines = append(lines, role+": "+truncate(msg.Content, 500))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
