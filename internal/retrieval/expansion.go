package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/llm"
)

// Expander generates alternative phrasings of a query so differently
// worded documents still match. LLM expansion with a rule-based fallback.
type Expander struct {
	registry *llm.Registry
	logger   *zap.Logger
}

func NewExpander(registry *llm.Registry, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{registry: registry, logger: logger}
}

const expansionPromptFmt = `You are a search expert. Given a user question, generate %d alternative ways
to phrase the SAME question that might catch different phrasings in documents.

IMPORTANT RULES:
1. Generate ONLY %d alternative questions
2. Each must be a valid question (ends with ?)
3. Keep them semantically similar but worded differently
4. Capture different ways the concept might be expressed
5. Return ONLY the questions, one per line
6. Do NOT number them or add explanations

Original question: "%s"

Alternative phrasings:`

// Expand returns up to maxVariants variants, the original query always
// first. Short queries are returned as-is.
func (e *Expander) Expand(ctx context.Context, query string, maxVariants int) []string {
	if maxVariants < 2 {
		return []string{query}
	}
	if len(strings.TrimSpace(query)) < 3 || len(strings.Fields(query)) < 3 {
		return []string{query}
	}

	variants, err := e.expandLLM(ctx, query, maxVariants)
	if err != nil {
		e.logger.Warn("LLM expansion failed, falling back to simple", zap.Error(err))
		return e.ExpandSimple(query, maxVariants)
	}
	return variants
}

func (e *Expander) expandLLM(ctx context.Context, query string, maxVariants int) ([]string, error) {
	provider, err := e.registry.Provider("")
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(expansionPromptFmt, maxVariants-1, maxVariants-1, query)
	response, err := provider.Generate(ctx, prompt, llm.Options{MaxTokens: 300, Temperature: 0.5}, nil)
	if err != nil {
		return nil, err
	}

	var variants []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.Contains(line, "?") {
			variants = append(variants, line)
		}
		if len(variants) == maxVariants-1 {
			break
		}
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("no valid variants generated")
	}

	all := append([]string{query}, variants...)
	if len(all) > maxVariants {
		all = all[:maxVariants]
	}
	return all, nil
}

// ExpandSimple generates variants with heuristics only: question-word
// stripping plus an "Explain" rephrasing.
func (e *Expander) ExpandSimple(query string, maxVariants int) []string {
	variants := []string{query}
	lower := strings.ToLower(query)

	if strings.HasPrefix(lower, "what is ") {
		if v := strings.TrimSpace(lower[8:]); v != "" {
			variants = append(variants, v)
		}
	}
	if strings.HasPrefix(lower, "how do ") || strings.HasPrefix(lower, "how can ") {
		parts := strings.SplitN(lower, " ", 3)
		if len(parts) > 2 {
			variants = append(variants, strings.TrimSpace(parts[2]))
		}
	}
	if strings.HasPrefix(lower, "why ") {
		if v := strings.TrimSpace(lower[4:]); v != "" {
			variants = append(variants, v)
		}
	}
	if !strings.HasPrefix(lower, "explain") {
		variants = append(variants, "Explain "+strings.TrimRight(lower, "?"))
	}

	seen := make(map[string]bool)
	unique := make([]string, 0, len(variants))
	for _, v := range variants {
		key := strings.TrimSpace(strings.Trim(strings.ToLower(v), "?"))
		if !seen[key] {
			seen[key] = true
			unique = append(unique, v)
		}
	}
	if len(unique) > maxVariants {
		unique = unique[:maxVariants]
	}
	return unique
}
