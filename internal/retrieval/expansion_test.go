package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/llm"
)

type scriptedProvider struct {
	response string
	err      error
}

func (p *scriptedProvider) Name() string { return "ollama" }

func (p *scriptedProvider) Generate(_ context.Context, _ string, _ llm.Options, onToken llm.TokenSink) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if onToken != nil {
		onToken(p.response)
	}
	return p.response, nil
}

func newTestExpander(p llm.Provider) *Expander {
	return NewExpander(llm.NewRegistry("ollama", "mistral", p), zap.NewNop())
}

func TestExpandShortQueryReturnedAsIs(t *testing.T) {
	e := newTestExpander(&scriptedProvider{})
	assert.Equal(t, []string{"qubits?"}, e.Expand(context.Background(), "qubits?", 4))
}

func TestExpandLLMVariants(t *testing.T) {
	p := &scriptedProvider{response: "What are the key results?\nnot a question line\nWhat did the study conclude?\n"}
	e := newTestExpander(p)

	variants := e.Expand(context.Background(), "What is the main finding?", 4)
	require.Len(t, variants, 3)
	assert.Equal(t, "What is the main finding?", variants[0], "original always first")
	assert.Equal(t, "What are the key results?", variants[1])
	assert.Equal(t, "What did the study conclude?", variants[2])
}

func TestExpandFallsBackOnLLMError(t *testing.T) {
	e := newTestExpander(&scriptedProvider{err: errors.New("down")})

	variants := e.Expand(context.Background(), "What is quantum computing?", 4)
	require.NotEmpty(t, variants)
	assert.Equal(t, "What is quantum computing?", variants[0])
	assert.Contains(t, variants, "quantum computing?", "question-word stripping variant")
}

func TestExpandSimpleDedup(t *testing.T) {
	e := newTestExpander(&scriptedProvider{})

	variants := e.ExpandSimple("Explain quantum computing", 4)
	assert.Equal(t, []string{"Explain quantum computing"}, variants,
		"explain-prefixed queries gain no duplicate variant")
}

func TestExpandSimpleHowCan(t *testing.T) {
	e := newTestExpander(&scriptedProvider{})

	variants := e.ExpandSimple("How can I verify results?", 4)
	assert.Contains(t, variants, "i verify results?")
}
