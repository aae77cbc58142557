package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ometrics "github.com/docifyhq/engine/internal/metrics"
)

// OpenAIProvider calls the OpenAI chat completions API. Responses are
// buffered; onToken receives the final content once.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type openaiResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts Options, onToken TokenSink) (string, error) {
	opts = opts.withDefaults("gpt-3.5-turbo")

	body, _ := json.Marshal(openaiRequest{
		Model:       opts.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		ometrics.LLMRequestsTotal.WithLabelValues("openai", "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.LLMRequestsTotal.WithLabelValues("openai", "error").Inc()
		return "", fmt.Errorf("openai api status %d", resp.StatusCode)
	}

	var or openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(or.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	content := strings.TrimSpace(or.Choices[0].Message.Content)
	if onToken != nil && content != "" {
		onToken(content)
	}
	ometrics.LLMRequestsTotal.WithLabelValues("openai", "ok").Inc()
	return content, nil
}
