package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ometrics "github.com/docifyhq/engine/internal/metrics"
)

// OllamaProvider talks to a local Ollama server. Responses are streamed
// line by line so tokens can be forwarded as they arrive.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	http         *http.Client
}

// NewOllamaProvider builds an Ollama client. CPU-only hosts get a longer
// per-request timeout than GPU hosts.
func NewOllamaProvider(baseURL, defaultModel string, hasGPU bool, gpuTimeout, cpuTimeout time.Duration) *OllamaProvider {
	if gpuTimeout == 0 {
		gpuTimeout = 300 * time.Second
	}
	if cpuTimeout == 0 {
		cpuTimeout = 600 * time.Second
	}
	timeout := cpuTimeout
	if hasGPU {
		timeout = gpuTimeout
	}
	if defaultModel == "" {
		defaultModel = "mistral"
	}
	return &OllamaProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		http:         &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options"`
}

type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate streams a completion and returns the concatenated output.
func (p *OllamaProvider) Generate(ctx context.Context, prompt string, opts Options, onToken TokenSink) (string, error) {
	opts = opts.withDefaults(p.defaultModel)

	body, _ := json.Marshal(ollamaRequest{
		Model:  opts.Model,
		Prompt: prompt,
		Stream: true,
		Options: map[string]interface{}{
			"temperature": opts.Temperature,
			"top_p":       opts.TopP,
			"num_predict": opts.MaxTokens,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		ometrics.LLMRequestsTotal.WithLabelValues("ollama", "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.LLMRequestsTotal.WithLabelValues("ollama", "error").Inc()
		return "", fmt.Errorf("ollama api status %d", resp.StatusCode)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onToken != nil {
				onToken(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		ometrics.LLMRequestsTotal.WithLabelValues("ollama", "error").Inc()
		return "", fmt.Errorf("read ollama stream: %w", err)
	}

	ometrics.LLMRequestsTotal.WithLabelValues("ollama", "ok").Inc()
	return strings.TrimSpace(full.String()), nil
}
