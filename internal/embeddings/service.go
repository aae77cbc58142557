// Package embeddings provides query embedding generation against an
// Ollama-compatible sidecar, with an in-process cache.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ometrics "github.com/docifyhq/engine/internal/metrics"
)

// Dimensions is the fixed embedding width (all-minilm:22m).
const Dimensions = 384

// Config holds embedding service configuration
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	CacheSize    int
}

// Service provides embedding generation with caching
type Service struct {
	cfg  Config
	http *http.Client
	lru  *LocalLRU
}

// Global singleton for simple wiring
var globalSvc *Service

func Initialize(cfg Config) {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "all-minilm:22m"
	}
	if c.CacheSize == 0 {
		c.CacheSize = 2048
	}
	globalSvc = &Service{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		lru:  NewLocalLRU(c.CacheSize),
	}
}

func Get() *Service { return globalSvc }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// GenerateEmbedding returns the vector for a single text.
func (s *Service) GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}
	key := MakeKey(m, text)

	if v, ok := s.lru.Get(key); ok {
		ometrics.EmbeddingCacheHits.WithLabelValues("hit").Inc()
		return v, nil
	}
	ometrics.EmbeddingCacheHits.WithLabelValues("miss").Inc()

	url := fmt.Sprintf("%s/api/embeddings", s.cfg.BaseURL)
	buf, _ := json.Marshal(embedRequest{Model: m, Prompt: text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding http status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if len(er.Embedding) != Dimensions {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(er.Embedding), Dimensions)
	}

	out := make([]float32, len(er.Embedding))
	for i, f := range er.Embedding {
		out[i] = float32(f)
	}

	s.lru.Set(key, out, 30*time.Minute)
	return out, nil
}
