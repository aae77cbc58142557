package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedServer(t *testing.T, dim int, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Prompt)

		vec := make([]float64, dim)
		for i := range vec {
			vec[i] = 0.1
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	}))
}

func TestGenerateEmbedding(t *testing.T) {
	var calls int64
	srv := newEmbedServer(t, Dimensions, &calls)
	defer srv.Close()

	Initialize(Config{BaseURL: srv.URL})
	svc := Get()

	vec, err := svc.GenerateEmbedding(context.Background(), "what is quantum computing", "")
	require.NoError(t, err)
	assert.Len(t, vec, Dimensions)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestGenerateEmbeddingCached(t *testing.T) {
	var calls int64
	srv := newEmbedServer(t, Dimensions, &calls)
	defer srv.Close()

	Initialize(Config{BaseURL: srv.URL})
	svc := Get()

	_, err := svc.GenerateEmbedding(context.Background(), "same text", "")
	require.NoError(t, err)
	_, err = svc.GenerateEmbedding(context.Background(), "same text", "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second call should hit the cache")
}

func TestGenerateEmbeddingWrongDimension(t *testing.T) {
	var calls int64
	srv := newEmbedServer(t, 128, &calls)
	defer srv.Close()

	Initialize(Config{BaseURL: srv.URL})

	_, err := Get().GenerateEmbedding(context.Background(), "text", "")
	assert.Error(t, err)
}

func TestLocalLRUEviction(t *testing.T) {
	lru := NewLocalLRU(2)
	lru.Set("a", []float32{1}, time.Minute)
	lru.Set("b", []float32{2}, time.Minute)
	lru.Set("c", []float32{3}, time.Minute)

	_, ok := lru.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = lru.Get("c")
	assert.True(t, ok)
}
