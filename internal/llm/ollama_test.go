package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, tokens []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		for i, tok := range tokens {
			done := i == len(tokens)-1
			fmt.Fprintf(w, `{"response":%q,"done":%v}`+"\n", tok, done)
		}
	}))
}

func TestOllamaGenerateStreams(t *testing.T) {
	srv := newOllamaServer(t, []string{"Quantum ", "computing ", "uses qubits."})
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mistral", true, 0, 0)

	var streamed []string
	out, err := p.Generate(context.Background(), "explain", Options{}, func(tok string) {
		streamed = append(streamed, tok)
	})
	require.NoError(t, err)
	assert.Equal(t, "Quantum computing uses qubits.", out)
	assert.Equal(t, []string{"Quantum ", "computing ", "uses qubits."}, streamed)
}

func TestOllamaGenerateNilSink(t *testing.T) {
	srv := newOllamaServer(t, []string{"answer"})
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "", false, 0, 0)
	out, err := p.Generate(context.Background(), "q", Options{MaxTokens: 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

func TestOllamaGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mistral", true, 0, 0)
	_, err := p.Generate(context.Background(), "q", Options{}, nil)
	assert.Error(t, err)
}

func TestRegistryResolution(t *testing.T) {
	Initialize(Config{OllamaBaseURL: "http://localhost:11434", DefaultModel: "mistral"})
	reg := Get()

	p, err := reg.Provider("")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	_, err = reg.Provider("openai")
	assert.Error(t, err, "openai not registered without api key")

	_, err = reg.Provider("nope")
	assert.Error(t, err)
}
