// Package httpapi is the HTTP and WebSocket front door: message
// submission (async accept), status polling, sync generation,
// regeneration, search, and token streaming.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/generation"
	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/queue"
	"github.com/docifyhq/engine/internal/retrieval"
	"github.com/docifyhq/engine/internal/streamcache"
)

// MaxQueryLength bounds the submitted query size.
const MaxQueryLength = 2000

// Store is the subset of db.Store the API needs.
type Store interface {
	GetWorkspace(ctx context.Context, id uuid.UUID) (*db.Workspace, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]db.Message, error)
	CreateMessage(ctx context.Context, m *db.Message) error
	SetMessageTask(ctx context.Context, id uuid.UUID, taskID string) error
	BumpConversationStats(ctx context.Context, conversationID uuid.UUID, messageDelta, tokenDelta int) error
}

// Engine runs and re-runs the generation pipeline.
type Engine interface {
	Generate(ctx context.Context, p generation.Params, onToken llm.TokenSink) (*generation.Answer, error)
	Regenerate(ctx context.Context, messageID uuid.UUID, p generation.Params) (*generation.Answer, error)
}

// Enqueuer submits async generation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (*queue.Job, error)
}

// Searcher exposes retrieval for the search endpoint.
type Searcher interface {
	Search(ctx context.Context, query string, workspaceID uuid.UUID, searchType string, opts retrieval.Options) ([]retrieval.Result, error)
}

// Config bounds request handling.
type Config struct {
	RateLimit rate.Limit // requests/second, default 50
	RateBurst int        // default 100
}

func (c *Config) applyDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
}

// Server handles API requests.
type Server struct {
	store    Store
	engine   Engine
	enqueuer Enqueuer
	cache    *streamcache.Cache
	searcher Searcher
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewServer(store Store, engine Engine, enqueuer Enqueuer, cache *streamcache.Cache, searcher Searcher, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Server{
		store:    store,
		engine:   engine,
		enqueuer: enqueuer,
		cache:    cache,
		searcher: searcher,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/generate", s.handleGenerate)
			r.Post("/messages/{messageID}/regenerate", s.handleRegenerate)
			r.Route("/{conversationID}/messages", func(r chi.Router) {
				r.Get("/", s.handleListMessages)
				r.Post("/", s.handleSendMessage)
				r.Get("/{messageID}/status", s.handleMessageStatus)
			})
		})
		r.Post("/workspaces/{workspaceID}/search", s.handleSearch)
	})
	r.Get("/ws/messages/{messageID}/stream", s.handleStream)

	return r
}

// rateLimit rejects requests over the global rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders {"detail": "..."} error bodies.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}
