// Package generation orchestrates the full answer pipeline:
// search, rerank, context assembly, prompting, LLM call, and citation
// verification, plus message persistence and regeneration.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/assembly"
	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/metrics"
	"github.com/docifyhq/engine/internal/prompt"
	"github.com/docifyhq/engine/internal/rerank"
	"github.com/docifyhq/engine/internal/retrieval"
	"github.com/docifyhq/engine/internal/util"
	"github.com/docifyhq/engine/internal/verify"
)

// Pipeline defaults.
const (
	DefaultMaxContextTokens = 4000
	DefaultTopK             = 20
	DefaultLLMMaxTokens     = 1500
	DefaultTemperature      = 0.3

	historyMaxMessages = 10
)

var (
	ErrNotAssistant = errors.New("message is not an assistant message")
	ErrNoUserQuery  = errors.New("no user query precedes the message")
	// ErrProviderUnavailable wraps LLM call failures so callers can
	// retry or map them to an upstream-failure status.
	ErrProviderUnavailable = errors.New("llm provider unavailable")
)

// Store is the subset of db.Store the engine needs.
type Store interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]db.Message, error)
	NearestEarlierUserMessage(ctx context.Context, conversationID uuid.UUID, before time.Time) (*db.Message, error)
	CreateMessage(ctx context.Context, m *db.Message) error
	UpdateMessageResult(ctx context.Context, m *db.Message) error
	BumpConversationStats(ctx context.Context, conversationID uuid.UUID, messageDelta, tokenDelta int) error
	IncrementCitationCounts(ctx context.Context, resourceIDs []uuid.UUID) error
}

// Searcher runs retrieval over a workspace.
type Searcher interface {
	Search(ctx context.Context, query string, workspaceID uuid.UUID, searchType string, opts retrieval.Options) ([]retrieval.Result, error)
}

// Params controls one generation run. Zero values take the pipeline
// defaults; SkipVerify disables citation verification.
type Params struct {
	Query          string
	WorkspaceID    uuid.UUID
	ConversationID *uuid.UUID

	PromptType       string
	MaxContextTokens int
	TopK             int
	LLMMaxTokens     int
	Temperature      float64
	Provider         string
	Model            string
	SkipVerify       bool
	Save             bool
}

func (p *Params) applyDefaults() {
	if p.PromptType == "" {
		p.PromptType = prompt.TypeQA
	}
	if p.MaxContextTokens <= 0 {
		p.MaxContextTokens = DefaultMaxContextTokens
	}
	if p.TopK <= 0 {
		p.TopK = DefaultTopK
	}
	if p.LLMMaxTokens <= 0 {
		p.LLMMaxTokens = DefaultLLMMaxTokens
	}
	if p.Temperature <= 0 {
		p.Temperature = DefaultTemperature
	}
}

// Metrics records per-stage timings and usage for one generation.
type Metrics struct {
	SearchTimeMs       int    `json:"search_time_ms"`
	RerankTimeMs       int    `json:"rerank_time_ms"`
	ContextTimeMs      int    `json:"context_time_ms"`
	PromptTimeMs       int    `json:"prompt_time_ms"`
	LLMTimeMs          int    `json:"llm_time_ms"`
	VerificationTimeMs int    `json:"verification_time_ms"`
	TotalTimeMs        int    `json:"total_time_ms"`
	TokensUsed         int    `json:"tokens_used"`
	SourcesUsed        int    `json:"sources_used"`
	ModelUsed          string `json:"model_used"`
}

// Answer is a generated response with its provenance.
type Answer struct {
	Content   string         `json:"content"`
	Sources   []uuid.UUID    `json:"sources"`
	Citations *verify.Result `json:"citations,omitempty"`
	Metrics   Metrics        `json:"metrics"`
	Warnings  []string       `json:"warnings"`
}

// Deps wires the engine's collaborators.
type Deps struct {
	Store     Store
	Searcher  Searcher
	Reranker  *rerank.Reranker
	Assembler *assembly.Assembler
	Builder   *prompt.Builder
	Verifier  *verify.Verifier
	Registry  *llm.Registry
	Logger    *zap.Logger
}

// Engine runs the generation pipeline.
type Engine struct {
	store     Store
	searcher  Searcher
	reranker  *rerank.Reranker
	assembler *assembly.Assembler
	builder   *prompt.Builder
	verifier  *verify.Verifier
	registry  *llm.Registry
	logger    *zap.Logger
}

func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		store:     d.Store,
		searcher:  d.Searcher,
		reranker:  d.Reranker,
		assembler: d.Assembler,
		builder:   d.Builder,
		verifier:  d.Verifier,
		registry:  d.Registry,
		logger:    d.Logger,
	}
}

// Generate answers a query over a workspace. Retrieval and LLM
// failures terminate the pipeline with an error; LLM failures wrap
// ErrProviderUnavailable so the job fabric can retry them. onToken
// receives streamed tokens when the provider supports them and may be
// nil.
func (e *Engine) Generate(ctx context.Context, p Params, onToken llm.TokenSink) (*Answer, error) {
	p.applyDefaults()
	start := time.Now()
	var m Metrics
	var warnings []string

	e.logger.Info("Generating response",
		zap.String("query", util.TruncateString(p.Query, 50)),
		zap.String("workspace_id", p.WorkspaceID.String()),
	)

	t0 := time.Now()
	results, err := e.searcher.Search(ctx, p.Query, p.WorkspaceID, retrieval.TypeHybrid, retrieval.Options{
		TopK:           p.TopK,
		QueryExpansion: true,
	})
	m.SearchTimeMs = stageDone("search", t0)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("search_error").Inc()
		return nil, fmt.Errorf("searching workspace: %w", err)
	}
	e.logger.Info("Search completed", zap.Int("results", len(results)), zap.Int("took_ms", m.SearchTimeMs))

	if len(results) == 0 {
		m.TotalTimeMs = int(time.Since(start).Milliseconds())
		metrics.GenerationsTotal.WithLabelValues("no_results").Inc()
		return &Answer{
			Content:  prompt.NoContextResponse(p.Query),
			Warnings: []string{"No relevant documents found for this query"},
			Metrics:  m,
		}, nil
	}

	t0 = time.Now()
	reranked := e.reranker.Rerank(ctx, results, p.Query, true)
	m.RerankTimeMs = stageDone("rerank", t0)

	t0 = time.Now()
	packet := e.assembler.Assemble(ctx, reranked, p.WorkspaceID, assembly.Options{
		MaxTokens:      p.MaxContextTokens,
		IncludeRelated: true,
		Deduplicate:    true,
	})
	m.ContextTimeMs = stageDone("assemble", t0)
	m.SourcesUsed = packet.SourceCount

	var history []prompt.HistoryMessage
	if p.ConversationID != nil {
		history = e.conversationHistory(ctx, *p.ConversationID)
	}

	t0 = time.Now()
	grounded := e.builder.Build(p.Query, packet, p.PromptType, history, "")
	m.PromptTimeMs = stageDone("prompt", t0)

	if packet.SourceCount < 3 {
		warnings = append(warnings, "Limited sources available - answer may be incomplete")
	}

	fullPrompt := grounded.Combined()

	provider, err := e.registry.Provider(p.Provider)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("llm_error").Inc()
		return nil, fmt.Errorf("resolving llm provider: %w", err)
	}

	t0 = time.Now()
	response, err := provider.Generate(ctx, fullPrompt, llm.Options{
		Model:       p.Model,
		MaxTokens:   p.LLMMaxTokens,
		Temperature: p.Temperature,
	}, onToken)
	m.LLMTimeMs = stageDone("llm", t0)
	if err != nil {
		e.logger.Error("LLM call failed", zap.Error(err))
		metrics.GenerationsTotal.WithLabelValues("llm_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	m.ModelUsed = p.Model
	if m.ModelUsed == "" {
		m.ModelUsed = e.registry.DefaultModel()
	}
	m.TokensUsed = len(fullPrompt)/4 + len(response)/4
	metrics.TokensUsed.Observe(float64(m.TokensUsed))
	e.logger.Info("LLM responded", zap.Int("took_ms", m.LLMTimeMs), zap.Int("chars", len(response)))

	var verification *verify.Result
	if !p.SkipVerify {
		t0 = time.Now()
		verification = e.verifier.VerifyResponse(response, packet, true)
		m.VerificationTimeMs = stageDone("verify", t0)

		if verification.HasHallucinations {
			limit := len(verification.HallucinationDetails)
			if limit > 3 {
				limit = 3
			}
			warnings = append(warnings, verification.HallucinationDetails[:limit]...)
		}
		warnings = append(warnings, verification.Warnings...)
	}

	m.TotalTimeMs = int(time.Since(start).Milliseconds())

	ans := &Answer{
		Content:   response,
		Sources:   packetSources(packet),
		Citations: verification,
		Metrics:   m,
		Warnings:  warnings,
	}
	metrics.GenerationsTotal.WithLabelValues("ok").Inc()

	if p.Save && p.ConversationID != nil {
		if err := e.SaveExchange(ctx, *p.ConversationID, p.Query, ans); err != nil {
			return ans, fmt.Errorf("saving exchange: %w", err)
		}
	}
	return ans, nil
}

// SaveExchange persists the user query and the generated answer as a
// complete message pair and updates conversation and citation stats.
func (e *Engine) SaveExchange(ctx context.Context, conversationID uuid.UUID, query string, ans *Answer) error {
	user := &db.Message{
		ConversationID: conversationID,
		Role:           db.RoleUser,
		Content:        query,
		Status:         db.StatusComplete,
	}
	if err := e.store.CreateMessage(ctx, user); err != nil {
		return fmt.Errorf("creating user message: %w", err)
	}

	assistant := &db.Message{
		ConversationID: conversationID,
		Role:           db.RoleAssistant,
		Status:         db.StatusComplete,
	}
	ApplyAnswer(assistant, ans)
	if err := e.store.CreateMessage(ctx, assistant); err != nil {
		return fmt.Errorf("creating assistant message: %w", err)
	}

	if err := e.store.BumpConversationStats(ctx, conversationID, 2, ans.Metrics.TokensUsed); err != nil {
		return fmt.Errorf("updating conversation stats: %w", err)
	}
	if err := e.store.IncrementCitationCounts(ctx, ans.Sources); err != nil {
		return fmt.Errorf("updating citation counts: %w", err)
	}
	return nil
}

// Regenerate re-answers the user query that preceded an assistant
// message and updates that message in place.
func (e *Engine) Regenerate(ctx context.Context, messageID uuid.UUID, p Params) (*Answer, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if msg.Role != db.RoleAssistant {
		return nil, ErrNotAssistant
	}

	userMsg, err := e.store.NearestEarlierUserMessage(ctx, msg.ConversationID, msg.Timestamp)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoUserQuery
		}
		return nil, fmt.Errorf("loading user query: %w", err)
	}

	conv, err := e.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	p.Query = userMsg.Content
	p.WorkspaceID = conv.WorkspaceID
	conversationID := msg.ConversationID
	p.ConversationID = &conversationID
	p.Save = false

	ans, err := e.Generate(ctx, p, nil)
	if err != nil {
		return nil, err
	}

	ApplyAnswer(msg, ans)
	if err := e.store.UpdateMessageResult(ctx, msg); err != nil {
		return ans, fmt.Errorf("updating message: %w", err)
	}
	return ans, nil
}

// ApplyAnswer copies a generated answer onto an assistant message
// record.
func ApplyAnswer(msg *db.Message, ans *Answer) {
	tokens := ans.Metrics.TokensUsed
	genTime := ans.Metrics.TotalTimeMs
	model := ans.Metrics.ModelUsed

	msg.Content = ans.Content
	msg.Sources = sourceStrings(ans.Sources)
	msg.Citations = citationsJSONB(ans.Citations)
	msg.TokensUsed = &tokens
	msg.GenerationTime = &genTime
	msg.ModelUsed = &model
}

// conversationHistory loads the last messages in chronological order.
// History is auxiliary: load failures degrade to an empty history.
func (e *Engine) conversationHistory(ctx context.Context, conversationID uuid.UUID) []prompt.HistoryMessage {
	msgs, err := e.store.RecentMessages(ctx, conversationID, historyMaxMessages)
	if err != nil {
		e.logger.Warn("loading conversation history failed", zap.Error(err))
		return nil
	}
	history := make([]prompt.HistoryMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		history = append(history, prompt.HistoryMessage{Role: msgs[i].Role, Content: msgs[i].Content})
	}
	return history
}

// packetSources returns the distinct resource IDs behind the packet's
// sources, in first-seen order.
func packetSources(packet *assembly.EvidencePacket) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, c := range packet.Sources() {
		if !seen[c.ResourceID] {
			seen[c.ResourceID] = true
			out = append(out, c.ResourceID)
		}
	}
	return out
}

func sourceStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func citationsJSONB(v *verify.Result) db.JSONB {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out db.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func stageDone(stage string, start time.Time) int {
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	return int(elapsed.Milliseconds())
}
