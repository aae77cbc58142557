package generation

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/assembly"
	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/prompt"
	"github.com/docifyhq/engine/internal/rerank"
	"github.com/docifyhq/engine/internal/retrieval"
	"github.com/docifyhq/engine/internal/verify"
)

type scriptedLLM struct {
	response string
	err      error
	prompts  []string
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(ctx context.Context, promptText string, opts llm.Options, onToken llm.TokenSink) (string, error) {
	s.prompts = append(s.prompts, promptText)
	if s.err != nil {
		return "", s.err
	}
	if onToken != nil {
		onToken(s.response)
	}
	return s.response, nil
}

type fakeSearcher struct {
	results []retrieval.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, workspaceID uuid.UUID, searchType string, opts retrieval.Options) ([]retrieval.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

type fakeAssemblyStore struct{}

func (fakeAssemblyStore) RelatedResourcesByTags(ctx context.Context, workspaceID uuid.UUID, tags []string, exclude []uuid.UUID, limit int) ([]db.Resource, error) {
	return nil, nil
}

type fakeStore struct {
	conversations map[uuid.UUID]*db.Conversation
	messages      map[uuid.UUID]*db.Message
	recent        []db.Message
	recentErr     error

	created    []*db.Message
	updated    *db.Message
	bumpMsgs   int
	bumpTokens int
	cited      []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]*db.Conversation),
		messages:      make(map[uuid.UUID]*db.Message),
	}
}

func (f *fakeStore) GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]db.Message, error) {
	return f.recent, f.recentErr
}

func (f *fakeStore) NearestEarlierUserMessage(ctx context.Context, conversationID uuid.UUID, before time.Time) (*db.Message, error) {
	var best *db.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID || m.Role != db.RoleUser || !m.Timestamp.Before(before) {
			continue
		}
		if best == nil || m.Timestamp.After(best.Timestamp) {
			best = m
		}
	}
	if best == nil {
		return nil, db.ErrNotFound
	}
	return best, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, m *db.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.created = append(f.created, m)
	return nil
}

func (f *fakeStore) UpdateMessageResult(ctx context.Context, m *db.Message) error {
	f.updated = m
	return nil
}

func (f *fakeStore) BumpConversationStats(ctx context.Context, conversationID uuid.UUID, messageDelta, tokenDelta int) error {
	f.bumpMsgs += messageDelta
	f.bumpTokens += tokenDelta
	return nil
}

func (f *fakeStore) IncrementCitationCounts(ctx context.Context, resourceIDs []uuid.UUID) error {
	f.cited = append(f.cited, resourceIDs...)
	return nil
}

func searchResult(title, content string, score float64) retrieval.Result {
	return retrieval.Result{
		ChunkID:           uuid.New(),
		ResourceID:        uuid.New(),
		ResourceTitle:     title,
		Content:           content,
		Score:             score,
		SourceInfo:        retrieval.SourceInfo{Type: "pdf"},
		ResourceCreatedAt: time.Now().Add(-24 * time.Hour),
	}
}

func newTestEngine(store *fakeStore, searcher *fakeSearcher, provider *scriptedLLM) *Engine {
	return NewEngine(Deps{
		Store:     store,
		Searcher:  searcher,
		Reranker:  rerank.NewReranker(nil, zap.NewNop()),
		Assembler: assembly.NewAssembler(fakeAssemblyStore{}, zap.NewNop()),
		Builder:   prompt.NewBuilder(zap.NewNop()),
		Verifier:  verify.NewVerifier(zap.NewNop()),
		Registry:  llm.NewRegistry("scripted", "mistral", provider),
		Logger:    zap.NewNop(),
	})
}

func TestGenerateHappyPath(t *testing.T) {
	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Quantum Primer", "Quantum computers use qubits to perform computation in superposition.", 0.9),
		searchResult("Qubit Basics", "A qubit holds a superposition of zero and one at the same time.", 0.8),
		searchResult("Hardware Survey", "Superconducting circuits are the dominant qubit hardware today.", 0.7),
	}}
	provider := &scriptedLLM{response: `"use qubits to perform computation" [Source 1]`}
	engine := newTestEngine(newFakeStore(), searcher, provider)

	ans, err := engine.Generate(context.Background(), Params{
		Query:       "how do quantum computers work?",
		WorkspaceID: uuid.New(),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, provider.response, ans.Content)
	assert.Equal(t, "mistral", ans.Metrics.ModelUsed)
	assert.Greater(t, ans.Metrics.TokensUsed, 0)
	assert.Len(t, ans.Sources, 3)
	assert.Empty(t, ans.Warnings)

	require.NotNil(t, ans.Citations)
	assert.Equal(t, 1, ans.Citations.VerifiedCount)
	assert.False(t, ans.Citations.HasHallucinations)
}

func TestGenerateNoResults(t *testing.T) {
	engine := newTestEngine(newFakeStore(), &fakeSearcher{}, &scriptedLLM{response: "unused"})

	ans, err := engine.Generate(context.Background(), Params{
		Query:       "what is dark matter?",
		WorkspaceID: uuid.New(),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, prompt.NoContextResponse("what is dark matter?"), ans.Content)
	assert.Equal(t, []string{"No relevant documents found for this query"}, ans.Warnings)
	assert.Nil(t, ans.Citations)
	assert.Empty(t, ans.Sources)
}

func TestGenerateSearchError(t *testing.T) {
	engine := newTestEngine(newFakeStore(), &fakeSearcher{err: errors.New("db down")}, &scriptedLLM{})

	_, err := engine.Generate(context.Background(), Params{Query: "q", WorkspaceID: uuid.New()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestGenerateLLMFailure(t *testing.T) {
	store := newFakeStore()
	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Doc", "Some relevant content about the topic at hand.", 0.9),
	}}
	provider := &scriptedLLM{err: errors.New("connection refused")}
	engine := newTestEngine(store, searcher, provider)

	conversationID := uuid.New()
	ans, err := engine.Generate(context.Background(), Params{
		Query:          "q",
		WorkspaceID:    uuid.New(),
		ConversationID: &conversationID,
		Save:           true,
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Nil(t, ans)

	// The pipeline terminates: nothing is persisted.
	assert.Empty(t, store.created)
	assert.Nil(t, store.updated)
	assert.Equal(t, 0, store.bumpMsgs)
	assert.Empty(t, store.cited)
}

func TestGenerateLimitedSourcesWarning(t *testing.T) {
	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Only Doc", "The single available document about the subject.", 0.9),
	}}
	provider := &scriptedLLM{response: `"single available document" [Source 1]`}
	engine := newTestEngine(newFakeStore(), searcher, provider)

	ans, err := engine.Generate(context.Background(), Params{Query: "q", WorkspaceID: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Contains(t, ans.Warnings, "Limited sources available - answer may be incomplete")
}

func TestGenerateSavesExchange(t *testing.T) {
	store := newFakeStore()
	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Doc A", "Alpha content that answers the question directly.", 0.9),
		searchResult("Doc B", "Beta content with supporting detail for the answer.", 0.8),
		searchResult("Doc C", "Gamma content adding broader background material.", 0.7),
	}}
	provider := &scriptedLLM{response: `"answers the question directly" [Source 1]`}
	engine := newTestEngine(store, searcher, provider)

	conversationID := uuid.New()
	ans, err := engine.Generate(context.Background(), Params{
		Query:          "what is alpha?",
		WorkspaceID:    uuid.New(),
		ConversationID: &conversationID,
		Save:           true,
	}, nil)
	require.NoError(t, err)

	require.Len(t, store.created, 2)
	assert.Equal(t, db.RoleUser, store.created[0].Role)
	assert.Equal(t, "what is alpha?", store.created[0].Content)
	assert.Equal(t, db.RoleAssistant, store.created[1].Role)
	assert.Equal(t, ans.Content, store.created[1].Content)
	assert.Equal(t, db.StatusComplete, store.created[1].Status)
	require.NotNil(t, store.created[1].TokensUsed)
	assert.Equal(t, ans.Metrics.TokensUsed, *store.created[1].TokensUsed)
	assert.NotNil(t, store.created[1].Citations)

	assert.Equal(t, 2, store.bumpMsgs)
	assert.Equal(t, ans.Metrics.TokensUsed, store.bumpTokens)

	// One citation bump per distinct source resource.
	want := append([]uuid.UUID(nil), ans.Sources...)
	got := append([]uuid.UUID(nil), store.cited...)
	sort.Slice(want, func(i, j int) bool { return want[i].String() < want[j].String() })
	sort.Slice(got, func(i, j int) bool { return got[i].String() < got[j].String() })
	assert.Equal(t, want, got)
}

func TestGenerateIncludesHistory(t *testing.T) {
	store := newFakeStore()
	// RecentMessages returns newest first; the prompt must be
	// chronological.
	store.recent = []db.Message{
		{Role: db.RoleAssistant, Content: "previous answer"},
		{Role: db.RoleUser, Content: "previous question"},
	}
	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Doc", "Relevant content for the follow-up question.", 0.9),
	}}
	provider := &scriptedLLM{response: `"content for the follow-up" [Source 1]`}
	engine := newTestEngine(store, searcher, provider)

	conversationID := uuid.New()
	_, err := engine.Generate(context.Background(), Params{
		Query:          "and then?",
		WorkspaceID:    uuid.New(),
		ConversationID: &conversationID,
	}, nil)
	require.NoError(t, err)

	require.Len(t, provider.prompts, 1)
	sent := provider.prompts[0]
	assert.Contains(t, sent, "PREVIOUS CONVERSATION:")
	assert.Contains(t, sent, "USER: previous question\nASSISTANT: previous answer")
}

func TestGenerateHistoryFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.recentErr = errors.New("timeout")
	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Doc", "Content that still answers without history.", 0.9),
	}}
	provider := &scriptedLLM{response: `"answers without history" [Source 1]`}
	engine := newTestEngine(store, searcher, provider)

	conversationID := uuid.New()
	ans, err := engine.Generate(context.Background(), Params{
		Query:          "q",
		WorkspaceID:    uuid.New(),
		ConversationID: &conversationID,
	}, nil)
	require.NoError(t, err)
	assert.NotContains(t, provider.prompts[0], "PREVIOUS CONVERSATION:")
	assert.NotEmpty(t, ans.Content)
}

func TestRegenerateUpdatesInPlace(t *testing.T) {
	store := newFakeStore()
	conversationID := uuid.New()
	workspaceID := uuid.New()
	store.conversations[conversationID] = &db.Conversation{ID: conversationID, WorkspaceID: workspaceID}

	userMsg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           db.RoleUser,
		Content:        "what is entanglement?",
		Timestamp:      time.Now().Add(-2 * time.Minute),
	}
	assistantMsg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           db.RoleAssistant,
		Content:        "old answer",
		Timestamp:      time.Now().Add(-1 * time.Minute),
	}
	store.messages[userMsg.ID] = userMsg
	store.messages[assistantMsg.ID] = assistantMsg

	searcher := &fakeSearcher{results: []retrieval.Result{
		searchResult("Doc", "Entanglement links the states of two particles.", 0.9),
	}}
	provider := &scriptedLLM{response: `"links the states of two particles" [Source 1]`}
	engine := newTestEngine(store, searcher, provider)

	ans, err := engine.Regenerate(context.Background(), assistantMsg.ID, Params{})
	require.NoError(t, err)

	assert.Contains(t, searcher.queries, "what is entanglement?")
	require.NotNil(t, store.updated)
	assert.Equal(t, ans.Content, store.updated.Content)
	assert.Equal(t, assistantMsg.ID, store.updated.ID)
	// Regeneration updates in place, no new rows.
	assert.Empty(t, store.created)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	store := newFakeStore()
	msg := &db.Message{ID: uuid.New(), Role: db.RoleUser, Content: "q", Timestamp: time.Now()}
	store.messages[msg.ID] = msg
	engine := newTestEngine(store, &fakeSearcher{}, &scriptedLLM{})

	_, err := engine.Regenerate(context.Background(), msg.ID, Params{})
	assert.ErrorIs(t, err, ErrNotAssistant)
}

func TestRegenerateNoEarlierUserMessage(t *testing.T) {
	store := newFakeStore()
	msg := &db.Message{ID: uuid.New(), ConversationID: uuid.New(), Role: db.RoleAssistant, Timestamp: time.Now()}
	store.messages[msg.ID] = msg
	engine := newTestEngine(store, &fakeSearcher{}, &scriptedLLM{})

	_, err := engine.Regenerate(context.Background(), msg.ID, Params{})
	assert.ErrorIs(t, err, ErrNoUserQuery)
}
