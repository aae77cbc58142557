package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/generation"
	"github.com/docifyhq/engine/internal/retrieval"
	"github.com/docifyhq/engine/internal/verify"
	"github.com/docifyhq/engine/internal/worker"
)

// GenerateMessageRequest is the body for message submission and
// one-shot generation.
type GenerateMessageRequest struct {
	Query            string     `json:"query"`
	WorkspaceID      uuid.UUID  `json:"workspace_id"`
	ConversationID   *uuid.UUID `json:"conversation_id"`
	PromptType       string     `json:"prompt_type"`
	MaxContextTokens int        `json:"max_context_tokens"`
	TopK             int        `json:"top_k"`
	LLMMaxTokens     int        `json:"llm_max_tokens"`
	Temperature      float64    `json:"temperature"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	VerifyCitations  *bool      `json:"verify_citations"`
	SaveMessage      *bool      `json:"save_message"`
}

func (req *GenerateMessageRequest) validate(w http.ResponseWriter) bool {
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return false
	}
	if len(req.Query) > MaxQueryLength {
		writeError(w, http.StatusRequestEntityTooLarge, "query exceeds maximum length")
		return false
	}
	return true
}

func (req *GenerateMessageRequest) params() generation.Params {
	return generation.Params{
		Query:            req.Query,
		WorkspaceID:      req.WorkspaceID,
		ConversationID:   req.ConversationID,
		PromptType:       req.PromptType,
		MaxContextTokens: req.MaxContextTokens,
		TopK:             req.TopK,
		LLMMaxTokens:     req.LLMMaxTokens,
		Temperature:      req.Temperature,
		Provider:         req.Provider,
		Model:            req.Model,
		SkipVerify:       req.VerifyCitations != nil && !*req.VerifyCitations,
	}
}

// RegenerateRequest carries optional parameter overrides.
type RegenerateRequest struct {
	Temperature *float64 `json:"temperature"`
	Model       *string  `json:"model"`
	Provider    *string  `json:"provider"`
}

// GeneratedMessageResponse is the generation result body. Citations is
// always an object, empty until verification has run.
type GeneratedMessageResponse struct {
	MessageID *uuid.UUID          `json:"message_id,omitempty"`
	Content   string              `json:"content"`
	Sources   []uuid.UUID         `json:"sources"`
	Citations db.JSONB            `json:"citations"`
	Metrics   *generation.Metrics `json:"metrics,omitempty"`
	Warnings  []string            `json:"warnings"`
	Status    string              `json:"status"`
}

func answerResponse(ans *generation.Answer, status string) *GeneratedMessageResponse {
	metrics := ans.Metrics
	return &GeneratedMessageResponse{
		Content:   ans.Content,
		Sources:   ans.Sources,
		Citations: citationsBody(ans.Citations),
		Metrics:   &metrics,
		Warnings:  ans.Warnings,
		Status:    status,
	}
}

// citationsBody renders verification details as a plain object.
func citationsBody(res *verify.Result) db.JSONB {
	if res == nil {
		return db.JSONB{}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return db.JSONB{}
	}
	var out db.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return db.JSONB{}
	}
	return out
}

// MessageStatusResponse is the async polling body: the full message
// record including generation results once present.
type MessageStatusResponse struct {
	MessageID        uuid.UUID `json:"message_id"`
	Status           string    `json:"status"`
	Content          string    `json:"content"`
	GenerationTaskID *string   `json:"generation_task_id"`
	Sources          []string  `json:"sources"`
	Citations        db.JSONB  `json:"citations"`
	TokensUsed       *int      `json:"tokens_used"`
	GenerationTime   *int      `json:"generation_time"`
	ModelUsed        *string   `json:"model_used"`
	ErrorMessage     *string   `json:"error_message"`
}

// MessageResponse is one message in a conversation listing.
type MessageResponse struct {
	ID         uuid.UUID `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  string    `json:"timestamp"`
	Status     string    `json:"status"`
	Sources    []string  `json:"sources"`
	TokensUsed *int      `json:"tokens_used"`
	ModelUsed  *string   `json:"model_used"`
}

// handleSendMessage accepts a user message, creates the assistant
// placeholder, and queues async generation. Responds 202 immediately.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := parseUUIDParam(r, "conversationID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req GenerateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.validate(w) {
		return
	}

	ctx := r.Context()
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.internalError(w, "loading conversation", err)
		return
	}

	userMessage := &db.Message{
		ConversationID: conversationID,
		Role:           db.RoleUser,
		Content:        req.Query,
		Status:         db.StatusComplete,
	}
	if err := s.store.CreateMessage(ctx, userMessage); err != nil {
		s.internalError(w, "creating user message", err)
		return
	}

	assistantMessage := &db.Message{
		ConversationID: conversationID,
		Role:           db.RoleAssistant,
		Status:         db.StatusPending,
		GenerationParams: db.JSONB{
			"provider":    req.Provider,
			"model":       req.Model,
			"temperature": req.Temperature,
			"max_tokens":  req.LLMMaxTokens,
			"prompt_type": req.PromptType,
		},
	}
	if err := s.store.CreateMessage(ctx, assistantMessage); err != nil {
		s.internalError(w, "creating assistant message", err)
		return
	}
	if err := s.store.BumpConversationStats(ctx, conversationID, 1, 0); err != nil {
		s.logger.Warn("updating conversation stats failed", zap.Error(err))
	}

	job, err := s.enqueuer.Enqueue(ctx, worker.JobTypeGenerate, worker.GenerationPayload{
		MessageID:        assistantMessage.ID,
		Query:            req.Query,
		WorkspaceID:      conversation.WorkspaceID,
		ConversationID:   conversationID,
		PromptType:       req.PromptType,
		MaxContextTokens: req.MaxContextTokens,
		TopK:             req.TopK,
		LLMMaxTokens:     req.LLMMaxTokens,
		Temperature:      req.Temperature,
		Provider:         req.Provider,
		Model:            req.Model,
		SkipVerify:       req.VerifyCitations != nil && !*req.VerifyCitations,
	})
	if err != nil {
		s.internalError(w, "queuing generation", err)
		return
	}

	if err := s.store.SetMessageTask(ctx, assistantMessage.ID, job.ID); err != nil {
		s.logger.Warn("recording task id failed", zap.Error(err))
	}
	if err := s.cache.SetStatus(ctx, assistantMessage.ID, db.StatusPending); err != nil {
		s.logger.Warn("caching pending status failed", zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, &GeneratedMessageResponse{
		MessageID: &assistantMessage.ID,
		Sources:   []uuid.UUID{},
		Citations: db.JSONB{},
		Status:    db.StatusPending,
		Warnings:  []string{"Response is being generated. Poll or use WebSocket to get updates."},
	})
}

// handleGenerate runs the pipeline synchronously for one-off queries.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.validate(w) {
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetWorkspace(ctx, req.WorkspaceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Workspace not found")
			return
		}
		s.internalError(w, "loading workspace", err)
		return
	}

	params := req.params()
	// One-off queries persist only when tied to a conversation.
	params.Save = (req.SaveMessage == nil || *req.SaveMessage) && req.ConversationID != nil

	ans, err := s.engine.Generate(ctx, params, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error generating response: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answerResponse(ans, db.StatusComplete))
}

// handleRegenerate re-answers the query behind an existing assistant
// message and updates it in place.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	messageID, ok := parseUUIDParam(r, "messageID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		s.internalError(w, "loading message", err)
		return
	}
	if msg.Status == db.StatusPending || msg.Status == db.StatusStreaming {
		writeError(w, http.StatusConflict, "Message generation already in progress")
		return
	}

	var params generation.Params
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.Model != nil {
		params.Model = *req.Model
	}
	if req.Provider != nil {
		params.Provider = *req.Provider
	}

	ans, err := s.engine.Regenerate(ctx, messageID, params)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrNotAssistant), errors.Is(err, generation.ErrNoUserQuery), errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "Error regenerating response: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, answerResponse(ans, db.StatusComplete))
}

// handleMessageStatus returns the full message record for polling.
func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := parseUUIDParam(r, "conversationID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	messageID, ok := parseUUIDParam(r, "messageID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil || msg.ConversationID != conversationID {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			s.internalError(w, "loading message", err)
			return
		}
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}

	sources := []string(msg.Sources)
	if sources == nil {
		sources = []string{}
	}
	citations := msg.Citations
	if citations == nil {
		citations = db.JSONB{}
	}
	writeJSON(w, http.StatusOK, &MessageStatusResponse{
		MessageID:        msg.ID,
		Status:           msg.Status,
		Content:          msg.Content,
		GenerationTaskID: msg.GenerationTaskID,
		Sources:          sources,
		Citations:        citations,
		TokensUsed:       msg.TokensUsed,
		GenerationTime:   msg.GenerationTime,
		ModelUsed:        msg.ModelUsed,
		ErrorMessage:     msg.ErrorMessage,
	})
}

// handleListMessages returns a conversation's messages oldest first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := parseUUIDParam(r, "conversationID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.internalError(w, "loading conversation", err)
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "skip", 0)

	msgs, err := s.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		s.internalError(w, "listing messages", err)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		sources := []string(m.Sources)
		if sources == nil {
			sources = []string{}
		}
		out = append(out, MessageResponse{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			Timestamp:  m.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Status:     m.Status,
			Sources:    sources,
			TokensUsed: m.TokensUsed,
			ModelUsed:  m.ModelUsed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// SearchRequest is the body for workspace search.
type SearchRequest struct {
	Query      string `json:"query"`
	SearchType string `json:"search_type"`
	TopK       int    `json:"top_k"`
}

// handleSearch runs retrieval without generation.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := parseUUIDParam(r, "workspaceID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := s.searcher.Search(r.Context(), req.Query, workspaceID, req.SearchType, retrieval.Options{
		TopK:           req.TopK,
		QueryExpansion: true,
	})
	if err != nil {
		s.internalError(w, "searching workspace", err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.logger.Error(action+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
