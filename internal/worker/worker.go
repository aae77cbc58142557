// Package worker consumes generation jobs from the queue, runs the
// answer pipeline, and moves the target message through its status
// lifecycle (pending -> streaming -> complete or error).
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/generation"
	"github.com/docifyhq/engine/internal/llm"
	"github.com/docifyhq/engine/internal/queue"
	"github.com/docifyhq/engine/internal/streamcache"
)

// JobTypeGenerate is the queue job type for answer generation.
const JobTypeGenerate = "generate_response"

// GenerationPayload is the job body enqueued by the API.
type GenerationPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	Query          string    `json:"query"`
	WorkspaceID    uuid.UUID `json:"workspace_id"`
	ConversationID uuid.UUID `json:"conversation_id"`

	PromptType       string  `json:"prompt_type,omitempty"`
	MaxContextTokens int     `json:"max_context_tokens,omitempty"`
	TopK             int     `json:"top_k,omitempty"`
	LLMMaxTokens     int     `json:"llm_max_tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	SkipVerify       bool    `json:"skip_verify,omitempty"`
}

// Params converts the payload into generation parameters.
func (p *GenerationPayload) Params() generation.Params {
	conversationID := p.ConversationID
	return generation.Params{
		Query:            p.Query,
		WorkspaceID:      p.WorkspaceID,
		ConversationID:   &conversationID,
		PromptType:       p.PromptType,
		MaxContextTokens: p.MaxContextTokens,
		TopK:             p.TopK,
		LLMMaxTokens:     p.LLMMaxTokens,
		Temperature:      p.Temperature,
		Provider:         p.Provider,
		Model:            p.Model,
		SkipVerify:       p.SkipVerify,
	}
}

// Generator runs the answer pipeline.
type Generator interface {
	Generate(ctx context.Context, p generation.Params, onToken llm.TokenSink) (*generation.Answer, error)
}

// Store is the subset of db.Store the worker needs.
type Store interface {
	SetMessageStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string) error
	SetMessageTask(ctx context.Context, id uuid.UUID, taskID string) error
	UpdateMessageResult(ctx context.Context, m *db.Message) error
	BumpConversationStats(ctx context.Context, conversationID uuid.UUID, messageDelta, tokenDelta int) error
	IncrementCitationCounts(ctx context.Context, resourceIDs []uuid.UUID) error
}

// Config bounds worker behavior. Zero values take defaults.
type Config struct {
	Concurrency  int           // parallel consumers, default 1
	SoftDeadline time.Duration // warn threshold, default 540s
	HardDeadline time.Duration // job context timeout, default 600s
	PollInterval time.Duration // idle poll period, default 1s
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = 540 * time.Second
	}
	if c.HardDeadline <= 0 {
		c.HardDeadline = 600 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Worker drains the generation queue.
type Worker struct {
	queue  *queue.Queue
	engine Generator
	store  Store
	cache  *streamcache.Cache
	cfg    Config
	logger *zap.Logger
}

func New(q *queue.Queue, engine Generator, store Store, cache *streamcache.Cache, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Worker{queue: q, engine: engine, store: store, cache: cache, cfg: cfg, logger: logger}
}

// Run consumes jobs until the context is cancelled. Jobs stranded by a
// previous crash of this consumer are requeued first.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.queue.RecoverOrphans(ctx); err != nil {
		w.logger.Warn("recovering orphaned jobs failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.consume(gctx) })
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn("dequeue failed", zap.Error(err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.ProcessJob(ctx, job)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ProcessJob runs one generation job to completion, retry, or permanent
// failure.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.Job) {
	var payload GenerationPayload
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("dropping undecodable job", zap.String("job_id", job.ID), zap.Error(err))
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			w.logger.Warn("acking bad job failed", zap.Error(ackErr))
		}
		return
	}

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("message_id", payload.MessageID.String()),
		zap.Int("attempt", job.Attempt),
	)
	logger.Info("Starting generation job")

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.HardDeadline)
	defer cancel()
	soft := time.AfterFunc(w.cfg.SoftDeadline, func() {
		logger.Warn("generation exceeded soft deadline", zap.Duration("soft_deadline", w.cfg.SoftDeadline))
	})
	defer soft.Stop()

	if err := w.markStreaming(jobCtx, payload.MessageID, job.ID); err != nil {
		logger.Warn("marking message streaming failed", zap.Error(err))
	}

	ans, err := w.engine.Generate(jobCtx, payload.Params(), w.cache.Publisher(jobCtx, payload.MessageID))
	if err != nil {
		w.handleFailure(ctx, job, &payload, err, logger)
		return
	}

	if err := w.finish(jobCtx, &payload, ans); err != nil {
		w.handleFailure(ctx, job, &payload, err, logger)
		return
	}

	if err := w.queue.Ack(ctx, job); err != nil {
		logger.Warn("acking job failed", zap.Error(err))
	}
	logger.Info("Generation job complete",
		zap.Int("tokens_used", ans.Metrics.TokensUsed),
		zap.Int("took_ms", ans.Metrics.TotalTimeMs),
	)
}

func (w *Worker) markStreaming(ctx context.Context, messageID uuid.UUID, jobID string) error {
	if err := w.store.SetMessageStatus(ctx, messageID, db.StatusStreaming, nil); err != nil {
		return err
	}
	if err := w.store.SetMessageTask(ctx, messageID, jobID); err != nil {
		return err
	}
	if err := w.cache.SetStatus(ctx, messageID, db.StatusStreaming); err != nil && !errors.Is(err, streamcache.ErrStaleStatus) {
		return err
	}
	return nil
}

// finish persists the answer and caches the result for streaming
// clients.
func (w *Worker) finish(ctx context.Context, payload *GenerationPayload, ans *generation.Answer) error {
	msg := &db.Message{
		ID:             payload.MessageID,
		ConversationID: payload.ConversationID,
		Status:         db.StatusComplete,
	}
	generation.ApplyAnswer(msg, ans)
	if err := w.store.UpdateMessageResult(ctx, msg); err != nil {
		return fmt.Errorf("persisting result: %w", err)
	}
	if err := w.store.BumpConversationStats(ctx, payload.ConversationID, 1, ans.Metrics.TokensUsed); err != nil {
		return fmt.Errorf("updating conversation stats: %w", err)
	}
	if err := w.store.IncrementCitationCounts(ctx, ans.Sources); err != nil {
		return fmt.Errorf("updating citation counts: %w", err)
	}

	result := &streamcache.Result{
		Status:  db.StatusComplete,
		Content: ans.Content,
		Sources: sourceStrings(ans.Sources),
		Metrics: &streamcache.ResultMetrics{
			TokensUsed:     ans.Metrics.TokensUsed,
			GenerationTime: ans.Metrics.TotalTimeMs,
			ModelUsed:      ans.Metrics.ModelUsed,
		},
	}
	if ans.Citations != nil {
		result.Citations = map[string]interface{}{
			"verified_claims":    ans.Citations.VerifiedCount,
			"total_claims":       ans.Citations.TotalClaims,
			"verification_score": ans.Citations.VerificationScore,
			"has_hallucinations": ans.Citations.HasHallucinations,
		}
	}
	if err := w.cache.SetResult(ctx, payload.MessageID, result); err != nil {
		return fmt.Errorf("caching result: %w", err)
	}
	// Final marker for streaming clients.
	if err := w.cache.PushToken(ctx, payload.MessageID, "", true); err != nil {
		w.logger.Warn("pushing final token failed", zap.Error(err))
	}
	return nil
}

// handleFailure retries the job with backoff, marking the message as
// failed only when the attempts are exhausted.
func (w *Worker) handleFailure(ctx context.Context, job *queue.Job, payload *GenerationPayload, cause error, logger *zap.Logger) {
	logger.Error("Generation job failed", zap.Error(cause))

	backoff, err := w.queue.Retry(ctx, job)
	if errors.Is(err, queue.ErrMaxAttempts) {
		w.markFailed(ctx, payload.MessageID, cause)
		return
	}
	if err != nil {
		logger.Error("requeueing job failed", zap.Error(err))
		w.markFailed(ctx, payload.MessageID, cause)
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

func (w *Worker) markFailed(ctx context.Context, messageID uuid.UUID, cause error) {
	errMsg := cause.Error()
	if err := w.store.SetMessageStatus(ctx, messageID, db.StatusError, &errMsg); err != nil {
		w.logger.Warn("marking message failed errored", zap.Error(err))
	}
	result := &streamcache.Result{Status: db.StatusError, Error: errMsg}
	if err := w.cache.SetResult(ctx, messageID, result); err != nil {
		w.logger.Warn("caching error result failed", zap.Error(err))
	}
}

func sourceStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
