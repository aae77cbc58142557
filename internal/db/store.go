package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store executes the queries used by the retrieval and generation pipeline.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a Store over an existing connection pool.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

const chunkHitColumns = `
	c.id AS chunk_id,
	c.resource_id AS resource_id,
	c.sequence AS sequence,
	c.content AS content,
	c.section_title AS section_title,
	c.page_number AS page_number,
	r.title AS resource_title,
	r.resource_type AS resource_type,
	r.resource_metadata AS resource_metadata,
	r.tags AS resource_tags,
	r.created_at AS resource_created_at,
	r.citation_count AS citation_count`

// SemanticSearchChunks returns the nearest chunks to the query embedding
// within a workspace, ordered by L2 distance.
func (s *Store) SemanticSearchChunks(ctx context.Context, workspaceID uuid.UUID, embedding pgvector.Vector, limit int) ([]ChunkHit, error) {
	query := `
		SELECT ` + chunkHitColumns + `,
			c.embedding <-> $2 AS distance
		FROM chunks c
		JOIN resources r ON r.id = c.resource_id
		WHERE r.workspace_id = $1 AND c.embedding IS NOT NULL
		ORDER BY distance ASC
		LIMIT $3`

	var hits []ChunkHit
	if err := s.db.SelectContext(ctx, &hits, query, workspaceID, embedding, limit); err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return hits, nil
}

// WorkspaceChunks returns every chunk in a workspace joined with its
// resource, in resource/sequence order. Used by the lexical scorer.
func (s *Store) WorkspaceChunks(ctx context.Context, workspaceID uuid.UUID) ([]ChunkHit, error) {
	query := `
		SELECT ` + chunkHitColumns + `,
			0.0 AS distance
		FROM chunks c
		JOIN resources r ON r.id = c.resource_id
		WHERE r.workspace_id = $1
		ORDER BY c.resource_id, c.sequence`

	var hits []ChunkHit
	if err := s.db.SelectContext(ctx, &hits, query, workspaceID); err != nil {
		return nil, fmt.Errorf("workspace chunks: %w", err)
	}
	return hits, nil
}

// WorkspaceResources returns all resources in a workspace.
func (s *Store) WorkspaceResources(ctx context.Context, workspaceID uuid.UUID) ([]Resource, error) {
	var resources []Resource
	query := `SELECT * FROM resources WHERE workspace_id = $1 ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &resources, query, workspaceID); err != nil {
		return nil, fmt.Errorf("workspace resources: %w", err)
	}
	return resources, nil
}

// FirstChunks returns the first chunks of a resource by sequence.
func (s *Store) FirstChunks(ctx context.Context, resourceID uuid.UUID, limit int) ([]ChunkHit, error) {
	query := `
		SELECT ` + chunkHitColumns + `,
			0.0 AS distance
		FROM chunks c
		JOIN resources r ON r.id = c.resource_id
		WHERE c.resource_id = $1
		ORDER BY c.sequence ASC
		LIMIT $2`

	var hits []ChunkHit
	if err := s.db.SelectContext(ctx, &hits, query, resourceID, limit); err != nil {
		return nil, fmt.Errorf("first chunks: %w", err)
	}
	return hits, nil
}

// RelatedResourcesByTags returns workspace resources sharing at least one
// of the given tags, excluding the listed resource ids.
func (s *Store) RelatedResourcesByTags(ctx context.Context, workspaceID uuid.UUID, tags []string, exclude []uuid.UUID, limit int) ([]Resource, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	excludeStrs := make([]string, 0, len(exclude))
	for _, id := range exclude {
		excludeStrs = append(excludeStrs, id.String())
	}
	query := `
		SELECT * FROM resources
		WHERE workspace_id = $1
		  AND tags && $2
		  AND NOT (id = ANY($3::uuid[]))
		ORDER BY citation_count DESC, created_at DESC
		LIMIT $4`

	var resources []Resource
	if err := s.db.SelectContext(ctx, &resources, query, workspaceID, pq.Array(tags), pq.Array(excludeStrs), limit); err != nil {
		return nil, fmt.Errorf("related resources by tags: %w", err)
	}
	return resources, nil
}

// GetWorkspace fetches a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	var w Workspace
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workspaces WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var c Conversation
	err := s.db.GetContext(ctx, &c, `SELECT * FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

const messageColumns = `
	id, conversation_id, role, content, timestamp,
	sources::text[] AS sources, citations, tokens_used, generation_time,
	model_used, status, generation_task_id, error_message, generation_params`

// GetMessage fetches a message by id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	var m Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	err := s.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// ListMessages returns conversation messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp ASC
		LIMIT $2 OFFSET $3`

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, conversationID, limit, offset); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// RecentMessages returns the most recent messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return messages, nil
}

// NearestEarlierUserMessage returns the user message closest before the
// given timestamp, for regeneration.
func (s *Store) NearestEarlierUserMessage(ctx context.Context, conversationID uuid.UUID, before time.Time) (*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND role = 'user' AND timestamp < $2
		ORDER BY timestamp DESC
		LIMIT 1`

	var m Message
	err := s.db.GetContext(ctx, &m, query, conversationID, before)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nearest earlier user message: %w", err)
	}
	return &m, nil
}

// CreateMessage inserts a message. Missing id and timestamp are filled in.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = StatusComplete
	}
	query := `
		INSERT INTO messages (
			id, conversation_id, role, content, timestamp,
			sources, citations, tokens_used, generation_time, model_used,
			status, generation_task_id, error_message, generation_params
		) VALUES ($1, $2, $3, $4, $5, $6::uuid[], $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.Role, m.Content, m.Timestamp,
		pq.Array([]string(m.Sources)), m.Citations, m.TokensUsed, m.GenerationTime, m.ModelUsed,
		m.Status, m.GenerationTaskID, m.ErrorMessage, m.GenerationParams,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// UpdateMessageResult writes the generation outcome onto an existing
// assistant message.
func (s *Store) UpdateMessageResult(ctx context.Context, m *Message) error {
	query := `
		UPDATE messages SET
			content = $2,
			sources = $3::uuid[],
			citations = $4,
			tokens_used = $5,
			generation_time = $6,
			model_used = $7,
			status = $8,
			error_message = $9
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query,
		m.ID, m.Content, pq.Array([]string(m.Sources)), m.Citations,
		m.TokensUsed, m.GenerationTime, m.ModelUsed, m.Status, m.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update message result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageStatus transitions an assistant message's generation status.
func (s *Store) SetMessageStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, error_message = $3 WHERE id = $1`,
		id, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("set message status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageTask records the queue job id driving an assistant message.
func (s *Store) SetMessageTask(ctx context.Context, id uuid.UUID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET generation_task_id = $2 WHERE id = $1`,
		id, taskID,
	)
	if err != nil {
		return fmt.Errorf("set message task: %w", err)
	}
	return nil
}

// BumpConversationStats adjusts message_count and token_usage and touches
// updated_at.
func (s *Store) BumpConversationStats(ctx context.Context, conversationID uuid.UUID, messageDelta, tokenDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = message_count + $2,
			token_usage = token_usage + $3,
			updated_at = NOW()
		WHERE id = $1`,
		conversationID, messageDelta, tokenDelta,
	)
	if err != nil {
		return fmt.Errorf("bump conversation stats: %w", err)
	}
	return nil
}

// IncrementCitationCounts bumps citation_count once for each resource.
func (s *Store) IncrementCitationCounts(ctx context.Context, resourceIDs []uuid.UUID) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		ids = append(ids, id.String())
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET citation_count = citation_count + 1, last_accessed = NOW()
		 WHERE id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("increment citation counts: %w", err)
	}
	return nil
}
