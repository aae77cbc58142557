package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Assistant message generation statuses
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Workspace groups resources and conversations
type Workspace struct {
	ID            uuid.UUID `db:"id"`
	Name          string    `db:"name"`
	WorkspaceType string    `db:"workspace_type"` // personal, team, hybrid
	Settings      JSONB     `db:"settings"`
	CreatedAt     time.Time `db:"created_at"`
}

// Resource is an ingested document
type Resource struct {
	ID           uuid.UUID `db:"id"`
	ContentHash  string    `db:"content_hash"`
	ResourceType string    `db:"resource_type"` // pdf, url, text, ...
	Title        string    `db:"title"`
	SourceURL    *string   `db:"source_url"`
	SourcePath   *string   `db:"source_path"`
	FileSize     *int64    `db:"file_size"`

	IsDuplicateOf *uuid.UUID `db:"is_duplicate_of"`

	Metadata        JSONB  `db:"resource_metadata"`
	ChunksCount     int    `db:"chunks_count"`
	EmbeddingStatus string `db:"embedding_status"`

	WorkspaceID uuid.UUID      `db:"workspace_id"`
	Tags        pq.StringArray `db:"tags"`
	Notes       *string        `db:"notes"`

	QueryCount    int `db:"query_count"`
	CitationCount int `db:"citation_count"`

	CreatedAt    time.Time `db:"created_at"`
	LastAccessed time.Time `db:"last_accessed"`
}

// Chunk is an embedded fragment of a resource
type Chunk struct {
	ID         uuid.UUID `db:"id"`
	ResourceID uuid.UUID `db:"resource_id"`
	Sequence   int       `db:"sequence"`

	Content    string `db:"content"`
	TokenCount *int   `db:"token_count"`

	SectionTitle *string `db:"section_title"`
	SectionLevel *int    `db:"section_level"`
	PageNumber   *int    `db:"page_number"`

	PreviousChunkID *uuid.UUID `db:"previous_chunk_id"`
	NextChunkID     *uuid.UUID `db:"next_chunk_id"`

	Metadata JSONB `db:"chunk_metadata"`

	// 384 dimensions (all-minilm:22m)
	Embedding pgvector.Vector `db:"embedding"`

	CreatedAt time.Time `db:"created_at"`
}

// Conversation is a message thread scoped to a workspace
type Conversation struct {
	ID          uuid.UUID `db:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id"`
	Title       *string   `db:"title"`

	Topic        *string        `db:"topic"`
	Entities     pq.StringArray `db:"entities"`
	MessageCount int            `db:"message_count"`
	TokenUsage   int            `db:"token_usage"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Message is a single conversation turn. Assistant messages carry
// citation data and async generation tracking.
type Message struct {
	ID             uuid.UUID `db:"id"`
	ConversationID uuid.UUID `db:"conversation_id"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Timestamp      time.Time `db:"timestamp"`

	// Citations (assistant messages)
	Sources        pq.StringArray `db:"sources"` // resource UUIDs, scanned as text[]
	Citations      JSONB          `db:"citations"`
	TokensUsed     *int           `db:"tokens_used"`
	GenerationTime *int           `db:"generation_time"` // milliseconds
	ModelUsed      *string        `db:"model_used"`

	// Async generation tracking
	Status           string  `db:"status"`
	GenerationTaskID *string `db:"generation_task_id"`
	ErrorMessage     *string `db:"error_message"`

	GenerationParams JSONB `db:"generation_params"`
}

// ChunkHit is a chunk joined with its resource, as returned by the
// retrieval queries. Distance is populated by semantic search only.
type ChunkHit struct {
	ChunkID    uuid.UUID `db:"chunk_id"`
	ResourceID uuid.UUID `db:"resource_id"`
	Sequence   int       `db:"sequence"`
	Content    string    `db:"content"`

	SectionTitle *string `db:"section_title"`
	PageNumber   *int    `db:"page_number"`

	ResourceTitle     string         `db:"resource_title"`
	ResourceType      string         `db:"resource_type"`
	ResourceMetadata  JSONB          `db:"resource_metadata"`
	ResourceTags      pq.StringArray `db:"resource_tags"`
	ResourceCreatedAt time.Time      `db:"resource_created_at"`
	CitationCount     int            `db:"citation_count"`

	Distance float64 `db:"distance"`
}
