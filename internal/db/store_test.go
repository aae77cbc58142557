package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewStore(sqlx.NewDb(raw, "postgres"), zap.NewNop()), mock
}

func TestGetMessageNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetMessage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageFillsDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := &Message{
		ConversationID: uuid.New(),
		Role:           RoleUser,
		Content:        "What is quantum computing?",
	}
	require.NoError(t, store.CreateMessage(context.Background(), m))

	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, StatusComplete, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMessageResultNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := &Message{ID: uuid.New(), Content: "x", Status: StatusComplete}
	err := store.UpdateMessageResult(context.Background(), m)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSemanticSearchChunksMapsRows(t *testing.T) {
	store, mock := newMockStore(t)

	chunkID := uuid.New()
	resourceID := uuid.New()
	rows := sqlmock.NewRows([]string{
		"chunk_id", "resource_id", "sequence", "content",
		"section_title", "page_number",
		"resource_title", "resource_type", "resource_metadata",
		"resource_tags", "resource_created_at", "citation_count",
		"distance",
	}).AddRow(
		chunkID, resourceID, 0, "Quantum computing uses qubits.",
		nil, nil,
		"Intro to QC", "pdf", []byte(`{"author":"A. Turing"}`),
		"{physics}", time.Now(), 3,
		0.42,
	)
	mock.ExpectQuery("SELECT(?s).*FROM chunks c").WillReturnRows(rows)

	hits, err := store.SemanticSearchChunks(context.Background(), uuid.New(), vecOf(t, 384), 20)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunkID, hits[0].ChunkID)
	assert.Equal(t, "Intro to QC", hits[0].ResourceTitle)
	assert.Equal(t, "A. Turing", hits[0].ResourceMetadata["author"])
	assert.InDelta(t, 0.42, hits[0].Distance, 1e-9)
	assert.Equal(t, []string{"physics"}, []string(hits[0].ResourceTags))
}

func TestIncrementCitationCountsEmptyNoQuery(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.IncrementCitationCounts(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpConversationStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE conversations").
		WithArgs(sqlmock.AnyArg(), 2, 150).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.BumpConversationStats(context.Background(), uuid.New(), 2, 150)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
