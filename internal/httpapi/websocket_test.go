package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/streamcache"
)

func dialStream(t *testing.T, rig *apiRig, messageID, conversationID uuid.UUID) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(rig.server.Router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/messages/" + messageID.String() + "/stream?conversation_id=" + conversationID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestStreamCompletedMessage(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	conversation := rig.seedConversation()

	tokens := 42
	genTime := 1500
	model := "mistral"
	msg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conversation.ID,
		Role:           db.RoleAssistant,
		Content:        "the full answer",
		Timestamp:      time.Now(),
		Status:         db.StatusComplete,
		Sources:        []string{uuid.NewString()},
		TokensUsed:     &tokens,
		GenerationTime: &genTime,
		ModelUsed:      &model,
	}
	rig.store.messages[msg.ID] = msg

	// Tokens already streamed, final marker included.
	require.NoError(t, rig.cache.PushToken(ctx, msg.ID, "the ", false))
	require.NoError(t, rig.cache.PushToken(ctx, msg.ID, "answer", false))
	require.NoError(t, rig.cache.PushToken(ctx, msg.ID, "", true))
	require.NoError(t, rig.cache.SetResult(ctx, msg.ID, &streamcache.Result{Status: db.StatusComplete}))

	conn := dialStream(t, rig, msg.ID, conversation.ID)

	frame := readFrame(t, conn)
	assert.Equal(t, "status", frame["type"])
	assert.Equal(t, db.StatusComplete, frame["status"])
	assert.Equal(t, "the full answer", frame["content"])

	frame = readFrame(t, conn)
	assert.Equal(t, "token", frame["type"])
	assert.Equal(t, "the ", frame["token"])
	assert.Equal(t, float64(1), frame["token_count"])

	frame = readFrame(t, conn)
	assert.Equal(t, "token", frame["type"])
	assert.Equal(t, "answer", frame["token"])

	// The empty final marker is filtered out; next comes complete.
	frame = readFrame(t, conn)
	assert.Equal(t, "complete", frame["type"])
	assert.Equal(t, "the full answer", frame["content"])
	assert.Equal(t, float64(42), frame["tokens_used"])
	assert.Equal(t, float64(1500), frame["generation_time"])
	assert.Equal(t, "mistral", frame["model_used"])

	frame = readFrame(t, conn)
	assert.Equal(t, "close", frame["type"])
}

func TestStreamFailedMessage(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	conversation := rig.seedConversation()

	errMsg := "llm unreachable"
	msg := &db.Message{
		ID:             uuid.New(),
		ConversationID: conversation.ID,
		Role:           db.RoleAssistant,
		Timestamp:      time.Now(),
		Status:         db.StatusError,
		ErrorMessage:   &errMsg,
	}
	rig.store.messages[msg.ID] = msg
	require.NoError(t, rig.cache.SetResult(ctx, msg.ID, &streamcache.Result{Status: db.StatusError, Error: errMsg}))

	conn := dialStream(t, rig, msg.ID, conversation.ID)

	frame := readFrame(t, conn)
	assert.Equal(t, "status", frame["type"])
	assert.Equal(t, db.StatusError, frame["status"])

	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "llm unreachable", frame["error"])

	frame = readFrame(t, conn)
	assert.Equal(t, "close", frame["type"])
}

func TestStreamUnknownMessageCloses(t *testing.T) {
	rig := newAPIRig(t)
	conversation := rig.seedConversation()

	conn := dialStream(t, rig, uuid.New(), conversation.ID)

	var frame map[string]interface{}
	err := conn.ReadJSON(&frame)
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, closeNotFound, closeErr.Code)
	assert.Equal(t, "Message not found", closeErr.Text)
}

func TestStreamRequiresConversationID(t *testing.T) {
	rig := newAPIRig(t)
	srv := httptest.NewServer(rig.server.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ws/messages/" + uuid.NewString() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
