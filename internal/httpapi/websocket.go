package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/db"
	"github.com/docifyhq/engine/internal/metrics"
)

const (
	streamPollInterval = 500 * time.Millisecond
	streamMaxWait      = 10 * time.Minute

	// Close code sent when the target message does not exist.
	closeNotFound = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream pushes generation progress over a WebSocket: a status
// snapshot, then tokens as they arrive, then a complete or error event,
// then close. Clients send nothing.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	messageID, ok := parseUUIDParam(r, "messageID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	conversationID, err := uuid.Parse(r.URL.Query().Get("conversation_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "conversation_id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx := r.Context()
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil || msg.ConversationID != conversationID {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			s.logger.Error("loading message failed", zap.Error(err))
		}
		closeMsg := websocket.FormatCloseMessage(closeNotFound, "Message not found")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		return
	}

	// Drain client frames so pings and closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Initial snapshot.
	if err := conn.WriteJSON(map[string]interface{}{
		"type":      "status",
		"status":    msg.Status,
		"content":   msg.Content,
		"timestamp": msg.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		return
	}

	tokenCount := int64(0)
	deadline := time.Now().Add(streamMaxWait)
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		tokens, err := s.cache.Tokens(ctx, messageID, tokenCount)
		if err != nil {
			s.logger.Warn("reading stream tokens failed", zap.Error(err))
		}
		for _, token := range tokens {
			tokenCount++
			if token == "" {
				// Final marker, not a content token.
				continue
			}
			if err := conn.WriteJSON(map[string]interface{}{
				"type":        "token",
				"token":       token,
				"token_count": tokenCount,
			}); err != nil {
				return
			}
		}

		status := s.streamStatus(ctx, messageID)
		if status == db.StatusComplete {
			current, err := s.store.GetMessage(ctx, messageID)
			if err != nil {
				s.logger.Warn("loading completed message failed", zap.Error(err))
				return
			}
			s.writeCompleteEvent(conn, current)
			break
		}
		if status == db.StatusError {
			s.writeErrorEvent(ctx, conn, messageID)
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	_ = conn.WriteJSON(map[string]string{"type": "close"})
}

// streamStatus prefers the cache and falls back to the database.
func (s *Server) streamStatus(ctx context.Context, messageID uuid.UUID) string {
	if status, err := s.cache.GetStatus(ctx, messageID); err == nil && status != "" {
		return status
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return ""
	}
	return msg.Status
}

func (s *Server) writeCompleteEvent(conn *websocket.Conn, msg *db.Message) {
	sources := []string(msg.Sources)
	if sources == nil {
		sources = []string{}
	}
	citations := msg.Citations
	if citations == nil {
		citations = db.JSONB{}
	}
	_ = conn.WriteJSON(map[string]interface{}{
		"type":            "complete",
		"content":         msg.Content,
		"sources":         sources,
		"citations":       citations,
		"tokens_used":     msg.TokensUsed,
		"generation_time": msg.GenerationTime,
		"model_used":      msg.ModelUsed,
	})
}

func (s *Server) writeErrorEvent(ctx context.Context, conn *websocket.Conn, messageID uuid.UUID) {
	errText := "Unknown error occurred"
	if result, err := s.cache.GetResult(ctx, messageID); err == nil && result != nil && result.Error != "" {
		errText = result.Error
	} else if msg, err := s.store.GetMessage(ctx, messageID); err == nil && msg.ErrorMessage != nil {
		errText = *msg.ErrorMessage
	}
	_ = conn.WriteJSON(map[string]string{
		"type":  "error",
		"error": errText,
	})
}
