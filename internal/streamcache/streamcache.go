// Package streamcache tracks async generation state in Redis: a status
// key, a cached final result, and a token stream that WebSocket clients
// consume by polling or pub/sub.
package streamcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/db"
)

// Entries expire an hour after the generation finishes.
const TTL = time.Hour

// ErrStaleStatus is returned when a write would move a message status
// backwards (statuses only advance pending -> streaming -> terminal).
var ErrStaleStatus = errors.New("status transition would regress")

var statusRank = map[string]int{
	db.StatusPending:   0,
	db.StatusStreaming: 1,
	db.StatusComplete:  2,
	db.StatusError:     2,
}

// ResultMetrics is the usage summary cached with a finished result.
type ResultMetrics struct {
	TokensUsed     int    `json:"tokens_used"`
	GenerationTime int    `json:"generation_time"`
	ModelUsed      string `json:"model_used"`
}

// Result is the cached outcome of a finished generation.
type Result struct {
	Status    string                 `json:"status"`
	Content   string                 `json:"content"`
	Sources   []string               `json:"sources"`
	Citations map[string]interface{} `json:"citations"`
	Metrics   *ResultMetrics         `json:"metrics"`
	Error     string                 `json:"error,omitempty"`
}

// TokenEvent is one streamed token on the pub/sub channel.
type TokenEvent struct {
	Token   string `json:"token"`
	IsFinal bool   `json:"is_final"`
}

// Cache is the Redis-backed stream state store.
type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func New(rdb *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, logger: logger}
}

func statusKey(id uuid.UUID) string  { return fmt.Sprintf("message:%s:status", id) }
func resultKey(id uuid.UUID) string  { return fmt.Sprintf("message:%s:result", id) }
func tokensKey(id uuid.UUID) string  { return fmt.Sprintf("message:%s:tokens", id) }
func streamChan(id uuid.UUID) string { return fmt.Sprintf("message:%s:stream", id) }

// SetStatus records the message status. Writes that would move the
// status backwards are rejected with ErrStaleStatus.
func (c *Cache) SetStatus(ctx context.Context, messageID uuid.UUID, status string) error {
	current, err := c.GetStatus(ctx, messageID)
	if err != nil {
		return err
	}
	if current != "" && statusRank[status] < statusRank[current] {
		return fmt.Errorf("%w: %s -> %s", ErrStaleStatus, current, status)
	}

	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := c.rdb.Set(ctx, statusKey(messageID), body, TTL).Err(); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return nil
}

// GetStatus returns the cached status, or "" when none is recorded.
func (c *Cache) GetStatus(ctx context.Context, messageID uuid.UUID) (string, error) {
	raw, err := c.rdb.Get(ctx, statusKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading status: %w", err)
	}
	var rec struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", fmt.Errorf("decoding status: %w", err)
	}
	return rec.Status, nil
}

// SetResult caches a finished generation and advances the status key to
// the result's status.
func (c *Cache) SetResult(ctx context.Context, messageID uuid.UUID, result *Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := c.rdb.Set(ctx, resultKey(messageID), body, TTL).Err(); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	if err := c.SetStatus(ctx, messageID, result.Status); err != nil && !errors.Is(err, ErrStaleStatus) {
		return err
	}
	return nil
}

// GetResult returns the cached result, or nil when none is cached.
func (c *Cache) GetResult(ctx context.Context, messageID uuid.UUID) (*Result, error) {
	raw, err := c.rdb.Get(ctx, resultKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &result, nil
}

// PushToken appends a token to the polling list and publishes it to
// pub/sub subscribers.
func (c *Cache) PushToken(ctx context.Context, messageID uuid.UUID, token string, isFinal bool) error {
	pipe := c.rdb.Pipeline()
	pipe.RPush(ctx, tokensKey(messageID), token)
	pipe.Expire(ctx, tokensKey(messageID), TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending token: %w", err)
	}

	event, err := json.Marshal(TokenEvent{Token: token, IsFinal: isFinal})
	if err != nil {
		return fmt.Errorf("encoding token event: %w", err)
	}
	if err := c.rdb.Publish(ctx, streamChan(messageID), event).Err(); err != nil {
		// Polling clients still see the token via the list.
		c.logger.Warn("publishing token failed",
			zap.String("message_id", messageID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// Tokens returns the streamed tokens starting at offset, for polling
// clients that track how many they have already seen.
func (c *Cache) Tokens(ctx context.Context, messageID uuid.UUID, offset int64) ([]string, error) {
	tokens, err := c.rdb.LRange(ctx, tokensKey(messageID), offset, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading tokens: %w", err)
	}
	return tokens, nil
}

// Subscribe opens a pub/sub subscription on the message's token stream.
// The caller owns the returned subscription and must Close it.
func (c *Cache) Subscribe(ctx context.Context, messageID uuid.UUID) *redis.PubSub {
	return c.rdb.Subscribe(ctx, streamChan(messageID))
}

// Publisher returns a token sink bound to one message, for wiring into
// a streaming LLM provider.
func (c *Cache) Publisher(ctx context.Context, messageID uuid.UUID) func(token string) {
	return func(token string) {
		if err := c.PushToken(ctx, messageID, token, false); err != nil {
			c.logger.Warn("streaming token failed",
				zap.String("message_id", messageID.String()),
				zap.Error(err),
			)
		}
	}
}
