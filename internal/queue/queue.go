// Package queue implements an at-least-once job queue on Redis lists.
// Producers push onto a pending list; consumers move jobs into a
// per-consumer processing list and remove them only after completion,
// so jobs survive consumer crashes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docifyhq/engine/internal/metrics"
)

// MaxAttempts bounds delivery attempts per job.
const MaxAttempts = 3

var (
	// ErrMaxAttempts is returned by Retry when the job is out of attempts.
	ErrMaxAttempts = errors.New("job exhausted its delivery attempts")
)

// Job is one queued unit of work. Attempt counts deliveries so far,
// starting at 0.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// raw is the exact list entry, needed for LRem acknowledgement.
	raw string
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Queue is a named Redis list queue bound to one consumer identity.
type Queue struct {
	rdb      *redis.Client
	name     string
	consumer string
	logger   *zap.Logger
}

func New(rdb *redis.Client, name, consumer string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{rdb: rdb, name: name, consumer: consumer, logger: logger}
}

func (q *Queue) pendingKey() string { return fmt.Sprintf("queue:%s:pending", q.name) }

func (q *Queue) processingKey() string {
	return fmt.Sprintf("queue:%s:processing:%s", q.name, q.consumer)
}

// Enqueue pushes a new job carrying the JSON-encoded payload.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.push(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Info("Job enqueued",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
	)
	return job, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return fmt.Errorf("pushing job: %w", err)
	}
	q.observeDepth(ctx)
	return nil
}

// Dequeue moves the oldest pending job into the processing list and
// returns it. Returns (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.rdb.LMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Drop the malformed entry so it cannot wedge the consumer.
		q.rdb.LRem(ctx, q.processingKey(), 1, raw)
		metrics.JobsTotal.WithLabelValues(q.name, "malformed").Inc()
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	job.raw = raw
	q.observeDepth(ctx)
	return &job, nil
}

// Ack removes a completed job from the processing list.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("acking job: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(q.name, "completed").Inc()
	return nil
}

// Retry removes the job from the processing list and requeues it with
// the attempt counter bumped, returning the backoff the caller should
// wait before the next delivery (2^attempt seconds). Returns
// ErrMaxAttempts once the job is out of attempts; the job is dropped.
func (q *Queue) Retry(ctx context.Context, job *Job) (time.Duration, error) {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, job.raw).Err(); err != nil {
		return 0, fmt.Errorf("removing job for retry: %w", err)
	}

	if job.Attempt+1 >= MaxAttempts {
		metrics.JobsTotal.WithLabelValues(q.name, "failed").Inc()
		q.logger.Error("Job failed permanently",
			zap.String("queue", q.name),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt+1),
		)
		return 0, ErrMaxAttempts
	}

	backoff := time.Duration(1<<uint(job.Attempt)) * time.Second
	job.Attempt++
	if err := q.push(ctx, job); err != nil {
		return 0, err
	}
	metrics.JobsTotal.WithLabelValues(q.name, "retried").Inc()
	q.logger.Warn("Job requeued",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("backoff", backoff),
	)
	return backoff, nil
}

// RecoverOrphans moves jobs stranded in this consumer's processing list
// back to pending. Called on startup so a crashed consumer's jobs are
// redelivered.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recovering orphaned jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("Recovered orphaned jobs", zap.String("queue", q.name), zap.Int("count", moved))
	}
	q.observeDepth(ctx)
	return moved, nil
}

// Depth returns the pending list length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) observeDepth(ctx context.Context) {
	if n, err := q.Depth(ctx); err == nil {
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(n))
	}
}
