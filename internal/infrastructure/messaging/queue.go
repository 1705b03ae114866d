package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// TRIGGERS
// ══════════════════════════════════════════════════════════════════════════════

// TriggerType selects the engine operation a trigger runs.
type TriggerType string

const (
	TriggerEvaluateStudent TriggerType = "evaluate_student"
	TriggerEvaluateAll     TriggerType = "evaluate_all"
)

// Trigger asks the worker to evaluate one student or everyone. Attendance
// ingestion enqueues evaluate_student after recording a mark.
type Trigger struct {
	ID         string      `json:"id"`
	Type       TriggerType `json:"type"`
	StudentID  string      `json:"studentId,omitempty"`
	BatchSize  int         `json:"batchSize,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

// StudentTrigger builds an evaluate_student trigger.
func StudentTrigger(studentID string) Trigger {
	return Trigger{ID: uuid.NewString(), Type: TriggerEvaluateStudent, StudentID: studentID, EnqueuedAt: time.Now().UTC()}
}

// BatchTrigger builds an evaluate_all trigger; batchSize <= 0 uses the
// engine default.
func BatchTrigger(batchSize int) Trigger {
	return Trigger{ID: uuid.NewString(), Type: TriggerEvaluateAll, BatchSize: batchSize, EnqueuedAt: time.Now().UTC()}
}

// Validate checks the trigger is runnable.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerEvaluateStudent:
		if strings.TrimSpace(t.StudentID) == "" {
			return shared.ErrEmptyStudentID
		}
	case TriggerEvaluateAll:
		if t.BatchSize < 0 {
			return shared.NewDomainError("trigger", "Validate", shared.ErrValueOutOfRange, "batch size must not be negative")
		}
	default:
		return shared.NewDomainError("trigger", "Validate", shared.ErrInvalidInput, fmt.Sprintf("unknown trigger type %q", t.Type))
	}
	return nil
}

// EncodeTrigger returns the JSON wire form.
func EncodeTrigger(t Trigger) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTrigger parses and validates the JSON wire form.
func DecodeTrigger(data []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return Trigger{}, shared.WrapError("trigger", "Decode", shared.ErrInvalidInput, "malformed trigger", err)
	}
	return t, t.Validate()
}

// ══════════════════════════════════════════════════════════════════════════════
// QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// Queue carries triggers from producers to the worker.
type Queue interface {
	Publish(ctx context.Context, t Trigger) error
	// Consume streams triggers until ctx ends, then closes the channel.
	Consume(ctx context.Context) (<-chan Trigger, error)
}

// InMemoryQueue is a bounded channel queue for single-process runs and tests.
type InMemoryQueue struct {
	ch chan Trigger
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a queue holding up to size pending triggers.
func NewInMemoryQueue(size int) *InMemoryQueue {
	return &InMemoryQueue{ch: make(chan Trigger, size)}
}

// Publish enqueues t, blocking while the queue is full.
func (q *InMemoryQueue) Publish(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Queue.
func (q *InMemoryQueue) Consume(ctx context.Context) (<-chan Trigger, error) {
	out := make(chan Trigger)
	go func() {
		defer close(out)
		for {
			select {
			case t := <-q.ch:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list queue: producers LPUSH, the worker BRPOPs, so
// triggers are consumed oldest first.
type RedisQueue struct {
	client  *redis.Client
	key     string
	poll    time.Duration
	backoff time.Duration
	log     zerolog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// DefaultQueueKey is the list used when no key is configured.
const DefaultQueueKey = "attendance:triggers"

// NewRedisQueue creates a queue on the list key.
func NewRedisQueue(client *redis.Client, key string, log zerolog.Logger) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{
		client:  client,
		key:     key,
		poll:    5 * time.Second,
		backoff: time.Second,
		log:     logger.Component(log, "trigger_queue"),
	}
}

// Publish implements Queue.
func (q *RedisQueue) Publish(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := EncodeTrigger(t)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue trigger: %w", err)
	}
	return nil
}

// Consume implements Queue. Malformed messages are logged and dropped; Redis
// errors are retried after a pause. A trigger popped while ctx ends is pushed
// back rather than dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Trigger, error) {
	out := make(chan Trigger)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				q.log.Warn().Err(err).Msg("trigger queue read failed")
				select {
				case <-time.After(q.backoff):
				case <-ctx.Done():
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			t, err := DecodeTrigger([]byte(res[1]))
			if err != nil {
				q.log.Error().Err(err).Str("payload", res[1]).Msg("dropping malformed trigger")
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				q.requeue(ctx, res[1])
				return
			}
		}
	}()
	return out, nil
}

// requeue puts back a trigger popped but not handed off before shutdown.
// RPUSH returns it to the consuming end, so it is the next one read.
func (q *RedisQueue) requeue(ctx context.Context, payload string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.backoff+time.Second)
	defer cancel()
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		q.log.Error().Err(err).Str("payload", payload).Msg("trigger lost on shutdown")
		return
	}
	q.log.Info().Msg("pending trigger returned to the queue")
}

// Len returns the number of pending triggers.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
