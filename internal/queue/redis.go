package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStream is the Redis stream signatures are published to.
	DefaultStream = "solana:transactions"
	// DefaultGroup is the consumer group workers read through.
	DefaultGroup = "indexer"

	defaultBlockTimeout = 5 * time.Second
	defaultMaxLen       = 1_000_000
)

// RedisQueue implements Publisher and Consumer on a Redis stream with a
// consumer group. Deliveries are acknowledged with XACK; anything left in
// the pending entries list is replayed to the same consumer on restart.
type RedisQueue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string

	// backlog drains this consumer's pending entries before new messages.
	backlog bool
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithStream overrides the stream key.
func WithStream(stream string) RedisOption {
	return func(q *RedisQueue) { q.stream = stream }
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) RedisOption {
	return func(q *RedisQueue) { q.group = group }
}

// NewRedisQueue creates a queue on the given stream. The consumer group is
// created if it does not exist yet; consumer names the worker within the
// group and determines which pending entries it re-reads after a restart.
func NewRedisQueue(ctx context.Context, rdb *redis.Client, consumer string, opts ...RedisOption) (*RedisQueue, error) {
	q := &RedisQueue{
		rdb:      rdb,
		stream:   DefaultStream,
		group:    DefaultGroup,
		consumer: consumer,
		backlog:  true,
	}
	for _, opt := range opts {
		opt(q)
	}

	err := rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	return q, nil
}

var _ Publisher = (*RedisQueue)(nil)
var _ Consumer = (*RedisQueue)(nil)

// Publish appends one job to the stream.
func (q *RedisQueue) Publish(ctx context.Context, job *SignatureJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal signature job: %w", err)
	}

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: defaultMaxLen,
		Approx: true,
		Values: map[string]interface{}{"job": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish signature %s: %w", job.Signature, err)
	}
	return nil
}

// Receive blocks until a job is available. The consumer's own pending
// backlog is drained first so work interrupted by a crash is retried before
// new signatures.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		id := ">"
		if q.backlog {
			id = "0"
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, id},
			Count:    1,
			Block:    defaultBlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read stream %s: %w", q.stream, err)
		}

		messages := streams[0].Messages
		if len(messages) == 0 {
			// Empty backlog read means nothing pending; switch to new
			// messages from here on.
			q.backlog = false
			continue
		}

		msg := messages[0]
		job, err := decodeJob(msg.Values)
		if err != nil {
			// A malformed entry can never be processed; drop it from the
			// pending list and move on.
			_ = q.Ack(ctx, msg.ID)
			return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
		}
		return &Delivery{ID: msg.ID, Job: *job}, nil
	}
}

// Ack removes a delivery from the pending entries list.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func decodeJob(values map[string]interface{}) (*SignatureJob, error) {
	raw, ok := values["job"]
	if !ok {
		return nil, errors.New("missing job field")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected job field type %T", raw)
	}

	var job SignatureJob
	if err := json.Unmarshal([]byte(s), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.Signature == "" {
		return nil, errors.New("empty signature")
	}
	return &job, nil
}
