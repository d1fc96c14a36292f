package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transitops/gtfs-core/logger"
)

const (
	queueKeyPrefix      = "gtfs:task:queue:"
	processingKeyPrefix = "gtfs:task:processing:"
	heartbeatKeyPrefix  = "gtfs:task:heartbeat:"
)

// RedisDispatcher pushes job envelopes onto a per-kind Redis list.
// Workers BRPopLPush from the queue into a per-worker processing list
// and refresh a heartbeat key while they own a job; the Reaper
// recovers jobs from processing lists whose heartbeat has expired.
type RedisDispatcher struct {
	rdb *redis.Client
	log logger.Logger
}

func NewRedisDispatcher(rdb *redis.Client, log logger.Logger) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb, log: log}
}

func (d *RedisDispatcher) Enqueue(ctx context.Context, job Job) (string, error) {
	data, err := job.Marshal()
	if err != nil {
		return "", err
	}

	key := queueKeyPrefix + job.Kind
	if err := d.rdb.LPush(ctx, key, data).Err(); err != nil {
		return "", fmt.Errorf("pushing job to %s: %w", key, err)
	}

	return job.TaskID, nil
}

// Dequeue blocks (up to timeout) for the next job of the given kind,
// moving it into this worker's processing list for reaper visibility.
func (d *RedisDispatcher) Dequeue(ctx context.Context, kind, workerID string, timeout time.Duration) (*Job, error) {
	src := queueKeyPrefix + kind
	dst := processingKeyPrefix + workerID

	res, err := d.rdb.BRPopLPush(ctx, src, dst, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing from %s: %w", src, err)
	}

	return UnmarshalJob([]byte(res))
}

// Heartbeat refreshes the worker's liveness key with the given TTL.
func (d *RedisDispatcher) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return d.rdb.Set(ctx, heartbeatKeyPrefix+workerID, "1", ttl).Err()
}

// Ack removes a completed job from the worker's processing list.
func (d *RedisDispatcher) Ack(ctx context.Context, workerID string, data []byte) error {
	return d.rdb.LRem(ctx, processingKeyPrefix+workerID, 1, data).Err()
}
