package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/memora/internal/clock"
	"go.uber.org/zap"
)

// moveScript removes one processing entry and, if it was still there, pushes
// its replacement to pending and drops the lease.
const moveScript = `
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
if removed == 1 then
  redis.call("LPUSH", KEYS[2], ARGV[2])
  redis.call("HDEL", KEYS[3], ARGV[3])
end
return removed
`

// ackScript drops the lease only when this delivery still owned the
// processing entry, so a stale ack cannot clear a redelivered lease.
const ackScript = `
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
if removed == 1 then
  redis.call("HDEL", KEYS[2], ARGV[2])
end
return removed
`

// extendScript restarts a lease while its entry is still being processed.
const extendScript = `
if redis.call("LPOS", KEYS[1], ARGV[1]) == false then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`

// RedisQueue is a reliable list queue: descriptors move atomically from the
// pending list to the processing list and are leased until acked.
type RedisQueue struct {
	client     *redis.Client
	script     *redis.Script
	ack        *redis.Script
	extend     *redis.Script
	log        *zap.Logger
	clock      clock.Clock
	visibility time.Duration

	pendingKey    string
	processingKey string
	leasesKey     string
}

func NewRedisQueue(client *redis.Client, name string, visibility time.Duration, clk clock.Clock, log *zap.Logger) *RedisQueue {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &RedisQueue{
		client:        client,
		script:        redis.NewScript(moveScript),
		ack:           redis.NewScript(ackScript),
		extend:        redis.NewScript(extendScript),
		log:           log.Named("queue.redis"),
		clock:         clk,
		visibility:    visibility,
		pendingKey:    name + ":pending",
		processingKey: name + ":processing",
		leasesKey:     name + ":leases",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, d Descriptor) error {
	prepared, err := prepare(d, q.clock.Now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(prepared)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pendingKey, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey, q.processingKey, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var d Descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		q.log.Error("dropping undecodable descriptor", zap.Error(err))
		_ = q.client.LRem(ctx, q.processingKey, 1, raw).Err()
		return nil, nil
	}

	now := q.clock.Now()
	if err := q.client.HSet(ctx, q.leasesKey, d.MessageID, now.UnixMilli()).Err(); err != nil {
		return nil, err
	}
	return &Delivery{Descriptor: d, LeasedAt: now, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	removed, err := q.ack.Run(ctx, q.client,
		[]string{q.processingKey, q.leasesKey},
		d.raw, d.MessageID,
	).Int()
	if err != nil {
		return err
	}
	if removed != 1 {
		return ErrUnknownDelivery
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, d *Delivery) error {
	now := q.clock.Now()
	held, err := q.extend.Run(ctx, q.client,
		[]string{q.processingKey, q.leasesKey},
		d.raw, d.MessageID, now.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if held != 1 {
		return ErrUnknownDelivery
	}
	d.LeasedAt = now
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	removed, err := q.redeliver(ctx, d.raw, d.Descriptor)
	if err != nil {
		return err
	}
	if !removed {
		return ErrUnknownDelivery
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	entries, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, raw := range entries {
		var d Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			_ = q.client.LRem(ctx, q.processingKey, 1, raw).Err()
			continue
		}

		leased, err := q.client.HGet(ctx, q.leasesKey, d.MessageID).Result()
		if errors.Is(err, redis.Nil) {
			// Moved but not yet leased; start the clock now.
			_ = q.client.HSetNX(ctx, q.leasesKey, d.MessageID, now.UnixMilli()).Err()
			continue
		}
		if err != nil {
			return requeued, err
		}
		ms, err := strconv.ParseInt(leased, 10, 64)
		if err != nil || now.Sub(time.UnixMilli(ms)) >= q.visibility {
			removed, err := q.redeliver(ctx, raw, d)
			if err != nil {
				return requeued, err
			}
			if removed {
				requeued++
			}
		}
	}
	return requeued, nil
}

func (q *RedisQueue) redeliver(ctx context.Context, raw string, d Descriptor) (bool, error) {
	d.Attempt++
	payload, err := json.Marshal(d)
	if err != nil {
		return false, err
	}
	removed, err := q.script.Run(ctx, q.client,
		[]string{q.processingKey, q.pendingKey, q.leasesKey},
		raw, string(payload), d.MessageID,
	).Int()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}
