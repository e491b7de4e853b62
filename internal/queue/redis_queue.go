package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chatreel/internal/config"
)

const (
	readyKey      = "renderq:ready"
	inflightKey   = "renderq:inflight"
	delayedKey    = "renderq:delayed"
	deliveriesKey = "renderq:deliveries"
)

// Dispatcher hands lightweight job-id pointers to workers through Redis with
// at-least-once delivery. A dequeued id sits in the inflight set under a
// visibility timeout; if the worker dies before acking, the lease expires and
// the id is requeued with backoff, up to a bounded number of deliveries.
//
// The dispatcher is optional: without it the worker scans the job store for
// pending rows, so a lost or failed enqueue only delays a job.
type Dispatcher struct {
	client        *redis.Client
	visibilityTTL time.Duration
	maxDeliveries int
	backoffBase   time.Duration
	backoffMax    time.Duration
}

// NewDispatcher builds a dispatcher from config.
func NewDispatcher(cfg config.Config) *Dispatcher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Dispatcher{
		client:        client,
		visibilityTTL: visibility,
		maxDeliveries: cfg.MaxDeliveries,
		backoffBase:   cfg.RequeueBackoff,
		backoffMax:    cfg.RequeueBackoffMax,
	}
}

// Enqueue pushes a job id onto the ready queue. Callers bound this with a
// short context timeout and treat failure as non-fatal.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) error {
	if err := d.client.RPush(ctx, readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue pops the next ready job id and leases it for the visibility
// timeout, returning the id and how many times it has now been delivered.
// An empty id means the queue was empty.
func (d *Dispatcher) Dequeue(ctx context.Context) (string, int, error) {
	res, err := dequeueScript.Run(ctx, d.client,
		[]string{readyKey, inflightKey, deliveriesKey},
		time.Now().Add(d.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("dequeue: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", 0, fmt.Errorf("unexpected dequeue result: %T", res)
	}
	jobID, _ := arr[0].(string)
	deliveries, _ := arr[1].(int64)
	return jobID, int(deliveries), nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// The worker calls this right before a render, which can outlive the default
// lease by minutes.
func (d *Dispatcher) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return d.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking once its row reached a terminal
// state.
func (d *Dispatcher) Ack(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.HDel(ctx, deliveriesKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases whose deadline passed. Ids still under the
// delivery budget move to the delayed set with exponential backoff; ids that
// exhausted it are dropped from the queue and returned as dead so the caller
// can fail their rows.
func (d *Dispatcher) RequeueExpired(ctx context.Context, now time.Time, limit int64) (requeued, dead []string, err error) {
	ids, err := d.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("scan expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		deliveries := 0
		if raw, err := d.client.HGet(ctx, deliveriesKey, id).Result(); err == nil {
			deliveries, _ = strconv.Atoi(raw)
		}
		pipe.ZRem(ctx, inflightKey, id)
		if deliveries >= d.maxDeliveries {
			pipe.HDel(ctx, deliveriesKey, id)
			dead = append(dead, id)
			continue
		}
		delay := backoffWithJitter(d.backoffBase, d.backoffMax, deliveries)
		pipe.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		})
		requeued = append(requeued, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("requeue expired: %w", err)
	}
	return requeued, dead, nil
}

// PromoteDelayed moves due delayed ids back onto the ready queue. It returns
// how many were promoted.
func (d *Dispatcher) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := d.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayedKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return len(ids), nil
}

// Depth returns the ready-queue length.
func (d *Dispatcher) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, readyKey).Result()
}

// Client exposes the underlying Redis client for components sharing the
// connection, such as the submission rate limiter.
func (d *Dispatcher) Client() *redis.Client {
	return d.client
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local n = redis.call('HINCRBY', KEYS[3], job, 1)
return {job, n}
`)
