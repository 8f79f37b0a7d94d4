package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout per queue:
//   q:{name}:ready    LIST of due jobs (LPUSH producer / BRPOP consumer)
//   q:{name}:delayed  ZSET scored by unix-milli run-at time
//   q:{name}:dead     LIST of exhausted jobs, trimmed for bounded retention
const deadLetterRetention = 1000

// RedisClient is the slice of go-redis used by the queue; *redis.Client
// satisfies it, tests supply a fake.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Client enqueues jobs onto named queues. It is constructed explicitly
// and injected; there are no package-level queue singletons.
type Client struct {
	rdb RedisClient
}

// Retry policies per job family.
const (
	encryptMaxAttempts = 5
	encryptBackoffBase = 2 * time.Second

	syncMaxAttempts = 3
	syncBackoffBase = 5 * time.Second

	renewalMaxAttempts = 3
	renewalBackoffBase = 30 * time.Second

	probeMaxAttempts = 1
)

// NewClient constructs a queue client over an established redis connection.
func NewClient(rdb RedisClient) *Client { return &Client{rdb: rdb} }

// Close releases the redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

func readyKey(queue string) string   { return "q:" + queue + ":ready" }
func delayedKey(queue string) string { return "q:" + queue + ":delayed" }
func deadKey(queue string) string    { return "q:" + queue + ":dead" }

// Enqueue pushes a job for immediate consumption.
func (c *Client) Enqueue(ctx context.Context, queue string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := c.rdb.LPush(ctx, readyKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return nil
}

// EnqueueIn schedules a job to become consumable after delay. A
// non-positive delay enqueues immediately rather than dropping.
func (c *Client) EnqueueIn(ctx context.Context, queue string, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return c.Enqueue(ctx, queue, job)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := c.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed %s: %w", queue, err)
	}
	return nil
}

// EnqueueTokenEncryption schedules an encryption retry job.
func (c *Client) EnqueueTokenEncryption(ctx context.Context, p EncryptTokenPayload) error {
	job, err := NewJob(TypeEncryptToken, p, encryptMaxAttempts, encryptBackoffBase)
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, QueueTokenEncryption, job)
}

// EnqueueInitialSync schedules the first data sync for an account.
// Producers must only call this after token encryption reached ok;
// the handler re-checks regardless.
func (c *Client) EnqueueInitialSync(ctx context.Context, p StartSyncPayload) error {
	job, err := NewJob(TypeStartSync, p, syncMaxAttempts, syncBackoffBase)
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, QueueSyncInit, job)
}

// EnqueueHealthProbe schedules a single probe run.
func (c *Client) EnqueueHealthProbe(ctx context.Context, p HealthProbePayload) error {
	job, err := NewJob(TypeHealthProbe, p, probeMaxAttempts, 0)
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, QueueHealthProbe, job)
}

// EnqueueWebhookRenewal schedules a channel renewal after delay.
func (c *Client) EnqueueWebhookRenewal(ctx context.Context, p WebhookRenewalPayload, delay time.Duration) error {
	job, err := NewJob(TypeWebhookRenewal, p, renewalMaxAttempts, renewalBackoffBase)
	if err != nil {
		return err
	}
	return c.EnqueueIn(ctx, QueueWebhookRenewal, job, delay)
}

// promoteDue moves jobs whose run-at time has passed from the delayed
// ZSET to the ready LIST. ZRem arbitrates concurrent promoters: only
// the caller that removed the member pushes it.
func (c *Client) promoteDue(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := c.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		removed, err := c.rdb.ZRem(ctx, delayedKey(queue), m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := c.rdb.LPush(ctx, readyKey(queue), m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter parks an exhausted job for operator inspection, keeping
// retention bounded.
func (c *Client) deadLetter(ctx context.Context, queue string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := c.rdb.LPush(ctx, deadKey(queue), raw).Err(); err != nil {
		return err
	}
	return c.rdb.LTrim(ctx, deadKey(queue), 0, deadLetterRetention-1).Err()
}

// pop blocks up to timeout for the next ready job.
func (c *Client) pop(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	res, err := c.rdb.BRPop(ctx, timeout, readyKey(queue)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("malformed job on %s: %w", queue, err)
	}
	return &job, nil
}
