package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dispatch coordinates which batch jobs the worker fleet should run. Ready
// jobs sit in a sorted set ordered by priority then creation time; a running
// job holds a lease with a visibility deadline so a crashed worker's jobs get
// re-dispatched. Cancellation and pause are flag keys checked cooperatively
// by workers at claim boundaries.
type Dispatch struct {
	client        *redis.Client
	readyKey      string
	activeKey     string
	cancelPrefix  string
	pausePrefix   string
	visibilityTTL time.Duration
}

// NewDispatch builds a dispatch client around an existing Redis connection.
func NewDispatch(client *redis.Client, visibility time.Duration) *Dispatch {
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &Dispatch{
		client:        client,
		readyKey:      "batch:ready",
		activeKey:     "batch:active",
		cancelPrefix:  "batch:cancel:",
		pausePrefix:   "batch:pause:",
		visibilityTTL: visibility,
	}
}

// priorityScore orders ready jobs: higher priority first, then earliest
// creation. Priorities stay small integers, so the offset dominates the
// millisecond timestamp without losing float64 precision.
func priorityScore(priority int, createdAt time.Time) float64 {
	return float64(createdAt.UnixMilli()) - float64(priority)*1e13
}

// Enqueue places a job into the ready set.
func (d *Dispatch) Enqueue(ctx context.Context, jobID string, priority int, createdAt time.Time) error {
	err := d.client.ZAdd(ctx, d.readyKey, redis.Z{
		Score:  priorityScore(priority, createdAt),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// DequeueWithLease pops the highest-priority ready job and moves it into the
// active set with a visibility deadline. Returns "" when nothing is ready.
func (d *Dispatch) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(d.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, d.client, []string{d.readyKey, d.activeKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue job: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for a running job.
func (d *Dispatch) ExtendLease(ctx context.Context, jobID string) error {
	return d.client.ZAdd(ctx, d.activeKey, redis.Z{
		Score:  float64(time.Now().Add(d.visibilityTTL).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack releases a finished job's lease and clears its flags.
func (d *Dispatch) Ack(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	pipe.ZRem(ctx, d.activeKey, jobID)
	pipe.Del(ctx, d.cancelPrefix+jobID, d.pausePrefix+jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims jobs whose lease timed out, returning them to the
// ready set at neutral priority.
func (d *Dispatch) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := d.client.ZRangeByScore(ctx, d.activeKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := d.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, d.activeKey, id)
		pipe.ZAdd(ctx, d.readyKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove takes a job out of both ready and active sets. Used on cancel.
func (d *Dispatch) Remove(ctx context.Context, jobID string) error {
	pipe := d.client.TxPipeline()
	pipe.ZRem(ctx, d.readyKey, jobID)
	pipe.ZRem(ctx, d.activeKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequestCancel raises the cooperative cancel flag for running workers.
func (d *Dispatch) RequestCancel(ctx context.Context, jobID string) error {
	return d.client.Set(ctx, d.cancelPrefix+jobID, "1", 24*time.Hour).Err()
}

// CancelRequested reports whether a cancel flag is raised for the job.
func (d *Dispatch) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.cancelPrefix+jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequestPause raises the cooperative pause flag.
func (d *Dispatch) RequestPause(ctx context.Context, jobID string) error {
	return d.client.Set(ctx, d.pausePrefix+jobID, "1", 24*time.Hour).Err()
}

// ClearPause removes the pause flag so a resumed job can run.
func (d *Dispatch) ClearPause(ctx context.Context, jobID string) error {
	return d.client.Del(ctx, d.pausePrefix+jobID).Err()
}

// PauseRequested reports whether a pause flag is raised for the job.
func (d *Dispatch) PauseRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.pausePrefix+jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadyDepth reports how many jobs await dispatch.
func (d *Dispatch) ReadyDepth(ctx context.Context) (int64, error) {
	return d.client.ZCard(ctx, d.readyKey).Result()
}

// dequeueScript atomically moves the lowest-scored ready job into the active
// set with the supplied lease deadline.
var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local active = KEYS[2]
local deadline = tonumber(ARGV[1])

local popped = redis.call('ZRANGE', ready, 0, 0)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('ZREM', ready, id)
redis.call('ZADD', active, deadline, id)
return id
`)
