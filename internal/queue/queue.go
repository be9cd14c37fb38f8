// Package queue is the typed facade over the durable queue store. Jobs live
// entirely in Redis: per-lane ready lists, a delayed zset, an active zset,
// and one metadata hash per job. The facade derives priority at enqueue time
// and never holds job state itself.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/priority"
)

const (
	delayedKey    = "enrich:delayed"
	activeKey     = "enrich:active"
	dedupeKey     = "enrich:dedupe"
	countersKey   = "enrich:counters"
	scheduleNames = "enrich:schedule:names"
	scheduleDue   = "enrich:schedule:due"
)

// ValidationError rejects a job at enqueue time. Invalid jobs are never
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

// requiredPayloadKeys lists the payload fields each job type cannot run
// without. Missing fields are rejected at enqueue instead of burning retry
// attempts in the handler.
var requiredPayloadKeys = map[models.JobType][]string{
	models.JobEnrichAlbum:           {"albumId"},
	models.JobEnrichArtist:          {"artistId"},
	models.JobEnrichTrack:           {"trackId"},
	models.JobCheckAlbumEnrichment:  {"albumId"},
	models.JobCheckArtistEnrichment: {"artistId"},
	models.JobCacheImage:            {"sourceUrl", "entityType", "entityId"},
}

// Options control a single enqueue.
type Options struct {
	Tier        models.Tier
	DedupeKey   string
	Delay       time.Duration
	MaxAttempts int
}

// Queue is the job queue facade backed by Redis.
type Queue struct {
	client *redis.Client
	lease  time.Duration
	now    func() time.Time
}

const defaultLease = 2 * time.Minute

// New builds a queue facade from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := NewWithClient(client)
	if cfg.VisibilityTimeout > 0 {
		q.lease = cfg.VisibilityTimeout
	}
	return q
}

// NewWithClient wraps an existing Redis client, used by tests.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client, lease: defaultLease, now: time.Now}
}

func readyKey(t models.Tier) string {
	return fmt.Sprintf("enrich:ready:%s", t)
}

func pausedKey(t models.Tier) string {
	return fmt.Sprintf("enrich:paused:%s", t)
}

func jobKey(id string) string {
	return "enrich:job:" + id
}

func scheduleKey(name string) string {
	return "enrich:schedule:" + name
}

// Enqueue validates and persists one job, returning its id. If the dedupe key
// already maps to a waiting, delayed, or active job, the enqueue is a no-op
// and the existing job's id is returned with deduped=true.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload map[string]any, opts Options) (string, bool, error) {
	if !models.KnownJobType(jobType) {
		return "", false, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if opts.Tier == "" {
		opts.Tier = models.TierBackground
	}
	if _, ok := priority.FromString(string(opts.Tier)); !ok {
		return "", false, &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", opts.Tier)}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	for _, key := range requiredPayloadKeys[jobType] {
		if s, _ := payload[key].(string); s == "" {
			return "", false, &ValidationError{Field: "payload", Reason: fmt.Sprintf("missing required key %q", key)}
		}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	if opts.DedupeKey != "" {
		existingID, err := q.client.HGet(ctx, dedupeKey, opts.DedupeKey).Result()
		if err != nil && err != redis.Nil {
			return "", false, fmt.Errorf("dedupe lookup: %w", err)
		}
		if existingID != "" {
			status, err := q.client.HGet(ctx, jobKey(existingID), "status").Result()
			if err != nil && err != redis.Nil {
				return "", false, fmt.Errorf("dedupe status lookup: %w", err)
			}
			switch status {
			case models.StatusWaiting, models.StatusDelayed, models.StatusActive:
				return existingID, true, nil
			}
			// Stale mapping from a finished job; fall through and replace it.
			_ = q.client.HDel(ctx, dedupeKey, opts.DedupeKey).Err()
		}
	}

	id := uuid.New().String()
	now := q.now()
	status := models.StatusWaiting
	if opts.Delay > 0 {
		status = models.StatusDelayed
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"type":         string(jobType),
		"tier":         string(opts.Tier),
		"priority":     priority.Numeric(opts.Tier),
		"payload":      string(payloadJSON),
		"status":       status,
		"attempts":     0,
		"max_attempts": opts.MaxAttempts,
		"dedupe_key":   opts.DedupeKey,
		"enqueued_ms":  now.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, readyKey(opts.Tier), id)
	}
	// HSetNX is the atomic claim on the dedupe key; the HGet above is only a
	// fast path. Two producers racing the same key both reach this point, but
	// exactly one wins the field.
	var claimed *redis.BoolCmd
	if opts.DedupeKey != "" {
		claimed = pipe.HSetNX(ctx, dedupeKey, opts.DedupeKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}
	if claimed != nil && !claimed.Val() {
		winner, err := q.client.HGet(ctx, dedupeKey, opts.DedupeKey).Result()
		if err != nil && err != redis.Nil {
			return "", false, fmt.Errorf("dedupe lookup: %w", err)
		}
		if winner != "" && winner != id {
			q.discard(ctx, id, opts)
			return winner, true, nil
		}
	}
	return id, false, nil
}

// discard removes a job that lost the dedupe race before anything could have
// dequeued it.
func (q *Queue) discard(ctx context.Context, id string, opts Options) {
	pipe := q.client.TxPipeline()
	if opts.Delay > 0 {
		pipe.ZRem(ctx, delayedKey, id)
	} else {
		pipe.LRem(ctx, readyKey(opts.Tier), 0, id)
	}
	pipe.Del(ctx, jobKey(id))
	_, _ = pipe.Exec(ctx)
}

// dequeueScript walks lanes in priority order, skipping paused lanes, and
// moves the popped job into the active zset. KEYS alternates paused/ready per
// lane with the active zset last; ARGV[1] is the visibility deadline, so a
// job whose worker dies without reporting back becomes reclaimable once the
// lease expires.
var dequeueScript = redis.NewScript(`
local active = KEYS[#KEYS]
for i = 1, #KEYS - 1, 2 do
  if redis.call('EXISTS', KEYS[i]) == 0 then
    local job = redis.call('LPOP', KEYS[i+1])
    if job then
      redis.call('ZADD', active, ARGV[1], job)
      return job
    end
  end
end
return false
`)

// Dequeue pops the next eligible job respecting lane priority, FIFO within a
// lane, and lane pause state. ok is false when no job is eligible.
func (q *Queue) Dequeue(ctx context.Context) (models.Job, bool, error) {
	lanes := priority.Lanes()
	keys := make([]string, 0, len(lanes)*2+1)
	for _, t := range lanes {
		keys = append(keys, pausedKey(t), readyKey(t))
	}
	keys = append(keys, activeKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.lease).UnixMilli()).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Metadata vanished; drop the orphaned id from the active set.
		_ = q.client.ZRem(ctx, activeKey, id).Err()
		return models.Job{}, false, nil
	}
	if err := q.client.HSet(ctx, jobKey(id), "status", models.StatusActive).Err(); err != nil {
		return models.Job{}, false, fmt.Errorf("mark active: %w", err)
	}
	job.Status = models.StatusActive
	return job, true, nil
}

// PromoteDelayed moves due delayed jobs into their ready lanes.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
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

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		tier, err := q.client.HGet(ctx, jobKey(id), "tier").Result()
		if err != nil || tier == "" {
			tier = string(models.TierBackground)
		}
		pipe.ZRem(ctx, delayedKey, id)
		pipe.HSet(ctx, jobKey(id), "status", models.StatusWaiting)
		pipe.RPush(ctx, readyKey(models.Tier(tier)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return len(ids), nil
}

// ReclaimExpired re-queues active jobs whose visibility lease has expired,
// meaning the worker holding them died without calling Complete or Fail. The
// attempt is not counted against the job; only an explicit Fail does that.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		tier, err := q.client.HGet(ctx, jobKey(id), "tier").Result()
		if err != nil || tier == "" {
			tier = string(models.TierBackground)
		}
		pipe.ZRem(ctx, activeKey, id)
		pipe.HSet(ctx, jobKey(id), "status", models.StatusWaiting)
		pipe.RPush(ctx, readyKey(models.Tier(tier)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	return len(ids), nil
}

// Complete transitions an active job to completed and releases its dedupe key.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.HSet(ctx, jobKey(jobID), "status", models.StatusCompleted)
	pipe.HIncrBy(ctx, countersKey, "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return q.releaseDedupe(ctx, jobID)
}

// Fail records a failed attempt. While attempts remain the job is re-queued
// with the given delay; once exhausted it is terminal and counted as failed.
// retried reports whether another attempt was scheduled.
func (q *Queue) Fail(ctx context.Context, jobID string, errMsg string, retryDelay time.Duration) (bool, error) {
	attempts, err := q.client.HIncrBy(ctx, jobKey(jobID), "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("increment attempts: %w", err)
	}
	maxAttempts, err := q.client.HGet(ctx, jobKey(jobID), "max_attempts").Int64()
	if err != nil {
		maxAttempts = 3
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.HSet(ctx, jobKey(jobID), "last_error", errMsg)
	if attempts < maxAttempts {
		pipe.HSet(ctx, jobKey(jobID), "status", models.StatusDelayed)
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(q.now().Add(retryDelay).UnixMilli()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("schedule retry: %w", err)
		}
		return true, nil
	}

	pipe.HSet(ctx, jobKey(jobID), "status", models.StatusFailed)
	pipe.HIncrBy(ctx, countersKey, "failed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return false, q.releaseDedupe(ctx, jobID)
}

func (q *Queue) releaseDedupe(ctx context.Context, jobID string) error {
	key, err := q.client.HGet(ctx, jobKey(jobID), "dedupe_key").Result()
	if err == redis.Nil || key == "" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dedupe key: %w", err)
	}
	mapped, err := q.client.HGet(ctx, dedupeKey, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dedupe mapping: %w", err)
	}
	if mapped == jobID {
		return q.client.HDel(ctx, dedupeKey, key).Err()
	}
	return nil
}

// GetJob fetches a job's metadata by id.
func (q *Queue) GetJob(ctx context.Context, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	return jobFromHash(id, fields)
}

func jobFromHash(id string, fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        id,
		Type:      models.JobType(fields["type"]),
		Tier:      models.Tier(fields["tier"]),
		Status:    fields["status"],
		DedupeKey: fields["dedupe_key"],
		LastError: fields["last_error"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_ms"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return job, nil
}

// PauseLane stops dispatch for a lane. Pausing never touches jobs already
// active, only prevents new dispatch. changed is false when the lane was
// already paused.
func (q *Queue) PauseLane(ctx context.Context, tier models.Tier) (bool, error) {
	changed, err := q.client.SetNX(ctx, pausedKey(tier), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("pause lane: %w", err)
	}
	return changed, nil
}

// ResumeLane re-enables dispatch for a lane. changed is false when the lane
// was not paused.
func (q *Queue) ResumeLane(ctx context.Context, tier models.Tier) (bool, error) {
	n, err := q.client.Del(ctx, pausedKey(tier)).Result()
	if err != nil {
		return false, fmt.Errorf("resume lane: %w", err)
	}
	return n > 0, nil
}

// IsPaused reports the pause state of a lane.
func (q *Queue) IsPaused(ctx context.Context, tier models.Tier) (bool, error) {
	n, err := q.client.Exists(ctx, pausedKey(tier)).Result()
	if err != nil {
		return false, fmt.Errorf("read pause state: %w", err)
	}
	return n > 0, nil
}

// Counts returns waiting/active/completed/failed/delayed totals.
func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	pipe := q.client.Pipeline()
	lanes := priority.Lanes()
	ready := make([]*redis.IntCmd, 0, len(lanes))
	for _, t := range lanes {
		ready = append(ready, pipe.LLen(ctx, readyKey(t)))
	}
	active := pipe.ZCard(ctx, activeKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	counters := pipe.HGetAll(ctx, countersKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return models.QueueCounts{}, fmt.Errorf("queue counts: %w", err)
	}

	var counts models.QueueCounts
	for _, c := range ready {
		counts.Waiting += c.Val()
	}
	counts.Active = active.Val()
	counts.Delayed = delayed.Val()
	counts.Completed, _ = strconv.ParseInt(counters.Val()["completed"], 10, 64)
	counts.Failed, _ = strconv.ParseInt(counters.Val()["failed"], 10, 64)
	return counts, nil
}
