package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Marx-A00/rec-sub006/internal/models"
)

// ScheduleRepeating upserts a named recurring job. Schedules are keyed by
// logical name only; re-registering with a different interval replaces the
// single timing entry, so two schedules for the same name can never coexist.
func (q *Queue) ScheduleRepeating(ctx context.Context, name string, jobType models.JobType, payload map[string]any, interval time.Duration) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if !models.KnownJobType(jobType) {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if interval <= 0 {
		return &ValidationError{Field: "interval", Reason: "must be positive"}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}

	next := q.now().Add(interval)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, scheduleKey(name), map[string]any{
		"type":        string(jobType),
		"payload":     string(payloadJSON),
		"interval_ms": interval.Milliseconds(),
		"enabled":     "1",
	})
	pipe.SAdd(ctx, scheduleNames, name)
	pipe.ZAdd(ctx, scheduleDue, redis.Z{Score: float64(next.UnixMilli()), Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule repeating: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles the explicit enabled flag. Disabling also drops
// the timing entry; the flag remains authoritative either way.
func (q *Queue) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	exists, err := q.client.Exists(ctx, scheduleKey(name)).Result()
	if err != nil {
		return fmt.Errorf("read schedule: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("schedule %q not found", name)
	}

	pipe := q.client.TxPipeline()
	if enabled {
		intervalMs, err := q.client.HGet(ctx, scheduleKey(name), "interval_ms").Int64()
		if err != nil {
			return fmt.Errorf("read schedule interval: %w", err)
		}
		pipe.HSet(ctx, scheduleKey(name), "enabled", "1")
		pipe.ZAdd(ctx, scheduleDue, redis.Z{
			Score:  float64(q.now().Add(time.Duration(intervalMs) * time.Millisecond).UnixMilli()),
			Member: name,
		})
	} else {
		pipe.HSet(ctx, scheduleKey(name), "enabled", "0")
		pipe.ZRem(ctx, scheduleDue, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("toggle schedule: %w", err)
	}
	return nil
}

// ListRepeating returns all registered schedules, including disabled ones.
func (q *Queue) ListRepeating(ctx context.Context) ([]models.RepeatingSchedule, error) {
	names, err := q.client.SMembers(ctx, scheduleNames).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]models.RepeatingSchedule, 0, len(names))
	for _, name := range names {
		s, err := q.getSchedule(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// DueSchedules returns schedules whose next run is at or before now, already
// rescheduled for their following run. Disabled schedules are never returned
// even if a stale timing entry survives a restart; the explicit flag wins.
func (q *Queue) DueSchedules(ctx context.Context, now time.Time) ([]models.RepeatingSchedule, error) {
	names, err := q.client.ZRangeByScore(ctx, scheduleDue, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due schedules: %w", err)
	}

	var due []models.RepeatingSchedule
	for _, name := range names {
		s, err := q.getSchedule(ctx, name)
		if err != nil {
			_ = q.client.ZRem(ctx, scheduleDue, name).Err()
			continue
		}
		if !s.Enabled {
			_ = q.client.ZRem(ctx, scheduleDue, name).Err()
			continue
		}
		next := now.Add(s.Interval)
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, scheduleKey(name), "last_run_ms", now.UnixMilli())
		pipe.ZAdd(ctx, scheduleDue, redis.Z{Score: float64(next.UnixMilli()), Member: name})
		if _, err := pipe.Exec(ctx); err != nil {
			return due, fmt.Errorf("advance schedule %s: %w", name, err)
		}
		s.LastRun = now
		s.NextRun = next
		due = append(due, s)
	}
	return due, nil
}

func (q *Queue) getSchedule(ctx context.Context, name string) (models.RepeatingSchedule, error) {
	fields, err := q.client.HGetAll(ctx, scheduleKey(name)).Result()
	if err != nil {
		return models.RepeatingSchedule{}, fmt.Errorf("get schedule: %w", err)
	}
	if len(fields) == 0 {
		return models.RepeatingSchedule{}, fmt.Errorf("schedule %q not found", name)
	}

	s := models.RepeatingSchedule{
		Name:    name,
		Type:    models.JobType(fields["type"]),
		Enabled: fields["enabled"] == "1",
	}
	if ms, err := strconv.ParseInt(fields["interval_ms"], 10, 64); err == nil {
		s.Interval = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(fields["last_run_ms"], 10, 64); err == nil {
		s.LastRun = time.UnixMilli(ms)
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Payload); err != nil {
			return models.RepeatingSchedule{}, fmt.Errorf("unmarshal schedule payload: %w", err)
		}
	}
	if score, err := q.client.ZScore(ctx, scheduleDue, name).Result(); err == nil {
		s.NextRun = time.UnixMilli(int64(score))
	}
	return s, nil
}
