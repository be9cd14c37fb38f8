// Package worker is the single logical consumer against the external catalog
// service. Concurrency is 1 by design: the catalog's courtesy limit is one
// request per second, so dispatch is deliberately serialized.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/queue"
	"github.com/Marx-A00/rec-sub006/internal/ratelimit"
	"github.com/Marx-A00/rec-sub006/internal/telemetry"
)

// Handler executes one job of a given type. Returning nil completes the job;
// any error goes through the queue's retry/backoff policy.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the dispatch loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	limiter  *ratelimit.TokenBucket
	handlers map[models.JobType]Handler
	log      zerolog.Logger
}

// NewProcessor builds the dispatcher. limiter may be nil, in which case no
// pacing is applied (tests).
func NewProcessor(cfg config.Config, q *queue.Queue, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		handlers: make(map[models.JobType]Handler),
		log:      log.With().Str("component", "worker").Logger(),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Supervise runs the dispatch loop with bounded crash recovery: up to
// MaxRestarts restarts with a fixed delay, then a hard error so an operator
// notices instead of the service looping into a bad state forever.
func (p *Processor) Supervise(ctx context.Context) error {
	restarts := 0
	for {
		err := p.runRecovering(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		restarts++
		if restarts > p.cfg.MaxRestarts {
			return fmt.Errorf("worker exceeded %d restarts: %w", p.cfg.MaxRestarts, err)
		}
		p.log.Error().Err(err).Int("restart", restarts).Msg("worker loop crashed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.RestartDelay):
		}
	}
}

func (p *Processor) runRecovering(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker loop panic: %v", r)
		}
	}()
	return p.Run(ctx)
}

// Run is the dispatch loop: promote delayed jobs, fire due schedules, pace,
// dequeue, execute, report back. It returns ctx.Err() on cancellation, always
// between jobs and never mid-handler.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := p.queue.PromoteDelayed(ctx, time.Now(), int64(p.cfg.PromoteBatchSize)); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
		if n, err := p.queue.ReclaimExpired(ctx, time.Now(), int64(p.cfg.PromoteBatchSize)); err != nil {
			return fmt.Errorf("reclaim expired: %w", err)
		} else if n > 0 {
			p.log.Warn().Int("jobs", n).Msg("reclaimed jobs from dead workers")
		}
		if err := p.fireDueSchedules(ctx); err != nil {
			p.log.Warn().Err(err).Msg("firing schedules failed")
		}
		if counts, err := p.queue.Counts(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(counts.Waiting))
		}

		job, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			// The consumption mechanism itself broke; let supervision decide.
			return fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			if err := sleepCtx(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
			continue
		}

		// The in-flight job is never abandoned: its context survives
		// shutdown signals, bounded only by the handler timeout.
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HandlerTimeout)
		if p.limiter != nil {
			if err := p.limiter.Wait(jobCtx, ratelimit.Catalog); err != nil {
				cancel()
				return fmt.Errorf("courtesy limiter: %w", err)
			}
		}
		telemetry.DispatchCounter.Inc()
		handlerErr := p.dispatch(jobCtx, job)
		cancel()

		if handlerErr == nil {
			if err := p.queue.Complete(ctx, job.ID); err != nil {
				p.log.Error().Err(err).Str("job_id", job.ID).Msg("complete failed")
			}
			telemetry.JobSuccess.Inc()
			continue
		}

		telemetry.JobFailures.Inc()
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1)
		retried, err := p.queue.Fail(ctx, job.ID, handlerErr.Error(), backoff)
		if err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("fail report failed")
			continue
		}
		evt := p.log.Warn().Err(handlerErr).Str("job_id", job.ID).Str("type", string(job.Type))
		if retried {
			evt.Dur("backoff", backoff).Msg("job attempt failed, retry scheduled")
		} else {
			evt.Msg("job attempts exhausted")
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

func (p *Processor) fireDueSchedules(ctx context.Context) error {
	due, err := p.queue.DueSchedules(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, s := range due {
		id, _, err := p.queue.Enqueue(ctx, s.Type, s.Payload, queue.Options{
			Tier:        models.TierBackground,
			DedupeKey:   "schedule:" + s.Name,
			MaxAttempts: p.cfg.MaxAttempts,
		})
		if err != nil {
			p.log.Warn().Err(err).Str("schedule", s.Name).Msg("enqueue from schedule failed")
			continue
		}
		p.log.Info().Str("schedule", s.Name).Str("job_id", id).Msg("repeating job enqueued")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
