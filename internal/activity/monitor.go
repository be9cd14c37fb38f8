package activity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/telemetry"
)

// Source is the monitor's read view of the activity ledger.
type Source interface {
	ActiveCount(ctx context.Context, since time.Time) (int, error)
	LastEventAt(ctx context.Context) (time.Time, bool, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// LaneController is the slice of the queue facade the monitor owns: pause
// state for the background lane, nothing else.
type LaneController interface {
	PauseLane(ctx context.Context, tier models.Tier) (bool, error)
	ResumeLane(ctx context.Context, tier models.Tier) (bool, error)
	IsPaused(ctx context.Context, tier models.Tier) (bool, error)
}

type laneState int

const (
	laneRunning laneState = iota
	lanePaused
)

// MonitorConfig carries the decision thresholds.
type MonitorConfig struct {
	TickInterval time.Duration
	// RecencyWindow bounds both the active-user count and the resume check.
	RecencyWindow time.Duration
	// ImmediateWindow pauses on any single event this recent, protecting
	// foreground latency even for one user.
	ImmediateWindow time.Duration
	// HighActivityThreshold pauses when more than this many distinct users
	// are active inside the recency window.
	HighActivityThreshold int
	Retention             time.Duration
}

// Monitor polls the activity ledger on a fixed tick and toggles the
// background lane. Transitions happen only on tick boundaries, so pause and
// resume churn is bounded to once per tick.
type Monitor struct {
	src   Source
	lanes LaneController
	cfg   MonitorConfig
	log   zerolog.Logger
	now   func() time.Time

	mu          sync.Mutex
	state       laneState
	transitions int
	last        models.ActivitySnapshot
}

func NewMonitor(src Source, lanes LaneController, cfg MonitorConfig, log zerolog.Logger) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 3 * time.Minute
	}
	if cfg.ImmediateWindow <= 0 {
		cfg.ImmediateWindow = 30 * time.Second
	}
	if cfg.HighActivityThreshold <= 0 {
		cfg.HighActivityThreshold = 8
	}
	return &Monitor{
		src:   src,
		lanes: lanes,
		cfg:   cfg,
		log:   log.With().Str("component", "activity-monitor").Logger(),
		now:   time.Now,
	}
}

// Run ticks until the context is cancelled. The monitor never blocks on the
// worker; its only contact is fire-and-forget pause/resume toggles.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
			if m.cfg.Retention > 0 {
				if _, err := m.src.Prune(ctx, m.now().Add(-m.cfg.Retention)); err != nil {
					m.log.Warn().Err(err).Msg("activity prune failed")
				}
			}
		}
	}
}

// Tick evaluates one pause/resume decision and returns the snapshot it was
// based on. A failed ledger query is swallowed and logged; the lane keeps its
// last known state until the next successful tick.
func (m *Monitor) Tick(ctx context.Context) models.ActivitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count, err := m.src.ActiveCount(ctx, now.Add(-m.cfg.RecencyWindow))
	if err != nil {
		m.log.Warn().Err(err).Msg("activity query failed, keeping lane state")
		return m.last
	}
	lastEvent, hasEvents, err := m.src.LastEventAt(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("activity query failed, keeping lane state")
		return m.last
	}

	recentSingle := hasEvents && now.Sub(lastEvent) <= m.cfg.ImmediateWindow
	shouldPause := count > m.cfg.HighActivityThreshold || recentSingle

	if shouldPause && m.state == laneRunning {
		changed, err := m.lanes.PauseLane(ctx, models.TierBackground)
		if err != nil {
			m.log.Warn().Err(err).Msg("pause lane failed")
		} else {
			m.state = lanePaused
			if changed {
				m.transitions++
				telemetry.PauseEvents.Inc()
				telemetry.LanePausedGauge.Set(1)
				m.log.Info().Int("active_users", count).Msg("background lane paused")
			}
		}
	} else if !shouldPause && m.state == lanePaused {
		// Resume only once the last qualifying event has aged out of the
		// recency window entirely.
		if !hasEvents || now.Sub(lastEvent) > m.cfg.RecencyWindow {
			changed, err := m.lanes.ResumeLane(ctx, models.TierBackground)
			if err != nil {
				m.log.Warn().Err(err).Msg("resume lane failed")
			} else {
				m.state = laneRunning
				if changed {
					m.transitions++
					telemetry.ResumeEvents.Inc()
					telemetry.LanePausedGauge.Set(0)
					m.log.Info().Msg("background lane resumed")
				}
			}
		}
	}

	paused, err := m.lanes.IsPaused(ctx, models.TierBackground)
	if err != nil {
		paused = m.state == lanePaused
	}
	telemetry.ActiveUsers.Set(float64(count))

	m.last = models.ActivitySnapshot{
		ActiveUsers:     count,
		ShouldPause:     shouldPause,
		CurrentlyPaused: paused,
		LastEventAt:     lastEvent,
		TakenAt:         now,
	}
	return m.last
}

// Snapshot returns the result of the most recent tick.
func (m *Monitor) Snapshot() models.ActivitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Transitions reports how many pause/resume state changes have occurred.
func (m *Monitor) Transitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}
