package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/models"
)

type fakeSource struct {
	count   int
	last    time.Time
	hasLast bool
	err     error
}

func (f *fakeSource) ActiveCount(context.Context, time.Time) (int, error) {
	return f.count, f.err
}

func (f *fakeSource) LastEventAt(context.Context) (time.Time, bool, error) {
	return f.last, f.hasLast, f.err
}

func (f *fakeSource) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeLanes struct {
	paused      bool
	pauseCalls  int
	resumeCalls int
}

func (f *fakeLanes) PauseLane(context.Context, models.Tier) (bool, error) {
	f.pauseCalls++
	changed := !f.paused
	f.paused = true
	return changed, nil
}

func (f *fakeLanes) ResumeLane(context.Context, models.Tier) (bool, error) {
	f.resumeCalls++
	changed := f.paused
	f.paused = false
	return changed, nil
}

func (f *fakeLanes) IsPaused(context.Context, models.Tier) (bool, error) {
	return f.paused, nil
}

func newTestMonitor(src Source, lanes LaneController, at time.Time) *Monitor {
	m := NewMonitor(src, lanes, MonitorConfig{
		TickInterval:          time.Second,
		RecencyWindow:         3 * time.Minute,
		ImmediateWindow:       30 * time.Second,
		HighActivityThreshold: 8,
	}, zerolog.Nop())
	m.now = func() time.Time { return at }
	return m
}

func TestSingleRecentEventTriggersPause(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{count: 1, last: now.Add(-10 * time.Second), hasLast: true}
	lanes := &fakeLanes{}
	m := newTestMonitor(src, lanes, now)

	snap := m.Tick(ctx)
	if !snap.ShouldPause || !snap.CurrentlyPaused {
		t.Fatalf("expected pause on a single recent event, got %+v", snap)
	}
	if m.Transitions() != 1 {
		t.Fatalf("expected 1 transition, got %d", m.Transitions())
	}
}

func TestRepeatedTicksAreIdempotentWhilePaused(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{count: 1, last: now.Add(-5 * time.Second), hasLast: true}
	lanes := &fakeLanes{}
	m := newTestMonitor(src, lanes, now)

	m.Tick(ctx)
	m.Tick(ctx)
	m.Tick(ctx)
	if m.Transitions() != 1 {
		t.Fatalf("repeated ticks must not re-count the pause, transitions=%d", m.Transitions())
	}
	if lanes.pauseCalls != 1 {
		t.Fatalf("pause should only be called on the transition, calls=%d", lanes.pauseCalls)
	}
}

func TestCrowdTriggersPauseWithoutRecentEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// 9 distinct users inside the window, last event older than the
	// immediate window.
	src := &fakeSource{count: 9, last: now.Add(-2 * time.Minute), hasLast: true}
	lanes := &fakeLanes{}
	m := newTestMonitor(src, lanes, now)

	snap := m.Tick(ctx)
	if !snap.ShouldPause {
		t.Fatalf("expected crowd pause, got %+v", snap)
	}
}

func TestResumeWaitsForEventsToAgeOut(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{count: 1, last: now.Add(-10 * time.Second), hasLast: true}
	lanes := &fakeLanes{}
	m := newTestMonitor(src, lanes, now)
	m.Tick(ctx)

	// Past the immediate window but still inside the recency window: no
	// pause condition, but no resume either.
	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	snap := m.Tick(ctx)
	if snap.ShouldPause {
		t.Fatalf("pause condition should have cleared, got %+v", snap)
	}
	if !snap.CurrentlyPaused {
		t.Fatal("lane must stay paused until the event ages out of the window")
	}

	// Beyond the recency window: resume.
	m.now = func() time.Time { return now.Add(4 * time.Minute) }
	snap = m.Tick(ctx)
	if snap.CurrentlyPaused {
		t.Fatalf("expected resume once events aged out, got %+v", snap)
	}
	if m.Transitions() != 2 {
		t.Fatalf("expected pause+resume transitions, got %d", m.Transitions())
	}
}

func TestNoEventsMeansNoPause(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{count: 0, hasLast: false}
	lanes := &fakeLanes{}
	m := newTestMonitor(src, lanes, now)

	snap := m.Tick(ctx)
	if snap.ShouldPause || snap.CurrentlyPaused {
		t.Fatalf("no activity must not pause, got %+v", snap)
	}
	if m.Transitions() != 0 {
		t.Fatalf("expected no transitions, got %d", m.Transitions())
	}
}

func TestQueryFailureKeepsLastKnownState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{count: 1, last: now.Add(-5 * time.Second), hasLast: true}
	lanes := &fakeLanes{}
	m := newTestMonitor(src, lanes, now)
	m.Tick(ctx)

	src.err = errors.New("connection refused")
	m.now = func() time.Time { return now.Add(10 * time.Minute) }
	snap := m.Tick(ctx)
	if !snap.CurrentlyPaused {
		t.Fatal("a failed tick must freeze the lane at its last known state")
	}
	if lanes.resumeCalls != 0 {
		t.Fatalf("no resume on a failed tick, calls=%d", lanes.resumeCalls)
	}
}
