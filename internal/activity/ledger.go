// Package activity records user-originated events and decides when live
// traffic should pause low-priority bulk work.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/store"
)

// Ledger is the append-only activity event store. Events are immutable;
// concurrent writers never conflict, and rows are deleted only by retention
// pruning.
type Ledger struct {
	st *store.Store
}

func NewLedger(st *store.Store) *Ledger {
	return &Ledger{st: st}
}

// Record appends one event. An empty user id is stored as NULL so anonymous
// sessions still count once each via their session id.
func (l *Ledger) Record(ctx context.Context, ev models.ActivityEvent) error {
	if ev.SessionID == "" {
		return errors.New("activity event requires a session id")
	}
	if ev.Kind == "" {
		return errors.New("activity event requires a kind")
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := l.st.Pool().Exec(ctx, `
		INSERT INTO activity_events (session_id, user_id, kind, occurred_at)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, ev.SessionID, ev.UserID, string(ev.Kind), occurred)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// ActiveCount returns distinct users (falling back to session for anonymous
// traffic) with at least one event since the given time.
func (l *Ledger) ActiveCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := l.st.Pool().QueryRow(ctx, `
		SELECT COUNT(DISTINCT COALESCE(user_id, session_id))
		FROM activity_events
		WHERE occurred_at >= $1
	`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

// LastEventAt returns the timestamp of the most recent event. ok is false
// when the table is empty.
func (l *Ledger) LastEventAt(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	err := l.st.Pool().QueryRow(ctx, `
		SELECT occurred_at FROM activity_events ORDER BY occurred_at DESC LIMIT 1
	`).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last event: %w", err)
	}
	return t, true, nil
}

// Prune deletes events older than the cutoff. Pause decisions only look
// minutes back, so old rows are dead weight.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := l.st.Pool().Exec(ctx, `
		DELETE FROM activity_events WHERE occurred_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return tag.RowsAffected(), nil
}
