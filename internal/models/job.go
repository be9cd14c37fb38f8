package models

import (
	"time"
)

// Tier is a priority class controlling both dispatch order and pausability.
type Tier string

const (
	TierAdmin      Tier = "admin"
	TierUserFacing Tier = "user_facing"
	TierBackground Tier = "background"
)

// JobType enumerates the enrichment operations the worker knows how to run.
type JobType string

const (
	JobEnrichArtist          JobType = "enrich-artist"
	JobEnrichAlbum           JobType = "enrich-album"
	JobEnrichTrack           JobType = "enrich-track"
	JobCheckAlbumEnrichment  JobType = "check-album-enrichment"
	JobCheckArtistEnrichment JobType = "check-artist-enrichment"
	JobCacheImage            JobType = "cache-image"
	JobSyncNewReleases       JobType = "sync-new-releases"
	JobLedgerAudit           JobType = "ledger-integrity-audit"
)

var knownJobTypes = map[JobType]struct{}{
	JobEnrichArtist:          {},
	JobEnrichAlbum:           {},
	JobEnrichTrack:           {},
	JobCheckAlbumEnrichment:  {},
	JobCheckArtistEnrichment: {},
	JobCacheImage:            {},
	JobSyncNewReleases:       {},
	JobLedgerAudit:           {},
}

// KnownJobType reports whether t is a registered enrichment operation.
func KnownJobType(t JobType) bool {
	_, ok := knownJobTypes[t]
	return ok
}

// Job lifecycle states persisted in the queue store.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDelayed   = "delayed"
)

// Job is one unit of enrichment work. The queue store owns all job state;
// producers only ever see the id returned from enqueue.
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Tier        Tier           `json:"tier"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	DedupeKey   string         `json:"dedupe_key,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// QueueCounts is a point-in-time snapshot of queue state.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// RepeatingSchedule is a named recurring job definition. Schedules are keyed
// by name; the interval is mutable configuration, and the explicit Enabled
// flag wins over mere presence of a timing entry.
type RepeatingSchedule struct {
	Name     string         `json:"name"`
	Type     JobType        `json:"type"`
	Payload  map[string]any `json:"payload"`
	Interval time.Duration  `json:"interval"`
	Enabled  bool           `json:"enabled"`
	NextRun  time.Time      `json:"next_run"`
	LastRun  time.Time      `json:"last_run,omitempty"`
}

// ActivityKind classifies a user-originated action.
type ActivityKind string

const (
	ActivitySearch         ActivityKind = "search"
	ActivityBrowse         ActivityKind = "browse"
	ActivityCollectionEdit ActivityKind = "collection-edit"
	ActivityEntityView     ActivityKind = "entity-view"
	ActivityGamePlay       ActivityKind = "game-play"
)

// ActivityEvent is one append-only row recording a user action. UserID is
// empty for anonymous sessions.
type ActivityEvent struct {
	SessionID  string       `json:"session_id"`
	UserID     string       `json:"user_id,omitempty"`
	Kind       ActivityKind `json:"kind"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// ActivitySnapshot is the monitor's derived view on one tick. Never persisted.
type ActivitySnapshot struct {
	ActiveUsers     int       `json:"active_users"`
	ShouldPause     bool      `json:"should_pause"`
	CurrentlyPaused bool      `json:"currently_paused"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`
	TakenAt         time.Time `json:"taken_at"`
}

// Ledger entry statuses. NoData is a successful lookup that found nothing; it
// is recorded so future attempts can be skipped rather than retried.
const (
	LedgerSuccess = "success"
	LedgerFailed  = "failed"
	LedgerNoData  = "no_data"
	LedgerSkipped = "skipped"
)

// LedgerEntry is one row per enrichment attempt, append-only.
type LedgerEntry struct {
	ID            int64     `json:"id,omitempty"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Operation     string    `json:"operation"`
	Status        string    `json:"status"`
	Category      string    `json:"category,omitempty"`
	Sources       []string  `json:"sources,omitempty"`
	FieldsChanged []string  `json:"fields_changed,omitempty"`
	ErrorInfo     string    `json:"error_info,omitempty"`
	JobID         string    `json:"job_id"`
	ParentJobID   string    `json:"parent_job_id,omitempty"`
	RootJobID     string    `json:"root_job_id"`
	IsRoot        bool      `json:"is_root"`
	RetryCount    int       `json:"retry_count"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}
