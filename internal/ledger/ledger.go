// Package ledger is the append-only outcome log of enrichment attempts. It
// tracks cascades of derived jobs and answers the skip checks handlers use
// to avoid wasted catalog calls.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/store"
)

// Categories classify what an attempt did. Producers pass one explicitly;
// inference from the operation name survives only as a legacy-compat shim.
const (
	CategoryCreated   = "created"
	CategoryEnriched  = "enriched"
	CategoryCached    = "cached"
	CategoryCorrected = "corrected"
	CategoryFailed    = "failed"
)

// Recorder is the surface job handlers consume.
type Recorder interface {
	Record(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error)
	HasRecentNoData(ctx context.Context, entityType, entityID string, within time.Duration) (bool, error)
	HasRecentFailure(ctx context.Context, entityType, entityID string, within time.Duration) (bool, error)
	RetryCount(ctx context.Context, entityType, entityID string) (int, error)
	AuditHierarchy(ctx context.Context) (AuditReport, error)
}

// Postgres is the production Recorder.
type Postgres struct {
	st  *store.Store
	now func() time.Time
}

func NewPostgres(st *store.Store) *Postgres {
	return &Postgres{st: st, now: time.Now}
}

// InferCategory is the fallback mapping from free-text operation names, kept
// for producers that predate the explicit category field.
func InferCategory(operation, status string) string {
	if status == models.LedgerFailed {
		return CategoryFailed
	}
	op := strings.ToLower(operation)
	switch {
	case strings.Contains(op, "cache"):
		return CategoryCached
	case strings.Contains(op, "correction"):
		return CategoryCorrected
	case strings.Contains(op, "enrich"):
		return CategoryEnriched
	default:
		return CategoryCreated
	}
}

// Normalize fills derived fields. A job with no parent is a root and its own
// id becomes the root id; a job with a parent must be supplied its root by
// the caller. The ledger trusts it rather than walking the chain, which
// costs one write and no reads. AuditHierarchy exists to catch abusers.
func Normalize(e models.LedgerEntry) (models.LedgerEntry, error) {
	if e.JobID == "" {
		return e, errors.New("ledger entry requires a job id")
	}
	if e.EntityType == "" || e.EntityID == "" {
		return e, errors.New("ledger entry requires entity type and id")
	}
	if e.Status == "" {
		return e, errors.New("ledger entry requires a status")
	}
	if e.Category == "" {
		e.Category = InferCategory(e.Operation, e.Status)
	}
	if e.ParentJobID == "" {
		e.IsRoot = true
		e.RootJobID = e.JobID
	} else {
		e.IsRoot = false
		if e.RootJobID == "" {
			return e, fmt.Errorf("entry for job %s has a parent but no root job id", e.JobID)
		}
	}
	return e, nil
}

// Record appends one entry. Entries are write-only from the worker; nothing
// ever updates them.
func (p *Postgres) Record(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	e, err := Normalize(e)
	if err != nil {
		return e, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.now().UTC()
	}
	sources, err := json.Marshal(orEmpty(e.Sources))
	if err != nil {
		return e, fmt.Errorf("marshal sources: %w", err)
	}
	fields, err := json.Marshal(orEmpty(e.FieldsChanged))
	if err != nil {
		return e, fmt.Errorf("marshal fields changed: %w", err)
	}

	err = p.st.Pool().QueryRow(ctx, `
		INSERT INTO enrichment_ledger
			(entity_type, entity_id, operation, status, category, sources, fields_changed,
			 error_info, job_id, parent_job_id, root_job_id, is_root, retry_count, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13, $14, $15)
		RETURNING id
	`, e.EntityType, e.EntityID, e.Operation, e.Status, e.Category, sources, fields,
		e.ErrorInfo, e.JobID, e.ParentJobID, e.RootJobID, e.IsRoot, e.RetryCount, e.DurationMs, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return e, fmt.Errorf("insert ledger entry: %w", err)
	}
	return e, nil
}

// HasRecentNoData reports whether the most recent terminal attempt for the
// entity found no data inside the window. A positive result means the caller
// should skip re-enrichment instead of burning a catalog call.
func (p *Postgres) HasRecentNoData(ctx context.Context, entityType, entityID string, within time.Duration) (bool, error) {
	var status string
	var createdAt time.Time
	err := p.st.Pool().QueryRow(ctx, `
		SELECT status, created_at FROM enrichment_ledger
		WHERE entity_type = $1 AND entity_id = $2 AND status IN ($3, $4, $5)
		ORDER BY created_at DESC LIMIT 1
	`, entityType, entityID, models.LedgerSuccess, models.LedgerFailed, models.LedgerNoData).Scan(&status, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("no-data lookup: %w", err)
	}
	return status == models.LedgerNoData && WithinWindow(createdAt, p.now(), within), nil
}

// WithinWindow reports whether ts still falls inside the lookback window
// ending at now.
func WithinWindow(ts, now time.Time, within time.Duration) bool {
	return ts.After(now.Add(-within))
}

// HasRecentFailure reports whether a failure was recorded inside the window,
// used as a cooldown before retrying.
func (p *Postgres) HasRecentFailure(ctx context.Context, entityType, entityID string, within time.Duration) (bool, error) {
	var exists bool
	err := p.st.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrichment_ledger
			WHERE entity_type = $1 AND entity_id = $2 AND status = $3 AND created_at >= $4
		)
	`, entityType, entityID, models.LedgerFailed, p.now().Add(-within)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failure lookup: %w", err)
	}
	return exists, nil
}

// RetryCount returns the retry count on the most recent failure, zero when
// the entity has never failed.
func (p *Postgres) RetryCount(ctx context.Context, entityType, entityID string) (int, error) {
	var n int
	err := p.st.Pool().QueryRow(ctx, `
		SELECT retry_count FROM enrichment_ledger
		WHERE entity_type = $1 AND entity_id = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1
	`, entityType, entityID, models.LedgerFailed).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry count lookup: %w", err)
	}
	return n, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
