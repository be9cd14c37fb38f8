package ledger

import (
	"context"
	"fmt"
)

// AuditReport summarizes hierarchy inconsistencies a buggy producer could
// have introduced, since Record trusts caller-supplied root ids.
type AuditReport struct {
	Scanned       int64    `json:"scanned"`
	OrphanParents []string `json:"orphan_parents,omitempty"`
	RootMismatch  []string `json:"root_mismatch,omitempty"`
}

// Clean reports whether the audit found nothing wrong.
func (r AuditReport) Clean() bool {
	return len(r.OrphanParents) == 0 && len(r.RootMismatch) == 0
}

// AuditHierarchy scans for entries whose parent never wrote a ledger row and
// for children whose root disagrees with their parent's root. It runs as a
// periodic job, not on the write path.
func (p *Postgres) AuditHierarchy(ctx context.Context) (AuditReport, error) {
	var report AuditReport

	if err := p.st.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM enrichment_ledger
	`).Scan(&report.Scanned); err != nil {
		return report, fmt.Errorf("count ledger: %w", err)
	}

	rows, err := p.st.Pool().Query(ctx, `
		SELECT DISTINCT c.job_id
		FROM enrichment_ledger c
		WHERE c.parent_job_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM enrichment_ledger p WHERE p.job_id = c.parent_job_id
		  )
		LIMIT 500
	`)
	if err != nil {
		return report, fmt.Errorf("orphan scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return report, fmt.Errorf("scan orphan: %w", err)
		}
		report.OrphanParents = append(report.OrphanParents, id)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("orphan scan: %w", err)
	}

	rows, err = p.st.Pool().Query(ctx, `
		SELECT DISTINCT c.job_id
		FROM enrichment_ledger c
		JOIN enrichment_ledger p ON p.job_id = c.parent_job_id
		WHERE c.parent_job_id IS NOT NULL
		  AND c.root_job_id <> p.root_job_id
		LIMIT 500
	`)
	if err != nil {
		return report, fmt.Errorf("root mismatch scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return report, fmt.Errorf("scan mismatch: %w", err)
		}
		report.RootMismatch = append(report.RootMismatch, id)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("root mismatch scan: %w", err)
	}

	return report, nil
}
