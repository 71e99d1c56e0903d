package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

const (
	findAuditByEnvelopeSQL = `
		SELECT task_id FROM dispatch_audit WHERE envelope_id = $1`

	insertAuditSQL = `
		INSERT INTO dispatch_audit (envelope_id, chat_id, task_id, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (envelope_id) DO NOTHING`
)

// DispatchAuditRepository records which envelope produced which task. The
// insert is idempotent per envelope_id, so the ledger write for a
// redelivered envelope is a no-op; it does not stop the redelivery from
// running the pipeline again (the duplicate-detection rules decide whether
// that run creates a task or appends a comment).
type DispatchAuditRepository struct {
	db *sql.DB
}

// NewDispatchAuditRepository wraps an established connection pool.
func NewDispatchAuditRepository(db *sql.DB) (*DispatchAuditRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	return &DispatchAuditRepository{db: db}, nil
}

// FindByEnvelopeID reports whether envelopeID was already processed, and
// if so, the task it produced.
func (a *DispatchAuditRepository) FindByEnvelopeID(ctx context.Context, envelopeID string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var taskID string
	err := a.db.QueryRowContext(ctx, findAuditByEnvelopeSQL, envelopeID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to query dispatch audit")
	}
	return taskID, true, nil
}

// RecordProcessed commits the envelope-to-task mapping. A concurrent
// redelivery racing this insert is resolved by the unique constraint on
// envelope_id: the loser's insert is a silent no-op, and its caller should
// re-read via FindByEnvelopeID to discover the winner's task id.
func (a *DispatchAuditRepository) RecordProcessed(ctx context.Context, envelopeID, chatID, taskID string, processedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, insertAuditSQL, envelopeID, chatID, taskID, processedAt)
	if err != nil {
		return errors.Wrap(err, "failed to record dispatch audit")
	}
	return nil
}
