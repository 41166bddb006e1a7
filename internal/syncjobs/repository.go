// Package syncjobs provides storage for sync job execution records.
// Records double as the dedup ledger for webhook deliveries.
package syncjobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

// ErrNotFound is returned when no record matches the query.
var ErrNotFound = errors.New("sync job record not found")

// Repository handles sync job record storage.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new sync job record repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a pending record and returns it.
func (r *Repository) Create(ctx context.Context, integrationID, jobType, webhookID string, jobData interface{}) (*database.SyncJobRecord, error) {
	id := uuid.NewString()

	var data []byte
	if jobData != nil {
		var err error
		data, err = json.Marshal(jobData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job data: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_job_records (id, integration_id, type, status, webhook_id, job_data)
		VALUES (?, ?, ?, 'pending', NULLIF(?, ''), ?)
	`, id, integrationID, jobType, webhookID, nullableBytes(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync job record: %w", err)
	}

	return r.GetByID(ctx, id)
}

const recordColumns = `
	id, integration_id, type, status, webhook_id, processed_count, job_data, started_at, completed_at`

// GetByID retrieves a record by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*database.SyncJobRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+recordColumns+`
		FROM sync_job_records
		WHERE id = ?
	`, id)

	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job record: %w", err)
	}
	return rec, nil
}

// MarkProcessing transitions a record to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, database.JobStatusProcessing, false)
}

// MarkCompleted finalizes a record with the number of events processed.
func (r *Repository) MarkCompleted(ctx context.Context, id string, processed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_job_records
		SET status = ?, processed_count = ?, completed_at = datetime('now')
		WHERE id = ?
	`, database.JobStatusCompleted, processed, id)
	if err != nil {
		return fmt.Errorf("failed to complete sync job record: %w", err)
	}
	return nil
}

// MarkFailed finalizes a record as failed.
func (r *Repository) MarkFailed(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, database.JobStatusFailed, true)
}

// MarkDuplicateSkipped finalizes a record as a skipped duplicate delivery.
func (r *Repository) MarkDuplicateSkipped(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, database.JobStatusDuplicateSkipped, true)
}

func (r *Repository) setStatus(ctx context.Context, id, status string, complete bool) error {
	var err error
	if complete {
		_, err = r.db.ExecContext(ctx, `
			UPDATE sync_job_records SET status = ?, completed_at = datetime('now') WHERE id = ?
		`, status, id)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE sync_job_records SET status = ? WHERE id = ?
		`, status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update sync job record status: %w", err)
	}
	return nil
}

// HasRecentWebhook reports whether a non-failed record for the same webhook
// delivery exists within the dedup window. Failed deliveries do not count,
// so a redelivery after a failure is processed again.
func (r *Repository) HasRecentWebhook(ctx context.Context, integrationID, webhookID string, window time.Duration) (bool, error) {
	cutoff := util.SQLiteTimestamp(time.Now().Add(-window))

	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sync_job_records
		WHERE integration_id = ? AND webhook_id = ? AND started_at >= ?
		  AND status != ?
	`, integrationID, webhookID, cutoff, database.JobStatusFailed).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook dedup: %w", err)
	}
	return count > 0, nil
}

// ListRecent returns the most recent records for an integration, newest first.
// An empty integrationID lists across all integrations.
func (r *Repository) ListRecent(ctx context.Context, integrationID string, limit int) ([]*database.SyncJobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT`+recordColumns+`
		FROM sync_job_records
		WHERE (? = '' OR integration_id = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, integrationID, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync job records: %w", err)
	}
	defer rows.Close()

	var records []*database.SyncJobRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOlderThan removes records started before the cutoff. Used by the
// retention worker.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sync_job_records WHERE started_at < ?
	`, util.SQLiteTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync job records: %w", err)
	}
	return res.RowsAffected()
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type recordScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecordRow(s recordScanner) (*database.SyncJobRecord, error) {
	var (
		rec         database.SyncJobRecord
		jobData     sql.NullString
		startedAt   string
		completedAt sql.NullString
	)

	err := s.Scan(
		&rec.ID, &rec.IntegrationID, &rec.Type, &rec.Status, &rec.WebhookID,
		&rec.ProcessedCount, &jobData, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if jobData.Valid {
		rec.JobData = json.RawMessage(jobData.String)
	}
	rec.StartedAt = util.TimeFromSQLite(startedAt)
	rec.CompletedAt = util.NullTimeFromSQLite(completedAt)

	return &rec, nil
}
