// Package bookings provides read access to bookings and storage for the
// sync engine's per-booking sync status records.
package bookings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

// ErrNotFound is returned when no booking matches the query.
var ErrNotFound = errors.New("booking not found")

// Repository handles booking reads and sync-status writes. Booking
// lifecycle is owned by the booking system; this repository never creates
// or reschedules bookings, with the single exception of conflict-driven
// cancellation.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new booking repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// GetByID retrieves a booking by its ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*database.Booking, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, client_name, status, starts_at, ends_at, created_at, updated_at
		FROM bookings
		WHERE id = ?
	`, id)

	b, err := scanBookingRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	return b, nil
}

// ListActiveOverlapping retrieves non-cancelled bookings whose scheduled
// window strictly overlaps [start, end).
func (r *Repository) ListActiveOverlapping(ctx context.Context, start, end time.Time) ([]database.Booking, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_name, status, starts_at, ends_at, created_at, updated_at
		FROM bookings
		WHERE status NOT IN (?, ?)
		  AND starts_at < ?
		  AND ends_at > ?
		ORDER BY starts_at ASC
	`, database.BookingCancelled, database.BookingNoShow,
		util.SQLiteTimestamp(end), util.SQLiteTimestamp(start))
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping bookings: %w", err)
	}
	defer rows.Close()

	var out []database.Booking
	for rows.Next() {
		b, err := scanBookingRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Cancel marks a booking cancelled. Used only by conflict resolution with
// the cancel_booking strategy.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = ?, updated_at = datetime('now')
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, database.BookingCancelled, id,
		database.BookingCancelled, database.BookingCompleted, database.BookingNoShow)
	if err != nil {
		return fmt.Errorf("failed to cancel booking: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type bookingScanner interface {
	Scan(dest ...interface{}) error
}

func scanBookingRow(s bookingScanner) (*database.Booking, error) {
	var (
		b         database.Booking
		startsAt  string
		endsAt    string
		createdAt string
		updatedAt string
	)

	if err := s.Scan(&b.ID, &b.ClientName, &b.Status, &startsAt, &endsAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	b.StartsAt = util.TimeFromSQLite(startsAt)
	b.EndsAt = util.TimeFromSQLite(endsAt)
	b.CreatedAt = util.TimeFromSQLite(createdAt)
	b.UpdatedAt = util.TimeFromSQLite(updatedAt)

	return &b, nil
}

// Sync status records

// SetSyncState upserts the sync-status row for a (booking, integration)
// pair, replacing state, error and external event reference.
func (r *Repository) SetSyncState(ctx context.Context, bookingID, integrationID, state string, externalEventID, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO booking_sync_status (booking_id, integration_id, state, external_event_id, last_error, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), datetime('now'))
		ON CONFLICT(booking_id, integration_id) DO UPDATE SET
			state = excluded.state,
			external_event_id = COALESCE(excluded.external_event_id, external_event_id),
			last_error = excluded.last_error,
			updated_at = datetime('now')
	`, bookingID, integrationID, state, externalEventID, lastError)
	if err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	return nil
}

// RecordFailedChanges stores the change set of a permanently failed update
// so that the booking owner can reconcile it manually.
func (r *Repository) RecordFailedChanges(ctx context.Context, bookingID, integrationID string, changes map[string]interface{}, lastError string) error {
	data, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to marshal failed changes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO booking_sync_status (booking_id, integration_id, state, failed_changes, last_error, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), datetime('now'))
		ON CONFLICT(booking_id, integration_id) DO UPDATE SET
			state = excluded.state,
			failed_changes = excluded.failed_changes,
			last_error = excluded.last_error,
			updated_at = datetime('now')
	`, bookingID, integrationID, database.SyncStateUpdateFailed, string(data), lastError)
	if err != nil {
		return fmt.Errorf("failed to record failed changes: %w", err)
	}
	return nil
}

// RecordDeletion stamps the sync-status row after a remote deletion
// attempt. A failed deletion keeps the external event reference.
func (r *Repository) RecordDeletion(ctx context.Context, bookingID, integrationID string, succeeded bool, lastError string) error {
	state := database.SyncStateDeleted
	if !succeeded {
		state = database.SyncStateDeleteFailed
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO booking_sync_status (booking_id, integration_id, state, last_error, deleted_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), datetime('now'), datetime('now'))
		ON CONFLICT(booking_id, integration_id) DO UPDATE SET
			state = excluded.state,
			last_error = excluded.last_error,
			deleted_at = datetime('now'),
			updated_at = datetime('now')
	`, bookingID, integrationID, state, lastError)
	if err != nil {
		return fmt.Errorf("failed to record deletion: %w", err)
	}
	return nil
}

// RecordConflict annotates the sync-status row with the external event
// that conflicts with the booking.
func (r *Repository) RecordConflict(ctx context.Context, bookingID, integrationID, conflictEventID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO booking_sync_status (booking_id, integration_id, state, conflict_event_id, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(booking_id, integration_id) DO UPDATE SET
			state = excluded.state,
			conflict_event_id = excluded.conflict_event_id,
			updated_at = datetime('now')
	`, bookingID, integrationID, database.SyncStateConflict, conflictEventID)
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// GetSyncStatus retrieves the sync-status row for a (booking, integration) pair.
func (r *Repository) GetSyncStatus(ctx context.Context, bookingID, integrationID string) (*database.BookingSyncStatus, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT booking_id, integration_id, state, external_event_id, last_error,
		       failed_changes, conflict_event_id, deleted_at, updated_at
		FROM booking_sync_status
		WHERE booking_id = ? AND integration_id = ?
	`, bookingID, integrationID)

	var (
		st            database.BookingSyncStatus
		failedChanges sql.NullString
		deletedAt     sql.NullString
		updatedAt     string
	)

	err := row.Scan(&st.BookingID, &st.IntegrationID, &st.State, &st.ExternalEventID,
		&st.LastError, &failedChanges, &st.ConflictEventID, &deletedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync status: %w", err)
	}

	if failedChanges.Valid {
		st.FailedChanges = json.RawMessage(failedChanges.String)
	}
	st.DeletedAt = util.NullTimeFromSQLite(deletedAt)
	st.UpdatedAt = util.TimeFromSQLite(updatedAt)

	return &st, nil
}
