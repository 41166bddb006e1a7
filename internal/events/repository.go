// Package events provides storage for the local calendar event mirror.
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

// ErrNotFound is returned when no mirror row matches the query.
var ErrNotFound = errors.New("calendar event not found")

// Repository handles calendar event mirror storage.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new calendar event repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// UpsertEvent contains the data for creating or refreshing a mirror row.
type UpsertEvent struct {
	IntegrationID     string
	ExternalEventID   string
	BookingID         string
	Title             string
	Description       string
	StartsAt          time.Time
	EndsAt            time.Time
	AllDay            bool
	BlocksBooking     bool
	ExternalUpdatedAt time.Time
}

// Upsert creates or updates the mirror row for (integration, external id)
// and stamps synced_at. The unique constraint guarantees at most one row
// per pair.
func (r *Repository) Upsert(ctx context.Context, in *UpsertEvent) (*database.CalendarEvent, error) {
	var externalUpdated interface{}
	if !in.ExternalUpdatedAt.IsZero() {
		externalUpdated = util.SQLiteTimestamp(in.ExternalUpdatedAt)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO calendar_events (
			integration_id, external_event_id, booking_id, title, description,
			starts_at, ends_at, is_all_day, blocks_booking, synced_at, external_updated_at
		) VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, datetime('now'), ?)
		ON CONFLICT(integration_id, external_event_id) DO UPDATE SET
			booking_id = COALESCE(excluded.booking_id, booking_id),
			title = excluded.title,
			description = excluded.description,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			is_all_day = excluded.is_all_day,
			blocks_booking = excluded.blocks_booking,
			synced_at = datetime('now'),
			external_updated_at = excluded.external_updated_at
	`, in.IntegrationID, in.ExternalEventID, in.BookingID, in.Title, in.Description,
		util.SQLiteTimestamp(in.StartsAt), util.SQLiteTimestamp(in.EndsAt),
		in.AllDay, in.BlocksBooking, externalUpdated)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert calendar event: %w", err)
	}

	return r.GetByExternalID(ctx, in.IntegrationID, in.ExternalEventID)
}

const eventColumns = `
	id, integration_id, external_event_id, booking_id, title, description,
	starts_at, ends_at, is_all_day, blocks_booking, synced_at, external_updated_at, created_at`

// GetByExternalID retrieves the mirror row for (integration, external id).
func (r *Repository) GetByExternalID(ctx context.Context, integrationID, externalEventID string) (*database.CalendarEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+eventColumns+`
		FROM calendar_events
		WHERE integration_id = ? AND external_event_id = ?
	`, integrationID, externalEventID)

	return scanEvent(row)
}

// GetByBooking retrieves the mirror row linked to a booking, if any.
func (r *Repository) GetByBooking(ctx context.Context, integrationID, bookingID string) (*database.CalendarEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+eventColumns+`
		FROM calendar_events
		WHERE integration_id = ? AND booking_id = ?
	`, integrationID, bookingID)

	return scanEvent(row)
}

// ListBlockingOverlapping returns blocking mirror events that strictly
// overlap the window. Used for conflict checks when creating bookings.
func (r *Repository) ListBlockingOverlapping(ctx context.Context, integrationID string, start, end time.Time) ([]*database.CalendarEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+eventColumns+`
		FROM calendar_events
		WHERE integration_id = ? AND blocks_booking = 1
		  AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at ASC
	`, integrationID, util.SQLiteTimestamp(end), util.SQLiteTimestamp(start))
	if err != nil {
		return nil, fmt.Errorf("failed to list overlapping events: %w", err)
	}
	defer rows.Close()

	var events []*database.CalendarEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Delete removes the mirror row for (integration, external id).
func (r *Repository) Delete(ctx context.Context, integrationID, externalEventID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM calendar_events
		WHERE integration_id = ? AND external_event_id = ?
	`, integrationID, externalEventID)
	if err != nil {
		return fmt.Errorf("failed to delete calendar event: %w", err)
	}
	return nil
}

// MarkOutOfSync clears synced_at after a permanently failed update, so the
// row is visibly stale until the next successful sync.
func (r *Repository) MarkOutOfSync(ctx context.Context, integrationID, externalEventID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calendar_events
		SET synced_at = NULL
		WHERE integration_id = ? AND external_event_id = ?
	`, integrationID, externalEventID)
	if err != nil {
		return fmt.Errorf("failed to mark event out of sync: %w", err)
	}
	return nil
}

// TouchSynced refreshes synced_at after a successful provider call.
func (r *Repository) TouchSynced(ctx context.Context, integrationID, externalEventID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE calendar_events
		SET synced_at = datetime('now')
		WHERE integration_id = ? AND external_event_id = ?
	`, integrationID, externalEventID)
	if err != nil {
		return fmt.Errorf("failed to touch synced_at: %w", err)
	}
	return nil
}

type eventScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row *sql.Row) (*database.CalendarEvent, error) {
	ev, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar event: %w", err)
	}
	return ev, nil
}

func scanEventRow(s eventScanner) (*database.CalendarEvent, error) {
	var (
		ev                database.CalendarEvent
		startsAt          string
		endsAt            string
		syncedAt          sql.NullString
		externalUpdatedAt sql.NullString
		createdAt         string
	)

	err := s.Scan(
		&ev.ID, &ev.IntegrationID, &ev.ExternalEventID, &ev.BookingID,
		&ev.Title, &ev.Description, &startsAt, &endsAt, &ev.AllDay,
		&ev.BlocksBooking, &syncedAt, &externalUpdatedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	ev.StartsAt = util.TimeFromSQLite(startsAt)
	ev.EndsAt = util.TimeFromSQLite(endsAt)
	ev.SyncedAt = util.NullTimeFromSQLite(syncedAt)
	ev.ExternalUpdatedAt = util.NullTimeFromSQLite(externalUpdatedAt)
	ev.CreatedAt = util.TimeFromSQLite(createdAt)

	return &ev, nil
}
