// Package conflicts provides storage for conflict reviews and pending
// cleanup markers.
package conflicts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

// Repository handles conflict review and pending cleanup storage.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new conflicts repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// CreateReview records a conflict awaiting manual resolution. A duplicate
// open review for the same (booking, event) pair is not created.
func (r *Repository) CreateReview(ctx context.Context, integrationID, bookingID, externalEventID, severity string, overlapMinutes int) error {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflict_reviews
		WHERE booking_id = ? AND external_event_id = ? AND status = ?
	`, bookingID, externalEventID, database.ReviewOpen).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check for open review: %w", err)
	}
	if count > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflict_reviews (integration_id, booking_id, external_event_id, severity, overlap_minutes)
		VALUES (?, ?, ?, ?, ?)
	`, integrationID, bookingID, externalEventID, severity, overlapMinutes)
	if err != nil {
		return fmt.Errorf("failed to create conflict review: %w", err)
	}
	return nil
}

// ListOpenReviews returns open reviews for an integration, oldest first.
func (r *Repository) ListOpenReviews(ctx context.Context, integrationID string) ([]*database.ConflictReview, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, integration_id, booking_id, external_event_id, severity,
		       overlap_minutes, status, created_at, resolved_at
		FROM conflict_reviews
		WHERE integration_id = ? AND status = ?
		ORDER BY created_at ASC
	`, integrationID, database.ReviewOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*database.ConflictReview
	for rows.Next() {
		var (
			rev        database.ConflictReview
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(
			&rev.ID, &rev.IntegrationID, &rev.BookingID, &rev.ExternalEventID,
			&rev.Severity, &rev.OverlapMinutes, &rev.Status, &createdAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conflict review: %w", err)
		}
		rev.CreatedAt = util.TimeFromSQLite(createdAt)
		rev.ResolvedAt = util.NullTimeFromSQLite(resolvedAt)
		reviews = append(reviews, &rev)
	}
	return reviews, rows.Err()
}

// CloseReview marks a review resolved or dismissed.
func (r *Repository) CloseReview(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conflict_reviews
		SET status = ?, resolved_at = datetime('now')
		WHERE id = ? AND status = ?
	`, status, id, database.ReviewOpen)
	if err != nil {
		return fmt.Errorf("failed to close conflict review: %w", err)
	}
	return nil
}

// ResolveReviewsForEvent closes any open reviews referencing an external
// event, used when the event is deleted remotely.
func (r *Repository) ResolveReviewsForEvent(ctx context.Context, integrationID, externalEventID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conflict_reviews
		SET status = ?, resolved_at = datetime('now')
		WHERE integration_id = ? AND external_event_id = ? AND status = ?
	`, database.ReviewResolved, integrationID, externalEventID, database.ReviewOpen)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve reviews for event: %w", err)
	}
	return res.RowsAffected()
}

// AddPendingCleanup records a durable marker for a mirror row whose remote
// deletion could not be confirmed.
func (r *Repository) AddPendingCleanup(ctx context.Context, integrationID, externalEventID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_cleanups (integration_id, external_event_id, reason)
		VALUES (?, ?, ?)
	`, integrationID, externalEventID, reason)
	if err != nil {
		return fmt.Errorf("failed to add pending cleanup: %w", err)
	}
	return nil
}

// ListUnresolvedCleanups returns markers not yet resolved, oldest first.
func (r *Repository) ListUnresolvedCleanups(ctx context.Context, limit int) ([]*database.PendingCleanup, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, integration_id, external_event_id, reason, created_at, resolved_at
		FROM pending_cleanups
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cleanups: %w", err)
	}
	defer rows.Close()

	var cleanups []*database.PendingCleanup
	for rows.Next() {
		var (
			pc         database.PendingCleanup
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&pc.ID, &pc.IntegrationID, &pc.ExternalEventID, &pc.Reason, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending cleanup: %w", err)
		}
		pc.CreatedAt = util.TimeFromSQLite(createdAt)
		pc.ResolvedAt = util.NullTimeFromSQLite(resolvedAt)
		cleanups = append(cleanups, &pc)
	}
	return cleanups, rows.Err()
}

// ResolveCleanup marks a pending cleanup as done.
func (r *Repository) ResolveCleanup(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_cleanups SET resolved_at = datetime('now') WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve pending cleanup: %w", err)
	}
	return nil
}

// DeleteResolvedOlderThan prunes resolved markers created before the cutoff.
func (r *Repository) DeleteResolvedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_cleanups
		WHERE resolved_at IS NOT NULL AND created_at < ?
	`, util.SQLiteTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune pending cleanups: %w", err)
	}
	return res.RowsAffected()
}
