// Package integrations provides storage for calendar provider integrations.
package integrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

// ErrNotFound is returned when no integration matches the query.
var ErrNotFound = errors.New("integration not found")

// Repository handles integration storage and retrieval.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new integration repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// CreateIntegration contains the data needed to register a new integration.
type CreateIntegration struct {
	UserID                  string
	Provider                string
	CalendarID              string
	SyncBookings            bool
	SyncAvailability        bool
	AutoBlockExternalEvents bool
	ConflictResolution      string
	AccessTokenEnc          []byte
	RefreshTokenEnc         []byte
	TokenExpiresAt          time.Time
	ChannelToken            string
	ClientState             string
	FeedURL                 string
}

// Create stores a new integration.
func (r *Repository) Create(ctx context.Context, in *CreateIntegration) (*database.Integration, error) {
	id := uuid.NewString()

	resolution := in.ConflictResolution
	if resolution == "" {
		resolution = database.ResolutionManual
	}
	calendarID := in.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	var expiry interface{}
	if !in.TokenExpiresAt.IsZero() {
		expiry = util.SQLiteTimestamp(in.TokenExpiresAt)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO integrations (
			id, user_id, provider, calendar_id, sync_bookings, sync_availability,
			auto_block_external_events, conflict_resolution,
			access_token_enc, refresh_token_enc, token_expires_at,
			channel_token, client_state, feed_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
	`, id, in.UserID, in.Provider, calendarID, in.SyncBookings, in.SyncAvailability,
		in.AutoBlockExternalEvents, resolution,
		in.AccessTokenEnc, in.RefreshTokenEnc, expiry,
		in.ChannelToken, in.ClientState, in.FeedURL)

	if err != nil {
		return nil, fmt.Errorf("failed to insert integration: %w", err)
	}

	return r.GetByID(ctx, id)
}

const integrationColumns = `
	id, user_id, provider, calendar_id, is_active, sync_bookings, sync_availability,
	auto_block_external_events, conflict_resolution,
	access_token_enc, refresh_token_enc, token_expires_at, needs_reauth,
	channel_token, client_state, feed_url, sync_token,
	sync_errors, last_error, last_sync_at, created_at, updated_at`

// GetByID retrieves an integration by its ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*database.Integration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE id = ?
	`, id)

	return scanIntegration(row)
}

// ListActiveByUser retrieves all active integrations for a user.
func (r *Repository) ListActiveByUser(ctx context.Context, userID string) ([]database.Integration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()

	return scanIntegrations(rows)
}

// ListByProvider retrieves all active integrations for a provider.
func (r *Repository) ListByProvider(ctx context.Context, provider string) ([]database.Integration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE provider = ? AND is_active = 1
	`, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()

	return scanIntegrations(rows)
}

// ListExpiringTokens retrieves active OAuth integrations whose access token
// expires before the given deadline.
func (r *Repository) ListExpiringTokens(ctx context.Context, before time.Time) ([]database.Integration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+integrationColumns+`
		FROM integrations
		WHERE is_active = 1
		  AND needs_reauth = 0
		  AND provider IN (?, ?)
		  AND token_expires_at IS NOT NULL
		  AND token_expires_at < ?
	`, database.ProviderGoogle, database.ProviderOutlook, util.SQLiteTimestamp(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring tokens: %w", err)
	}
	defer rows.Close()

	return scanIntegrations(rows)
}

// UpdateTokens stores refreshed tokens and resets the error counter.
func (r *Repository) UpdateTokens(ctx context.Context, id string, accessEnc, refreshEnc []byte, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET access_token_enc = ?,
		    refresh_token_enc = COALESCE(NULLIF(?, X''), refresh_token_enc),
		    token_expires_at = ?,
		    sync_errors = 0,
		    last_error = NULL,
		    needs_reauth = 0,
		    updated_at = datetime('now')
		WHERE id = ?
	`, accessEnc, refreshEnc, util.SQLiteTimestamp(expiresAt), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// UpdateSyncToken stores the provider's incremental sync cursor.
func (r *Repository) UpdateSyncToken(ctx context.Context, id, syncToken string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET sync_token = ?, updated_at = datetime('now')
		WHERE id = ?
	`, syncToken, id)
	if err != nil {
		return fmt.Errorf("failed to update sync token: %w", err)
	}
	return nil
}

// RecordSyncSuccess stamps the last successful sync and resets the error counter.
func (r *Repository) RecordSyncSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET sync_errors = 0, last_error = NULL,
		    last_sync_at = datetime('now'), updated_at = datetime('now')
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure increments the error counter, stores the error message,
// and returns the new counter value.
func (r *Repository) RecordSyncFailure(ctx context.Context, id, errMsg string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET sync_errors = sync_errors + 1, last_error = ?, updated_at = datetime('now')
		WHERE id = ?
	`, errMsg, id)
	if err != nil {
		return 0, fmt.Errorf("failed to record sync failure: %w", err)
	}

	var count int
	err = r.db.QueryRowContext(ctx, `SELECT sync_errors FROM integrations WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read error counter: %w", err)
	}
	return count, nil
}

// Deactivate disables an integration. Returns true only if the row was
// active, so the disabled notification fires exactly once.
func (r *Repository) Deactivate(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET is_active = 0, updated_at = datetime('now')
		WHERE id = ? AND is_active = 1
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate integration: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkNeedsReauth flags an integration for re-authorization and disables it.
// Returns true if the row was still active.
func (r *Repository) MarkNeedsReauth(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE integrations
		SET needs_reauth = 1, is_active = 0, updated_at = datetime('now')
		WHERE id = ? AND is_active = 1
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to flag re-authorization: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type integrationScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegrationRow(s integrationScanner) (*database.Integration, error) {
	var (
		in             database.Integration
		tokenExpiresAt sql.NullString
		lastSyncAt     sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := s.Scan(
		&in.ID, &in.UserID, &in.Provider, &in.CalendarID, &in.Active,
		&in.SyncBookings, &in.SyncAvailability, &in.AutoBlockExternalEvents,
		&in.ConflictResolution, &in.AccessTokenEnc, &in.RefreshTokenEnc,
		&tokenExpiresAt, &in.NeedsReauth, &in.ChannelToken, &in.ClientState,
		&in.FeedURL, &in.SyncToken, &in.SyncErrors, &in.LastError,
		&lastSyncAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.TokenExpiresAt = util.NullTimeFromSQLite(tokenExpiresAt)
	in.LastSyncAt = util.NullTimeFromSQLite(lastSyncAt)
	in.CreatedAt = util.TimeFromSQLite(createdAt)
	in.UpdatedAt = util.TimeFromSQLite(updatedAt)

	return &in, nil
}

func scanIntegration(row *sql.Row) (*database.Integration, error) {
	in, err := scanIntegrationRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}
	return in, nil
}

func scanIntegrations(rows *sql.Rows) ([]database.Integration, error) {
	var out []database.Integration
	for rows.Next() {
		in, err := scanIntegrationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration row: %w", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}
