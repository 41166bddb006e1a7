// Package database handles database migrations.
package database

import (
	"fmt"
)

// migrate runs all database migrations.
func (db *DB) migrate() error {
	// Create migrations table if not exists
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	// Run migrations
	migrations := getAllMigrations()
	for _, m := range migrations {
		if m.version > currentVersion {
			if err := db.runMigration(m); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

func (db *DB) runMigration(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func getAllMigrations() []migration {
	return []migration{
		{
			version: 1,
			sql: `
				CREATE TABLE integrations (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					provider TEXT NOT NULL CHECK (provider IN ('google', 'outlook', 'ical')),
					calendar_id TEXT NOT NULL DEFAULT 'primary',
					is_active INTEGER NOT NULL DEFAULT 1,
					sync_bookings INTEGER NOT NULL DEFAULT 1,
					sync_availability INTEGER NOT NULL DEFAULT 0,
					auto_block_external_events INTEGER NOT NULL DEFAULT 0,
					conflict_resolution TEXT NOT NULL DEFAULT 'manual',
					access_token_enc BLOB,
					refresh_token_enc BLOB,
					token_expires_at TEXT,
					needs_reauth INTEGER NOT NULL DEFAULT 0,
					channel_token TEXT,
					client_state TEXT,
					feed_url TEXT,
					sync_token TEXT,
					sync_errors INTEGER NOT NULL DEFAULT 0,
					last_error TEXT,
					last_sync_at TEXT,
					created_at TEXT NOT NULL DEFAULT (datetime('now')),
					updated_at TEXT NOT NULL DEFAULT (datetime('now'))
				);
				CREATE INDEX idx_integrations_user ON integrations(user_id);
				CREATE INDEX idx_integrations_expiry ON integrations(token_expires_at) WHERE is_active = 1;

				CREATE TABLE bookings (
					id TEXT PRIMARY KEY,
					client_name TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending',
					starts_at TEXT NOT NULL,
					ends_at TEXT NOT NULL,
					created_at TEXT NOT NULL DEFAULT (datetime('now')),
					updated_at TEXT NOT NULL DEFAULT (datetime('now'))
				);
				CREATE INDEX idx_bookings_window ON bookings(starts_at, ends_at);

				CREATE TABLE calendar_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					integration_id TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
					external_event_id TEXT NOT NULL,
					booking_id TEXT,
					title TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					starts_at TEXT NOT NULL,
					ends_at TEXT NOT NULL,
					is_all_day INTEGER NOT NULL DEFAULT 0,
					blocks_booking INTEGER NOT NULL DEFAULT 1,
					synced_at TEXT,
					external_updated_at TEXT,
					created_at TEXT NOT NULL DEFAULT (datetime('now')),
					UNIQUE (integration_id, external_event_id)
				);
				CREATE INDEX idx_calendar_events_booking ON calendar_events(booking_id);

				CREATE TABLE sync_job_records (
					id TEXT PRIMARY KEY,
					integration_id TEXT NOT NULL,
					type TEXT NOT NULL CHECK (type IN ('sync_events', 'webhook_sync')),
					status TEXT NOT NULL DEFAULT 'pending',
					webhook_id TEXT,
					processed_count INTEGER NOT NULL DEFAULT 0,
					job_data TEXT,
					started_at TEXT NOT NULL DEFAULT (datetime('now')),
					completed_at TEXT
				);
				CREATE INDEX idx_sync_job_records_webhook ON sync_job_records(integration_id, webhook_id, started_at);
				CREATE INDEX idx_sync_job_records_started ON sync_job_records(started_at);

				CREATE TABLE booking_sync_status (
					booking_id TEXT NOT NULL,
					integration_id TEXT NOT NULL,
					state TEXT NOT NULL,
					external_event_id TEXT,
					last_error TEXT,
					failed_changes TEXT,
					conflict_event_id TEXT,
					deleted_at TEXT,
					updated_at TEXT NOT NULL DEFAULT (datetime('now')),
					PRIMARY KEY (booking_id, integration_id)
				);

				CREATE TABLE conflict_reviews (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					integration_id TEXT NOT NULL,
					booking_id TEXT NOT NULL,
					external_event_id TEXT NOT NULL,
					severity TEXT NOT NULL,
					overlap_minutes INTEGER NOT NULL,
					status TEXT NOT NULL DEFAULT 'open',
					created_at TEXT NOT NULL DEFAULT (datetime('now')),
					resolved_at TEXT
				);
				CREATE INDEX idx_conflict_reviews_open ON conflict_reviews(integration_id, status);

				CREATE TABLE pending_cleanups (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					integration_id TEXT NOT NULL,
					external_event_id TEXT NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL DEFAULT (datetime('now')),
					resolved_at TEXT
				);
				CREATE INDEX idx_pending_cleanups_unresolved ON pending_cleanups(integration_id) WHERE resolved_at IS NULL;
			`,
		},
	}
}
