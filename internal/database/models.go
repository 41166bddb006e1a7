// Package database provides shared model structs used across the application.
package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Provider constants
const (
	ProviderGoogle  = "google"
	ProviderOutlook = "outlook"
	ProviderICal    = "ical"
)

// Integration represents one user's connection to one external calendar provider.
type Integration struct {
	ID                      string
	UserID                  string
	Provider                string
	CalendarID              string
	Active                  bool
	SyncBookings            bool
	SyncAvailability        bool
	AutoBlockExternalEvents bool
	ConflictResolution      string
	AccessTokenEnc          []byte
	RefreshTokenEnc         []byte
	TokenExpiresAt          sql.NullTime
	NeedsReauth             bool
	ChannelToken            sql.NullString // Google push channel token
	ClientState             sql.NullString // Outlook subscription clientState
	FeedURL                 sql.NullString // iCal feed URL
	SyncToken               sql.NullString // incremental sync cursor
	SyncErrors              int
	LastError               sql.NullString
	LastSyncAt              sql.NullTime
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Conflict resolution strategies
const (
	ResolutionCancelBooking = "cancel_booking"
	ResolutionIgnore        = "ignore_conflict"
	ResolutionNotifyOnly    = "notify_only"
	ResolutionManual        = "manual"
)

// Booking represents an internal appointment. The sync engine only reads
// the scheduling fields; booking lifecycle belongs to the booking system.
type Booking struct {
	ID         string
	ClientName string
	Status     string
	StartsAt   time.Time
	EndsAt     time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Booking status constants
const (
	BookingPending    = "pending"
	BookingConfirmed  = "confirmed"
	BookingInProgress = "in_progress"
	BookingCompleted  = "completed"
	BookingCancelled  = "cancelled"
	BookingNoShow     = "no_show"
)

// SyncableBookingStatus reports whether a booking in the given status may
// still be pushed to an external calendar.
func SyncableBookingStatus(status string) bool {
	switch status {
	case BookingPending, BookingConfirmed, BookingInProgress:
		return true
	default:
		return false
	}
}

// CalendarEvent is the local mirror of one external calendar event.
// At most one row exists per (integration_id, external_event_id).
type CalendarEvent struct {
	ID                int64
	IntegrationID     string
	ExternalEventID   string
	BookingID         sql.NullString
	Title             string
	Description       string
	StartsAt          time.Time
	EndsAt            time.Time
	AllDay            bool
	BlocksBooking     bool
	SyncedAt          sql.NullTime
	ExternalUpdatedAt sql.NullTime
	CreatedAt         time.Time
}

// SyncJobRecord is the audit/tracking row for one job execution. It also
// serves as the dedup key for webhook deliveries.
type SyncJobRecord struct {
	ID             string
	IntegrationID  string
	Type           string
	Status         string
	WebhookID      sql.NullString
	ProcessedCount int
	JobData        json.RawMessage
	StartedAt      time.Time
	CompletedAt    sql.NullTime
}

// Sync job record types
const (
	JobTypeSyncEvents  = "sync_events"
	JobTypeWebhookSync = "webhook_sync"
)

// Sync job record statuses
const (
	JobStatusPending          = "pending"
	JobStatusProcessing       = "processing"
	JobStatusCompleted        = "completed"
	JobStatusFailed           = "failed"
	JobStatusDuplicateSkipped = "duplicate_skipped"
)

// BookingSyncStatus is the typed sync-state record owned by the sync
// engine, one row per (booking, integration).
type BookingSyncStatus struct {
	BookingID       string
	IntegrationID   string
	State           string
	ExternalEventID sql.NullString
	LastError       sql.NullString
	FailedChanges   json.RawMessage
	ConflictEventID sql.NullString
	DeletedAt       sql.NullTime
	UpdatedAt       time.Time
}

// Booking sync states
const (
	SyncStateSynced       = "synced"
	SyncStateCreateFailed = "create_failed"
	SyncStateUpdateFailed = "update_failed"
	SyncStateDeleteFailed = "delete_failed"
	SyncStateDeleted      = "deleted"
	SyncStateConflict     = "conflict"
)

// ConflictReview is a persisted conflict awaiting manual resolution.
type ConflictReview struct {
	ID              int64
	IntegrationID   string
	BookingID       string
	ExternalEventID string
	Severity        string
	OverlapMinutes  int
	Status          string
	CreatedAt       time.Time
	ResolvedAt      sql.NullTime
}

// Conflict review statuses
const (
	ReviewOpen      = "open"
	ReviewResolved  = "resolved"
	ReviewDismissed = "dismissed"
)

// PendingCleanup is a durable marker for local mirror rows whose remote
// deletion could not be confirmed. A recovery sweep retries them.
type PendingCleanup struct {
	ID              int64
	IntegrationID   string
	ExternalEventID string
	Reason          string
	CreatedAt       time.Time
	ResolvedAt      sql.NullTime
}
