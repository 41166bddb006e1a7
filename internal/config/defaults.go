// Package config provides default values for configuration.
package config

import "time"

// Server defaults
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8080
	DefaultBaseURL      = "http://localhost:8080"
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Database defaults
const (
	DefaultDataDir       = "/data"
	DefaultBusyTimeoutMs = 5000
)

// Queue defaults
const (
	DefaultQueueWorkers = 4
	DefaultLaneCapacity = 256

	DefaultCreateUniqueWindow  = 120 * time.Second
	DefaultUpdateUniqueWindow  = 180 * time.Second
	DefaultDeleteUniqueWindow  = 60 * time.Second
	DefaultWebhookUniqueWindow = 300 * time.Second
)

// Retry defaults
const (
	DefaultMaxAttempts    = 3
	DefaultRateLimitDelay = 120 * time.Second
)

// Circuit breaker defaults. Token failures trip earlier than general sync
// failures; the asymmetry is intentional policy.
const (
	DefaultTokenFailureThreshold   = 5
	DefaultSyncFailureThreshold    = 10
	DefaultWebhookFailureThreshold = 10
)

// Token refresh defaults
const (
	DefaultTokenScanLead       = 2 * time.Hour
	DefaultTokenRescheduleLead = 1 * time.Hour
	DefaultTokenMinReschedule  = 5 * time.Minute
	DefaultTokenScanSchedule   = "*/15 * * * *"
)

// Logging defaults
const (
	DefaultLogLevel = "info"
)

// Retention defaults
const (
	DefaultSyncRecordDays   = 30
	DefaultCleanupDoneDays  = 7
	DefaultConflictDays     = 90
	DefaultCleanupSchedule  = "0 3 * * *"
	DefaultICalPollSchedule = "*/10 * * * *"
	DefaultDedupWindow      = 24 * time.Hour
)
