// Package config handles configuration loading from environment variables and optional YAML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Google    OAuthClientConfig
	Outlook   OAuthClientConfig
	Queue     QueueConfig
	Retry     RetryConfig
	Conflicts ConflictsConfig
	Breaker   BreakerConfig
	Tokens    TokensConfig
	RateLimit RateLimitConfig
	Notify    NotifyConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Retention RetentionConfig
}

// ServerConfig holds HTTP server settings for the webhook ingress.
type ServerConfig struct {
	Host         string
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path          string
	WALMode       bool
	BusyTimeoutMs int
}

// OAuthClientConfig holds OAuth client credentials for a calendar provider.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// QueueConfig holds worker pool and scheduling settings.
type QueueConfig struct {
	Workers      int
	LaneCapacity int
	// Uniqueness windows per job kind, absorbing near-simultaneous triggers.
	CreateUniqueWindow  time.Duration
	UpdateUniqueWindow  time.Duration
	DeleteUniqueWindow  time.Duration
	WebhookUniqueWindow time.Duration
}

// KindRetryConfig holds backoff parameters for one job kind.
type KindRetryConfig struct {
	BaseDelay       time.Duration
	UrgentBaseDelay time.Duration
	Ceiling         time.Duration
	MaxJitter       time.Duration
	Timeout         time.Duration
}

// RetryConfig holds retry/backoff settings per job kind.
type RetryConfig struct {
	MaxAttempts    int
	RateLimitDelay time.Duration // extra fixed delay after rate-limited failures
	Create         KindRetryConfig
	Update         KindRetryConfig
	Delete         KindRetryConfig
	Webhook        KindRetryConfig
	TokenRefresh   KindRetryConfig
	// Urgency boundaries derived from time-to-booking.
	UrgentLead time.Duration
	HighLead   time.Duration
}

// ConflictsConfig holds conflict detection/resolution settings.
type ConflictsConfig struct {
	HighSeverityMinutes   int
	MediumSeverityMinutes int
}

// BreakerConfig holds integration circuit-breaker thresholds.
// The asymmetric values mirror long-standing operational policy; they are
// deliberately kept as three separate knobs.
type BreakerConfig struct {
	TokenFailureThreshold   int
	SyncFailureThreshold    int
	WebhookFailureThreshold int
}

// TokensConfig holds token refresh coordinator settings.
type TokensConfig struct {
	ExpiryScanLead     time.Duration // refresh integrations expiring within this window
	RescheduleLead     time.Duration // self-schedule next refresh this far before expiry
	MinRescheduleDelay time.Duration
	ScanSchedule       string // cron expression
}

// ProviderLimit defines outbound rate limits for one provider.
type ProviderLimit struct {
	RequestsPerMinute int
	Burst             int
}

// RateLimitConfig holds per-provider outbound call limits.
type RateLimitConfig struct {
	Google  ProviderLimit
	Outlook ProviderLimit
	ICal    ProviderLimit
}

// WebhookSinkConfig holds outbound notification webhook settings.
type WebhookSinkConfig struct {
	Enabled        bool
	URL            string
	Secret         string
	TimeoutSeconds int
}

// NotifyConfig holds notification sink settings.
type NotifyConfig struct {
	Webhook WebhookSinkConfig
}

// AuthConfig holds secrets for token encryption at rest.
type AuthConfig struct {
	EncryptionKey string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// RetentionConfig holds data retention settings.
type RetentionConfig struct {
	Enabled          bool
	SyncRecordDays   int
	CleanupDoneDays  int
	ConflictDays     int
	CleanupSchedule  string
	ICalPollSchedule string
	DedupWindow      time.Duration // webhook duplicate detection window
}

// Load reads configuration from environment variables with defaults,
// then applies any YAML file overrides from CALSYNC_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server = ServerConfig{
		Host:         getEnv("HOST", DefaultHost),
		Port:         getEnvInt("PORT", DefaultPort),
		BaseURL:      getEnv("BASE_URL", DefaultBaseURL),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", DefaultReadTimeout),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", DefaultWriteTimeout),
	}

	cfg.Database = DatabaseConfig{
		Path:          getEnv("DATA_DIR", DefaultDataDir) + "/calsync.db",
		WALMode:       true,
		BusyTimeoutMs: DefaultBusyTimeoutMs,
	}

	cfg.Google = OAuthClientConfig{
		ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		RedirectURI:  cfg.Server.BaseURL + "/oauth/google/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar.events"},
	}

	cfg.Outlook = OAuthClientConfig{
		ClientID:     getEnv("OUTLOOK_CLIENT_ID", ""),
		ClientSecret: getEnv("OUTLOOK_CLIENT_SECRET", ""),
		RedirectURI:  cfg.Server.BaseURL + "/oauth/outlook/callback",
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
	}

	cfg.Queue = QueueConfig{
		Workers:             getEnvInt("QUEUE_WORKERS", DefaultQueueWorkers),
		LaneCapacity:        getEnvInt("QUEUE_LANE_CAPACITY", DefaultLaneCapacity),
		CreateUniqueWindow:  DefaultCreateUniqueWindow,
		UpdateUniqueWindow:  DefaultUpdateUniqueWindow,
		DeleteUniqueWindow:  DefaultDeleteUniqueWindow,
		WebhookUniqueWindow: DefaultWebhookUniqueWindow,
	}

	cfg.Retry = RetryConfig{
		MaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", DefaultMaxAttempts),
		RateLimitDelay: DefaultRateLimitDelay,
		Create: KindRetryConfig{
			BaseDelay:       30 * time.Second,
			UrgentBaseDelay: 15 * time.Second,
			Ceiling:         30 * time.Minute,
			MaxJitter:       15 * time.Second,
			Timeout:         2 * time.Minute,
		},
		Update: KindRetryConfig{
			BaseDelay:       30 * time.Second,
			UrgentBaseDelay: 15 * time.Second,
			Ceiling:         30 * time.Minute,
			MaxJitter:       15 * time.Second,
			Timeout:         2 * time.Minute,
		},
		Delete: KindRetryConfig{
			BaseDelay:       20 * time.Second,
			UrgentBaseDelay: 10 * time.Second,
			Ceiling:         5 * time.Minute,
			MaxJitter:       15 * time.Second,
			Timeout:         1 * time.Minute,
		},
		Webhook: KindRetryConfig{
			BaseDelay:       30 * time.Second,
			UrgentBaseDelay: 30 * time.Second,
			Ceiling:         30 * time.Minute,
			MaxJitter:       15 * time.Second,
			Timeout:         5 * time.Minute,
		},
		TokenRefresh: KindRetryConfig{
			BaseDelay:       120 * time.Second,
			UrgentBaseDelay: 120 * time.Second,
			Ceiling:         1 * time.Hour,
			MaxJitter:       60 * time.Second,
			Timeout:         3 * time.Minute,
		},
		UrgentLead: 2 * time.Hour,
		HighLead:   24 * time.Hour,
	}

	cfg.Conflicts = ConflictsConfig{
		HighSeverityMinutes:   60,
		MediumSeverityMinutes: 30,
	}

	cfg.Breaker = BreakerConfig{
		TokenFailureThreshold:   getEnvInt("BREAKER_TOKEN_THRESHOLD", DefaultTokenFailureThreshold),
		SyncFailureThreshold:    getEnvInt("BREAKER_SYNC_THRESHOLD", DefaultSyncFailureThreshold),
		WebhookFailureThreshold: getEnvInt("BREAKER_WEBHOOK_THRESHOLD", DefaultWebhookFailureThreshold),
	}

	cfg.Tokens = TokensConfig{
		ExpiryScanLead:     getEnvDuration("TOKEN_SCAN_LEAD", DefaultTokenScanLead),
		RescheduleLead:     DefaultTokenRescheduleLead,
		MinRescheduleDelay: DefaultTokenMinReschedule,
		ScanSchedule:       getEnv("TOKEN_SCAN_SCHEDULE", DefaultTokenScanSchedule),
	}

	cfg.RateLimit = RateLimitConfig{
		Google:  ProviderLimit{RequestsPerMinute: 60, Burst: 10},
		Outlook: ProviderLimit{RequestsPerMinute: 60, Burst: 10},
		ICal:    ProviderLimit{RequestsPerMinute: 30, Burst: 5},
	}

	cfg.Notify = NotifyConfig{
		Webhook: WebhookSinkConfig{
			Enabled:        getEnvBool("NOTIFY_WEBHOOK_ENABLED", false),
			URL:            getEnv("NOTIFY_WEBHOOK_URL", ""),
			Secret:         getEnv("NOTIFY_WEBHOOK_SECRET", ""),
			TimeoutSeconds: 10,
		},
	}

	cfg.Auth = AuthConfig{
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", DefaultLogLevel),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	cfg.Retention = RetentionConfig{
		Enabled:          true,
		SyncRecordDays:   getEnvInt("RETENTION_SYNC_RECORD_DAYS", DefaultSyncRecordDays),
		CleanupDoneDays:  getEnvInt("RETENTION_CLEANUP_DONE_DAYS", DefaultCleanupDoneDays),
		ConflictDays:     getEnvInt("RETENTION_CONFLICT_DAYS", DefaultConflictDays),
		CleanupSchedule:  getEnv("CLEANUP_SCHEDULE", DefaultCleanupSchedule),
		ICalPollSchedule: getEnv("ICAL_POLL_SCHEDULE", DefaultICalPollSchedule),
		DedupWindow:      DefaultDedupWindow,
	}

	if path := os.Getenv("CALSYNC_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to apply config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration fields are set.
func (c *Config) Validate() error {
	if c.Auth.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY environment variable is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1")
	}
	return nil
}

// KindRetry returns the retry parameters for the named job kind.
func (c *RetryConfig) KindRetry(kind string) KindRetryConfig {
	switch kind {
	case "create":
		return c.Create
	case "update":
		return c.Update
	case "delete":
		return c.Delete
	case "webhook":
		return c.Webhook
	case "token_refresh":
		return c.TokenRefresh
	default:
		return c.Create
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
