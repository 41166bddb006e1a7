package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileDuration time.Duration

func (d *fileDuration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!int" {
			var seconds int64
			if err := value.Decode(&seconds); err != nil {
				return err
			}
			*d = fileDuration(time.Duration(seconds) * time.Second)
			return nil
		}
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = fileDuration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type")
	}
}

// ConfigFile mirrors Config with pointer fields so that only keys present
// in the YAML file override the environment-derived values.
type ConfigFile struct {
	Server    *ServerConfigFile    `yaml:"server"`
	Database  *DatabaseConfigFile  `yaml:"database"`
	Google    *OAuthClientFile     `yaml:"google"`
	Outlook   *OAuthClientFile     `yaml:"outlook"`
	Queue     *QueueConfigFile     `yaml:"queue"`
	Retry     *RetryConfigFile     `yaml:"retry"`
	Breaker   *BreakerConfigFile   `yaml:"breaker"`
	Tokens    *TokensConfigFile    `yaml:"tokens"`
	RateLimit *RateLimitConfigFile `yaml:"rate_limit"`
	Notify    *NotifyConfigFile    `yaml:"notify"`
	Auth      *AuthConfigFile      `yaml:"auth"`
	Logging   *LoggingConfigFile   `yaml:"logging"`
	Retention *RetentionConfigFile `yaml:"retention"`
}

type ServerConfigFile struct {
	Host         *string       `yaml:"host"`
	Port         *int          `yaml:"port"`
	BaseURL      *string       `yaml:"base_url"`
	ReadTimeout  *fileDuration `yaml:"read_timeout"`
	WriteTimeout *fileDuration `yaml:"write_timeout"`
}

type DatabaseConfigFile struct {
	Path          *string `yaml:"path"`
	WALMode       *bool   `yaml:"wal_mode"`
	BusyTimeoutMs *int    `yaml:"busy_timeout_ms"`
}

type OAuthClientFile struct {
	ClientID     *string   `yaml:"client_id"`
	ClientSecret *string   `yaml:"client_secret"`
	RedirectURI  *string   `yaml:"redirect_uri"`
	Scopes       *[]string `yaml:"scopes"`
}

type QueueConfigFile struct {
	Workers             *int          `yaml:"workers"`
	LaneCapacity        *int          `yaml:"lane_capacity"`
	CreateUniqueWindow  *fileDuration `yaml:"create_unique_window"`
	UpdateUniqueWindow  *fileDuration `yaml:"update_unique_window"`
	DeleteUniqueWindow  *fileDuration `yaml:"delete_unique_window"`
	WebhookUniqueWindow *fileDuration `yaml:"webhook_unique_window"`
}

type KindRetryFile struct {
	BaseDelay       *fileDuration `yaml:"base_delay"`
	UrgentBaseDelay *fileDuration `yaml:"urgent_base_delay"`
	Ceiling         *fileDuration `yaml:"ceiling"`
	MaxJitter       *fileDuration `yaml:"max_jitter"`
	Timeout         *fileDuration `yaml:"timeout"`
}

type RetryConfigFile struct {
	MaxAttempts    *int           `yaml:"max_attempts"`
	RateLimitDelay *fileDuration  `yaml:"rate_limit_delay"`
	Create         *KindRetryFile `yaml:"create"`
	Update         *KindRetryFile `yaml:"update"`
	Delete         *KindRetryFile `yaml:"delete"`
	Webhook        *KindRetryFile `yaml:"webhook"`
	TokenRefresh   *KindRetryFile `yaml:"token_refresh"`
	UrgentLead     *fileDuration  `yaml:"urgent_lead"`
	HighLead       *fileDuration  `yaml:"high_lead"`
}

type BreakerConfigFile struct {
	TokenFailureThreshold   *int `yaml:"token_failure_threshold"`
	SyncFailureThreshold    *int `yaml:"sync_failure_threshold"`
	WebhookFailureThreshold *int `yaml:"webhook_failure_threshold"`
}

type TokensConfigFile struct {
	ExpiryScanLead     *fileDuration `yaml:"expiry_scan_lead"`
	RescheduleLead     *fileDuration `yaml:"reschedule_lead"`
	MinRescheduleDelay *fileDuration `yaml:"min_reschedule_delay"`
	ScanSchedule       *string       `yaml:"scan_schedule"`
}

type ProviderLimitFile struct {
	RequestsPerMinute *int `yaml:"requests_per_minute"`
	Burst             *int `yaml:"burst"`
}

type RateLimitConfigFile struct {
	Google  *ProviderLimitFile `yaml:"google"`
	Outlook *ProviderLimitFile `yaml:"outlook"`
	ICal    *ProviderLimitFile `yaml:"ical"`
}

type WebhookSinkFile struct {
	Enabled        *bool   `yaml:"enabled"`
	URL            *string `yaml:"url"`
	Secret         *string `yaml:"secret"`
	TimeoutSeconds *int    `yaml:"timeout_seconds"`
}

type NotifyConfigFile struct {
	Webhook *WebhookSinkFile `yaml:"webhook"`
}

type AuthConfigFile struct {
	EncryptionKey *string `yaml:"encryption_key"`
}

type LoggingConfigFile struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

type RetentionConfigFile struct {
	Enabled          *bool         `yaml:"enabled"`
	SyncRecordDays   *int          `yaml:"sync_record_days"`
	CleanupDoneDays  *int          `yaml:"cleanup_done_days"`
	ConflictDays     *int          `yaml:"conflict_days"`
	CleanupSchedule  *string       `yaml:"cleanup_schedule"`
	ICalPollSchedule *string       `yaml:"ical_poll_schedule"`
	DedupWindow      *fileDuration `yaml:"dedup_window"`
}

// applyFile reads a YAML config file and overlays it onto cfg.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	file.applyTo(cfg)
	return nil
}

func (f *ConfigFile) applyTo(cfg *Config) {
	if f.Server != nil {
		setString(&cfg.Server.Host, f.Server.Host)
		setInt(&cfg.Server.Port, f.Server.Port)
		setString(&cfg.Server.BaseURL, f.Server.BaseURL)
		setDuration(&cfg.Server.ReadTimeout, f.Server.ReadTimeout)
		setDuration(&cfg.Server.WriteTimeout, f.Server.WriteTimeout)
	}
	if f.Database != nil {
		setString(&cfg.Database.Path, f.Database.Path)
		setBool(&cfg.Database.WALMode, f.Database.WALMode)
		setInt(&cfg.Database.BusyTimeoutMs, f.Database.BusyTimeoutMs)
	}
	if f.Google != nil {
		f.Google.applyTo(&cfg.Google)
	}
	if f.Outlook != nil {
		f.Outlook.applyTo(&cfg.Outlook)
	}
	if f.Queue != nil {
		setInt(&cfg.Queue.Workers, f.Queue.Workers)
		setInt(&cfg.Queue.LaneCapacity, f.Queue.LaneCapacity)
		setDuration(&cfg.Queue.CreateUniqueWindow, f.Queue.CreateUniqueWindow)
		setDuration(&cfg.Queue.UpdateUniqueWindow, f.Queue.UpdateUniqueWindow)
		setDuration(&cfg.Queue.DeleteUniqueWindow, f.Queue.DeleteUniqueWindow)
		setDuration(&cfg.Queue.WebhookUniqueWindow, f.Queue.WebhookUniqueWindow)
	}
	if f.Retry != nil {
		setInt(&cfg.Retry.MaxAttempts, f.Retry.MaxAttempts)
		setDuration(&cfg.Retry.RateLimitDelay, f.Retry.RateLimitDelay)
		applyKindRetry(&cfg.Retry.Create, f.Retry.Create)
		applyKindRetry(&cfg.Retry.Update, f.Retry.Update)
		applyKindRetry(&cfg.Retry.Delete, f.Retry.Delete)
		applyKindRetry(&cfg.Retry.Webhook, f.Retry.Webhook)
		applyKindRetry(&cfg.Retry.TokenRefresh, f.Retry.TokenRefresh)
		setDuration(&cfg.Retry.UrgentLead, f.Retry.UrgentLead)
		setDuration(&cfg.Retry.HighLead, f.Retry.HighLead)
	}
	if f.Breaker != nil {
		setInt(&cfg.Breaker.TokenFailureThreshold, f.Breaker.TokenFailureThreshold)
		setInt(&cfg.Breaker.SyncFailureThreshold, f.Breaker.SyncFailureThreshold)
		setInt(&cfg.Breaker.WebhookFailureThreshold, f.Breaker.WebhookFailureThreshold)
	}
	if f.Tokens != nil {
		setDuration(&cfg.Tokens.ExpiryScanLead, f.Tokens.ExpiryScanLead)
		setDuration(&cfg.Tokens.RescheduleLead, f.Tokens.RescheduleLead)
		setDuration(&cfg.Tokens.MinRescheduleDelay, f.Tokens.MinRescheduleDelay)
		setString(&cfg.Tokens.ScanSchedule, f.Tokens.ScanSchedule)
	}
	if f.RateLimit != nil {
		applyProviderLimit(&cfg.RateLimit.Google, f.RateLimit.Google)
		applyProviderLimit(&cfg.RateLimit.Outlook, f.RateLimit.Outlook)
		applyProviderLimit(&cfg.RateLimit.ICal, f.RateLimit.ICal)
	}
	if f.Notify != nil && f.Notify.Webhook != nil {
		setBool(&cfg.Notify.Webhook.Enabled, f.Notify.Webhook.Enabled)
		setString(&cfg.Notify.Webhook.URL, f.Notify.Webhook.URL)
		setString(&cfg.Notify.Webhook.Secret, f.Notify.Webhook.Secret)
		setInt(&cfg.Notify.Webhook.TimeoutSeconds, f.Notify.Webhook.TimeoutSeconds)
	}
	if f.Auth != nil {
		setString(&cfg.Auth.EncryptionKey, f.Auth.EncryptionKey)
	}
	if f.Logging != nil {
		setString(&cfg.Logging.Level, f.Logging.Level)
		setString(&cfg.Logging.Format, f.Logging.Format)
	}
	if f.Retention != nil {
		setBool(&cfg.Retention.Enabled, f.Retention.Enabled)
		setInt(&cfg.Retention.SyncRecordDays, f.Retention.SyncRecordDays)
		setInt(&cfg.Retention.CleanupDoneDays, f.Retention.CleanupDoneDays)
		setInt(&cfg.Retention.ConflictDays, f.Retention.ConflictDays)
		setString(&cfg.Retention.CleanupSchedule, f.Retention.CleanupSchedule)
		setString(&cfg.Retention.ICalPollSchedule, f.Retention.ICalPollSchedule)
		setDuration(&cfg.Retention.DedupWindow, f.Retention.DedupWindow)
	}
}

func (f *OAuthClientFile) applyTo(cfg *OAuthClientConfig) {
	setString(&cfg.ClientID, f.ClientID)
	setString(&cfg.ClientSecret, f.ClientSecret)
	setString(&cfg.RedirectURI, f.RedirectURI)
	if f.Scopes != nil {
		cfg.Scopes = *f.Scopes
	}
}

func applyKindRetry(cfg *KindRetryConfig, f *KindRetryFile) {
	if f == nil {
		return
	}
	setDuration(&cfg.BaseDelay, f.BaseDelay)
	setDuration(&cfg.UrgentBaseDelay, f.UrgentBaseDelay)
	setDuration(&cfg.Ceiling, f.Ceiling)
	setDuration(&cfg.MaxJitter, f.MaxJitter)
	setDuration(&cfg.Timeout, f.Timeout)
}

func applyProviderLimit(cfg *ProviderLimit, f *ProviderLimitFile) {
	if f == nil {
		return
	}
	setInt(&cfg.RequestsPerMinute, f.RequestsPerMinute)
	setInt(&cfg.Burst, f.Burst)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *fileDuration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
