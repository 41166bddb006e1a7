// Package policy implements retry, backoff, urgency, and error
// classification rules for sync jobs.
package policy

import (
	"math/rand"
	"strings"
	"time"

	"github.com/bookpilot/calsync/internal/config"
)

// Job kinds.
const (
	KindCreate       = "create"
	KindUpdate       = "update"
	KindDelete       = "delete"
	KindWebhook      = "webhook"
	KindTokenRefresh = "token_refresh"
)

// Urgency levels, ordered from least to most urgent.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyHigh
	UrgencyUrgent
)

func (u Urgency) String() string {
	switch u {
	case UrgencyUrgent:
		return "urgent"
	case UrgencyHigh:
		return "high"
	default:
		return "normal"
	}
}

// Class is the outcome of classifying a job error.
type Class int

const (
	// ClassRetryable means the attempt failed transiently and may be retried.
	ClassRetryable Class = iota
	// ClassTerminal means retrying cannot succeed.
	ClassTerminal
	// ClassGone means the remote resource no longer exists. For deletes this
	// is success-equivalent and triggers local cleanup instead of retry.
	ClassGone
)

// Terminal substrings checked against the lower-cased error message.
// The per-kind extras reflect provider behavior: a create that already
// exists or an update against a locked event will never succeed on retry.
var terminalAllKinds = []string{
	"invalid_grant",
	"unauthorized",
	"forbidden",
	"calendar_not_found",
}

var terminalByKind = map[string][]string{
	KindCreate: {"event_already_exists"},
	KindUpdate: {"event_locked"},
}

var goneSubstrings = []string{
	"not found",
	"deleted",
	"does not exist",
}

var rateLimitSubstrings = []string{
	"rate limit",
	"ratelimitexceeded",
	"quota",
	"too many requests",
	"429",
}

var tokenSubstrings = []string{
	"invalid_grant",
	"invalid_credentials",
	"token expired",
	"token has been expired",
	"unauthorized",
	"401",
}

// Policy decides retry behavior for sync jobs.
type Policy struct {
	cfg *config.RetryConfig
	// rand is swappable for deterministic tests.
	jitterFn func(max time.Duration) time.Duration
}

// New creates a Policy from retry configuration.
func New(cfg *config.RetryConfig) *Policy {
	return &Policy{
		cfg: cfg,
		jitterFn: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max) + 1))
		},
	}
}

// Classify maps an error to a retry class for the given job kind.
func (p *Policy) Classify(kind string, err error) Class {
	if err == nil {
		return ClassRetryable
	}
	msg := strings.ToLower(err.Error())

	// For deletes a vanished remote event means the work is already done.
	if kind == KindDelete {
		for _, s := range goneSubstrings {
			if strings.Contains(msg, s) {
				return ClassGone
			}
		}
	}

	for _, s := range terminalAllKinds {
		if strings.Contains(msg, s) {
			return ClassTerminal
		}
	}
	for _, s := range terminalByKind[kind] {
		if strings.Contains(msg, s) {
			return ClassTerminal
		}
	}
	return ClassRetryable
}

// ShouldRetry reports whether another attempt should be scheduled.
func (p *Policy) ShouldRetry(kind string, attempt int, err error) bool {
	if attempt >= p.cfg.MaxAttempts {
		return false
	}
	return p.Classify(kind, err) == ClassRetryable
}

// RetryAfter computes the delay before the next attempt:
// min(base * 2^(attempt-1), ceiling) plus uniform jitter. Rate-limited
// failures get an extra fixed delay on top.
func (p *Policy) RetryAfter(kind string, urgency Urgency, attempt int, rateLimited bool) time.Duration {
	kc := p.cfg.KindRetry(kind)

	base := kc.BaseDelay
	if urgency == UrgencyUrgent {
		base = kc.UrgentBaseDelay
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= kc.Ceiling {
			delay = kc.Ceiling
			break
		}
	}
	if delay > kc.Ceiling {
		delay = kc.Ceiling
	}

	delay += p.jitterFn(kc.MaxJitter)
	if rateLimited {
		delay += p.cfg.RateLimitDelay
	}
	return delay
}

// Timeout returns the wall-clock ceiling for one attempt of the given kind.
func (p *Policy) Timeout(kind string) time.Duration {
	return p.cfg.KindRetry(kind).Timeout
}

// UrgencyFor derives urgency from the time remaining until the booking
// starts. Past bookings are treated as urgent.
func (p *Policy) UrgencyFor(now, bookingStart time.Time) Urgency {
	lead := bookingStart.Sub(now)
	switch {
	case lead <= p.cfg.UrgentLead:
		return UrgencyUrgent
	case lead <= p.cfg.HighLead:
		return UrgencyHigh
	default:
		return UrgencyNormal
	}
}

// IsGone reports whether the error says the remote resource no longer
// exists. Update jobs use this to cascade into a fresh create.
func IsGone(err error) bool {
	return matchesAny(err, goneSubstrings)
}

// IsRateLimited reports whether the error looks like a provider rate limit.
func IsRateLimited(err error) bool {
	return matchesAny(err, rateLimitSubstrings)
}

// IsTokenError reports whether the error looks auth/token related, meaning
// a token refresh may unblock the job.
func IsTokenError(err error) bool {
	return matchesAny(err, tokenSubstrings)
}

func matchesAny(err error, substrings []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
