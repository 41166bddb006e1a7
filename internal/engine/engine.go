// Package engine orchestrates the four sync job kinds: create, update,
// delete, and webhook processing. Each job validates integration and
// booking state, calls the provider adapter, updates the local mirror, and
// on failure applies the retry policy or cascades to a different job kind.
package engine

import (
	"context"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/events"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/notify"
	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/provider"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/ratelimit"
	"github.com/bookpilot/calsync/internal/syncjobs"
	"github.com/bookpilot/calsync/internal/tokens"
	"github.com/bookpilot/calsync/internal/util"
)

// SyncOptions tune one job dispatch.
type SyncOptions struct {
	// Strict aborts create/update jobs when the booking window conflicts
	// with blocking external events, instead of just logging.
	Strict bool
	// Changes is the update job's change set, recorded on permanent failure.
	Changes map[string]interface{}
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Integrations *integrations.Repository
	Bookings     *bookings.Repository
	Events       *events.Repository
	Records      *syncjobs.Repository
	Reviews      *conflicts.Repository
	Detector     *conflicts.Detector
	Resolver     *conflicts.Resolver
	Providers    *provider.Registry
	Limiter      *ratelimit.Registry
	Queue        *queue.Queue
	Notifier     *notify.Manager
	Tokens       *tokens.Coordinator
}

// Engine runs sync jobs.
type Engine struct {
	cfg      *config.Config
	policy   *policy.Policy
	integs   *integrations.Repository
	bookings *bookings.Repository
	events   *events.Repository
	records  *syncjobs.Repository
	reviews  *conflicts.Repository
	detector *conflicts.Detector
	resolver *conflicts.Resolver
	provs    *provider.Registry
	limiter  *ratelimit.Registry
	queue    *queue.Queue
	notifier *notify.Manager
	tokens   *tokens.Coordinator
}

// New creates the sync engine and wires the token coordinator's
// self-scheduling into the queue.
func New(cfg *config.Config, d Deps) *Engine {
	e := &Engine{
		cfg:      cfg,
		policy:   policy.New(&cfg.Retry),
		integs:   d.Integrations,
		bookings: d.Bookings,
		events:   d.Events,
		records:  d.Records,
		reviews:  d.Reviews,
		detector: d.Detector,
		resolver: d.Resolver,
		provs:    d.Providers,
		limiter:  d.Limiter,
		queue:    d.Queue,
		notifier: d.Notifier,
		tokens:   d.Tokens,
	}
	if e.tokens != nil {
		e.tokens.SetScheduler(func(integrationID string, delay time.Duration) {
			e.DispatchTokenRefresh(integrationID, delay)
		})
	}
	return e
}

// urgencyForBooking derives queue priority from time-to-booking. Unknown
// bookings sort as normal.
func (e *Engine) urgencyForBooking(ctx context.Context, bookingID string) policy.Urgency {
	if bookingID == "" {
		return policy.UrgencyNormal
	}
	booking, err := e.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return policy.UrgencyNormal
	}
	return e.policy.UrgencyFor(time.Now(), booking.StartsAt)
}

// handleFailure applies the retry policy to a failed attempt. Retryable
// failures are released back to the queue with backoff; exhausted or
// terminal failures run the permanent handler, feed the integration's
// circuit breaker, and notify.
func (e *Engine) handleFailure(ctx context.Context, t *queue.Task, integ *database.Integration, kind, bookingID string, jobErr error, urgency policy.Urgency, release func(delay time.Duration), permanent func(ctx context.Context)) error {
	// A token-shaped failure gets one inline refresh attempt before the
	// retry verdict; the released attempt then runs with fresh credentials.
	if policy.IsTokenError(jobErr) && e.tokens != nil {
		if refreshErr := e.tokens.Refresh(ctx, integ.ID); refreshErr != nil {
			util.Warn("Inline token refresh failed",
				"integration_id", integ.ID,
				"error", refreshErr,
			)
		}
	}

	if e.policy.ShouldRetry(kind, t.Attempt, jobErr) {
		rateLimited := policy.IsRateLimited(jobErr)
		delay := e.policy.RetryAfter(kind, urgency, t.Attempt, rateLimited)
		util.Warn("Sync job failed, releasing for retry",
			"kind", kind,
			"integration_id", integ.ID,
			"booking_id", bookingID,
			"attempt", t.Attempt,
			"delay", delay.String(),
			"rate_limited", rateLimited,
			"error", jobErr,
		)
		release(delay)
		return nil
	}

	util.Error("Sync job failed permanently",
		"kind", kind,
		"integration_id", integ.ID,
		"booking_id", bookingID,
		"attempt", t.Attempt,
		"error", jobErr,
	)

	if permanent != nil {
		permanent(ctx)
	}
	e.recordIntegrationFailure(ctx, integ, kind, jobErr)

	e.notifier.Send(ctx, &notify.Event{
		Kind:          notify.EventSyncFailed,
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      integ.Provider,
		BookingID:     bookingID,
		Message:       jobErr.Error(),
		Details:       map[string]interface{}{"job_kind": kind, "attempt": t.Attempt},
	})
	return jobErr
}

// recordIntegrationFailure increments the integration's error counter and
// trips the kind-specific circuit breaker exactly once at the threshold.
func (e *Engine) recordIntegrationFailure(ctx context.Context, integ *database.Integration, kind string, jobErr error) {
	count, err := e.integs.RecordSyncFailure(ctx, integ.ID, jobErr.Error())
	if err != nil {
		util.Error("Failed to record sync failure", "integration_id", integ.ID, "error", err)
		return
	}

	threshold := e.breakerThreshold(kind)
	if count < threshold {
		return
	}

	deactivated, err := e.integs.Deactivate(ctx, integ.ID)
	if err != nil {
		util.Error("Failed to deactivate integration", "integration_id", integ.ID, "error", err)
		return
	}
	if !deactivated {
		// Already tripped by an earlier failure
		return
	}

	util.Warn("Integration disabled by circuit breaker",
		"integration_id", integ.ID,
		"provider", integ.Provider,
		"error_count", count,
		"threshold", threshold,
	)
	e.notifier.Send(ctx, &notify.Event{
		Kind:          notify.EventIntegrationDisabled,
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      integ.Provider,
		Message:       "integration disabled after repeated sync failures",
		Details:       map[string]interface{}{"error_count": count, "threshold": threshold},
	})
}

func (e *Engine) breakerThreshold(kind string) int {
	switch kind {
	case policy.KindTokenRefresh:
		return e.cfg.Breaker.TokenFailureThreshold
	case policy.KindWebhook:
		return e.cfg.Breaker.WebhookFailureThreshold
	default:
		return e.cfg.Breaker.SyncFailureThreshold
	}
}
