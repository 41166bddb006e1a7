package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/provider"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/tokens"
	"github.com/bookpilot/calsync/internal/util"
)

// DispatchCreate enqueues a create job for (integration, booking).
// Returns false if a semantically identical job is already in flight.
func (e *Engine) DispatchCreate(ctx context.Context, integrationID, bookingID string, opts SyncOptions) bool {
	urgency := e.urgencyForBooking(ctx, bookingID)
	return e.queue.Enqueue(e.createTask(integrationID, bookingID, opts, urgency, 1, true))
}

func (e *Engine) createTask(integrationID, bookingID string, opts SyncOptions, urgency policy.Urgency, attempt int, unique bool) *queue.Task {
	t := &queue.Task{
		Kind:    policy.KindCreate,
		Urgency: urgency,
		Key:     integrationID + ":" + bookingID,
		Attempt: attempt,
		Timeout: e.policy.Timeout(policy.KindCreate),
		Labels:  map[string]string{"integration_id": integrationID, "booking_id": bookingID},
	}
	if unique {
		t.UniqueKey = "create:" + integrationID + ":" + bookingID
		t.UniqueWindow = e.cfg.Queue.CreateUniqueWindow
	}
	t.Run = func(ctx context.Context, task *queue.Task) error {
		return e.runCreate(ctx, task, integrationID, bookingID, opts)
	}
	return t
}

// DispatchUpdate enqueues an update job for an existing remote event.
func (e *Engine) DispatchUpdate(ctx context.Context, integrationID, bookingID, externalEventID string, opts SyncOptions) bool {
	urgency := e.urgencyForBooking(ctx, bookingID)
	return e.queue.Enqueue(e.updateTask(integrationID, bookingID, externalEventID, opts, urgency, 1, true))
}

func (e *Engine) updateTask(integrationID, bookingID, externalEventID string, opts SyncOptions, urgency policy.Urgency, attempt int, unique bool) *queue.Task {
	t := &queue.Task{
		Kind:    policy.KindUpdate,
		Urgency: urgency,
		Key:     integrationID + ":" + externalEventID,
		Attempt: attempt,
		Timeout: e.policy.Timeout(policy.KindUpdate),
		Labels:  map[string]string{"integration_id": integrationID, "booking_id": bookingID},
	}
	if unique {
		t.UniqueKey = "update:" + integrationID + ":" + externalEventID
		t.UniqueWindow = e.cfg.Queue.UpdateUniqueWindow
	}
	t.Run = func(ctx context.Context, task *queue.Task) error {
		return e.runUpdate(ctx, task, integrationID, bookingID, externalEventID, opts)
	}
	return t
}

// DispatchDelete enqueues a delete job. The booking reference is optional;
// when set, deletion outcome is stamped on its sync status.
func (e *Engine) DispatchDelete(ctx context.Context, integrationID, externalEventID, bookingID string) bool {
	urgency := e.urgencyForBooking(ctx, bookingID)
	return e.queue.Enqueue(e.deleteTask(integrationID, externalEventID, bookingID, urgency, 1, true))
}

func (e *Engine) deleteTask(integrationID, externalEventID, bookingID string, urgency policy.Urgency, attempt int, unique bool) *queue.Task {
	t := &queue.Task{
		Kind:    policy.KindDelete,
		Urgency: urgency,
		Key:     integrationID + ":" + externalEventID,
		Attempt: attempt,
		Timeout: e.policy.Timeout(policy.KindDelete),
		Labels:  map[string]string{"integration_id": integrationID, "booking_id": bookingID},
	}
	if unique {
		t.UniqueKey = "delete:" + integrationID + ":" + externalEventID
		t.UniqueWindow = e.cfg.Queue.DeleteUniqueWindow
	}
	t.Run = func(ctx context.Context, task *queue.Task) error {
		return e.runDelete(ctx, task, integrationID, externalEventID, bookingID)
	}
	return t
}

// DispatchWebhook enqueues processing of an inbound provider notification.
func (e *Engine) DispatchWebhook(integrationID string, req *provider.WebhookRequest) bool {
	return e.queue.Enqueue(e.webhookTask(integrationID, req, 1, true))
}

func (e *Engine) webhookTask(integrationID string, req *provider.WebhookRequest, attempt int, unique bool) *queue.Task {
	t := &queue.Task{
		Kind:    policy.KindWebhook,
		Urgency: policy.UrgencyHigh,
		Key:     "webhook:" + integrationID,
		Attempt: attempt,
		Timeout: e.policy.Timeout(policy.KindWebhook),
		Labels:  map[string]string{"integration_id": integrationID},
	}
	if unique {
		t.UniqueKey = "webhook:" + integrationID + ":" + webhookDigest(req)
		t.UniqueWindow = e.cfg.Queue.WebhookUniqueWindow
	}
	t.Run = func(ctx context.Context, task *queue.Task) error {
		return e.runWebhook(ctx, task, integrationID, req)
	}
	return t
}

// DispatchTokenRefresh schedules a token refresh after the given delay.
func (e *Engine) DispatchTokenRefresh(integrationID string, delay time.Duration) bool {
	return e.queue.Schedule(e.tokenRefreshTask(integrationID, 1), delay)
}

func (e *Engine) tokenRefreshTask(integrationID string, attempt int) *queue.Task {
	return &queue.Task{
		Kind:    policy.KindTokenRefresh,
		Urgency: policy.UrgencyUrgent,
		Key:     "token:" + integrationID,
		Attempt: attempt,
		Timeout: e.policy.Timeout(policy.KindTokenRefresh),
		Labels:  map[string]string{"integration_id": integrationID},
		Run: func(ctx context.Context, task *queue.Task) error {
			return e.runTokenRefresh(ctx, task, integrationID)
		},
	}
}

// runTokenRefresh executes one refresh attempt with its own retry loop.
// Terminal OAuth errors never retry; the coordinator already handled them.
func (e *Engine) runTokenRefresh(ctx context.Context, t *queue.Task, integrationID string) error {
	err := e.tokens.Refresh(ctx, integrationID)
	if err == nil {
		return nil
	}
	if errors.Is(err, tokens.ErrReauthRequired) {
		return err
	}

	if !e.policy.ShouldRetry(policy.KindTokenRefresh, t.Attempt, err) {
		return err
	}

	delay := e.policy.RetryAfter(policy.KindTokenRefresh, policy.UrgencyNormal, t.Attempt, policy.IsRateLimited(err))
	util.Warn("Token refresh failed, releasing for retry",
		"integration_id", integrationID,
		"attempt", t.Attempt,
		"delay", delay.String(),
		"error", err,
	)
	e.queue.Schedule(e.tokenRefreshTask(integrationID, t.Attempt+1), delay)
	return nil
}
