package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/util"
)

// runDelete executes one delete attempt. Deletes run even against inactive
// integrations so orphaned events do not linger after a disconnect, and the
// local mirror row is removed on every terminal outcome.
func (e *Engine) runDelete(ctx context.Context, t *queue.Task, integrationID, externalEventID, bookingID string) error {
	integ, err := e.integs.GetByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			util.Debug("Delete skipped, integration gone", "integration_id", integrationID)
			return nil
		}
		return err
	}

	adapter, err := e.provs.For(integ.Provider)
	if err != nil {
		e.finishDelete(ctx, integ.ID, externalEventID, bookingID, false, err.Error())
		return err
	}

	if err := e.limiter.Wait(ctx, integ.Provider, integ.ID); err != nil {
		return err
	}

	if err := adapter.DeleteEvent(ctx, integ, externalEventID); err != nil {
		// Already gone remotely counts as done.
		if e.policy.Classify(policy.KindDelete, err) == policy.ClassGone {
			util.Debug("Remote event already gone", "integration_id", integ.ID, "external_event_id", externalEventID)
			e.finishDelete(ctx, integ.ID, externalEventID, bookingID, true, "")
			return nil
		}

		return e.handleFailure(ctx, t, integ, policy.KindDelete, bookingID, err, t.Urgency,
			func(delay time.Duration) {
				e.queue.Schedule(e.deleteTask(integrationID, externalEventID, bookingID, t.Urgency, t.Attempt+1, false), delay)
			},
			func(ctx context.Context) {
				// A durable marker survives the failure so the recovery
				// sweep can retire the remote event later.
				if err := e.reviews.AddPendingCleanup(ctx, integ.ID, externalEventID, err.Error()); err != nil {
					util.Error("Failed to record pending cleanup", "external_event_id", externalEventID, "error", err)
				}
				e.finishDelete(ctx, integ.ID, externalEventID, bookingID, false, err.Error())
			},
		)
	}

	e.finishDelete(ctx, integ.ID, externalEventID, bookingID, true, "")
	if err := e.integs.RecordSyncSuccess(ctx, integ.ID); err != nil {
		util.Error("Failed to record sync success", "integration_id", integ.ID, "error", err)
	}

	util.Info("Deleted remote calendar event",
		"integration_id", integ.ID,
		"booking_id", bookingID,
		"external_event_id", externalEventID,
	)
	return nil
}

// finishDelete drops the local mirror row and records the deletion outcome
// on the booking when one is attached. The mirror is removed regardless of
// whether the remote delete succeeded.
func (e *Engine) finishDelete(ctx context.Context, integrationID, externalEventID, bookingID string, succeeded bool, lastError string) {
	if err := e.events.Delete(ctx, integrationID, externalEventID); err != nil {
		util.Error("Failed to remove event mirror", "external_event_id", externalEventID, "error", err)
	}
	if _, err := e.reviews.ResolveReviewsForEvent(ctx, integrationID, externalEventID); err != nil {
		util.Error("Failed to close conflict reviews for deleted event", "external_event_id", externalEventID, "error", err)
	}
	if bookingID == "" {
		return
	}
	if err := e.bookings.RecordDeletion(ctx, bookingID, integrationID, succeeded, lastError); err != nil {
		util.Error("Failed to record deletion outcome", "booking_id", bookingID, "error", err)
	}
	state := database.SyncStateDeleted
	if !succeeded {
		state = database.SyncStateDeleteFailed
	}
	e.setSyncState(ctx, bookingID, integrationID, state, externalEventID, lastError)
}

// SweepPendingCleanups retries remote deletes that failed permanently and
// left a durable marker. Returns how many markers were resolved.
func (e *Engine) SweepPendingCleanups(ctx context.Context, limit int) (int, error) {
	pending, err := e.reviews.ListUnresolvedCleanups(ctx, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, pc := range pending {
		integ, err := e.integs.GetByID(ctx, pc.IntegrationID)
		if err != nil {
			if errors.Is(err, integrations.ErrNotFound) {
				// Nothing left to clean against.
				if rerr := e.reviews.ResolveCleanup(ctx, pc.ID); rerr == nil {
					resolved++
				}
			}
			continue
		}

		adapter, err := e.provs.For(integ.Provider)
		if err != nil {
			continue
		}
		if err := e.limiter.Wait(ctx, integ.Provider, integ.ID); err != nil {
			return resolved, err
		}

		err = adapter.DeleteEvent(ctx, integ, pc.ExternalEventID)
		if err != nil && e.policy.Classify(policy.KindDelete, err) == policy.ClassRetryable {
			util.Warn("Cleanup sweep attempt failed", "external_event_id", pc.ExternalEventID, "error", err)
			continue
		}
		// Success, gone, or terminal all retire the marker.
		if err := e.reviews.ResolveCleanup(ctx, pc.ID); err != nil {
			util.Error("Failed to resolve cleanup marker", "cleanup_id", pc.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}
