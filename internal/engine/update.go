package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/events"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/util"
)

// runUpdate executes one update attempt. A vanished remote event cascades
// into a fresh create instead of failing.
func (e *Engine) runUpdate(ctx context.Context, t *queue.Task, integrationID, bookingID, externalEventID string, opts SyncOptions) error {
	integ, err := e.integs.GetByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			util.Debug("Update skipped, integration gone", "integration_id", integrationID)
			return nil
		}
		return err
	}
	if !integ.Active || !integ.SyncBookings {
		util.Debug("Update skipped, integration inactive or booking sync disabled", "integration_id", integ.ID)
		return nil
	}

	booking, err := e.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, bookings.ErrNotFound) {
			util.Debug("Update skipped, booking gone", "booking_id", bookingID)
			return nil
		}
		return err
	}
	// Cancelled bookings are still allowed through so the external event
	// can be neutralized.
	if !database.SyncableBookingStatus(booking.Status) && booking.Status != database.BookingCancelled {
		util.Debug("Update skipped, booking not syncable", "booking_id", bookingID, "status", booking.Status)
		return nil
	}

	adapter, err := e.provs.For(integ.Provider)
	if err != nil {
		return err
	}

	// Best-effort existence probe; a definite miss cascades to create.
	exists, probeErr := adapter.EventExists(ctx, integ, externalEventID)
	if probeErr == nil && !exists {
		return e.cascadeToCreate(ctx, integ, bookingID, externalEventID, opts)
	}

	if touchesTiming(opts.Changes) {
		if err := e.checkBookingConflicts(ctx, integ, booking, opts); err != nil {
			e.setSyncState(ctx, bookingID, integ.ID, database.SyncStateUpdateFailed, externalEventID, err.Error())
			return err
		}
	}

	if err := e.limiter.Wait(ctx, integ.Provider, integ.ID); err != nil {
		return err
	}

	if err := adapter.UpdateEvent(ctx, integ, booking, externalEventID); err != nil {
		if policy.IsGone(err) {
			return e.cascadeToCreate(ctx, integ, bookingID, externalEventID, opts)
		}

		urgency := e.policy.UrgencyFor(time.Now(), booking.StartsAt)
		return e.handleFailure(ctx, t, integ, policy.KindUpdate, bookingID, err, urgency,
			func(delay time.Duration) {
				e.queue.Schedule(e.updateTask(integrationID, bookingID, externalEventID, opts, urgency, t.Attempt+1, false), delay)
			},
			func(ctx context.Context) {
				// Mark the mirror stale and keep the failed change set for
				// manual review.
				if err := e.events.MarkOutOfSync(ctx, integ.ID, externalEventID); err != nil {
					util.Error("Failed to mark event out of sync", "external_event_id", externalEventID, "error", err)
				}
				if err := e.bookings.RecordFailedChanges(ctx, bookingID, integ.ID, opts.Changes, err.Error()); err != nil {
					util.Error("Failed to record failed changes", "booking_id", bookingID, "error", err)
				}
			},
		)
	}

	if _, err := e.events.Upsert(ctx, &events.UpsertEvent{
		IntegrationID:   integ.ID,
		ExternalEventID: externalEventID,
		BookingID:       bookingID,
		Title:           bookingTitle(booking),
		StartsAt:        booking.StartsAt,
		EndsAt:          booking.EndsAt,
		BlocksBooking:   true,
	}); err != nil {
		util.Error("Failed to refresh event mirror after update", "booking_id", bookingID, "error", err)
	}
	e.setSyncState(ctx, bookingID, integ.ID, database.SyncStateSynced, externalEventID, "")
	if err := e.integs.RecordSyncSuccess(ctx, integ.ID); err != nil {
		util.Error("Failed to record sync success", "integration_id", integ.ID, "error", err)
	}

	util.Info("Updated remote calendar event",
		"integration_id", integ.ID,
		"booking_id", bookingID,
		"external_event_id", externalEventID,
	)
	return nil
}

// cascadeToCreate replaces an update whose target vanished remotely: the
// stale mirror row is dropped and a create job dispatched in its place.
func (e *Engine) cascadeToCreate(ctx context.Context, integ *database.Integration, bookingID, externalEventID string, opts SyncOptions) error {
	util.Info("Remote event gone, cascading update into create",
		"integration_id", integ.ID,
		"booking_id", bookingID,
		"external_event_id", externalEventID,
	)

	if err := e.events.Delete(ctx, integ.ID, externalEventID); err != nil {
		util.Error("Failed to remove stale event mirror", "external_event_id", externalEventID, "error", err)
	}
	e.DispatchCreate(ctx, integ.ID, bookingID, opts)
	return nil
}

// touchesTiming reports whether the change set moves the booking window.
func touchesTiming(changes map[string]interface{}) bool {
	if changes == nil {
		return false
	}
	for _, key := range []string{"starts_at", "ends_at", "start", "end", "date", "time"} {
		if _, ok := changes[key]; ok {
			return true
		}
	}
	return false
}
