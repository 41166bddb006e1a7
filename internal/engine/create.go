package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/events"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/util"
)

// A booking starting further back than this is not worth pushing to the
// remote calendar.
const maxPastLead = 30 * time.Minute

// runCreate executes one create attempt.
func (e *Engine) runCreate(ctx context.Context, t *queue.Task, integrationID, bookingID string, opts SyncOptions) error {
	integ, err := e.integs.GetByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			util.Debug("Create skipped, integration gone", "integration_id", integrationID)
			return nil
		}
		return err
	}
	if !integ.Active || !integ.SyncBookings {
		util.Debug("Create skipped, integration inactive or booking sync disabled", "integration_id", integ.ID)
		return nil
	}

	booking, err := e.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, bookings.ErrNotFound) {
			util.Debug("Create skipped, booking gone", "booking_id", bookingID)
			return nil
		}
		return err
	}
	if !database.SyncableBookingStatus(booking.Status) {
		util.Debug("Create skipped, booking not syncable", "booking_id", bookingID, "status", booking.Status)
		return nil
	}
	if time.Since(booking.StartsAt) > maxPastLead {
		util.Debug("Create skipped, booking too far in the past", "booking_id", bookingID)
		return nil
	}

	// Idempotence: an existing mirror row means the remote event exists.
	if _, err := e.events.GetByBooking(ctx, integ.ID, bookingID); err == nil {
		util.Debug("Create skipped, event already synced", "booking_id", bookingID, "integration_id", integ.ID)
		return nil
	} else if !errors.Is(err, events.ErrNotFound) {
		return err
	}

	if err := e.checkBookingConflicts(ctx, integ, booking, opts); err != nil {
		e.setSyncState(ctx, bookingID, integ.ID, database.SyncStateCreateFailed, "", err.Error())
		return err
	}

	adapter, err := e.provs.For(integ.Provider)
	if err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx, integ.Provider, integ.ID); err != nil {
		return err
	}

	externalID, err := adapter.CreateEvent(ctx, integ, booking)
	if err != nil {
		urgency := e.policy.UrgencyFor(time.Now(), booking.StartsAt)
		return e.handleFailure(ctx, t, integ, policy.KindCreate, bookingID, err, urgency,
			func(delay time.Duration) {
				e.queue.Schedule(e.createTask(integrationID, bookingID, opts, urgency, t.Attempt+1, false), delay)
			},
			func(ctx context.Context) {
				e.setSyncState(ctx, bookingID, integ.ID, database.SyncStateCreateFailed, "", err.Error())
			},
		)
	}

	if _, err := e.events.Upsert(ctx, &events.UpsertEvent{
		IntegrationID:   integ.ID,
		ExternalEventID: externalID,
		BookingID:       bookingID,
		Title:           bookingTitle(booking),
		StartsAt:        booking.StartsAt,
		EndsAt:          booking.EndsAt,
		BlocksBooking:   true,
	}); err != nil {
		util.Error("Failed to store event mirror after create", "booking_id", bookingID, "error", err)
	}
	e.setSyncState(ctx, bookingID, integ.ID, database.SyncStateSynced, externalID, "")
	if err := e.integs.RecordSyncSuccess(ctx, integ.ID); err != nil {
		util.Error("Failed to record sync success", "integration_id", integ.ID, "error", err)
	}

	util.Info("Created remote calendar event",
		"integration_id", integ.ID,
		"booking_id", bookingID,
		"external_event_id", externalID,
	)
	return nil
}

// checkBookingConflicts inspects the booking window against blocking mirror
// events. Conflicts are logged; only strict mode turns them into an error.
func (e *Engine) checkBookingConflicts(ctx context.Context, integ *database.Integration, booking *database.Booking, opts SyncOptions) error {
	if !integ.AutoBlockExternalEvents {
		return nil
	}

	mirrors, err := e.events.ListBlockingOverlapping(ctx, integ.ID, booking.StartsAt, booking.EndsAt)
	if err != nil {
		util.Error("Failed to check booking conflicts", "booking_id", booking.ID, "error", err)
		return nil
	}

	overlaps := e.detector.DetectForBooking(ctx, integ, booking, mirrors)
	for _, o := range overlaps {
		util.Warn("Booking window overlaps blocking external event",
			"booking_id", booking.ID,
			"integration_id", integ.ID,
			"external_event_id", o.Event.ExternalEventID,
			"overlap_minutes", o.OverlapMinutes,
			"severity", o.Severity,
		)
	}
	if len(overlaps) > 0 && opts.Strict {
		return fmt.Errorf("booking %s conflicts with %d blocking calendar events", booking.ID, len(overlaps))
	}
	return nil
}

func (e *Engine) setSyncState(ctx context.Context, bookingID, integrationID, state, externalEventID, lastError string) {
	if bookingID == "" {
		return
	}
	if err := e.bookings.SetSyncState(ctx, bookingID, integrationID, state, externalEventID, lastError); err != nil {
		util.Error("Failed to update booking sync state", "booking_id", bookingID, "error", err)
	}
}

func bookingTitle(booking *database.Booking) string {
	if booking.ClientName != "" {
		return fmt.Sprintf("Booking: %s", booking.ClientName)
	}
	return "Booking"
}
