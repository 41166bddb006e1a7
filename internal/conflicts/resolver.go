package conflicts

import (
	"context"
	"fmt"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/notify"
	"github.com/bookpilot/calsync/internal/util"
)

// Resolver applies the integration's configured strategy to a detected
// conflict. Resolution failures are logged and swallowed so they never
// abort the sync job's bookkeeping.
type Resolver struct {
	bookings *bookings.Repository
	reviews  *Repository
	notifier *notify.Manager
}

// NewResolver creates a conflict resolver.
func NewResolver(bookingRepo *bookings.Repository, reviews *Repository, notifier *notify.Manager) *Resolver {
	return &Resolver{bookings: bookingRepo, reviews: reviews, notifier: notifier}
}

// Resolve applies the integration's strategy to one conflict.
func (r *Resolver) Resolve(ctx context.Context, integ *database.Integration, c *Conflict) {
	switch integ.ConflictResolution {
	case database.ResolutionCancelBooking:
		r.cancelBooking(ctx, integ, c)
	case database.ResolutionIgnore:
		util.Debug("Conflict ignored by strategy",
			"integration_id", integ.ID,
			"booking_id", c.Booking.ID,
			"external_event_id", c.ExternalEventID,
		)
	case database.ResolutionNotifyOnly:
		r.notifyConflict(ctx, integ, c)
	default:
		// Manual review
		r.flagForReview(ctx, integ, c)
	}
}

func (r *Resolver) cancelBooking(ctx context.Context, integ *database.Integration, c *Conflict) {
	reason := fmt.Sprintf("auto-cancelled: calendar conflict with event %q", c.EventTitle)
	if err := r.bookings.Cancel(ctx, c.Booking.ID); err != nil {
		util.Error("Failed to cancel conflicting booking",
			"booking_id", c.Booking.ID,
			"integration_id", integ.ID,
			"error", err,
		)
		return
	}

	if err := r.bookings.RecordConflict(ctx, c.Booking.ID, integ.ID, c.ExternalEventID); err != nil {
		util.Error("Failed to record conflict on sync status", "booking_id", c.Booking.ID, "error", err)
	}

	util.Info("Cancelled booking due to calendar conflict",
		"booking_id", c.Booking.ID,
		"integration_id", integ.ID,
		"external_event_id", c.ExternalEventID,
		"severity", c.Severity,
	)
	r.notifier.Send(ctx, &notify.Event{
		Kind:          notify.EventBookingCancelled,
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      integ.Provider,
		BookingID:     c.Booking.ID,
		Message:       reason,
		Details: map[string]interface{}{
			"external_event_id": c.ExternalEventID,
			"overlap_minutes":   c.OverlapMinutes,
			"severity":          c.Severity,
		},
	})
}

func (r *Resolver) notifyConflict(ctx context.Context, integ *database.Integration, c *Conflict) {
	r.notifier.Send(ctx, &notify.Event{
		Kind:          notify.EventConflictDetected,
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      integ.Provider,
		BookingID:     c.Booking.ID,
		Message:       fmt.Sprintf("booking overlaps external event %q by %d minutes", c.EventTitle, c.OverlapMinutes),
		Details: map[string]interface{}{
			"external_event_id": c.ExternalEventID,
			"overlap_minutes":   c.OverlapMinutes,
			"severity":          c.Severity,
		},
	})
}

func (r *Resolver) flagForReview(ctx context.Context, integ *database.Integration, c *Conflict) {
	err := r.reviews.CreateReview(ctx, integ.ID, c.Booking.ID, c.ExternalEventID, c.Severity, c.OverlapMinutes)
	if err != nil {
		util.Error("Failed to file conflict review",
			"integration_id", integ.ID,
			"booking_id", c.Booking.ID,
			"error", err,
		)
		return
	}

	if err := r.bookings.RecordConflict(ctx, c.Booking.ID, integ.ID, c.ExternalEventID); err != nil {
		util.Error("Failed to record conflict on sync status", "booking_id", c.Booking.ID, "error", err)
	}

	util.Info("Conflict flagged for manual review",
		"integration_id", integ.ID,
		"booking_id", c.Booking.ID,
		"external_event_id", c.ExternalEventID,
		"severity", c.Severity,
	)
	r.notifyConflict(ctx, integ, c)
}
