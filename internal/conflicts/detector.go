package conflicts

import (
	"context"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/provider"
)

// Severity levels assigned by overlap duration.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Conflict is a detected overlap between an external event and an internal
// booking. Computed per job run; only persisted when the manual strategy
// files a review.
type Conflict struct {
	Booking         *database.Booking
	ExternalEventID string
	EventTitle      string
	EventStart      time.Time
	EventEnd        time.Time
	OverlapMinutes  int
	Severity        string
}

// Detector finds bookings that overlap external events.
type Detector struct {
	bookings *bookings.Repository
	cfg      config.ConflictsConfig
}

// NewDetector creates a conflict detector.
func NewDetector(repo *bookings.Repository, cfg config.ConflictsConfig) *Detector {
	return &Detector{bookings: repo, cfg: cfg}
}

// Detect returns one conflict per active booking whose window strictly
// overlaps the event. Skipped entirely unless the integration auto-blocks
// external events and the event blocks booking.
func (d *Detector) Detect(ctx context.Context, integ *database.Integration, ev *provider.Event) ([]Conflict, error) {
	if !integ.AutoBlockExternalEvents || !ev.BlocksBooking {
		return nil, nil
	}

	overlapping, err := d.bookings.ListActiveOverlapping(ctx, ev.StartsAt, ev.EndsAt)
	if err != nil {
		return nil, err
	}

	var found []Conflict
	for i := range overlapping {
		b := &overlapping[i]
		overlap := overlapMinutes(b.StartsAt, b.EndsAt, ev.StartsAt, ev.EndsAt)
		found = append(found, Conflict{
			Booking:         b,
			ExternalEventID: ev.ExternalID,
			EventTitle:      ev.Title,
			EventStart:      ev.StartsAt,
			EventEnd:        ev.EndsAt,
			OverlapMinutes:  overlap,
			Severity:        d.severity(overlap),
		})
	}
	return found, nil
}

// BookingOverlap describes a blocking mirror event overlapping a booking's
// window, found when creating or rescheduling a booking.
type BookingOverlap struct {
	Event          *database.CalendarEvent
	OverlapMinutes int
	Severity       string
}

// DetectForBooking checks a booking's window against the blocking mirror
// events already known for the integration.
func (d *Detector) DetectForBooking(ctx context.Context, integ *database.Integration, booking *database.Booking, mirrors []*database.CalendarEvent) []BookingOverlap {
	if !integ.AutoBlockExternalEvents {
		return nil
	}

	var found []BookingOverlap
	for _, ev := range mirrors {
		overlap := overlapMinutes(booking.StartsAt, booking.EndsAt, ev.StartsAt, ev.EndsAt)
		if overlap <= 0 {
			continue
		}
		found = append(found, BookingOverlap{
			Event:          ev,
			OverlapMinutes: overlap,
			Severity:       d.severity(overlap),
		})
	}
	return found
}

func (d *Detector) severity(overlapMinutes int) string {
	switch {
	case overlapMinutes >= d.cfg.HighSeverityMinutes:
		return SeverityHigh
	case overlapMinutes >= d.cfg.MediumSeverityMinutes:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func overlapMinutes(aStart, aEnd, bStart, bEnd time.Time) int {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / time.Minute)
}
