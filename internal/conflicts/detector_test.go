package conflicts

import (
	"context"
	"testing"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/provider"
	"github.com/bookpilot/calsync/internal/util"
)

func newDetectorFixture(t *testing.T) (*Detector, *database.DB) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.ConflictsConfig{HighSeverityMinutes: 60, MediumSeverityMinutes: 30}
	return NewDetector(bookings.NewRepository(db), cfg), db
}

func insertBooking(t *testing.T, db *database.DB, id, status string, start, end time.Time) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO bookings (id, client_name, status, starts_at, ends_at)
		VALUES (?, 'Client', ?, ?, ?)
	`, id, status, util.SQLiteTimestamp(start), util.SQLiteTimestamp(end))
	if err != nil {
		t.Fatalf("failed to insert booking: %v", err)
	}
}

func autoBlockIntegration() *database.Integration {
	return &database.Integration{ID: "int-1", AutoBlockExternalEvents: true}
}

func TestDetectOverlapAndSeverity(t *testing.T) {
	d, db := newDetectorFixture(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	insertBooking(t, db, "bk-1", database.BookingConfirmed, base, base.Add(time.Hour))

	ev := &provider.Event{
		ExternalID:    "ev-1",
		Title:         "All hands",
		StartsAt:      base.Add(30 * time.Minute),
		EndsAt:        base.Add(90 * time.Minute),
		BlocksBooking: true,
	}

	found, err := d.Detect(context.Background(), autoBlockIntegration(), ev)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(found))
	}
	c := found[0]
	if c.Booking.ID != "bk-1" {
		t.Errorf("booking id = %q", c.Booking.ID)
	}
	if c.OverlapMinutes != 30 {
		t.Errorf("overlap = %d minutes, want 30", c.OverlapMinutes)
	}
	if c.Severity != SeverityMedium {
		t.Errorf("severity = %q, want medium", c.Severity)
	}
}

func TestDetectSkipsNonBlockingEvents(t *testing.T) {
	d, db := newDetectorFixture(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	insertBooking(t, db, "bk-1", database.BookingConfirmed, base, base.Add(time.Hour))

	ev := &provider.Event{
		ExternalID:    "ev-free",
		StartsAt:      base,
		EndsAt:        base.Add(time.Hour),
		BlocksBooking: false,
	}
	found, err := d.Detect(context.Background(), autoBlockIntegration(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("transparent event should not conflict, got %d", len(found))
	}
}

func TestDetectSkipsWithoutAutoBlock(t *testing.T) {
	d, db := newDetectorFixture(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	insertBooking(t, db, "bk-1", database.BookingConfirmed, base, base.Add(time.Hour))

	ev := &provider.Event{ExternalID: "ev-1", StartsAt: base, EndsAt: base.Add(time.Hour), BlocksBooking: true}
	found, err := d.Detect(context.Background(), &database.Integration{ID: "int-1"}, ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("detection should be gated on auto-block, got %d", len(found))
	}
}

func TestDetectIgnoresTouchingWindows(t *testing.T) {
	d, db := newDetectorFixture(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	insertBooking(t, db, "bk-1", database.BookingConfirmed, base, base.Add(time.Hour))

	// Event starts exactly when the booking ends.
	ev := &provider.Event{
		ExternalID:    "ev-after",
		StartsAt:      base.Add(time.Hour),
		EndsAt:        base.Add(2 * time.Hour),
		BlocksBooking: true,
	}
	found, err := d.Detect(context.Background(), autoBlockIntegration(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("touching windows should not conflict, got %d", len(found))
	}
}

func TestDetectIgnoresInactiveBookings(t *testing.T) {
	d, db := newDetectorFixture(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	insertBooking(t, db, "bk-done", database.BookingCancelled, base, base.Add(time.Hour))

	ev := &provider.Event{ExternalID: "ev-1", StartsAt: base, EndsAt: base.Add(time.Hour), BlocksBooking: true}
	found, err := d.Detect(context.Background(), autoBlockIntegration(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("cancelled bookings should not conflict, got %d", len(found))
	}
}

func TestDetectForBooking(t *testing.T) {
	d, _ := newDetectorFixture(t)
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	booking := &database.Booking{ID: "bk-1", StartsAt: base, EndsAt: base.Add(time.Hour)}

	mirrors := []*database.CalendarEvent{
		{ExternalEventID: "full", StartsAt: base.Add(-time.Hour), EndsAt: base.Add(2 * time.Hour)},
		{ExternalEventID: "edge", StartsAt: base.Add(time.Hour), EndsAt: base.Add(2 * time.Hour)},
	}

	found := d.DetectForBooking(context.Background(), autoBlockIntegration(), booking, mirrors)
	if len(found) != 1 {
		t.Fatalf("overlaps = %d, want 1", len(found))
	}
	if found[0].Event.ExternalEventID != "full" {
		t.Errorf("wrong event: %q", found[0].Event.ExternalEventID)
	}
	if found[0].OverlapMinutes != 60 {
		t.Errorf("overlap = %d, want 60", found[0].OverlapMinutes)
	}
	if found[0].Severity != SeverityHigh {
		t.Errorf("severity = %q, want high", found[0].Severity)
	}
}
