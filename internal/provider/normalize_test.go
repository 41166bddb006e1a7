package provider

import (
	"testing"
	"time"
)

func TestNormalizeTimedEvent(t *testing.T) {
	ev, err := Normalize(&RawEvent{
		ID:      "evt-1",
		Summary: "Team sync",
		Start:   &RawTime{DateTime: "2025-06-01T10:00:00Z"},
		End:     &RawTime{DateTime: "2025-06-01T11:00:00Z"},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if ev.Title != "Team sync" {
		t.Errorf("title = %q, want Team sync", ev.Title)
	}
	if ev.AllDay {
		t.Error("timed event marked all-day")
	}
	if !ev.BlocksBooking {
		t.Error("event should block by default")
	}
	if !ev.EndsAt.Equal(time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", ev.EndsAt)
	}
}

func TestNormalizeTitleFallback(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
		want string
	}{
		{"summary wins", RawEvent{Summary: "A", Subject: "B", Title: "C"}, "A"},
		{"subject next", RawEvent{Subject: "B", Title: "C"}, "B"},
		{"title last", RawEvent{Title: "C"}, "C"},
		{"default", RawEvent{}, "Untitled Event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			raw.ID = "evt-1"
			raw.Start = &RawTime{DateTime: "2025-06-01T10:00:00Z"}
			ev, err := Normalize(&raw)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if ev.Title != tt.want {
				t.Errorf("title = %q, want %q", ev.Title, tt.want)
			}
		})
	}
}

func TestNormalizeAllDay(t *testing.T) {
	ev, err := Normalize(&RawEvent{
		ID:    "evt-1",
		Start: &RawTime{Date: "2025-06-01"},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if !ev.AllDay {
		t.Error("date-only event not marked all-day")
	}
	if ev.StartsAt.Hour() != 0 || ev.StartsAt.Minute() != 0 {
		t.Errorf("all-day start = %v, want start of day", ev.StartsAt)
	}
	if ev.EndsAt.Hour() != 23 || ev.EndsAt.Minute() != 59 {
		t.Errorf("all-day end = %v, want end of day", ev.EndsAt)
	}
}

func TestNormalizeMissingEndTimed(t *testing.T) {
	ev, err := Normalize(&RawEvent{
		ID:    "evt-1",
		Start: &RawTime{DateTime: "2025-06-01T10:00:00Z"},
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got := ev.EndsAt.Sub(ev.StartsAt); got != time.Hour {
		t.Errorf("timed event without end spans %v, want 1h", got)
	}
}

func TestNormalizeBlocking(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
		want bool
	}{
		{"default blocks", RawEvent{}, true},
		{"google transparent", RawEvent{Transparency: "transparent"}, false},
		{"google opaque", RawEvent{Transparency: "opaque"}, true},
		{"outlook free", RawEvent{ShowAs: "free"}, false},
		{"outlook busy", RawEvent{ShowAs: "busy"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			raw.ID = "evt-1"
			raw.Start = &RawTime{DateTime: "2025-06-01T10:00:00Z"}
			ev, err := Normalize(&raw)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if ev.BlocksBooking != tt.want {
				t.Errorf("blocks = %v, want %v", ev.BlocksBooking, tt.want)
			}
		})
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	if _, err := Normalize(nil); err == nil {
		t.Error("expected error for nil raw event")
	}
	if _, err := Normalize(&RawEvent{Start: &RawTime{Date: "2025-06-01"}}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := Normalize(&RawEvent{ID: "evt-1"}); err == nil {
		t.Error("expected error for missing start")
	}
}
