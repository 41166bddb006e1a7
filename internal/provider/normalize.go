package provider

import (
	"fmt"
	"strings"
	"time"
)

// RawEvent is a provider payload reduced to the fields the normalizer
// understands. Adapters populate whichever fields their provider supplies.
type RawEvent struct {
	ID          string
	Summary     string
	Subject     string
	Title       string
	Description string
	Start       *RawTime
	End         *RawTime
	// Transparency is Google's busy/free marker ("transparent" = free).
	Transparency string
	// ShowAs is Outlook's busy/free marker ("free" = non-blocking).
	ShowAs string
	Status string
}

// RawTime holds a provider time field: either a timed value or a date-only
// value, never both.
type RawTime struct {
	DateTime string // RFC3339
	Date     string // YYYY-MM-DD
}

const defaultTitle = "Untitled Event"

// Normalize maps a raw provider payload into the canonical representation.
func Normalize(raw *RawEvent) (*Event, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil raw event")
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("raw event has no external id")
	}
	if raw.Start == nil {
		return nil, fmt.Errorf("raw event %s has no start time", raw.ID)
	}

	startsAt, allDay, err := parseRawTime(raw.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid start: %w", raw.ID, err)
	}

	var endsAt time.Time
	if raw.End != nil {
		endsAt, _, err = parseRawTime(raw.End)
		if err != nil {
			return nil, fmt.Errorf("event %s: invalid end: %w", raw.ID, err)
		}
	}
	if endsAt.IsZero() {
		if allDay {
			endsAt = endOfDay(startsAt)
		} else {
			endsAt = startsAt.Add(time.Hour)
		}
	}
	if allDay {
		startsAt = startOfDay(startsAt)
		if raw.End == nil {
			endsAt = endOfDay(startsAt)
		}
	}

	return &Event{
		ExternalID:    raw.ID,
		Title:         pickTitle(raw),
		Description:   raw.Description,
		StartsAt:      startsAt,
		EndsAt:        endsAt,
		AllDay:        allDay,
		BlocksBooking: blocksBooking(raw),
	}, nil
}

func pickTitle(raw *RawEvent) string {
	for _, candidate := range []string{raw.Summary, raw.Subject, raw.Title} {
		if candidate != "" {
			return candidate
		}
	}
	return defaultTitle
}

// blocksBooking defaults to true; only an explicit free/transparent marker
// from the provider makes an event non-blocking.
func blocksBooking(raw *RawEvent) bool {
	if strings.EqualFold(raw.Transparency, "transparent") {
		return false
	}
	if strings.EqualFold(raw.ShowAs, "free") {
		return false
	}
	return true
}

// parseRawTime prefers the timed field and falls back to date-only, which
// marks the event all-day.
func parseRawTime(rt *RawTime) (time.Time, bool, error) {
	if rt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, rt.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, false, nil
	}
	if rt.Date != "" {
		t, err := time.Parse("2006-01-02", rt.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("empty time field")
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
