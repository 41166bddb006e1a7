package provider

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bookpilot/calsync/internal/database"
)

// ICalAdapter serves read-only iCal feed integrations. Feeds cannot be
// mutated, so availability flows inbound only; Create/Update/Delete report
// ErrReadOnly.
type ICalAdapter struct {
	httpClient *http.Client
}

// NewICalAdapter creates a feed adapter.
func NewICalAdapter() *ICalAdapter {
	return &ICalAdapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Provider returns the provider name.
func (a *ICalAdapter) Provider() string {
	return database.ProviderICal
}

// CreateEvent is not supported for feeds.
func (a *ICalAdapter) CreateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking) (string, error) {
	return "", fmt.Errorf("ical feed %s: forbidden: %w", integ.ID, ErrReadOnly)
}

// UpdateEvent is not supported for feeds.
func (a *ICalAdapter) UpdateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking, externalID string) error {
	return fmt.Errorf("ical feed %s: forbidden: %w", integ.ID, ErrReadOnly)
}

// EventExists checks the current feed contents.
func (a *ICalAdapter) EventExists(ctx context.Context, integ *database.Integration, externalID string) (bool, error) {
	cs, err := a.GetEventChanges(ctx, integ, "")
	if err != nil {
		return false, err
	}
	for _, c := range cs.Changes {
		if c.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

// DeleteEvent is not supported for feeds.
func (a *ICalAdapter) DeleteEvent(ctx context.Context, integ *database.Integration, externalID string) error {
	return fmt.Errorf("ical feed %s: forbidden: %w", integ.ID, ErrReadOnly)
}

// GetEventChanges downloads and parses the feed. Feeds have no incremental
// protocol; the sync token is a content digest used to cheaply detect an
// unchanged feed.
func (a *ICalAdapter) GetEventChanges(ctx context.Context, integ *database.Integration, syncToken string) (*ChangeSet, error) {
	if !integ.FeedURL.Valid || integ.FeedURL.String == "" {
		return nil, fmt.Errorf("ical integration %s has no feed url: calendar_not_found", integ.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, integ.FeedURL.String, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("feed returned status %d: calendar_not_found", resp.StatusCode)
		}
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}

	digest := sha256.Sum256(data)
	token := hex.EncodeToString(digest[:16])
	if syncToken != "" && syncToken == token {
		return &ChangeSet{NextSyncToken: token}, nil
	}

	raws, err := parseICS(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{NextSyncToken: token}
	for _, raw := range raws {
		cs.Changes = append(cs.Changes, Change{Type: ChangeUpdated, ExternalID: raw.ID, Raw: raw})
	}
	return cs, nil
}

// VerifySignature always passes; feeds are pull-only and have no webhook
// signatures.
func (a *ICalAdapter) VerifySignature(integ *database.Integration, signature string) bool {
	return true
}

// ParseWebhook is not supported; feeds do not push.
func (a *ICalAdapter) ParseWebhook(integ *database.Integration, req *WebhookRequest) (*Webhook, error) {
	return nil, fmt.Errorf("ical feeds do not deliver webhooks")
}

// parseICS reads VEVENT blocks out of an ICS stream. Line continuations
// (folded lines starting with space or tab) are unfolded; property
// parameters after ';' are kept only to detect date-only values.
func parseICS(r io.Reader) ([]*RawEvent, error) {
	var events []*RawEvent
	var current *RawEvent
	var field, params string
	var value strings.Builder

	flush := func() {
		if field != "" && current != nil {
			setICSField(current, field, params, value.String())
		}
		field = ""
		params = ""
		value.Reset()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if field != "" {
				value.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, " "), "\t"))
			}
			continue
		}

		flush()

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		name := line[:colonIdx]
		val := line[colonIdx+1:]

		if semicolonIdx := strings.Index(name, ";"); semicolonIdx != -1 {
			params = name[semicolonIdx+1:]
			name = name[:semicolonIdx]
		} else {
			params = ""
		}

		switch name {
		case "BEGIN":
			if val == "VEVENT" {
				current = &RawEvent{}
			}
		case "END":
			if val == "VEVENT" && current != nil {
				if current.ID != "" && current.Start != nil {
					events = append(events, current)
				}
				current = nil
			}
		case "UID", "SUMMARY", "DESCRIPTION", "DTSTART", "DTEND", "TRANSP", "STATUS":
			if current != nil {
				field = name
				value.WriteString(val)
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return events, nil
}

func setICSField(ev *RawEvent, field, params, value string) {
	value = strings.ReplaceAll(value, "\\n", "\n")
	value = strings.ReplaceAll(value, "\\,", ",")
	value = strings.ReplaceAll(value, "\\;", ";")
	value = strings.ReplaceAll(value, "\\\\", "\\")

	switch field {
	case "UID":
		ev.ID = value
	case "SUMMARY":
		ev.Summary = value
	case "DESCRIPTION":
		ev.Description = value
	case "DTSTART":
		ev.Start = icsRawTime(params, value)
	case "DTEND":
		ev.End = icsRawTime(params, value)
	case "TRANSP":
		ev.Transparency = strings.ToLower(value)
	case "STATUS":
		ev.Status = strings.ToLower(value)
	}
}

func icsRawTime(params, value string) *RawTime {
	if strings.Contains(params, "VALUE=DATE") || len(value) == 8 {
		if t, err := time.Parse("20060102", value); err == nil {
			return &RawTime{Date: t.Format("2006-01-02")}
		}
		if len(value) == 10 {
			return &RawTime{Date: value}
		}
	}

	formats := []string{
		"20060102T150405Z",
		"20060102T150405",
		time.RFC3339,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, value); err == nil {
			return &RawTime{DateTime: t.UTC().Format(time.RFC3339)}
		}
	}
	return nil
}
