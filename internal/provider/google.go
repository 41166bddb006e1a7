package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/crypto"
	"github.com/bookpilot/calsync/internal/database"
)

// GoogleAdapter talks to the Google Calendar API.
type GoogleAdapter struct {
	oauthConfig *oauth2.Config
	encryptor   *crypto.Encryptor
}

// NewGoogleAdapter creates an adapter from OAuth client credentials.
func NewGoogleAdapter(cfg config.OAuthClientConfig, encryptor *crypto.Encryptor) *GoogleAdapter {
	return &GoogleAdapter{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     google.Endpoint,
		},
		encryptor: encryptor,
	}
}

// Provider returns the provider name.
func (a *GoogleAdapter) Provider() string {
	return database.ProviderGoogle
}

func (a *GoogleAdapter) service(ctx context.Context, integ *database.Integration) (*calendar.Service, error) {
	token, err := a.token(integ)
	if err != nil {
		return nil, err
	}

	httpClient := oauth2.NewClient(ctx, a.oauthConfig.TokenSource(ctx, token))
	service, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return service, nil
}

func (a *GoogleAdapter) token(integ *database.Integration) (*oauth2.Token, error) {
	if len(integ.AccessTokenEnc) == 0 {
		return nil, fmt.Errorf("integration %s has no access token: unauthorized", integ.ID)
	}

	accessToken, err := a.encryptor.Decrypt(integ.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	token := &oauth2.Token{AccessToken: accessToken}
	if len(integ.RefreshTokenEnc) > 0 {
		refreshToken, err := a.encryptor.Decrypt(integ.RefreshTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		token.RefreshToken = refreshToken
	}
	if integ.TokenExpiresAt.Valid {
		token.Expiry = integ.TokenExpiresAt.Time
	}
	return token, nil
}

func (a *GoogleAdapter) calendarID(integ *database.Integration) string {
	if integ.CalendarID == "" {
		return "primary"
	}
	return integ.CalendarID
}

// CreateEvent creates a remote event for the booking.
func (a *GoogleAdapter) CreateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking) (string, error) {
	service, err := a.service(ctx, integ)
	if err != nil {
		return "", err
	}

	event := &calendar.Event{
		Summary:     bookingSummary(booking),
		Description: fmt.Sprintf("Booking %s", booking.ID),
		Start:       &calendar.EventDateTime{DateTime: booking.StartsAt.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: booking.EndsAt.Format(time.RFC3339)},
	}

	created, err := service.Events.Insert(a.calendarID(integ), event).Context(ctx).Do()
	if err != nil {
		return "", mapGoogleError("create event", err)
	}
	return created.Id, nil
}

// UpdateEvent patches the remote event to match the booking.
func (a *GoogleAdapter) UpdateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking, externalID string) error {
	service, err := a.service(ctx, integ)
	if err != nil {
		return err
	}

	patch := &calendar.Event{
		Summary: bookingSummary(booking),
		Start:   &calendar.EventDateTime{DateTime: booking.StartsAt.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: booking.EndsAt.Format(time.RFC3339)},
	}

	if _, err := service.Events.Patch(a.calendarID(integ), externalID, patch).Context(ctx).Do(); err != nil {
		return mapGoogleError("update event", err)
	}
	return nil
}

// EventExists checks the remote event. A cancelled Google event still has a
// row but counts as gone.
func (a *GoogleAdapter) EventExists(ctx context.Context, integ *database.Integration, externalID string) (bool, error) {
	service, err := a.service(ctx, integ)
	if err != nil {
		return false, err
	}

	event, err := service.Events.Get(a.calendarID(integ), externalID).Context(ctx).Do()
	if err != nil {
		if gErr, ok := err.(*googleapi.Error); ok && (gErr.Code == http.StatusNotFound || gErr.Code == http.StatusGone) {
			return false, nil
		}
		return false, mapGoogleError("get event", err)
	}
	return event.Status != "cancelled", nil
}

// DeleteEvent deletes the remote event.
func (a *GoogleAdapter) DeleteEvent(ctx context.Context, integ *database.Integration, externalID string) error {
	service, err := a.service(ctx, integ)
	if err != nil {
		return err
	}

	if err := service.Events.Delete(a.calendarID(integ), externalID).Context(ctx).Do(); err != nil {
		return mapGoogleError("delete event", err)
	}
	return nil
}

// GetEventChanges fetches changed events. With a sync token the fetch is
// incremental; an expired token (410) falls back to a bounded full fetch.
func (a *GoogleAdapter) GetEventChanges(ctx context.Context, integ *database.Integration, syncToken string) (*ChangeSet, error) {
	service, err := a.service(ctx, integ)
	if err != nil {
		return nil, err
	}

	changes, err := a.listChanges(ctx, service, integ, syncToken)
	if err != nil {
		if gErr, ok := err.(*googleapi.Error); ok && gErr.Code == http.StatusGone && syncToken != "" {
			// Sync token expired, full resync
			return a.listChanges(ctx, service, integ, "")
		}
		return nil, mapGoogleError("list event changes", err)
	}
	return changes, nil
}

func (a *GoogleAdapter) listChanges(ctx context.Context, service *calendar.Service, integ *database.Integration, syncToken string) (*ChangeSet, error) {
	cs := &ChangeSet{}
	pageToken := ""

	for {
		call := service.Events.List(a.calendarID(integ)).Context(ctx).SingleEvents(true).MaxResults(250)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.TimeMin(time.Now().AddDate(0, 0, -30).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			cs.Changes = append(cs.Changes, googleChange(item))
		}

		if page.NextPageToken == "" {
			cs.NextSyncToken = page.NextSyncToken
			return cs, nil
		}
		pageToken = page.NextPageToken
	}
}

func googleChange(item *calendar.Event) Change {
	if item.Status == "cancelled" {
		return Change{Type: ChangeDeleted, ExternalID: item.Id}
	}

	raw := &RawEvent{
		ID:           item.Id,
		Summary:      item.Summary,
		Description:  item.Description,
		Transparency: item.Transparency,
		Status:       item.Status,
	}
	if item.Start != nil {
		raw.Start = &RawTime{DateTime: item.Start.DateTime, Date: item.Start.Date}
	}
	if item.End != nil {
		raw.End = &RawTime{DateTime: item.End.DateTime, Date: item.End.Date}
	}
	return Change{Type: ChangeUpdated, ExternalID: item.Id, Raw: raw}
}

// VerifySignature compares the channel token Google echoes back on every
// notification against the one stored at watch registration.
func (a *GoogleAdapter) VerifySignature(integ *database.Integration, signature string) bool {
	if signature == "" {
		return true
	}
	if !integ.ChannelToken.Valid {
		return false
	}
	return crypto.SecureCompare(signature, integ.ChannelToken.String)
}

// ParseWebhook parses a Google push notification. Google sends headers
// only: the payload signals that something changed and the caller must run
// an incremental fetch.
func (a *GoogleAdapter) ParseWebhook(integ *database.Integration, req *WebhookRequest) (*Webhook, error) {
	channelID := req.Headers["X-Goog-Channel-Id"]
	messageNumber := req.Headers["X-Goog-Message-Number"]
	state := req.Headers["X-Goog-Resource-State"]

	if channelID == "" {
		return nil, fmt.Errorf("google webhook missing channel id header")
	}

	return &Webhook{
		WebhookID: channelID + ":" + messageNumber,
		// The initial "sync" message confirms watch registration and carries
		// no changes.
		RequiresFetch: state != "sync",
	}, nil
}

func bookingSummary(booking *database.Booking) string {
	if booking.ClientName != "" {
		return fmt.Sprintf("Booking: %s", booking.ClientName)
	}
	return "Booking"
}

// mapGoogleError rewrites Google API errors into the taxonomy the retry
// policy classifies on.
func mapGoogleError(op string, err error) error {
	gErr, ok := err.(*googleapi.Error)
	if !ok {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	switch gErr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("failed to %s: unauthorized: %w", op, err)
	case http.StatusForbidden:
		if isGoogleRateLimit(gErr) {
			return fmt.Errorf("failed to %s: rate limit exceeded: %w", op, err)
		}
		return fmt.Errorf("failed to %s: forbidden: %w", op, err)
	case http.StatusNotFound:
		return fmt.Errorf("failed to %s: not found: %w", op, err)
	case http.StatusConflict:
		return fmt.Errorf("failed to %s: event_already_exists: %w", op, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("failed to %s: rate limit exceeded: %w", op, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func isGoogleRateLimit(gErr *googleapi.Error) bool {
	for _, e := range gErr.Errors {
		reason := strings.ToLower(e.Reason)
		if reason == "ratelimitexceeded" || reason == "userratelimitexceeded" || reason == "quotaexceeded" {
			return true
		}
	}
	return false
}
