package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/crypto"
	"github.com/bookpilot/calsync/internal/database"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// OutlookAdapter talks to the Microsoft Graph calendar API.
type OutlookAdapter struct {
	oauthConfig *oauth2.Config
	encryptor   *crypto.Encryptor
	baseURL     string
}

// NewOutlookAdapter creates an adapter from OAuth client credentials.
func NewOutlookAdapter(cfg config.OAuthClientConfig, encryptor *crypto.Encryptor) *OutlookAdapter {
	return &OutlookAdapter{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		},
		encryptor: encryptor,
		baseURL:   graphBaseURL,
	}
}

// Provider returns the provider name.
func (a *OutlookAdapter) Provider() string {
	return database.ProviderOutlook
}

type graphEvent struct {
	ID       string     `json:"id,omitempty"`
	Subject  string     `json:"subject,omitempty"`
	Body     *graphBody `json:"body,omitempty"`
	Start    *graphTime `json:"start,omitempty"`
	End      *graphTime `json:"end,omitempty"`
	ShowAs   string     `json:"showAs,omitempty"`
	IsAllDay bool       `json:"isAllDay,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (a *OutlookAdapter) client(ctx context.Context, integ *database.Integration) (*http.Client, error) {
	token, err := a.token(integ)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, a.oauthConfig.TokenSource(ctx, token)), nil
}

func (a *OutlookAdapter) token(integ *database.Integration) (*oauth2.Token, error) {
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

func (a *OutlookAdapter) eventsURL(integ *database.Integration) string {
	if integ.CalendarID == "" || integ.CalendarID == "primary" {
		return a.baseURL + "/me/events"
	}
	return a.baseURL + "/me/calendars/" + url.PathEscape(integ.CalendarID) + "/events"
}

// CreateEvent creates a remote event for the booking.
func (a *OutlookAdapter) CreateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking) (string, error) {
	payload := graphEvent{
		Subject: bookingSummary(booking),
		Body:    &graphBody{ContentType: "text", Content: fmt.Sprintf("Booking %s", booking.ID)},
		Start:   &graphTime{DateTime: booking.StartsAt.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		End:     &graphTime{DateTime: booking.EndsAt.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
	}

	var created graphEvent
	if err := a.do(ctx, integ, http.MethodPost, a.eventsURL(integ), payload, &created); err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("failed to create event: response contained no id")
	}
	return created.ID, nil
}

// UpdateEvent patches the remote event to match the booking.
func (a *OutlookAdapter) UpdateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking, externalID string) error {
	payload := graphEvent{
		Subject: bookingSummary(booking),
		Start:   &graphTime{DateTime: booking.StartsAt.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		End:     &graphTime{DateTime: booking.EndsAt.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
	}

	if err := a.do(ctx, integ, http.MethodPatch, a.baseURL+"/me/events/"+url.PathEscape(externalID), payload, nil); err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

// EventExists reports whether the remote event still exists.
func (a *OutlookAdapter) EventExists(ctx context.Context, integ *database.Integration, externalID string) (bool, error) {
	err := a.do(ctx, integ, http.MethodGet, a.baseURL+"/me/events/"+url.PathEscape(externalID), nil, &graphEvent{})
	if err != nil {
		if gErr, ok := err.(*graphError); ok && gErr.status == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get event: %w", err)
	}
	return true, nil
}

// DeleteEvent deletes the remote event.
func (a *OutlookAdapter) DeleteEvent(ctx context.Context, integ *database.Integration, externalID string) error {
	if err := a.do(ctx, integ, http.MethodDelete, a.baseURL+"/me/events/"+url.PathEscape(externalID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

type graphDeltaPage struct {
	Value     []graphDeltaItem `json:"value"`
	NextLink  string           `json:"@odata.nextLink"`
	DeltaLink string           `json:"@odata.deltaLink"`
}

type graphDeltaItem struct {
	graphEvent
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// GetEventChanges runs a delta query. The sync token is the deltaLink URL
// returned by the previous fetch.
func (a *OutlookAdapter) GetEventChanges(ctx context.Context, integ *database.Integration, syncToken string) (*ChangeSet, error) {
	next := syncToken
	if next == "" {
		start := time.Now().AddDate(0, 0, -30).UTC().Format(time.RFC3339)
		end := time.Now().AddDate(0, 6, 0).UTC().Format(time.RFC3339)
		next = a.baseURL + "/me/calendarView/delta?startDateTime=" + url.QueryEscape(start) + "&endDateTime=" + url.QueryEscape(end)
	}

	cs := &ChangeSet{}
	for next != "" {
		var page graphDeltaPage
		if err := a.do(ctx, integ, http.MethodGet, next, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch event changes: %w", err)
		}

		for _, item := range page.Value {
			cs.Changes = append(cs.Changes, outlookChange(item))
		}

		if page.DeltaLink != "" {
			cs.NextSyncToken = page.DeltaLink
		}
		next = page.NextLink
	}
	return cs, nil
}

func outlookChange(item graphDeltaItem) Change {
	if item.Removed != nil {
		return Change{Type: ChangeDeleted, ExternalID: item.ID}
	}

	raw := &RawEvent{
		ID:      item.ID,
		Subject: item.Subject,
		ShowAs:  item.ShowAs,
	}
	if item.Body != nil {
		raw.Description = item.Body.Content
	}
	if item.Start != nil {
		raw.Start = graphRawTime(item.Start, item.IsAllDay)
	}
	if item.End != nil {
		raw.End = graphRawTime(item.End, item.IsAllDay)
	}
	return Change{Type: ChangeUpdated, ExternalID: item.ID, Raw: raw}
}

// graphRawTime converts Graph's fractional-second local format into the
// fields the normalizer understands.
func graphRawTime(gt *graphTime, allDay bool) *RawTime {
	if allDay {
		if len(gt.DateTime) >= 10 {
			return &RawTime{Date: gt.DateTime[:10]}
		}
		return &RawTime{Date: gt.DateTime}
	}

	formats := []string{
		"2006-01-02T15:04:05.0000000",
		"2006-01-02T15:04:05",
		time.RFC3339,
	}
	loc := time.UTC
	if gt.TimeZone != "" && gt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(gt.TimeZone); err == nil {
			loc = l
		}
	}
	for _, f := range formats {
		if t, err := time.ParseInLocation(f, gt.DateTime, loc); err == nil {
			return &RawTime{DateTime: t.Format(time.RFC3339)}
		}
	}
	return &RawTime{DateTime: gt.DateTime}
}

// VerifySignature compares the clientState Graph echoes back against the
// one stored at subscription time.
func (a *OutlookAdapter) VerifySignature(integ *database.Integration, signature string) bool {
	if signature == "" {
		return true
	}
	if !integ.ClientState.Valid {
		return false
	}
	return crypto.SecureCompare(signature, integ.ClientState.String)
}

type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		ResourceData   struct {
			ID string `json:"id"`
		} `json:"resourceData"`
	} `json:"value"`
}

// ParseWebhook parses a Graph change notification batch. Graph embeds the
// changed resource IDs; the events themselves still need a delta fetch for
// their bodies, which the caller performs.
func (a *OutlookAdapter) ParseWebhook(integ *database.Integration, req *WebhookRequest) (*Webhook, error) {
	var notification graphNotification
	if err := json.Unmarshal(req.Body, &notification); err != nil {
		return nil, fmt.Errorf("failed to parse outlook notification: %w", err)
	}

	wh := &Webhook{WebhookID: outlookWebhookID(req)}
	for _, n := range notification.Value {
		if n.ClientState != "" && integ.ClientState.Valid && !crypto.SecureCompare(n.ClientState, integ.ClientState.String) {
			return nil, fmt.Errorf("outlook notification clientState mismatch: forbidden")
		}

		changeType := ChangeUpdated
		switch n.ChangeType {
		case "created":
			changeType = ChangeCreated
		case "deleted":
			changeType = ChangeDeleted
		}
		wh.Changes = append(wh.Changes, Change{Type: changeType, ExternalID: n.ResourceData.ID})
	}

	// Notification bodies carry IDs only; fetch fills in event details.
	wh.RequiresFetch = true
	return wh, nil
}

func outlookWebhookID(req *WebhookRequest) string {
	if id := req.Headers["Request-Id"]; id != "" {
		return id
	}
	sum := sha256.Sum256(req.Body)
	return hex.EncodeToString(sum[:8])
}

func (a *OutlookAdapter) do(ctx context.Context, integ *database.Integration, method, rawURL string, body, out interface{}) error {
	client, err := a.client(ctx, integ)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return newGraphError(resp.StatusCode, data)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// graphError folds Graph HTTP failures into the taxonomy the retry policy
// classifies on.
type graphError struct {
	status int
	body   string
}

func newGraphError(status int, body []byte) *graphError {
	return &graphError{status: status, body: string(body)}
}

func (e *graphError) Error() string {
	switch e.status {
	case http.StatusUnauthorized:
		return fmt.Sprintf("graph api status %d: unauthorized", e.status)
	case http.StatusForbidden:
		return fmt.Sprintf("graph api status %d: forbidden", e.status)
	case http.StatusNotFound:
		return fmt.Sprintf("graph api status %d: not found", e.status)
	case http.StatusTooManyRequests:
		return fmt.Sprintf("graph api status %d: rate limit exceeded", e.status)
	default:
		return fmt.Sprintf("graph api status %d: %s", e.status, e.body)
	}
}
