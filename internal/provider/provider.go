// Package provider defines the calendar provider adapter interface and its
// Google, Outlook, and iCal implementations. All provider-specific payload
// parsing and signature verification lives behind the Adapter interface, so
// the sync engine stays provider-agnostic.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookpilot/calsync/internal/database"
)

// Event is the canonical provider-agnostic event representation.
type Event struct {
	ExternalID    string
	Title         string
	Description   string
	StartsAt      time.Time
	EndsAt        time.Time
	AllDay        bool
	BlocksBooking bool
}

// Change types delivered by webhooks and incremental fetches.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// Change is one uniform change notification.
type Change struct {
	Type       string
	ExternalID string
	// Raw carries the provider payload for created/updated changes when the
	// provider embeds it. Nil means the caller must fetch the event.
	Raw *RawEvent
}

// ChangeSet is the result of an incremental event fetch.
type ChangeSet struct {
	Changes       []Change
	NextSyncToken string
}

// Webhook is a parsed inbound push notification.
type Webhook struct {
	// WebhookID identifies this delivery for dedup purposes.
	WebhookID string
	// RequiresFetch is set when the notification carries no event bodies and
	// the caller must run an incremental fetch to discover the changes.
	RequiresFetch bool
	Changes       []Change
}

// WebhookRequest is the raw inbound notification handed to an adapter.
type WebhookRequest struct {
	Signature string
	Headers   map[string]string
	Body      []byte
}

// ErrReadOnly is returned by mutating operations on feed-only providers.
var ErrReadOnly = errors.New("provider is read-only")

// Adapter is the capability interface implemented per provider.
type Adapter interface {
	// Provider returns the provider name this adapter serves.
	Provider() string

	// CreateEvent creates a remote event for the booking and returns its
	// external ID.
	CreateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking) (string, error)

	// UpdateEvent updates the remote event to match the booking.
	UpdateEvent(ctx context.Context, integ *database.Integration, booking *database.Booking, externalID string) error

	// EventExists reports whether the remote event still exists. Best-effort;
	// an error means existence could not be determined.
	EventExists(ctx context.Context, integ *database.Integration, externalID string) (bool, error)

	// DeleteEvent deletes the remote event.
	DeleteEvent(ctx context.Context, integ *database.Integration, externalID string) error

	// GetEventChanges fetches changed events, incrementally when a sync
	// token is available.
	GetEventChanges(ctx context.Context, integ *database.Integration, syncToken string) (*ChangeSet, error)

	// VerifySignature checks the webhook signature against the secret stored
	// on the integration. An empty signature is accepted (some providers
	// omit it) but logged by the caller.
	VerifySignature(integ *database.Integration, signature string) bool

	// ParseWebhook parses a raw inbound notification into uniform changes.
	ParseWebhook(integ *database.Integration, req *WebhookRequest) (*Webhook, error)
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// For returns the adapter for a provider name.
func (r *Registry) For(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", provider)
	}
	return a, nil
}
