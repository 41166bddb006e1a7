// Package notify delivers fire-and-forget notifications about sync
// outcomes: failures, conflicts, disabled integrations, and
// re-authorization requests.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/bookpilot/calsync/internal/util"
)

// Event kinds emitted by the sync engine.
const (
	EventSyncFailed          = "sync.failed"
	EventConflictDetected    = "conflict.detected"
	EventBookingCancelled    = "booking.auto_cancelled"
	EventIntegrationDisabled = "integration.disabled"
	EventReauthRequired      = "integration.reauth_required"
)

// Event is one notification.
type Event struct {
	Kind          string                 `json:"event"`
	IntegrationID string                 `json:"integration_id"`
	UserID        string                 `json:"user_id,omitempty"`
	Provider      string                 `json:"provider,omitempty"`
	BookingID     string                 `json:"booking_id,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     string                 `json:"timestamp"`
}

// Provider delivers events to one notification channel.
type Provider interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, event *Event) error
}

// Manager fans events out to all enabled providers. Delivery is
// fire-and-forget: provider failures are logged, never returned to the
// sync path.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewManager creates an empty notification manager.
func NewManager() *Manager {
	return &Manager{providers: make([]Provider, 0)}
}

// RegisterProvider adds a notification provider.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
	util.Info("Registered notification provider", "provider", p.Name(), "enabled", p.Enabled())
}

// Send delivers the event to every enabled provider.
func (m *Manager) Send(ctx context.Context, event *Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	m.mu.RLock()
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Enabled() {
			providers = append(providers, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range providers {
		if err := p.Send(ctx, event); err != nil {
			util.Error("Failed to send notification",
				"provider", p.Name(),
				"event", event.Kind,
				"integration_id", event.IntegrationID,
				"error", err,
			)
		}
	}
}
