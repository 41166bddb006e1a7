package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/crypto"
	"github.com/bookpilot/calsync/internal/util"
)

// WebhookProvider posts events to a configured HTTP endpoint, signing the
// body with HMAC-SHA256 when a secret is set.
type WebhookProvider struct {
	config     config.WebhookSinkConfig
	httpClient *http.Client
}

// NewWebhookProvider creates a webhook notification provider.
func NewWebhookProvider(cfg config.WebhookSinkConfig) *WebhookProvider {
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &WebhookProvider{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	return "webhook"
}

// Enabled reports whether a delivery URL is configured.
func (p *WebhookProvider) Enabled() bool {
	return p.config.Enabled && p.config.URL != ""
}

// Send posts the event.
func (p *WebhookProvider) Send(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CalSync/1.0")
	if p.config.Secret != "" {
		req.Header.Set("X-CalSync-Signature", crypto.ComputeHMAC(data, p.config.Secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LogProvider writes events to the application log. Always enabled; it
// guarantees every event is visible even with no webhook configured.
type LogProvider struct{}

// NewLogProvider creates a log-backed notification provider.
func NewLogProvider() *LogProvider {
	return &LogProvider{}
}

// Name returns the provider name.
func (p *LogProvider) Name() string {
	return "log"
}

// Enabled always reports true.
func (p *LogProvider) Enabled() bool {
	return true
}

// Send logs the event.
func (p *LogProvider) Send(ctx context.Context, event *Event) error {
	util.Info("Notification",
		"event", event.Kind,
		"integration_id", event.IntegrationID,
		"booking_id", event.BookingID,
		"message", event.Message,
	)
	return nil
}
