// Package tokens coordinates OAuth token renewal for calendar
// integrations: ahead-of-expiry refreshes, terminal OAuth error handling,
// and the token-failure circuit breaker.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/crypto"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/notify"
	"github.com/bookpilot/calsync/internal/util"
)

// ErrReauthRequired is returned when the stored grant is gone for good and
// the user must re-authorize.
var ErrReauthRequired = errors.New("integration requires re-authorization")

// OAuth error strings that no amount of retrying will fix.
var terminalOAuthErrors = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"refresh_token_expired",
	"token has been expired or revoked",
	"revoked",
}

// Coordinator performs token refreshes and schedules the next one.
type Coordinator struct {
	repo      *integrations.Repository
	encryptor *crypto.Encryptor
	notifier  *notify.Manager
	cfg       *config.Config

	oauthConfigs map[string]*oauth2.Config

	// scheduleFn arranges a future refresh for an integration. Set by the
	// dispatcher once the queue exists.
	scheduleFn func(integrationID string, delay time.Duration)
}

// NewCoordinator creates a token refresh coordinator.
func NewCoordinator(cfg *config.Config, repo *integrations.Repository, encryptor *crypto.Encryptor, notifier *notify.Manager) *Coordinator {
	return &Coordinator{
		repo:      repo,
		encryptor: encryptor,
		notifier:  notifier,
		cfg:       cfg,
		oauthConfigs: map[string]*oauth2.Config{
			database.ProviderGoogle: {
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				RedirectURL:  cfg.Google.RedirectURI,
				Scopes:       cfg.Google.Scopes,
				Endpoint:     google.Endpoint,
			},
			database.ProviderOutlook: {
				ClientID:     cfg.Outlook.ClientID,
				ClientSecret: cfg.Outlook.ClientSecret,
				RedirectURL:  cfg.Outlook.RedirectURI,
				Scopes:       cfg.Outlook.Scopes,
				Endpoint:     microsoft.AzureADEndpoint("common"),
			},
		},
	}
}

// SetScheduler wires the callback used to self-schedule future refreshes.
func (c *Coordinator) SetScheduler(fn func(integrationID string, delay time.Duration)) {
	c.scheduleFn = fn
}

// Refresh renews the tokens for one integration. Terminal OAuth errors mark
// the integration for re-authorization; repeated failures trip the token
// circuit breaker.
func (c *Coordinator) Refresh(ctx context.Context, integrationID string) error {
	integ, err := c.repo.GetByID(ctx, integrationID)
	if err != nil {
		return err
	}

	if integ.Provider == database.ProviderICal {
		// Feeds have no tokens
		return nil
	}

	if len(integ.RefreshTokenEnc) == 0 {
		util.Warn("Integration has no refresh token, requesting re-authorization", "integration_id", integ.ID)
		c.requireReauth(ctx, integ, "missing refresh token")
		return ErrReauthRequired
	}

	token, err := c.exchange(ctx, integ)
	if err != nil {
		return c.handleFailure(ctx, integ, err)
	}

	if err := c.storeToken(ctx, integ, token); err != nil {
		return err
	}

	util.Info("Refreshed integration tokens",
		"integration_id", integ.ID,
		"provider", integ.Provider,
		"expires_at", token.Expiry.UTC().Format(time.RFC3339),
	)

	c.scheduleNext(integ.ID, token.Expiry)
	return nil
}

func (c *Coordinator) exchange(ctx context.Context, integ *database.Integration) (*oauth2.Token, error) {
	oauthConfig, ok := c.oauthConfigs[integ.Provider]
	if !ok {
		return nil, fmt.Errorf("no oauth config for provider %q", integ.Provider)
	}

	refreshToken, err := c.encryptor.Decrypt(integ.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token, err := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return token, nil
}

func (c *Coordinator) storeToken(ctx context.Context, integ *database.Integration, token *oauth2.Token) error {
	accessEnc, err := c.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refreshEnc []byte
	if token.RefreshToken != "" {
		refreshEnc, err = c.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	return c.repo.UpdateTokens(ctx, integ.ID, accessEnc, refreshEnc, token.Expiry)
}

// handleFailure classifies a refresh error. Terminal OAuth errors skip the
// retry path entirely; transient ones count against the token breaker.
func (c *Coordinator) handleFailure(ctx context.Context, integ *database.Integration, refreshErr error) error {
	if isTerminalOAuthError(refreshErr) {
		util.Warn("Terminal OAuth error, requesting re-authorization",
			"integration_id", integ.ID,
			"error", refreshErr,
		)
		c.requireReauth(ctx, integ, refreshErr.Error())
		return fmt.Errorf("%w: %v", ErrReauthRequired, refreshErr)
	}

	count, err := c.repo.RecordSyncFailure(ctx, integ.ID, refreshErr.Error())
	if err != nil {
		util.Error("Failed to record token failure", "integration_id", integ.ID, "error", err)
		return refreshErr
	}

	if count >= c.cfg.Breaker.TokenFailureThreshold {
		c.disable(ctx, integ, fmt.Sprintf("token refresh failed %d times", count))
	}
	return refreshErr
}

func (c *Coordinator) requireReauth(ctx context.Context, integ *database.Integration, reason string) {
	marked, err := c.repo.MarkNeedsReauth(ctx, integ.ID)
	if err != nil {
		util.Error("Failed to mark integration for re-authorization", "integration_id", integ.ID, "error", err)
		return
	}
	if !marked {
		return
	}

	c.notifier.Send(ctx, &notify.Event{
		Kind:          notify.EventReauthRequired,
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      integ.Provider,
		Message:       reason,
	})
}

func (c *Coordinator) disable(ctx context.Context, integ *database.Integration, reason string) {
	deactivated, err := c.repo.Deactivate(ctx, integ.ID)
	if err != nil {
		util.Error("Failed to deactivate integration", "integration_id", integ.ID, "error", err)
		return
	}
	if !deactivated {
		return
	}

	util.Warn("Integration disabled by token circuit breaker", "integration_id", integ.ID, "reason", reason)
	c.notifier.Send(ctx, &notify.Event{
		Kind:          notify.EventIntegrationDisabled,
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      integ.Provider,
		Message:       reason,
	})
}

// scheduleNext books a refresh ahead of the new expiry, skipped when the
// lead time has nearly elapsed already.
func (c *Coordinator) scheduleNext(integrationID string, expiry time.Time) {
	if c.scheduleFn == nil || expiry.IsZero() {
		return
	}

	delay := time.Until(expiry.Add(-c.cfg.Tokens.RescheduleLead))
	if delay < c.cfg.Tokens.MinRescheduleDelay {
		return
	}
	c.scheduleFn(integrationID, delay)
}

// ScanExpiring finds integrations whose tokens expire within the scan lead
// window and dispatches urgent refreshes. Run on a cron schedule.
func (c *Coordinator) ScanExpiring(ctx context.Context) error {
	if c.scheduleFn == nil {
		return fmt.Errorf("token scan requires a scheduler")
	}

	expiring, err := c.repo.ListExpiringTokens(ctx, time.Now().Add(c.cfg.Tokens.ExpiryScanLead))
	if err != nil {
		return fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	for _, integ := range expiring {
		util.Debug("Scheduling proactive token refresh", "integration_id", integ.ID, "provider", integ.Provider)
		c.scheduleFn(integ.ID, 0)
	}

	if len(expiring) > 0 {
		util.Info("Token expiry scan complete", "refreshes_dispatched", len(expiring))
	}
	return nil
}

func isTerminalOAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range terminalOAuthErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
