package tokens

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/crypto"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/notify"
)

const testKey = "test-encryption-key-for-tokens"

type fixture struct {
	coord *Coordinator
	repo  *integrations.Repository
	enc   *crypto.Encryptor
	db    *database.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	enc, err := crypto.NewEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	cfg := &config.Config{}
	cfg.Breaker.TokenFailureThreshold = 5
	cfg.Tokens = config.TokensConfig{
		ExpiryScanLead:     2 * time.Hour,
		RescheduleLead:     time.Hour,
		MinRescheduleDelay: 5 * time.Minute,
	}

	repo := integrations.NewRepository(db)
	coord := NewCoordinator(cfg, repo, enc, notify.NewManager())
	return &fixture{coord: coord, repo: repo, enc: enc, db: db}
}

func (f *fixture) createIntegration(t *testing.T, refreshToken string, expiresIn time.Duration) *database.Integration {
	t.Helper()

	var refreshEnc []byte
	if refreshToken != "" {
		var err error
		refreshEnc, err = f.enc.Encrypt(refreshToken)
		if err != nil {
			t.Fatalf("failed to encrypt refresh token: %v", err)
		}
	}
	accessEnc, err := f.enc.Encrypt("old-access-token")
	if err != nil {
		t.Fatalf("failed to encrypt access token: %v", err)
	}

	integ, err := f.repo.Create(context.Background(), &integrations.CreateIntegration{
		UserID:          "user-1",
		Provider:        database.ProviderGoogle,
		SyncBookings:    true,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiresAt:  time.Now().Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("failed to create integration: %v", err)
	}
	return integ
}

// pointGoogleAt redirects the Google token endpoint to a test server.
func (f *fixture) pointGoogleAt(url string) {
	cfg := f.coord.oauthConfigs[database.ProviderGoogle]
	cfg.Endpoint = oauth2.Endpoint{TokenURL: url}
}

func TestRefreshSuccessStoresNewTokens(t *testing.T) {
	f := newFixture(t)
	integ := f.createIntegration(t, "valid-refresh-token", 30*time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access-token","token_type":"Bearer","expires_in":3600,"refresh_token":"new-refresh-token"}`))
	}))
	defer srv.Close()
	f.pointGoogleAt(srv.URL)

	var scheduled time.Duration
	f.coord.SetScheduler(func(id string, delay time.Duration) { scheduled = delay })

	if err := f.coord.Refresh(context.Background(), integ.ID); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	updated, err := f.repo.GetByID(context.Background(), integ.ID)
	if err != nil {
		t.Fatalf("failed to reload integration: %v", err)
	}
	access, err := f.enc.Decrypt(updated.AccessTokenEnc)
	if err != nil {
		t.Fatalf("failed to decrypt stored access token: %v", err)
	}
	if access != "new-access-token" {
		t.Errorf("stored access token = %q", access)
	}
	if updated.SyncErrors != 0 {
		t.Errorf("sync errors = %d, want 0 after success", updated.SyncErrors)
	}

	// expires in 1h, reschedule lead 1h: below the minimum, not scheduled
	if scheduled != 0 {
		t.Errorf("refresh scheduled %v ahead, want none", scheduled)
	}
}

func TestRefreshSelfSchedulesBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	integ := f.createIntegration(t, "valid-refresh-token", 30*time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access-token","token_type":"Bearer","expires_in":10800}`))
	}))
	defer srv.Close()
	f.pointGoogleAt(srv.URL)

	var scheduled time.Duration
	f.coord.SetScheduler(func(id string, delay time.Duration) { scheduled = delay })

	if err := f.coord.Refresh(context.Background(), integ.ID); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// expires in 3h, lead 1h: next refresh roughly 2h out
	if scheduled < 90*time.Minute || scheduled > 2*time.Hour {
		t.Errorf("scheduled delay = %v, want about 2h", scheduled)
	}
}

func TestRefreshTerminalErrorRequiresReauth(t *testing.T) {
	f := newFixture(t)
	integ := f.createIntegration(t, "revoked-refresh-token", 10*time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()
	f.pointGoogleAt(srv.URL)

	err := f.coord.Refresh(context.Background(), integ.ID)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("Refresh error = %v, want ErrReauthRequired", err)
	}

	updated, _ := f.repo.GetByID(context.Background(), integ.ID)
	if !updated.NeedsReauth {
		t.Error("integration not marked for re-authorization")
	}
	if updated.Active {
		t.Error("integration still active after terminal OAuth error")
	}
}

func TestRefreshMissingRefreshToken(t *testing.T) {
	f := newFixture(t)
	integ := f.createIntegration(t, "", 10*time.Minute)

	err := f.coord.Refresh(context.Background(), integ.ID)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("Refresh error = %v, want ErrReauthRequired", err)
	}

	updated, _ := f.repo.GetByID(context.Background(), integ.ID)
	if updated.Active {
		t.Error("integration still active with no refresh token")
	}
}

func TestRefreshRepeatedFailuresTripBreaker(t *testing.T) {
	f := newFixture(t)
	integ := f.createIntegration(t, "flaky-refresh-token", 10*time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	f.pointGoogleAt(srv.URL)

	for i := 0; i < 5; i++ {
		if err := f.coord.Refresh(context.Background(), integ.ID); err == nil {
			t.Fatal("expected refresh to fail")
		}
	}

	updated, _ := f.repo.GetByID(context.Background(), integ.ID)
	if updated.Active {
		t.Error("integration still active after 5 token failures")
	}
	if updated.SyncErrors < 5 {
		t.Errorf("sync errors = %d, want >= 5", updated.SyncErrors)
	}
}

func TestRefreshSkipsICalFeeds(t *testing.T) {
	f := newFixture(t)

	integ, err := f.repo.Create(context.Background(), &integrations.CreateIntegration{
		UserID:   "user-1",
		Provider: database.ProviderICal,
		FeedURL:  "https://example.com/feed.ics",
	})
	if err != nil {
		t.Fatalf("failed to create integration: %v", err)
	}

	if err := f.coord.Refresh(context.Background(), integ.ID); err != nil {
		t.Errorf("Refresh of ical integration should be a no-op, got %v", err)
	}
}

func TestScanExpiringDispatchesRefreshes(t *testing.T) {
	f := newFixture(t)
	soon := f.createIntegration(t, "tok-1", 30*time.Minute)
	f.createIntegration(t, "tok-2", 72*time.Hour)

	var dispatched []string
	f.coord.SetScheduler(func(id string, delay time.Duration) {
		dispatched = append(dispatched, id)
	})

	if err := f.coord.ScanExpiring(context.Background()); err != nil {
		t.Fatalf("ScanExpiring failed: %v", err)
	}

	if len(dispatched) != 1 || dispatched[0] != soon.ID {
		t.Errorf("dispatched = %v, want exactly the soon-expiring integration", dispatched)
	}
}

func TestIsTerminalOAuthError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"oauth2: \"invalid_grant\"", true},
		{"unauthorized_client", true},
		{"token has been expired or revoked", true},
		{"connection reset by peer", false},
		{"503 service unavailable", false},
	}
	for _, tt := range tests {
		if got := isTerminalOAuthError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("isTerminalOAuthError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
