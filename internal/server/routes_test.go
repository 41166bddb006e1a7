package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/engine"
	"github.com/bookpilot/calsync/internal/events"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/notify"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/ratelimit"
	"github.com/bookpilot/calsync/internal/syncjobs"
)

type serverFixture struct {
	handler http.Handler
	integs  *integrations.Repository
	records *syncjobs.Repository
	reviews *conflicts.Repository
	db      *database.DB
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Retry.MaxAttempts = 3
	cfg.Queue.WebhookUniqueWindow = 300 * time.Second
	cfg.Retention.DedupWindow = 24 * time.Hour

	integRepo := integrations.NewRepository(db)
	bookingRepo := bookings.NewRepository(db)
	eventRepo := events.NewRepository(db)
	recordRepo := syncjobs.NewRepository(db)
	reviewRepo := conflicts.NewRepository(db)

	eng := engine.New(cfg, engine.Deps{
		Integrations: integRepo,
		Bookings:     bookingRepo,
		Events:       eventRepo,
		Records:      recordRepo,
		Reviews:      reviewRepo,
		Detector:     conflicts.NewDetector(bookingRepo, cfg.Conflicts),
		Resolver:     conflicts.NewResolver(bookingRepo, reviewRepo, notify.NewManager()),
		Limiter:      ratelimit.NewRegistry(cfg.RateLimit),
		Queue:        queue.New(1, 16),
		Notifier:     notify.NewManager(),
	})

	srv := New(cfg, db, eng, integRepo, bookingRepo, recordRepo, reviewRepo)
	return &serverFixture{
		handler: srv.Handler(),
		integs:  integRepo,
		records: recordRepo,
		reviews: reviewRepo,
		db:      db,
	}
}

func (f *serverFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestWebhookIngress(t *testing.T) {
	f := newServerFixture(t)
	integ, err := f.integs.Create(context.Background(), &integrations.CreateIntegration{
		UserID:   "user-1",
		Provider: database.ProviderGoogle,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodPost, "/webhooks/google/"+integ.ID, "payload")
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestWebhookIngressUnknownIntegration(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/webhooks/google/nope", "payload")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookIngressProviderMismatch(t *testing.T) {
	f := newServerFixture(t)
	integ, err := f.integs.Create(context.Background(), &integrations.CreateIntegration{
		UserID:   "user-1",
		Provider: database.ProviderGoogle,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodPost, "/webhooks/outlook/"+integ.ID, "payload")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookValidationHandshake(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/webhooks/outlook/any?validationToken=abc123", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "abc123" {
		t.Errorf("echoed token = %q, want abc123", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("content type = %q, want text/plain", ct)
	}
}

func TestSyncRecordsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	r1, err := f.records.Create(ctx, "int-1", database.JobTypeWebhookSync, "wh-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.records.MarkCompleted(ctx, r1.ID, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := f.records.Create(ctx, "int-2", database.JobTypeSyncEvents, "", nil); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodGet, "/api/sync/records?integration_id=int-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Records []map[string]interface{} `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(body.Records))
	}
	if body.Records[0]["status"] != database.JobStatusCompleted {
		t.Errorf("status = %v", body.Records[0]["status"])
	}
	if body.Records[0]["webhook_id"] != "wh-1" {
		t.Errorf("webhook_id = %v", body.Records[0]["webhook_id"])
	}

	bad := f.request(t, http.MethodGet, "/api/sync/records?limit=9999", "")
	if bad.Code != http.StatusBadRequest {
		t.Errorf("oversized limit should be rejected, got %d", bad.Code)
	}
}

func TestConflictEndpoints(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	if err := f.reviews.CreateReview(ctx, "int-1", "bk-1", "ev-1", conflicts.SeverityHigh, 75); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodGet, "/api/conflicts?integration_id=int-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Conflicts []map[string]interface{} `json:"conflicts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(body.Conflicts))
	}
	id := int64(body.Conflicts[0]["id"].(float64))

	resolve := f.request(t, http.MethodPost, "/api/conflicts/"+strconv.FormatInt(id, 10)+"/resolve", `{"status":"dismissed"}`)
	if resolve.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", resolve.Code)
	}

	open, err := f.reviews.ListOpenReviews(ctx, "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("open reviews = %d, want 0", len(open))
	}

	bad := f.request(t, http.MethodPost, "/api/conflicts/1/resolve", `{"status":"bogus"}`)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("invalid status should be rejected, got %d", bad.Code)
	}
}

func TestBookingSyncStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	bookingRepo := bookings.NewRepository(f.db)
	if err := bookingRepo.SetSyncState(ctx, "bk-1", "int-1", database.SyncStateSynced, "ext-1", ""); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodGet, "/api/bookings/bk-1/sync-status?integration_id=int-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != database.SyncStateSynced {
		t.Errorf("state = %v", body["state"])
	}
	if body["external_event_id"] != "ext-1" {
		t.Errorf("external_event_id = %v", body["external_event_id"])
	}

	missing := f.request(t, http.MethodGet, "/api/bookings/bk-2/sync-status?integration_id=int-1", "")
	if missing.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", missing.Code)
	}
	noParam := f.request(t, http.MethodGet, "/api/bookings/bk-1/sync-status", "")
	if noParam.Code != http.StatusBadRequest {
		t.Errorf("missing integration_id = %d, want 400", noParam.Code)
	}
}
