package provider

import (
	"database/sql"
	"testing"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/database"
)

func googleTestAdapter(t *testing.T) *GoogleAdapter {
	t.Helper()
	return NewGoogleAdapter(config.OAuthClientConfig{ClientID: "id", ClientSecret: "secret"}, nil)
}

func TestGoogleVerifySignature(t *testing.T) {
	a := googleTestAdapter(t)

	integ := &database.Integration{
		ChannelToken: sql.NullString{String: "channel-secret", Valid: true},
	}

	if !a.VerifySignature(integ, "channel-secret") {
		t.Error("matching channel token rejected")
	}
	if a.VerifySignature(integ, "wrong") {
		t.Error("mismatched channel token accepted")
	}
	// Missing signatures are tolerated; some providers omit them.
	if !a.VerifySignature(integ, "") {
		t.Error("empty signature rejected")
	}
	if a.VerifySignature(&database.Integration{}, "anything") {
		t.Error("signature accepted with no stored token")
	}
}

func TestGoogleParseWebhook(t *testing.T) {
	a := googleTestAdapter(t)
	integ := &database.Integration{ID: "int-1"}

	wh, err := a.ParseWebhook(integ, &WebhookRequest{
		Headers: map[string]string{
			"X-Goog-Channel-Id":     "chan-1",
			"X-Goog-Message-Number": "42",
			"X-Goog-Resource-State": "exists",
		},
	})
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if wh.WebhookID != "chan-1:42" {
		t.Errorf("webhook id = %q", wh.WebhookID)
	}
	if !wh.RequiresFetch {
		t.Error("google webhook should require a follow-up fetch")
	}
	if len(wh.Changes) != 0 {
		t.Error("google webhook should carry no inline changes")
	}
}

func TestGoogleParseWebhookSyncMessage(t *testing.T) {
	a := googleTestAdapter(t)

	wh, err := a.ParseWebhook(&database.Integration{}, &WebhookRequest{
		Headers: map[string]string{
			"X-Goog-Channel-Id":     "chan-1",
			"X-Goog-Resource-State": "sync",
		},
	})
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if wh.RequiresFetch {
		t.Error("registration sync message should not trigger a fetch")
	}
}

func TestOutlookParseWebhook(t *testing.T) {
	a := NewOutlookAdapter(config.OAuthClientConfig{ClientID: "id"}, nil)
	integ := &database.Integration{
		ClientState: sql.NullString{String: "state-secret", Valid: true},
	}

	body := []byte(`{"value":[
		{"subscriptionId":"sub-1","clientState":"state-secret","changeType":"created","resourceData":{"id":"evt-1"}},
		{"subscriptionId":"sub-1","clientState":"state-secret","changeType":"deleted","resourceData":{"id":"evt-2"}}
	]}`)

	wh, err := a.ParseWebhook(integ, &WebhookRequest{
		Headers: map[string]string{"Request-Id": "req-1"},
		Body:    body,
	})
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if wh.WebhookID != "req-1" {
		t.Errorf("webhook id = %q", wh.WebhookID)
	}
	if len(wh.Changes) != 2 {
		t.Fatalf("parsed %d changes, want 2", len(wh.Changes))
	}
	if wh.Changes[0].Type != ChangeCreated || wh.Changes[0].ExternalID != "evt-1" {
		t.Errorf("first change = %+v", wh.Changes[0])
	}
	if wh.Changes[1].Type != ChangeDeleted || wh.Changes[1].ExternalID != "evt-2" {
		t.Errorf("second change = %+v", wh.Changes[1])
	}
}

func TestOutlookParseWebhookRejectsBadClientState(t *testing.T) {
	a := NewOutlookAdapter(config.OAuthClientConfig{ClientID: "id"}, nil)
	integ := &database.Integration{
		ClientState: sql.NullString{String: "state-secret", Valid: true},
	}

	body := []byte(`{"value":[{"subscriptionId":"sub-1","clientState":"attacker","changeType":"created","resourceData":{"id":"evt-1"}}]}`)
	if _, err := a.ParseWebhook(integ, &WebhookRequest{Body: body}); err == nil {
		t.Error("expected clientState mismatch error")
	}
}

func TestRegistryResolvesByProvider(t *testing.T) {
	reg := NewRegistry(googleTestAdapter(t), NewICalAdapter())

	a, err := reg.For(database.ProviderGoogle)
	if err != nil {
		t.Fatalf("For(google) failed: %v", err)
	}
	if a.Provider() != database.ProviderGoogle {
		t.Errorf("resolved provider = %q", a.Provider())
	}

	if _, err := reg.For(database.ProviderOutlook); err == nil {
		t.Error("expected error for unregistered provider")
	}
}
