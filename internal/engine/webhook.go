package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/events"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/policy"
	"github.com/bookpilot/calsync/internal/provider"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/util"
)

// webhookDigest fingerprints a raw delivery for the enqueue uniqueness
// window, so a burst of identical notifications collapses into one task.
func webhookDigest(req *provider.WebhookRequest) string {
	h := sha256.New()
	h.Write(req.Body)
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(req.Headers[k]))
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// runWebhook processes one inbound provider notification end to end:
// verify, dedup, fetch changes if needed, apply them to the local mirror,
// and resolve any conflicts the changes introduce.
func (e *Engine) runWebhook(ctx context.Context, t *queue.Task, integrationID string, req *provider.WebhookRequest) error {
	integ, err := e.integs.GetByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			util.Debug("Webhook skipped, integration gone", "integration_id", integrationID)
			return nil
		}
		return err
	}
	if !integ.Active {
		util.Debug("Webhook skipped, integration inactive", "integration_id", integ.ID)
		return nil
	}

	adapter, err := e.provs.For(integ.Provider)
	if err != nil {
		return err
	}

	if req.Signature == "" {
		util.Warn("Webhook delivered without signature", "integration_id", integ.ID, "provider", integ.Provider)
	} else if !adapter.VerifySignature(integ, req.Signature) {
		return fmt.Errorf("forbidden: webhook signature mismatch for integration %s", integ.ID)
	}

	hook, err := adapter.ParseWebhook(integ, req)
	if err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}

	// Durable dedup across restarts. Failed deliveries do not count so a
	// provider redelivery after a crash is still processed.
	if hook.WebhookID != "" {
		seen, err := e.records.HasRecentWebhook(ctx, integ.ID, hook.WebhookID, e.cfg.Retention.DedupWindow)
		if err != nil {
			return err
		}
		if seen {
			rec, err := e.records.Create(ctx, integ.ID, database.JobTypeWebhookSync, hook.WebhookID, nil)
			if err == nil {
				if err := e.records.MarkDuplicateSkipped(ctx, rec.ID); err != nil {
					util.Error("Failed to mark duplicate webhook", "record_id", rec.ID, "error", err)
				}
			}
			util.Debug("Duplicate webhook skipped", "integration_id", integ.ID, "webhook_id", hook.WebhookID)
			return nil
		}
	}

	rec, err := e.records.Create(ctx, integ.ID, database.JobTypeWebhookSync, hook.WebhookID, map[string]interface{}{
		"requires_fetch": hook.RequiresFetch,
	})
	if err != nil {
		return err
	}
	if err := e.records.MarkProcessing(ctx, rec.ID); err != nil {
		util.Error("Failed to mark job processing", "record_id", rec.ID, "error", err)
	}

	processed, err := e.applyWebhook(ctx, integ, adapter, hook)
	if err != nil {
		if markErr := e.records.MarkFailed(ctx, rec.ID); markErr != nil {
			util.Error("Failed to mark job failed", "record_id", rec.ID, "error", markErr)
		}
		return e.handleFailure(ctx, t, integ, policy.KindWebhook, "", err, t.Urgency,
			func(delay time.Duration) {
				e.queue.Schedule(e.webhookTask(integrationID, req, t.Attempt+1, false), delay)
			},
			func(ctx context.Context) {},
		)
	}

	if err := e.records.MarkCompleted(ctx, rec.ID, processed); err != nil {
		util.Error("Failed to mark job completed", "record_id", rec.ID, "error", err)
	}
	if err := e.integs.RecordSyncSuccess(ctx, integ.ID); err != nil {
		util.Error("Failed to record sync success", "integration_id", integ.ID, "error", err)
	}

	util.Info("Processed webhook",
		"integration_id", integ.ID,
		"webhook_id", hook.WebhookID,
		"events_processed", processed,
	)
	return nil
}

// applyWebhook applies the parsed changes, running an incremental fetch
// first when the notification carried no event bodies. Returns the number
// of events applied.
func (e *Engine) applyWebhook(ctx context.Context, integ *database.Integration, adapter provider.Adapter, hook *provider.Webhook) (int, error) {
	changes := hook.Changes
	if hook.RequiresFetch {
		if err := e.limiter.Wait(ctx, integ.Provider, integ.ID); err != nil {
			return 0, err
		}
		set, err := adapter.GetEventChanges(ctx, integ, integ.SyncToken.String)
		if err != nil {
			return 0, err
		}
		changes = set.Changes
		if set.NextSyncToken != "" {
			if err := e.integs.UpdateSyncToken(ctx, integ.ID, set.NextSyncToken); err != nil {
				util.Error("Failed to store sync token", "integration_id", integ.ID, "error", err)
			}
		}
	}
	return e.applyChanges(ctx, integ, changes)
}

// applyChanges folds a change list into the local event mirror and collects
// conflicts for resolution. Used by both webhook processing and feed polls.
func (e *Engine) applyChanges(ctx context.Context, integ *database.Integration, changes []provider.Change) (int, error) {
	processed := 0
	var found []conflicts.Conflict

	for _, ch := range changes {
		switch ch.Type {
		case provider.ChangeDeleted:
			if _, err := e.reviews.ResolveReviewsForEvent(ctx, integ.ID, ch.ExternalID); err != nil {
				util.Error("Failed to close reviews for removed event", "external_event_id", ch.ExternalID, "error", err)
			}
			if err := e.events.Delete(ctx, integ.ID, ch.ExternalID); err != nil {
				util.Error("Failed to remove deleted event mirror", "external_event_id", ch.ExternalID, "error", err)
				continue
			}
			processed++

		case provider.ChangeCreated, provider.ChangeUpdated:
			if ch.Raw == nil {
				util.Warn("Change carried no event body, skipping", "integration_id", integ.ID, "external_event_id", ch.ExternalID)
				continue
			}
			ev, err := provider.Normalize(ch.Raw)
			if err != nil {
				util.Warn("Dropping unparseable event", "integration_id", integ.ID, "external_event_id", ch.ExternalID, "error", err)
				continue
			}
			if _, err := e.events.Upsert(ctx, &events.UpsertEvent{
				IntegrationID:   integ.ID,
				ExternalEventID: ev.ExternalID,
				Title:           ev.Title,
				Description:     ev.Description,
				StartsAt:        ev.StartsAt,
				EndsAt:          ev.EndsAt,
				AllDay:          ev.AllDay,
				BlocksBooking:   ev.BlocksBooking,
			}); err != nil {
				util.Error("Failed to upsert event mirror", "external_event_id", ev.ExternalID, "error", err)
				continue
			}
			processed++

			cs, err := e.detector.Detect(ctx, integ, ev)
			if err != nil {
				util.Error("Conflict detection failed", "external_event_id", ev.ExternalID, "error", err)
				continue
			}
			found = append(found, cs...)
		}
	}

	for i := range found {
		e.resolver.Resolve(ctx, integ, &found[i])
	}
	return processed, nil
}
