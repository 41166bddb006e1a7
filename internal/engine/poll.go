package engine

import (
	"context"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

// PollFeed runs one pull cycle for a feed-only integration: fetch changes
// since the stored cursor and fold them into the local mirror. Providers
// with push webhooks do not need this.
func (e *Engine) PollFeed(ctx context.Context, integ *database.Integration) (int, error) {
	if !integ.Active {
		return 0, nil
	}

	adapter, err := e.provs.For(integ.Provider)
	if err != nil {
		return 0, err
	}
	if err := e.limiter.Wait(ctx, integ.Provider, integ.ID); err != nil {
		return 0, err
	}

	set, err := adapter.GetEventChanges(ctx, integ, integ.SyncToken.String)
	if err != nil {
		if _, ferr := e.integs.RecordSyncFailure(ctx, integ.ID, err.Error()); ferr != nil {
			util.Error("Failed to record poll failure", "integration_id", integ.ID, "error", ferr)
		}
		return 0, err
	}
	if set.NextSyncToken != "" && set.NextSyncToken != integ.SyncToken.String {
		if err := e.integs.UpdateSyncToken(ctx, integ.ID, set.NextSyncToken); err != nil {
			util.Error("Failed to store sync token", "integration_id", integ.ID, "error", err)
		}
	}
	if len(set.Changes) == 0 {
		return 0, nil
	}

	processed, err := e.applyChanges(ctx, integ, set.Changes)
	if err != nil {
		return processed, err
	}
	if err := e.integs.RecordSyncSuccess(ctx, integ.ID); err != nil {
		util.Error("Failed to record sync success", "integration_id", integ.ID, "error", err)
	}
	return processed, nil
}
