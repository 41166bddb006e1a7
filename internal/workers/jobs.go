package workers

import (
	"context"
	"time"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/engine"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/syncjobs"
	"github.com/bookpilot/calsync/internal/tokens"
	"github.com/bookpilot/calsync/internal/util"
)

// Deps bundles what the standard job set needs.
type Deps struct {
	Engine       *engine.Engine
	Tokens       *tokens.Coordinator
	Integrations *integrations.Repository
	Records      *syncjobs.Repository
	Reviews      *conflicts.Repository
}

// recoverySweepBatch caps how many cleanup markers one sweep attempts.
const recoverySweepBatch = 50

// CleanupJob prunes old sync job records and resolved cleanup markers.
type CleanupJob struct {
	cfg     *config.Config
	records *syncjobs.Repository
	reviews *conflicts.Repository
}

func NewCleanupJob(cfg *config.Config, records *syncjobs.Repository, reviews *conflicts.Repository) *CleanupJob {
	return &CleanupJob{cfg: cfg, records: records, reviews: reviews}
}

func (j *CleanupJob) Name() string     { return "retention_cleanup" }
func (j *CleanupJob) Schedule() string { return j.cfg.Retention.CleanupSchedule }

func (j *CleanupJob) Run(ctx context.Context) error {
	if !j.cfg.Retention.Enabled {
		return nil
	}

	now := time.Now()
	if days := j.cfg.Retention.SyncRecordDays; days > 0 {
		n, err := j.records.DeleteOlderThan(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		if n > 0 {
			util.Info("Pruned sync job records", "deleted", n)
		}
	}
	if days := j.cfg.Retention.CleanupDoneDays; days > 0 {
		n, err := j.reviews.DeleteResolvedOlderThan(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		if n > 0 {
			util.Info("Pruned resolved cleanup markers", "deleted", n)
		}
	}
	return nil
}

// RecoveryJob retries remote deletions that previously failed and left a
// durable cleanup marker.
type RecoveryJob struct {
	engine *engine.Engine
}

func NewRecoveryJob(eng *engine.Engine) *RecoveryJob {
	return &RecoveryJob{engine: eng}
}

func (j *RecoveryJob) Name() string     { return "cleanup_recovery" }
func (j *RecoveryJob) Schedule() string { return "*/30 * * * *" }

func (j *RecoveryJob) Run(ctx context.Context) error {
	resolved, err := j.engine.SweepPendingCleanups(ctx, recoverySweepBatch)
	if err != nil {
		return err
	}
	if resolved > 0 {
		util.Info("Recovered pending cleanups", "resolved", resolved)
	}
	return nil
}

// TokenScanJob schedules refreshes for tokens nearing expiry.
type TokenScanJob struct {
	cfg    *config.Config
	tokens *tokens.Coordinator
}

func NewTokenScanJob(cfg *config.Config, coord *tokens.Coordinator) *TokenScanJob {
	return &TokenScanJob{cfg: cfg, tokens: coord}
}

func (j *TokenScanJob) Name() string     { return "token_scan" }
func (j *TokenScanJob) Schedule() string { return j.cfg.Tokens.ScanSchedule }

func (j *TokenScanJob) Run(ctx context.Context) error {
	return j.tokens.ScanExpiring(ctx)
}

// FeedPollJob pulls changes for feed-only integrations, which have no push
// channel of their own.
type FeedPollJob struct {
	cfg    *config.Config
	integs *integrations.Repository
	engine *engine.Engine
}

func NewFeedPollJob(cfg *config.Config, integs *integrations.Repository, eng *engine.Engine) *FeedPollJob {
	return &FeedPollJob{cfg: cfg, integs: integs, engine: eng}
}

func (j *FeedPollJob) Name() string     { return "ical_poll" }
func (j *FeedPollJob) Schedule() string { return j.cfg.Retention.ICalPollSchedule }

func (j *FeedPollJob) Run(ctx context.Context) error {
	integs, err := j.integs.ListByProvider(ctx, database.ProviderICal)
	if err != nil {
		return err
	}
	for i := range integs {
		integ := &integs[i]
		if !integ.Active {
			continue
		}
		processed, err := j.engine.PollFeed(ctx, integ)
		if err != nil {
			util.Warn("Feed poll failed", "integration_id", integ.ID, "error", err)
			continue
		}
		if processed > 0 {
			util.Info("Feed poll applied changes", "integration_id", integ.ID, "events", processed)
		}
	}
	return nil
}
