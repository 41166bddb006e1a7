package workers

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/syncjobs"
	"github.com/bookpilot/calsync/internal/util"
)

func cleanupFixture(t *testing.T) (*CleanupJob, *syncjobs.Repository, *conflicts.Repository, *database.DB) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Retention = config.RetentionConfig{
		Enabled:          true,
		SyncRecordDays:   30,
		CleanupDoneDays:  7,
		CleanupSchedule:  "0 3 * * *",
		ICalPollSchedule: "*/10 * * * *",
	}

	records := syncjobs.NewRepository(db)
	reviews := conflicts.NewRepository(db)
	return NewCleanupJob(cfg, records, reviews), records, reviews, db
}

func TestCleanupJobPrunesOldData(t *testing.T) {
	job, records, reviews, db := cleanupFixture(t)
	ctx := context.Background()

	old, err := records.Create(ctx, "int-1", database.JobTypeWebhookSync, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, `UPDATE sync_job_records SET started_at = ? WHERE id = ?`,
		util.SQLiteTimestamp(time.Now().AddDate(0, 0, -40)), old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := records.Create(ctx, "int-1", database.JobTypeWebhookSync, "", nil); err != nil {
		t.Fatal(err)
	}

	if err := reviews.AddPendingCleanup(ctx, "int-1", "ev-1", "failed"); err != nil {
		t.Fatal(err)
	}
	pending, err := reviews.ListUnresolvedCleanups(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := reviews.ResolveCleanup(ctx, pending[0].ID); err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, `UPDATE pending_cleanups SET created_at = ? WHERE id = ?`,
		util.SQLiteTimestamp(time.Now().AddDate(0, 0, -10)), pending[0].ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := job.Run(ctx); err != nil {
		t.Fatalf("cleanup run failed: %v", err)
	}

	recs, err := records.ListRecent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("records after cleanup = %d, want 1", len(recs))
	}
}

func TestCleanupJobDisabled(t *testing.T) {
	job, records, _, db := cleanupFixture(t)
	job.cfg.Retention.Enabled = false
	ctx := context.Background()

	old, err := records.Create(ctx, "int-1", database.JobTypeWebhookSync, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, `UPDATE sync_job_records SET started_at = ? WHERE id = ?`,
		util.SQLiteTimestamp(time.Now().AddDate(0, 0, -40)), old.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := job.Run(ctx); err != nil {
		t.Fatal(err)
	}
	recs, err := records.ListRecent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("disabled retention should keep all records, got %d", len(recs))
	}
}

func TestDefaultSchedulesParse(t *testing.T) {
	parser := cron.ParseStandard

	schedules := []string{
		config.DefaultCleanupSchedule,
		config.DefaultICalPollSchedule,
		config.DefaultTokenScanSchedule,
		(&RecoveryJob{}).Schedule(),
	}
	for _, s := range schedules {
		if _, err := parser(s); err != nil {
			t.Errorf("schedule %q does not parse: %v", s, err)
		}
	}
}
