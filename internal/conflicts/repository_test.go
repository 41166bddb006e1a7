package conflicts

import (
	"context"
	"testing"
	"time"

	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/util"
)

func newTestRepo(t *testing.T) (*Repository, *database.DB) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(db), db
}

func TestCreateReviewSkipsOpenDuplicate(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateReview(ctx, "int-1", "bk-1", "ev-1", SeverityMedium, 30); err != nil {
		t.Fatalf("create review failed: %v", err)
	}
	if err := repo.CreateReview(ctx, "int-1", "bk-1", "ev-1", SeverityHigh, 60); err != nil {
		t.Fatalf("duplicate create should no-op, got %v", err)
	}

	open, err := repo.ListOpenReviews(ctx, "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open reviews = %d, want 1", len(open))
	}
	if open[0].Severity != SeverityMedium {
		t.Errorf("first review should win, severity = %q", open[0].Severity)
	}
}

func TestCloseReviewReopensSlot(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateReview(ctx, "int-1", "bk-1", "ev-1", SeverityLow, 10); err != nil {
		t.Fatal(err)
	}
	open, err := repo.ListOpenReviews(ctx, "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.CloseReview(ctx, open[0].ID, database.ReviewDismissed); err != nil {
		t.Fatal(err)
	}

	open, err = repo.ListOpenReviews(ctx, "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("open reviews = %d, want 0", len(open))
	}

	// A fresh conflict on the same pair files a new review.
	if err := repo.CreateReview(ctx, "int-1", "bk-1", "ev-1", SeverityLow, 10); err != nil {
		t.Fatal(err)
	}
	open, err = repo.ListOpenReviews(ctx, "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Errorf("open reviews = %d, want 1", len(open))
	}
}

func TestResolveReviewsForEvent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if err := repo.CreateReview(ctx, "int-1", "bk-1", "ev-1", SeverityLow, 10); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateReview(ctx, "int-1", "bk-2", "ev-1", SeverityLow, 15); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateReview(ctx, "int-1", "bk-3", "ev-other", SeverityLow, 20); err != nil {
		t.Fatal(err)
	}

	n, err := repo.ResolveReviewsForEvent(ctx, "int-1", "ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("resolved = %d, want 2", n)
	}

	open, err := repo.ListOpenReviews(ctx, "int-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ExternalEventID != "ev-other" {
		t.Errorf("unexpected open reviews: %+v", open)
	}
}

func TestPendingCleanupLifecycle(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if err := repo.AddPendingCleanup(ctx, "int-1", "ev-1", "403: forbidden"); err != nil {
		t.Fatal(err)
	}
	if err := repo.AddPendingCleanup(ctx, "int-1", "ev-2", "timeout"); err != nil {
		t.Fatal(err)
	}

	pending, err := repo.ListUnresolvedCleanups(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if err := repo.ResolveCleanup(ctx, pending[0].ID); err != nil {
		t.Fatal(err)
	}
	pending, err = repo.ListUnresolvedCleanups(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after resolve = %d, want 1", len(pending))
	}
	if pending[0].ExternalEventID != "ev-2" {
		t.Errorf("remaining marker = %q, want ev-2", pending[0].ExternalEventID)
	}
}

func TestDeleteResolvedOlderThan(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	if err := repo.AddPendingCleanup(ctx, "int-1", "ev-old", "failed"); err != nil {
		t.Fatal(err)
	}
	pending, err := repo.ListUnresolvedCleanups(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.ResolveCleanup(ctx, pending[0].ID); err != nil {
		t.Fatal(err)
	}
	// Age the marker past the cutoff.
	_, err = db.ExecContext(ctx, `UPDATE pending_cleanups SET created_at = ? WHERE id = ?`,
		util.SQLiteTimestamp(time.Now().AddDate(0, 0, -15)), pending[0].ID)
	if err != nil {
		t.Fatal(err)
	}

	// An unresolved marker never gets pruned, regardless of age.
	if err := repo.AddPendingCleanup(ctx, "int-1", "ev-keep", "still failing"); err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, `UPDATE pending_cleanups SET created_at = ? WHERE external_event_id = 'ev-keep'`,
		util.SQLiteTimestamp(time.Now().AddDate(0, 0, -15)))
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := repo.DeleteResolvedOlderThan(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	remaining, err := repo.ListUnresolvedCleanups(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ExternalEventID != "ev-keep" {
		t.Errorf("unexpected remaining markers: %+v", remaining)
	}
}
