package intent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/germtb/corewire/internal/config"
	"github.com/germtb/corewire/internal/store"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installation.db")
	db, err := store.Open(context.Background(), path, make([]byte, 32))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, config.DefaultConfig())
}

func TestStageDeduplicatesByDataHash(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	groupID := []byte("group-1")
	payload := []byte(`{"member":"inbox-2"}`)

	first, err := q.Stage(ctx, groupID, KindAddMembers, payload, 1000)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	second, err := q.Stage(ctx, groupID, KindAddMembers, payload, 2000)
	if err != nil {
		t.Fatalf("Stage (duplicate): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate submission produced a new intent: %s vs %s", first.ID, second.ID)
	}
}

func TestDueReturnsOnlyElapsedToPublishIntents(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	groupID := []byte("group-1")

	if _, err := q.Stage(ctx, groupID, KindSendMessage, []byte(`"now"`), 100); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	future, err := q.Stage(ctx, groupID, KindSendMessage, []byte(`"later"`), 100)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	future.NextAttemptAtNs = 5_000_000_000
	if _, err := q.db.Conn().ExecContext(ctx, `UPDATE intents SET next_attempt_at_ns = ? WHERE id = ?`, future.NextAttemptAtNs, future.ID); err != nil {
		t.Fatalf("update: %v", err)
	}

	due, err := q.Due(ctx, 100)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due returned %d intents, want 1", len(due))
	}
}

func TestRetryOrFailBacksOffThenFails(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	it, err := q.Stage(ctx, []byte("group-1"), KindSendMessage, []byte(`"x"`), 0)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	it.MaxAttempts = 2

	failed, err := q.RetryOrFail(ctx, it, 0)
	if err != nil {
		t.Fatalf("RetryOrFail: %v", err)
	}
	if failed {
		t.Fatal("expected retry, not failure, on first attempt")
	}
	if it.NextAttemptAtNs <= 0 {
		t.Fatal("expected next_attempt_at_ns to advance")
	}

	failed, err = q.RetryOrFail(ctx, it, it.NextAttemptAtNs)
	if err != nil {
		t.Fatalf("RetryOrFail: %v", err)
	}
	if !failed {
		t.Fatal("expected intent to fail once attempts reach max_attempts")
	}
}

func TestRetryOrFailRespectsExpiry(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	it, err := q.Stage(ctx, []byte("group-1"), KindSendMessage, []byte(`"x"`), 0)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	it.ExpiresAtNs = 50

	failed, err := q.RetryOrFail(ctx, it, 100)
	if err != nil {
		t.Fatalf("RetryOrFail: %v", err)
	}
	if !failed {
		t.Fatal("expected expiry to fail the intent even with attempts remaining")
	}
}

func TestMarkPublishedThenCommitted(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	it, err := q.Stage(ctx, []byte("group-1"), KindSendMessage, []byte(`"x"`), 0)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := q.MarkPublished(ctx, it.ID, "commit-hash-1"); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := q.MarkCommitted(ctx, it.ID); err != nil {
		t.Fatalf("MarkCommitted: %v", err)
	}

	var state, hash string
	row := q.db.Conn().QueryRowContext(ctx, `SELECT state, published_commit_hash FROM intents WHERE id = ?`, it.ID)
	if err := row.Scan(&state, &hash); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if state != string(StateCommitted) {
		t.Fatalf("state = %s, want %s", state, StateCommitted)
	}
	if hash != "commit-hash-1" {
		t.Fatalf("published_commit_hash = %s, want commit-hash-1", hash)
	}
}
