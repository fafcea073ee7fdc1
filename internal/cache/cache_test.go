package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/germtb/corewire/internal/store"
)

func openTestCache(t *testing.T) (*store.DB, *Cache) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installation.db")
	db, err := store.Open(context.Background(), path, make([]byte, 32))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, New(db)
}

func insertGroupWithPolicy(t *testing.T, db *store.DB, groupID []byte, fromNs, inNs int64) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO groups (group_id, conversation_type, membership_state, creator_inbox_id, created_at_ns,
			disappearing_from_ns, disappearing_in_ns)
		VALUES (?, 'group', 'allowed', 'inbox-1', 0, ?, ?)`, groupID, fromNs, inNs)
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
}

func insertMessage(t *testing.T, db *store.DB, groupID, id []byte, sentAtNs int64) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO group_messages (id, group_id, originator_id, sequence_id, sent_at_ns, sender_inbox_id, kind)
		VALUES (?, ?, 1, 1, ?, 'inbox-1', 'application')`, id, groupID, sentAtNs)
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func TestSweepEvictsMessagesPastDisappearingWindow(t *testing.T) {
	ctx := context.Background()
	db, c := openTestCache(t)
	groupID := []byte("group-1")

	insertGroupWithPolicy(t, db, groupID, 100, 50) // window: [100, +50)
	insertMessage(t, db, groupID, []byte("msg-expired"), 120)  // deadline 170, sweep at 200 -> evicted
	insertMessage(t, db, groupID, []byte("msg-fresh"), 190)    // deadline 240, sweep at 200 -> kept
	insertMessage(t, db, groupID, []byte("msg-before-window"), 50) // before FromNs -> never eligible

	evicted, err := c.Sweep(ctx, 200)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	deleted, err := c.IsMessageDeleted(ctx, []byte("msg-expired"))
	if err != nil {
		t.Fatalf("IsMessageDeleted: %v", err)
	}
	if !deleted {
		t.Fatal("expected msg-expired to be marked deleted")
	}
	fresh, err := c.IsMessageDeleted(ctx, []byte("msg-fresh"))
	if err != nil {
		t.Fatalf("IsMessageDeleted: %v", err)
	}
	if fresh {
		t.Fatal("msg-fresh should not be deleted yet")
	}
}

func TestMarkDeletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, c := openTestCache(t)
	groupID := []byte("group-1")
	insertGroupWithPolicy(t, db, groupID, 0, 1000)
	insertMessage(t, db, groupID, []byte("msg-1"), 10)

	if err := c.MarkDeleted(ctx, []byte("msg-1"), groupID, 500, "delete_message"); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if err := c.MarkDeleted(ctx, []byte("msg-1"), groupID, 600, "delete_message"); err != nil {
		t.Fatalf("MarkDeleted (again): %v", err)
	}

	var row string
	err := db.Conn().QueryRowContext(ctx, `SELECT sender_inbox_id FROM group_messages WHERE id = ?`, []byte("msg-1")).Scan(&row)
	if err != nil {
		t.Fatalf("expected original message row to survive deletion: %v", err)
	}
}
