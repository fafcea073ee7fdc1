package fork

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/germtb/corewire/internal/store"
)

func openTestWorker(t *testing.T) (*store.DB, *Worker) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installation.db")
	db, err := store.Open(context.Background(), path, make([]byte, 32))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, New(db)
}

func insertTestGroup(t *testing.T, db *store.DB, groupID []byte) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO groups (group_id, conversation_type, membership_state, creator_inbox_id, created_at_ns)
		VALUES (?, 'group', 'allowed', 'inbox-1', 0)`, groupID)
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
}

func TestReconcileMatchingEntriesAdvancesCursorsNoFork(t *testing.T) {
	ctx := context.Background()
	db, w := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, db, groupID)

	if err := w.RecordLocal(ctx, groupID, LocalEntry{CommitSequenceID: 1, CommitResult: "applied", AppliedEpochAuthenticator: []byte("auth-1")}); err != nil {
		t.Fatalf("RecordLocal: %v", err)
	}
	if err := w.RecordRemote(ctx, groupID, RemoteEntry{LogSequenceID: 1, CommitSequenceID: 1, CommitResult: "applied", AppliedEpochAuthenticator: []byte("auth-1")}); err != nil {
		t.Fatalf("RecordRemote: %v", err)
	}

	localCur, remoteCur, result, err := w.Reconcile(ctx, groupID, 0, 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result != ResultOK {
		t.Fatalf("result = %s, want %s", result, ResultOK)
	}
	if localCur != 1 || remoteCur != 1 {
		t.Fatalf("cursors = (%d, %d), want (1, 1)", localCur, remoteCur)
	}
	forked, err := w.IsForked(ctx, groupID)
	if err != nil {
		t.Fatalf("IsForked: %v", err)
	}
	if forked {
		t.Fatal("expected no fork")
	}
}

func TestReconcileMismatchedAuthenticatorMarksForked(t *testing.T) {
	ctx := context.Background()
	db, w := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, db, groupID)

	if err := w.RecordLocal(ctx, groupID, LocalEntry{CommitSequenceID: 1, CommitResult: "applied", AppliedEpochAuthenticator: []byte("auth-local")}); err != nil {
		t.Fatalf("RecordLocal: %v", err)
	}
	if err := w.RecordRemote(ctx, groupID, RemoteEntry{LogSequenceID: 1, CommitSequenceID: 1, CommitResult: "applied", AppliedEpochAuthenticator: []byte("auth-remote")}); err != nil {
		t.Fatalf("RecordRemote: %v", err)
	}

	_, _, result, err := w.Reconcile(ctx, groupID, 0, 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result != ResultForked {
		t.Fatalf("result = %s, want %s", result, ResultForked)
	}
	forked, err := w.IsForked(ctx, groupID)
	if err != nil {
		t.Fatalf("IsForked: %v", err)
	}
	if !forked {
		t.Fatal("expected group to be marked forked")
	}
}

func TestReconcileMissingRemoteCounterpartIsInconclusive(t *testing.T) {
	ctx := context.Background()
	db, w := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, db, groupID)

	if err := w.RecordLocal(ctx, groupID, LocalEntry{CommitSequenceID: 1, CommitResult: "applied"}); err != nil {
		t.Fatalf("RecordLocal: %v", err)
	}

	localCur, remoteCur, result, err := w.Reconcile(ctx, groupID, 0, 0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result != ResultInconclusive {
		t.Fatalf("result = %s, want %s", result, ResultInconclusive)
	}
	if localCur != 0 || remoteCur != 0 {
		t.Fatalf("cursors should not advance on inconclusive result, got (%d, %d)", localCur, remoteCur)
	}
}

func TestRequestReaddDedupesViaAwaitingFlag(t *testing.T) {
	ctx := context.Background()
	db, w := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, db, groupID)

	first, err := w.RequestReadd(ctx, groupID, true, false)
	if err != nil {
		t.Fatalf("RequestReadd: %v", err)
	}
	if !first {
		t.Fatal("expected first request to be enqueued")
	}
	second, err := w.RequestReadd(ctx, groupID, true, false)
	if err != nil {
		t.Fatalf("RequestReadd (duplicate): %v", err)
	}
	if second {
		t.Fatal("expected duplicate request to be suppressed")
	}
}

func TestRequestReaddRequiresSuperAdminUnlessDM(t *testing.T) {
	ctx := context.Background()
	db, w := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, db, groupID)

	if _, err := w.RequestReadd(ctx, groupID, false, false); err == nil {
		t.Fatal("expected non-super-admin request in a group to be rejected")
	}
	if _, err := w.RequestReadd(ctx, groupID, false, true); err != nil {
		t.Fatalf("expected DM to bypass super-admin requirement: %v", err)
	}
}

// TestRequestReaddAllowListBypassesSuperAdminRequirement matches spec.md §8
// scenario 5: a super-admin (Bob) and a non-super-admin installation whose
// local allow-list names the forked group (Alice) may both record a
// pending readd request; a non-super-admin, non-allow-listed installation
// (Caro) may not.
func TestRequestReaddAllowListBypassesSuperAdminRequirement(t *testing.T) {
	ctx := context.Background()

	bobDB, bob := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, bobDB, groupID)
	bobEnqueued, err := bob.RequestReadd(ctx, groupID, true, false)
	if err != nil {
		t.Fatalf("Bob (super-admin) RequestReadd: %v", err)
	}
	if !bobEnqueued {
		t.Fatal("expected super-admin Bob's request to be recorded")
	}

	aliceDB, alice := openTestWorker(t)
	insertTestGroup(t, aliceDB, groupID)
	if _, err := alice.RequestReadd(ctx, groupID, false, false); err == nil {
		t.Fatal("expected Alice's request to be rejected before her installation is allow-listed")
	}
	if err := alice.AllowList(ctx, groupID, 1); err != nil {
		t.Fatalf("AllowList: %v", err)
	}
	aliceEnqueued, err := alice.RequestReadd(ctx, groupID, false, false)
	if err != nil {
		t.Fatalf("Alice (allow-listed) RequestReadd: %v", err)
	}
	if !aliceEnqueued {
		t.Fatal("expected allow-listed Alice's request to be recorded")
	}

	caroDB, caro := openTestWorker(t)
	insertTestGroup(t, caroDB, groupID)
	if _, err := caro.RequestReadd(ctx, groupID, false, false); err == nil {
		t.Fatal("expected non-super-admin, non-allow-listed Caro's request to be rejected")
	}
}

func TestClearForkedResetsFlags(t *testing.T) {
	ctx := context.Background()
	db, w := openTestWorker(t)
	groupID := []byte("group-1")
	insertTestGroup(t, db, groupID)

	if err := w.markForked(ctx, groupID); err != nil {
		t.Fatalf("markForked: %v", err)
	}
	if _, err := w.RequestReadd(ctx, groupID, true, false); err != nil {
		t.Fatalf("RequestReadd: %v", err)
	}
	if err := w.ClearForked(ctx, groupID); err != nil {
		t.Fatalf("ClearForked: %v", err)
	}
	forked, err := w.IsForked(ctx, groupID)
	if err != nil {
		t.Fatalf("IsForked: %v", err)
	}
	if forked {
		t.Fatal("expected fork flag cleared")
	}
}
