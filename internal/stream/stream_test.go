package stream

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/germtb/corewire/internal/events"
	"github.com/germtb/corewire/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installation.db")
	db, err := store.Open(context.Background(), path, make([]byte, 32))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertGroup(t *testing.T, db *store.DB, groupID []byte, convType, consentState string) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO groups (group_id, conversation_type, membership_state, consent_state, creator_inbox_id, created_at_ns)
		VALUES (?, ?, 'active', ?, 'inbox-1', 1)`, groupID, convType, consentState)
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
}

func insertMessage(t *testing.T, db *store.DB, groupID []byte, originator, seq, sentAtNs int64, content string) {
	t.Helper()
	id := append(append([]byte{}, groupID...), byte(originator), byte(seq))
	_, err := db.Conn().Exec(`
		INSERT INTO group_messages (id, group_id, originator_id, sequence_id, sent_at_ns, sender_inbox_id, kind, content)
		VALUES (?, ?, ?, ?, ?, 'inbox-1', 'text', ?)`, id, groupID, originator, seq, sentAtNs, []byte(content))
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("expected no message, got %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConversationsStreamReplaysKnownThenNew(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insertGroup(t, db, []byte("group-existing"), "group", "unknown")

	bus := events.New()
	cs, err := NewConversations(ctx, db, bus)
	if err != nil {
		t.Fatalf("NewConversations: %v", err)
	}
	defer cs.Close()

	m := recv(t, cs.Messages())
	if string(m.GroupID) != "group-existing" {
		t.Fatalf("GroupID = %s, want group-existing", m.GroupID)
	}

	bus.Publish(events.LocalEvent{Kind: events.KindNewGroup, GroupID: []byte("group-new")})
	m = recv(t, cs.Messages())
	if string(m.GroupID) != "group-new" {
		t.Fatalf("GroupID = %s, want group-new", m.GroupID)
	}
}

func TestMessagesStreamOrdersByOriginatorAndSequence(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	groupID := []byte("group-1")
	insertGroup(t, db, groupID, "group", "unknown")
	insertMessage(t, db, groupID, 1, 1, 100, "first")
	insertMessage(t, db, groupID, 1, 2, 200, "second")

	bus := events.New()
	ms, err := NewMessages(ctx, db, bus, groupID)
	if err != nil {
		t.Fatalf("NewMessages: %v", err)
	}
	defer ms.Close()

	first := recv(t, ms.Messages())
	if string(first.Content) != "first" {
		t.Fatalf("first.Content = %s, want first", first.Content)
	}
	second := recv(t, ms.Messages())
	if string(second.Content) != "second" {
		t.Fatalf("second.Content = %s, want second", second.Content)
	}
	expectNone(t, ms.Messages())

	insertMessage(t, db, groupID, 1, 3, 300, "third")
	bus.Publish(events.LocalEvent{Kind: events.KindSyncMessage, GroupID: groupID})
	third := recv(t, ms.Messages())
	if string(third.Content) != "third" {
		t.Fatalf("third.Content = %s, want third", third.Content)
	}
}

func TestMessagesStreamIgnoresUnrelatedGroupEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	groupID := []byte("group-1")
	insertGroup(t, db, groupID, "group", "unknown")

	bus := events.New()
	ms, err := NewMessages(ctx, db, bus, groupID)
	if err != nil {
		t.Fatalf("NewMessages: %v", err)
	}
	defer ms.Close()

	insertMessage(t, db, []byte("group-other"), 1, 1, 100, "other")
	bus.Publish(events.LocalEvent{Kind: events.KindSyncMessage, GroupID: []byte("group-other")})
	expectNone(t, ms.Messages())
}

func TestAllMessagesStreamFiltersByConsentState(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	allowed := []byte("group-allowed")
	denied := []byte("group-denied")
	insertGroup(t, db, allowed, "group", "allowed")
	insertGroup(t, db, denied, "group", "denied")
	insertMessage(t, db, allowed, 1, 1, 100, "from-allowed")
	insertMessage(t, db, denied, 1, 1, 100, "from-denied")

	bus := events.New()
	as, err := NewAllMessages(ctx, db, bus, AllMessagesFilter{ConsentState: "allowed"})
	if err != nil {
		t.Fatalf("NewAllMessages: %v", err)
	}
	defer as.Close()

	m := recv(t, as.Messages())
	if string(m.Content) != "from-allowed" {
		t.Fatalf("Content = %s, want from-allowed", m.Content)
	}
	expectNone(t, as.Messages())
}

func TestCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	groupID := []byte("group-1")
	insertGroup(t, db, groupID, "group", "unknown")

	bus := events.New()
	ms, err := NewMessages(ctx, db, bus, groupID)
	if err != nil {
		t.Fatalf("NewMessages: %v", err)
	}
	ms.Close()
	if ms.State() != Terminated {
		t.Fatalf("State() = %v, want Terminated", ms.State())
	}
}
