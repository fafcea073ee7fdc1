package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installation.db")
	key := make([]byte, 32)
	db, err := Open(context.Background(), path, key)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesSchema(t *testing.T) {
	db := openTestDB(t)

	tables := []string{
		"groups", "group_messages", "welcomes", "identity_updates", "intents",
		"tasks", "refresh_state", "local_commit_log", "remote_commit_log",
		"consent_records", "message_deletions", "key_packages",
	}
	for _, tbl := range tables {
		var name string
		err := db.Conn().QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", tbl).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", tbl, err)
		}
	}
}

func TestOpenRejectsBadKeyLength(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"), []byte("short"))
	if err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDataHashDeterministic(t *testing.T) {
	h1 := DataHash([]byte("payload"))
	h2 := DataHash([]byte("payload"))
	if h1 != h2 {
		t.Fatalf("DataHash not deterministic: %s != %s", h1, h2)
	}
	if h3 := DataHash([]byte("other")); h3 == h1 {
		t.Fatalf("DataHash collided for different payloads")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	wantErr := context.Canceled
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithTx error = %v, want %v", err, wantErr)
	}
}
