// Package test holds multi-installation end-to-end scenarios driven entirely
// through the client package's exported binding surface, mirroring the
// teacher's test/multiuser_test.go shape: several simulated installations
// sharing one in-memory transport double.
package test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/germtb/corewire/internal/config"
	"github.com/germtb/corewire/internal/store"
	"github.com/germtb/corewire/internal/transport"

	"github.com/germtb/corewire/client"
)

// installation pairs a live Client with the on-disk coordinates of its
// database, so a test can open a second raw connection to seed rows the
// exported client surface has no constructor for (a pre-existing group row
// this installation did not create itself).
type installation struct {
	*client.Client
	dbPath string
	dbKey  []byte
}

// newInstallation builds one simulated installation sharing tport with every
// other installation in the scenario.
func newInstallation(t *testing.T, inboxID string, tport transport.Transport) *installation {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), inboxID+".db")
	cfg.EncryptionKey = make([]byte, 32)
	c, err := client.New(context.Background(), cfg, tport, inboxID)
	if err != nil {
		t.Fatalf("client.New(%s): %v", inboxID, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &installation{Client: c, dbPath: cfg.DatabasePath, dbKey: cfg.EncryptionKey}
}

// seedLocalGroupRow gives an installation its own local copy of a group row
// for groupID without routing a real welcome through it, standing in for
// "this installation already learned about the group some other way" the
// same way fork_test.go's insertTestGroup does for the fork package alone.
// adminListJSON and superAdminListJSON are JSON-encoded inbox-id arrays.
func seedLocalGroupRow(t *testing.T, inst *installation, groupID []byte, creatorInboxID, convType, adminListJSON, superAdminListJSON string) {
	t.Helper()
	db, err := store.Open(context.Background(), inst.dbPath, inst.dbKey)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	_, err = db.Conn().Exec(`
		INSERT INTO groups (group_id, conversation_type, membership_state, consent_state,
			creator_inbox_id, created_at_ns, admin_list, super_admin_list)
		VALUES (?, ?, 'allowed', 'allowed', ?, 0, ?, ?)`,
		groupID, convType, creatorInboxID, adminListJSON, superAdminListJSON)
	if err != nil {
		t.Fatalf("seed group row: %v", err)
	}
}
