package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/germtb/corewire/internal/config"
	corewire "github.com/germtb/corewire/client"
	"github.com/germtb/corewire/internal/transport"
)

// parseGroupID decodes a --group flag value (hex-encoded group id) as
// printed by 'ls' and 'create-group'/'create-dm'.
func parseGroupID(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("--group is required")
	}
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode --group: %w", err)
	}
	return id, nil
}

type identityFile struct {
	InboxID string `toml:"inbox_id"`
}

func identityPath(stateDir string) string { return filepath.Join(stateDir, "identity.toml") }
func encryptionKeyPath(stateDir string) string { return filepath.Join(stateDir, "encryption.key") }
func databasePath(stateDir string) string { return filepath.Join(stateDir, "installation.db") }

// loadOrCreateInboxID resolves this installation's inbox id: the --inbox-id
// flag if given, else whatever was recorded in state-dir from a prior
// 'init', else an error telling the caller to pass --inbox-id once.
func loadOrCreateInboxID(stateDir, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	var id identityFile
	if _, err := toml.DecodeFile(identityPath(stateDir), &id); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no inbox id recorded in %s yet; pass --inbox-id", stateDir)
		}
		return "", fmt.Errorf("read identity.toml: %w", err)
	}
	return id.InboxID, nil
}

func saveInboxID(stateDir, inboxID string) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.Create(identityPath(stateDir))
	if err != nil {
		return fmt.Errorf("write identity.toml: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(identityFile{InboxID: inboxID})
}

// loadOrCreateEncryptionKey reads this installation's 32-byte database
// encryption key from state-dir, generating and persisting one on first use
// (spec §6 "SQLCipher with a 32-byte ... key"). The key file itself is not
// wrapped; the passphrase-wrapped PEM flow applies only to the installation
// signing key, which the client package seals on its own.
func loadOrCreateEncryptionKey(stateDir string) ([]byte, error) {
	path := encryptionKeyPath(stateDir)
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write encryption key: %w", err)
	}
	return key, nil
}

// getClient builds the Client this command operates against: a local
// encrypted SQLite database under --state-dir, and a Transport backed by
// the shared --network file every corewire-debug invocation reads and
// writes, simulating a server without requiring one.
func getClient(ctx context.Context, requireExistingInbox bool) (*corewire.Client, error) {
	inboxID := flagInboxID
	if requireExistingInbox {
		id, err := loadOrCreateInboxID(flagStateDir, flagInboxID)
		if err != nil {
			return nil, err
		}
		inboxID = id
	}
	if inboxID == "" {
		return nil, fmt.Errorf("--inbox-id is required")
	}

	key, err := loadOrCreateEncryptionKey(flagStateDir)
	if err != nil {
		return nil, err
	}
	cfg := config.DefaultConfig()
	cfg.DatabasePath = databasePath(flagStateDir)
	cfg.EncryptionKey = key

	tport, err := transport.NewFileMock(flagNetwork)
	if err != nil {
		return nil, err
	}
	return corewire.New(ctx, cfg, tport, inboxID)
}

// reopenNetworkTransport opens the shared --network file directly, for
// commands that need to read it without also opening a Client (join reads
// welcomes before the corresponding group row necessarily exists locally).
func reopenNetworkTransport() (*transport.FileMock, error) {
	return transport.NewFileMock(flagNetwork)
}
