// Package config provides constants and environment configuration for
// corewire: the installation's runtime knobs (§6 "Environment knobs") and
// the fixed protocol constants referenced throughout §3-§5 of the spec.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// MaxInstallations is the MAX_INSTALLATIONS invariant on an inbox (§3).
	MaxInstallations = 10

	// MinKeyPackageInventory is MIN_KEY_PACKAGE_INVENTORY (§4.J).
	MinKeyPackageInventory = 5

	// KeyRotationInterval is ROTATION_INTERVAL / KEY_ROTATION_INTERVAL (§4.C, §4.J).
	KeyRotationInterval = 14 * 24 * time.Hour

	// DefaultNetworkTimeout is the default per-call transport timeout (§5).
	DefaultNetworkTimeout = 10 * time.Second

	// Backoff parameters for retryable errors in worker loops (§7).
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultBackoffScaling = 1.5

	// DefaultIntentMaxAttempts bounds retry of a single intent (§4.B).
	DefaultIntentMaxAttempts = 5

	// Version is the corewire library version string reported to the network.
	Version = "0.1.0"
)

// SyncWorkerMode controls the sync worker's archive-serving behavior (§4.F).
type SyncWorkerMode string

const (
	SyncDisabled SyncWorkerMode = "disabled"
	SyncEnabled  SyncWorkerMode = "enabled"
)

// Config holds the environment knobs an installation is constructed with.
type Config struct {
	// DatabasePath is the filesystem path to the encrypted SQLite file.
	DatabasePath string `toml:"database_path"`
	// EncryptionKey is the 32-byte user-supplied key encrypting the database.
	// Never serialized to disk; supplied at process start.
	EncryptionKey []byte `toml:"-"`
	// HistorySyncURL is the out-of-band archive exchange endpoint (§4.F).
	HistorySyncURL string `toml:"history_sync_url"`
	// AppVersion and LibraryVersion are version metadata kept in the config
	// file; no transport in this module sends them.
	AppVersion     string `toml:"app_version"`
	LibraryVersion string `toml:"library_version"`
	// SyncWorker selects enabled/disabled sync-worker mode (§4.F).
	SyncWorker SyncWorkerMode `toml:"sync_worker"`
	// MaxInstallations overrides the default installation cap on an inbox.
	MaxInstallations int `toml:"max_installations"`
}

// DefaultConfig returns a Config with protocol defaults; callers must still
// set DatabasePath and EncryptionKey before use.
func DefaultConfig() Config {
	return Config{
		LibraryVersion:   Version,
		SyncWorker:       SyncEnabled,
		MaxInstallations: MaxInstallations,
	}
}

// Validate checks that required knobs are present, returning a plain error
// naming the first invalid knob; client.New reports that error as kind User.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path is required")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("config: encryption key must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.MaxInstallations <= 0 {
		return fmt.Errorf("config: max_installations must be positive")
	}
	return nil
}

// tomlConfig is the on-disk wrapper; EncryptionKey is deliberately excluded.
type tomlConfig struct {
	Corewire Config `toml:"corewire"`
}

// ToTOML serializes the non-secret portion of the config.
func (c Config) ToTOML() string {
	return fmt.Sprintf(
		"[corewire]\ndatabase_path = %q\nhistory_sync_url = %q\napp_version = %q\nlibrary_version = %q\nsync_worker = %q\nmax_installations = %d\n",
		c.DatabasePath, c.HistorySyncURL, c.AppVersion, c.LibraryVersion, string(c.SyncWorker), c.MaxInstallations)
}

// ConfigFromTOML parses a config from TOML text, filling in defaults for
// anything left unset.
func ConfigFromTOML(text string) (Config, error) {
	var wrapper tomlConfig
	if _, err := toml.Decode(text, &wrapper); err != nil {
		return Config{}, fmt.Errorf("parsing config TOML: %w", err)
	}
	cfg := DefaultConfig()
	c := wrapper.Corewire
	if c.DatabasePath != "" {
		cfg.DatabasePath = c.DatabasePath
	}
	if c.HistorySyncURL != "" {
		cfg.HistorySyncURL = c.HistorySyncURL
	}
	if c.AppVersion != "" {
		cfg.AppVersion = c.AppVersion
	}
	if c.LibraryVersion != "" {
		cfg.LibraryVersion = c.LibraryVersion
	}
	if c.SyncWorker != "" {
		cfg.SyncWorker = c.SyncWorker
	}
	if c.MaxInstallations != 0 {
		cfg.MaxInstallations = c.MaxInstallations
	}
	return cfg, nil
}

// FindOrCreateStateDir resolves the directory holding an installation's
// encrypted database and salt file, creating it if absent. Generalizes the
// teacher's git-root discovery into a plain per-installation state dir.
func FindOrCreateStateDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return abs, nil
}

// SaltFilePath is the persisted 16-byte salt file path alongside the
// database (§6 "SQLCipher with a 32-byte plaintext header and persisted
// 16-byte salt file").
func SaltFilePath(databasePath string) string {
	return databasePath + ".salt"
}
