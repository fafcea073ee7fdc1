// Package sync implements the sync worker (spec.md §4.F): an
// installation-internal "sync group" containing only this inbox's
// installations, used to broadcast preference-change events and to serve
// history to newly joined installations via signed archive bundles.
package sync

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/germtb/corewire/internal/config"
	"github.com/germtb/corewire/internal/crypto"
	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/events"
	"github.com/germtb/corewire/internal/store"
)

// PreferenceKind tags a synced preference change.
type PreferenceKind string

const (
	PreferenceConsent    PreferenceKind = "consent"
	PreferenceHMACRotate PreferenceKind = "hmac_key_rotation"
)

// PreferenceUpdate is one change broadcast across (or received from) the
// sync group.
type PreferenceUpdate struct {
	Kind      PreferenceKind  `json:"kind"`
	Entity    string          `json:"entity"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAtNs int64         `json:"updated_at_ns"`
}

// Worker maintains the sync group and archive facility for one
// installation.
type Worker struct {
	db   *store.DB
	bus  *events.Bus
	mode config.SyncWorkerMode
}

// New builds a Worker in the given mode (spec §4.F: "Modes: Disabled |
// Enabled"). In Disabled mode, welcomes are still received and group state
// maintained, but no archive is served and broadcast is suppressed.
func New(db *store.DB, bus *events.Bus, mode config.SyncWorkerMode) *Worker {
	return &Worker{db: db, bus: bus, mode: mode}
}

// BroadcastPreferenceUpdate publishes a locally originated preference
// change across the sync group. In Disabled mode this is a no-op (the
// change still lands in local state via the normal consent/HMAC-key
// write path; it simply isn't replicated to other installations).
func (w *Worker) BroadcastPreferenceUpdate(ctx context.Context, u PreferenceUpdate) error {
	if w.mode == config.SyncDisabled {
		return nil
	}
	w.bus.Publish(events.LocalEvent{Kind: events.KindOutgoingPreferenceUpdate, Payload: u})
	return nil
}

// ApplyIncomingPreferenceUpdate deduplicates an inbound preference update
// against local state and, if it was new, emits LocalEvents::IncomingPreferenceUpdate
// (spec §4.F).
func (w *Worker) ApplyIncomingPreferenceUpdate(ctx context.Context, u PreferenceUpdate) (applied bool, err error) {
	var existingUpdatedAt int64
	row := w.db.Conn().QueryRowContext(ctx,
		`SELECT updated_at_ns FROM consent_records WHERE entity_type = ? AND entity = ?`, string(u.Kind), u.Entity)
	scanErr := row.Scan(&existingUpdatedAt)
	if scanErr != nil && !store.IsNoRows(scanErr) {
		return false, errs.Wrap(errs.KindStorage, "sync.ApplyIncomingPreferenceUpdate", "select", scanErr)
	}
	if scanErr == nil && existingUpdatedAt >= u.UpdatedAtNs {
		return false, nil // stale or duplicate update, nothing to apply
	}

	state, _ := json.Marshal(u.Payload)
	_, err = w.db.Conn().ExecContext(ctx, `
		INSERT INTO consent_records (entity_type, entity, state, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity) DO UPDATE SET state = excluded.state, updated_at_ns = excluded.updated_at_ns
		WHERE excluded.updated_at_ns > consent_records.updated_at_ns`,
		string(u.Kind), u.Entity, state, u.UpdatedAtNs)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "sync.ApplyIncomingPreferenceUpdate", "upsert", err)
	}
	w.bus.Publish(events.LocalEvent{Kind: events.KindIncomingPreferenceUpdate, Payload: u})
	return true, nil
}

// ArchiveEntry is one object included in an exported archive bundle.
type ArchiveEntry struct {
	Label      string
	Ciphertext []byte
}

// ArchiveBundle is a signed, Merkle-rooted export of this installation's
// synced state, handed to a new installation out of band (e.g. a QR code
// carrying the bundle key).
type ArchiveBundle struct {
	Entries  []ArchiveEntry
	Manifest crypto.MerkleManifest
}

// ExportArchive encrypts each entry's plaintext under a key derived from
// bundleSecret, builds a signed Merkle manifest over the resulting
// ciphertexts, and returns the bundle ready to hand to a new installation.
// In Disabled mode archive export is refused (spec §4.F: "no archive is
// served").
func (w *Worker) ExportArchive(plaintexts map[string][]byte, bundleSecret []byte, signer ed25519.PrivateKey, author string) (ArchiveBundle, error) {
	if w.mode == config.SyncDisabled {
		return ArchiveBundle{}, errs.New(errs.KindUser, "sync.ExportArchive", "sync worker is disabled, archives are not served")
	}
	entries := make([]ArchiveEntry, 0, len(plaintexts))
	hashes := make([]crypto.FileHash, 0, len(plaintexts))
	for label, plaintext := range plaintexts {
		key := crypto.DeriveContentKey(bundleSecret, label, 0)
		nonce, ct, err := crypto.AESGCMEncrypt(key, plaintext)
		if err != nil {
			return ArchiveBundle{}, errs.Wrap(errs.KindCryptography, "sync.ExportArchive", "seal "+label, err)
		}
		sealed := append(append([]byte{}, nonce...), ct...)
		entries = append(entries, ArchiveEntry{Label: label, Ciphertext: sealed})
		hashes = append(hashes, crypto.FileHash{Path: label, Hash: crypto.ComputeObjectHash(label, sealed)})
	}
	root := crypto.ComputeMerkleRoot(hashes)
	manifest := crypto.MerkleManifest{
		RootHash:  root,
		Signature: crypto.SignMerkleRoot(root, signer),
		Author:    author,
		FileCount: len(entries),
	}
	return ArchiveBundle{Entries: entries, Manifest: manifest}, nil
}

// ImportArchive verifies the bundle's manifest signature and completeness,
// then decrypts every entry with bundleSecret.
func (w *Worker) ImportArchive(bundle ArchiveBundle, bundleSecret []byte, signerPub ed25519.PublicKey) (map[string][]byte, error) {
	if !crypto.VerifyMerkleRoot(bundle.Manifest.RootHash, bundle.Manifest.Signature, signerPub) {
		return nil, errs.New(errs.KindCryptography, "sync.ImportArchive", "invalid archive manifest signature")
	}
	hashes := make([]crypto.FileHash, 0, len(bundle.Entries))
	for _, e := range bundle.Entries {
		hashes = append(hashes, crypto.FileHash{Path: e.Label, Hash: crypto.ComputeObjectHash(e.Label, e.Ciphertext)})
	}
	if crypto.ComputeMerkleRoot(hashes) != bundle.Manifest.RootHash {
		return nil, errs.New(errs.KindCryptography, "sync.ImportArchive", "archive entries do not match manifest root")
	}

	out := make(map[string][]byte, len(bundle.Entries))
	for _, e := range bundle.Entries {
		if len(e.Ciphertext) < crypto.IVSize {
			return nil, errs.New(errs.KindProtocol, "sync.ImportArchive", "truncated entry: "+e.Label)
		}
		nonce, ct := e.Ciphertext[:crypto.IVSize], e.Ciphertext[crypto.IVSize:]
		key := crypto.DeriveContentKey(bundleSecret, e.Label, 0)
		plaintext, err := crypto.AESGCMDecrypt(key, nonce, ct)
		if err != nil {
			return nil, errs.Wrap(errs.KindCryptography, "sync.ImportArchive", "open "+e.Label, err)
		}
		out[e.Label] = plaintext
	}
	return out, nil
}

// Now is a seam for tests; production call sites use wall-clock time.
var Now = func() int64 { return time.Now().UnixNano() }
