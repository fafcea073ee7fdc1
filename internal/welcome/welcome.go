// Package welcome processes incoming Welcome messages (spec.md §4.D):
// deduplication, GroupInfo signer validation, initial group-row creation,
// and key-package consumption marking.
package welcome

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/identity"
	"github.com/germtb/corewire/internal/mlsgroup"
	"github.com/germtb/corewire/internal/store"
)

// Status is the outcome recorded for a processed welcome row.
type Status string

const (
	StatusPending Status = "pending"
	StatusJoined  Status = "joined"
	StatusFailed  Status = "failed"
)

// Processor owns the welcomes table and turns Welcome payloads into group
// rows.
type Processor struct {
	db *store.DB
}

func New(db *store.DB) *Processor { return &Processor{db: db} }

// dedupeHash content-addresses a welcome by (installation_key, ciphertext)
// so a redelivered welcome from the transport is a no-op (spec §4.D:
// "dedup by welcome_id and by hash of (installation_key, ciphertext)").
func dedupeHash(installationKey, ciphertext []byte) string {
	h := sha256.New()
	h.Write(installationKey)
	h.Write(ciphertext)
	return hex.EncodeToString(h.Sum(nil))
}

// Signer validates a GroupInfo's signer against the signing inbox's current
// identity state, so a welcome signed by a revoked installation is rejected.
type Signer interface {
	Verify(inboxID string, pub []byte, message, sig []byte) bool
}

// Incoming is one welcome message delivered over the transport.
type Incoming struct {
	WelcomeID       int64
	InstallationKey []byte
	Ciphertext      []byte
	SignerInboxID   string
	SignerPub       []byte
	Signature       []byte
	SignedPayload   []byte
	Welcome         mlsgroup.Welcome
	ConversationType string // "group" | "dm"
	CreatorInboxID  string
	PeerInboxID     string

	// SignerStateSeq is the sequence number of the inviting inbox's identity
	// log the GroupInfo signer claim was authored against (spec §4.D step
	// 2). 0 means "not pinned": the signer is checked against the current
	// state instead of a historical cut.
	SignerStateSeq uint64
}

// Process dedupes, verifies the GroupInfo signer against the inviting
// inbox's identity state as of SignerStateSeq, and materializes the group
// row. It does not mark a key package consumed; MarkKeyPackageUsed does
// that separately. Returns (alreadyProcessed, error).
func (p *Processor) Process(ctx context.Context, in Incoming, resolver *identity.Resolver, signer Signer, nowNs int64) (bool, error) {
	hash := dedupeHash(in.InstallationKey, in.Ciphertext)

	var existing string
	err := p.db.Conn().QueryRowContext(ctx, `SELECT status FROM welcomes WHERE dedupe_hash = ?`, hash).Scan(&existing)
	if err == nil {
		return true, nil
	}
	if !store.IsNoRows(err) {
		return false, errs.Wrap(errs.KindStorage, "welcome.Process", "dedupe lookup", err)
	}

	isSignerMember, err := resolver.IsMemberAt(in.SignerInboxID, in.SignerStateSeq)
	if err != nil {
		return false, errs.Wrap(errs.KindCryptography, "welcome.Process", "resolve signer membership", err)
	}
	if !isSignerMember && resolver.InboxID() != in.SignerInboxID {
		if err := p.recordFailure(ctx, in.WelcomeID, hash, "signer is not a member of the inviting inbox as of the claimed sequence"); err != nil {
			return false, err
		}
		return false, errs.New(errs.KindCryptography, "welcome.Process", "signer is not a member of the inviting inbox as of the claimed sequence")
	}
	if signer != nil && !signer.Verify(in.SignerInboxID, in.SignerPub, in.SignedPayload, in.Signature) {
		if err := p.recordFailure(ctx, in.WelcomeID, hash, "invalid GroupInfo signature"); err != nil {
			return false, err
		}
		return false, errs.New(errs.KindCryptography, "welcome.Process", "invalid GroupInfo signature")
	}

	err = p.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO welcomes (welcome_id, installation_key, dedupe_hash, group_id, status, failure_reason)
			VALUES (?, ?, ?, ?, ?, '')`,
			in.WelcomeID, in.InstallationKey, hash, in.Welcome.GroupID, string(StatusJoined)); err != nil {
			return err
		}

		adminList, _ := json.Marshal(in.Welcome.AdminList)
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO groups (group_id, conversation_type, epoch_number, membership_state,
				consent_state, creator_inbox_id, peer_inbox_id, created_at_ns, admin_list, super_admin_list)
			VALUES (?, ?, ?, 'allowed', 'unknown', ?, ?, ?, ?, '[]')`,
			in.Welcome.GroupID, in.ConversationType, in.Welcome.Epoch, in.CreatorInboxID,
			nullableString(in.PeerInboxID), nowNs, adminList)
		return err
	})
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "welcome.Process", "persist", err)
	}
	return false, nil
}

func (p *Processor) recordFailure(ctx context.Context, welcomeID int64, hash, reason string) error {
	_, err := p.db.Conn().ExecContext(ctx, `
		INSERT INTO welcomes (welcome_id, installation_key, dedupe_hash, status, failure_reason)
		VALUES (?, x'', ?, ?, ?)`, welcomeID, hash, string(StatusFailed), reason)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "welcome.recordFailure", "insert", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarkKeyPackageUsed stamps a key package as consumed by an incoming welcome
// so it is never offered again (spec §4.J).
func MarkKeyPackageUsed(ctx context.Context, db *store.DB, sequenceID int64, nowNs int64) error {
	_, err := db.Conn().ExecContext(ctx, `UPDATE key_packages SET used_at_ns = ? WHERE sequence_id = ? AND used_at_ns IS NULL`, nowNs, sequenceID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "welcome.MarkKeyPackageUsed", "update", err)
	}
	return nil
}

// Now is a small seam so tests can stub wall-clock time without the global
// time package creeping into every call site.
var Now = func() int64 { return time.Now().UnixNano() }
