// Package keypackage maintains an installation's published key-package
// inventory (spec.md §4.J): keeping at least MIN_KEY_PACKAGE_INVENTORY
// unused packages available at all times, and unconditionally rotating the
// installation's signing/init keys every ROTATION_INTERVAL regardless of
// inventory level.
package keypackage

import (
	"context"
	"database/sql"

	"github.com/germtb/corewire/internal/config"
	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/mlsgroup"
	"github.com/germtb/corewire/internal/store"
)

// Manager owns the key_packages table.
type Manager struct {
	db  *store.DB
	cfg config.Config
}

func New(db *store.DB, cfg config.Config) *Manager { return &Manager{db: db, cfg: cfg} }

// Package is one published key package row.
type Package struct {
	InstallationKey []byte
	SequenceID      int64
	InitPub         []byte
	PQPub           []byte // simplified post-quantum public key placeholder; see SPEC_FULL §3
	CreatedAtNs     int64
	UsedAtNs        *int64
}

// UnusedCount reports how many key packages for installationKey have not yet
// been consumed by a welcome.
func (m *Manager) UnusedCount(ctx context.Context, installationKey []byte) (int, error) {
	var n int
	err := m.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM key_packages WHERE installation_key = ? AND used_at_ns IS NULL`, installationKey).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "keypackage.UnusedCount", "select", err)
	}
	return n, nil
}

// Publish inserts a freshly generated key package, pairing the X25519-like
// init key from mlsgroup.GenerateKeys with a placeholder post-quantum public
// key.
func (m *Manager) Publish(ctx context.Context, installationKey []byte, keys mlsgroup.Keys, pqPub []byte, nowNs int64) (int64, error) {
	var seq int64
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO key_packages (installation_key, init_pub, pq_pub, created_at_ns, used_at_ns)
			VALUES (?, ?, ?, ?, NULL)`, installationKey, keys.InitPub, pqPub, nowNs)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "keypackage.Publish", "insert", err)
	}
	return seq, nil
}

// EnsureInventory tops up the installation's unused key-package inventory to
// at least MinKeyPackageInventory by publishing fresh packages one at a
// time via generate.
func (m *Manager) EnsureInventory(ctx context.Context, installationKey []byte, nowNs int64, generate func() (mlsgroup.Keys, []byte, error)) (published int, err error) {
	n, err := m.UnusedCount(ctx, installationKey)
	if err != nil {
		return 0, err
	}
	for n+published < config.MinKeyPackageInventory {
		keys, pqPub, err := generate()
		if err != nil {
			return published, errs.Wrap(errs.KindCryptography, "keypackage.EnsureInventory", "generate", err)
		}
		if _, err := m.Publish(ctx, installationKey, keys, pqPub, nowNs); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// NeedsRotation reports whether the installation's signing/init key is due
// for unconditional rotation: no package has been published in the last
// KeyRotationInterval (spec §4.J: rotation happens regardless of inventory
// level).
func (m *Manager) NeedsRotation(ctx context.Context, installationKey []byte, nowNs int64) (bool, error) {
	var lastCreated sql.NullInt64
	err := m.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(created_at_ns) FROM key_packages WHERE installation_key = ?`, installationKey).Scan(&lastCreated)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "keypackage.NeedsRotation", "select", err)
	}
	if !lastCreated.Valid {
		return true, nil
	}
	return nowNs-lastCreated.Int64 >= int64(config.KeyRotationInterval), nil
}
