// Package cache owns the decrypted-message cache and disappearing-message
// eviction (spec.md §4.I): content-addressed rows keyed by (group_id,
// message_id), a periodic sweep that soft-deletes messages past their
// disappearing window, and the message_deletions table consulted by
// is_message_deleted.
package cache

import (
	"context"
	"database/sql"

	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/store"
)

// Cache owns message-row lookups and the deletion ledger. Decrypted
// plaintext itself lives in group_messages.content (it is the decrypted
// cache row, per spec §4.I — there is no separate plaintext table); Cache
// adds the eviction sweep and deletion bookkeeping on top of that row.
type Cache struct {
	db *store.DB
}

func New(db *store.DB) *Cache { return &Cache{db: db} }

// DisappearingPolicy is a group's disappearing-message window: any message
// with sent_at_ns >= FromNs is marked for deletion at sent_at_ns + InNs.
type DisappearingPolicy struct {
	FromNs int64
	InNs   int64
}

// Sweep scans every group with an active disappearing-message policy and
// soft-deletes (message_deletions row) any message whose deletion deadline
// has passed. It never touches group_messages itself — the original row is
// left for auditability (spec §4.I); enrichment layers hide deleted content
// via IsMessageDeleted.
func (c *Cache) Sweep(ctx context.Context, nowNs int64) (evicted int, err error) {
	rows, err := c.db.Conn().QueryContext(ctx, `
		SELECT group_id, disappearing_from_ns, disappearing_in_ns
		FROM groups WHERE disappearing_from_ns IS NOT NULL AND disappearing_in_ns IS NOT NULL`)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "cache.Sweep", "list policies", err)
	}
	type policyRow struct {
		groupID []byte
		policy  DisappearingPolicy
	}
	var policies []policyRow
	for rows.Next() {
		var pr policyRow
		if err := rows.Scan(&pr.groupID, &pr.policy.FromNs, &pr.policy.InNs); err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.KindStorage, "cache.Sweep", "scan policy", err)
		}
		policies = append(policies, pr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.Wrap(errs.KindStorage, "cache.Sweep", "iterate policies", err)
	}

	for _, pr := range policies {
		n, err := c.sweepGroup(ctx, pr.groupID, pr.policy, nowNs)
		if err != nil {
			return evicted, err
		}
		evicted += n
	}
	return evicted, nil
}

func (c *Cache) sweepGroup(ctx context.Context, groupID []byte, policy DisappearingPolicy, nowNs int64) (int, error) {
	deadline := nowNs - policy.InNs
	rows, err := c.db.Conn().QueryContext(ctx, `
		SELECT id, sent_at_ns FROM group_messages
		WHERE group_id = ? AND sent_at_ns >= ? AND sent_at_ns <= ?
		AND id NOT IN (SELECT message_id FROM message_deletions)`,
		groupID, policy.FromNs, deadline)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "cache.sweepGroup", "select due", err)
	}
	type due struct {
		id     []byte
		sentAt int64
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.sentAt); err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.KindStorage, "cache.sweepGroup", "scan due", err)
		}
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.Wrap(errs.KindStorage, "cache.sweepGroup", "iterate due", err)
	}

	for _, d := range dues {
		if err := c.MarkDeleted(ctx, d.id, groupID, nowNs, "disappearing_message_policy"); err != nil {
			return 0, err
		}
	}
	return len(dues), nil
}

// MarkDeleted inserts a soft-deletion row. Called both by the disappearing
// sweep and by an incoming signed delete_message payload.
func (c *Cache) MarkDeleted(ctx context.Context, messageID, groupID []byte, deletedAtNs int64, reason string) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_deletions (message_id, group_id, deleted_at_ns, reason)
			VALUES (?, ?, ?, ?)`, messageID, groupID, deletedAtNs, reason)
		if err != nil {
			return errs.Wrap(errs.KindStorage, "cache.MarkDeleted", "insert", err)
		}
		return nil
	})
}

// IsMessageDeleted consults the deletions table (spec §4.I).
func (c *Cache) IsMessageDeleted(ctx context.Context, messageID []byte) (bool, error) {
	var count int
	err := c.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM message_deletions WHERE message_id = ?`, messageID).Scan(&count)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "cache.IsMessageDeleted", "select", err)
	}
	return count > 0, nil
}
