// Package fork implements the fork detector & readd worker (spec.md §4.E):
// reconciling local and remote commit-log entries to detect divergence
// between members, and recovering a forked installation via a super-admin
// mediated readd.
package fork

import (
	"context"
	"database/sql"

	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/store"
)

// ReconcileResult is the outcome of Phase 3 for one group.
type ReconcileResult string

const (
	ResultOK          ReconcileResult = "ok"
	ResultForked      ReconcileResult = "forked"
	ResultInconclusive ReconcileResult = "inconclusive"
)

// LocalEntry is one row this installation wrote to its own commit log.
type LocalEntry struct {
	CommitSequenceID          int64
	CommitResult              string
	AppliedEpochNumber        int64
	AppliedEpochAuthenticator []byte
}

// RemoteEntry is one row fetched from the network's commit log for this
// group, written by any member.
type RemoteEntry struct {
	LogSequenceID             int64
	CommitSequenceID          int64
	CommitResult              string
	AppliedEpochNumber        int64
	AppliedEpochAuthenticator []byte
}

// Worker owns commit-log reconciliation for one installation database.
type Worker struct {
	db *store.DB
}

func New(db *store.DB) *Worker { return &Worker{db: db} }

// RecordLocal appends a row to this installation's own commit log (Phase 1
// staging; signing and upload happen at the transport boundary, outside
// this package).
func (w *Worker) RecordLocal(ctx context.Context, groupID []byte, e LocalEntry) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO local_commit_log (group_id, commit_sequence_id, commit_result,
				applied_epoch_number, applied_epoch_authenticator)
			VALUES (?, ?, ?, ?, ?)`,
			groupID, e.CommitSequenceID, e.CommitResult, e.AppliedEpochNumber, e.AppliedEpochAuthenticator)
		if err != nil {
			return err
		}
		return nil
	})
}

// RecordRemote stores a verified remote commit-log row under its own
// cursor (Phase 2).
func (w *Worker) RecordRemote(ctx context.Context, groupID []byte, e RemoteEntry) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO remote_commit_log (group_id, log_sequence_id, commit_sequence_id,
				commit_result, applied_epoch_number, applied_epoch_authenticator)
			VALUES (?, ?, ?, ?, ?, ?)`,
			groupID, e.LogSequenceID, e.CommitSequenceID, e.CommitResult, e.AppliedEpochNumber, e.AppliedEpochAuthenticator)
		return err
	})
}

// Reconcile runs Phase 3 for one group: walk local and remote entries
// matched on commit_sequence_id starting after (localCursor, remoteCursor).
// Returns the new cursors and whether the group is forked.
func (w *Worker) Reconcile(ctx context.Context, groupID []byte, localCursor, remoteCursor int64) (newLocalCursor, newRemoteCursor int64, result ReconcileResult, err error) {
	locals, err := w.localAfter(ctx, groupID, localCursor)
	if err != nil {
		return localCursor, remoteCursor, "", err
	}
	remoteBySeq, err := w.remoteIndexAfter(ctx, groupID, remoteCursor)
	if err != nil {
		return localCursor, remoteCursor, "", err
	}

	newLocalCursor, newRemoteCursor = localCursor, remoteCursor
	for _, l := range locals {
		r, ok := remoteBySeq[l.CommitSequenceID]
		if !ok {
			// Highest local entry has no remote counterpart yet: inconclusive,
			// cursors do not advance past this point (spec §4.E Phase 3).
			return newLocalCursor, newRemoteCursor, ResultInconclusive, nil
		}
		if l.CommitResult != r.CommitResult || !bytesEqual(l.AppliedEpochAuthenticator, r.AppliedEpochAuthenticator) {
			if err := w.markForked(ctx, groupID); err != nil {
				return newLocalCursor, newRemoteCursor, "", err
			}
			return l.CommitSequenceID, r.LogSequenceID, ResultForked, nil
		}
		newLocalCursor = l.CommitSequenceID
		newRemoteCursor = r.LogSequenceID
	}
	return newLocalCursor, newRemoteCursor, ResultOK, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (w *Worker) localAfter(ctx context.Context, groupID []byte, cursor int64) ([]LocalEntry, error) {
	rows, err := w.db.Conn().QueryContext(ctx, `
		SELECT commit_sequence_id, commit_result, applied_epoch_number, applied_epoch_authenticator
		FROM local_commit_log WHERE group_id = ? AND commit_sequence_id > ?
		ORDER BY commit_sequence_id`, groupID, cursor)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "fork.localAfter", "query", err)
	}
	defer rows.Close()
	var out []LocalEntry
	for rows.Next() {
		var e LocalEntry
		if err := rows.Scan(&e.CommitSequenceID, &e.CommitResult, &e.AppliedEpochNumber, &e.AppliedEpochAuthenticator); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "fork.localAfter", "scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (w *Worker) remoteIndexAfter(ctx context.Context, groupID []byte, cursor int64) (map[int64]RemoteEntry, error) {
	rows, err := w.db.Conn().QueryContext(ctx, `
		SELECT log_sequence_id, commit_sequence_id, commit_result, applied_epoch_number, applied_epoch_authenticator
		FROM remote_commit_log WHERE group_id = ? AND log_sequence_id > ?
		ORDER BY log_sequence_id`, groupID, cursor)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "fork.remoteIndexAfter", "query", err)
	}
	defer rows.Close()
	out := make(map[int64]RemoteEntry)
	for rows.Next() {
		var e RemoteEntry
		if err := rows.Scan(&e.LogSequenceID, &e.CommitSequenceID, &e.CommitResult, &e.AppliedEpochNumber, &e.AppliedEpochAuthenticator); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "fork.remoteIndexAfter", "scan", err)
		}
		out[e.CommitSequenceID] = e
	}
	return out, rows.Err()
}

func (w *Worker) markForked(ctx context.Context, groupID []byte) error {
	_, err := w.db.Conn().ExecContext(ctx, `UPDATE groups SET is_commit_log_forked = 1 WHERE group_id = ?`, groupID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "fork.markForked", "update", err)
	}
	return nil
}

// ClearForked runs after a readd commit applies (Phase 4): the fork flag
// clears and the forked installation resumes normal reconciliation.
func (w *Worker) ClearForked(ctx context.Context, groupID []byte) error {
	_, err := w.db.Conn().ExecContext(ctx, `UPDATE groups SET is_commit_log_forked = 0, is_awaiting_readd = 0 WHERE group_id = ?`, groupID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "fork.ClearForked", "update", err)
	}
	return nil
}

// IsAllowListed reports whether groupID is named in this installation's
// local readd allow-list (spec §4.E Phase 4: "any installation whose
// allow-list names the group").
func (w *Worker) IsAllowListed(ctx context.Context, groupID []byte) (bool, error) {
	var one int
	err := w.db.Conn().QueryRowContext(ctx, `SELECT 1 FROM readd_allow_list WHERE group_id = ?`, groupID).Scan(&one)
	if store.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "fork.IsAllowListed", "select", err)
	}
	return true, nil
}

// AllowList adds groupID to this installation's local readd allow-list.
func (w *Worker) AllowList(ctx context.Context, groupID []byte, nowNs int64) error {
	_, err := w.db.Conn().ExecContext(ctx, `INSERT OR IGNORE INTO readd_allow_list (group_id, added_at_ns) VALUES (?, ?)`, groupID, nowNs)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "fork.AllowList", "insert", err)
	}
	return nil
}

// RequestReadd gates Phase 4's request_readd intent: at most one pending
// readd request per (group, installation), de-duplicated via
// is_awaiting_readd (spec §4.E "bookkeeping invariant"). isDM groups bypass
// the super-admin requirement entirely — either peer can service the
// request. A non-super-admin installation whose local allow-list names
// groupID may also request readd (spec §4.E Phase 4).
func (w *Worker) RequestReadd(ctx context.Context, groupID []byte, isSuperAdmin, isDM bool) (shouldEnqueue bool, err error) {
	if !isDM && !isSuperAdmin {
		allowListed, err := w.IsAllowListed(ctx, groupID)
		if err != nil {
			return false, err
		}
		if !allowListed {
			return false, errs.New(errs.KindUser, "fork.RequestReadd", "only super-admins, allow-listed installations, or DM peers may request readd")
		}
	}
	var awaiting bool
	err = w.db.Conn().QueryRowContext(ctx, `SELECT is_awaiting_readd FROM groups WHERE group_id = ?`, groupID).Scan(&awaiting)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "fork.RequestReadd", "select", err)
	}
	if awaiting {
		return false, nil
	}
	_, err = w.db.Conn().ExecContext(ctx, `UPDATE groups SET is_awaiting_readd = 1 WHERE group_id = ?`, groupID)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "fork.RequestReadd", "update", err)
	}
	return true, nil
}

// IsForked reports the group's current fork flag.
func (w *Worker) IsForked(ctx context.Context, groupID []byte) (bool, error) {
	var forked bool
	err := w.db.Conn().QueryRowContext(ctx, `SELECT is_commit_log_forked FROM groups WHERE group_id = ?`, groupID).Scan(&forked)
	if err != nil {
		return false, errs.Wrap(errs.KindStorage, "fork.IsForked", "select", err)
	}
	return forked, nil
}
