// Package cursor owns the refresh_state table (spec.md §4.H): the
// per-(group, entity kind, originator) high-water mark that lets every
// other component resume exactly where it left off instead of rereading
// history on every call.
package cursor

import (
	"context"
	"database/sql"

	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/store"
)

// EntityKind distinguishes the independently advancing cursor streams
// within one group (spec §4.H: "per-entity-kind independent advancement").
type EntityKind string

const (
	EntityGroupMessages EntityKind = "group_messages"
	EntityWelcomes      EntityKind = "welcomes"
	EntityCommitLog     EntityKind = "commit_log"
)

// Store owns the refresh_state table.
type Store struct {
	db *store.DB
}

func New(db *store.DB) *Store { return &Store{db: db} }

// Get returns the last recorded sequence id for (groupID, kind, originatorID),
// or 0 if no cursor row exists yet (spec §4.H).
func (s *Store) Get(ctx context.Context, groupID []byte, kind EntityKind, originatorID int64) (int64, error) {
	var seq int64
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT sequence_id FROM refresh_state WHERE group_id = ? AND entity_kind = ? AND originator_id = ?`,
		groupID, string(kind), originatorID).Scan(&seq)
	if store.IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "cursor.Get", "select", err)
	}
	return seq, nil
}

// Advance upserts the cursor to sequenceID, but only forward — a stale
// write that would move the cursor backward is silently ignored so
// out-of-order delivery never rewinds a stream.
func (s *Store) Advance(ctx context.Context, groupID []byte, kind EntityKind, originatorID, sequenceID int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refresh_state (group_id, entity_kind, originator_id, sequence_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(group_id, entity_kind, originator_id)
			DO UPDATE SET sequence_id = excluded.sequence_id
			WHERE excluded.sequence_id > refresh_state.sequence_id`,
			groupID, string(kind), originatorID, sequenceID)
		if err != nil {
			return errs.Wrap(errs.KindStorage, "cursor.Advance", "upsert", err)
		}
		return nil
	})
}

// MessagesNewerThan returns every group_messages row for groupID that is
// newer than the recorded per-originator cursor, INCLUDING rows from
// originators that have no cursor row at all yet (spec §8: "messages_newer_than
// ... including entries from originators absent from the cursor").
func (s *Store) MessagesNewerThan(ctx context.Context, groupID []byte) ([]Message, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT gm.id, gm.originator_id, gm.sequence_id, gm.sent_at_ns, gm.sender_inbox_id, gm.kind, gm.content
		FROM group_messages gm
		LEFT JOIN refresh_state rs
			ON rs.group_id = gm.group_id AND rs.entity_kind = ? AND rs.originator_id = gm.originator_id
		WHERE gm.group_id = ? AND gm.sequence_id > COALESCE(rs.sequence_id, 0)
		ORDER BY gm.originator_id, gm.sequence_id`, string(EntityGroupMessages), groupID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "cursor.MessagesNewerThan", "query", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.OriginatorID, &m.SequenceID, &m.SentAtNs, &m.SenderInboxID, &m.Kind, &m.Content); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "cursor.MessagesNewerThan", "scan", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Message is a minimal projection of group_messages for cursor-relative
// reads; components needing the full row (content-type metadata, delivery
// status) query group_messages directly.
type Message struct {
	ID            []byte
	OriginatorID  int64
	SequenceID    int64
	SentAtNs      int64
	SenderInboxID string
	Kind          string
	Content       []byte
}
