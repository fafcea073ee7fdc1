// Package stream implements the three logical message/conversation streams
// (spec.md §4.G): Conversations, Messages (one conversation), and
// AllMessages (every conversation matching a filter). Each is a cooperative
// single-writer state machine driven by the local event bus, with the
// database cursor as the source of truth on resume — a dropped or lagging
// subscription never loses data, it just re-reads what it missed.
package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/germtb/corewire/internal/cursor"
	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/events"
	"github.com/germtb/corewire/internal/store"
)

// State is a stream's lifecycle state (spec §4.G).
type State int

const (
	NotStarted State = iota
	Started
	Terminated
)

// Message is one row delivered by a stream, ordered by (originator_id,
// sequence_id) within a single conversation.
type Message struct {
	ID            []byte
	GroupID       []byte
	OriginatorID  int64
	SequenceID    int64
	SentAtNs      int64
	SenderInboxID string
	Kind          string
	Content       []byte
}

// handle is the shared bookkeeping every stream variant embeds: lifecycle
// state, the event subscription driving wakeups, and the output channel.
type handle struct {
	mu    sync.Mutex
	state State
	sub   *events.Subscription
	bus   *events.Bus
	out   chan Message
	errs  chan error
	stop  chan struct{}
	once  sync.Once
}

func newHandle(bus *events.Bus) *handle {
	return &handle{
		bus:  bus,
		sub:  bus.Subscribe(),
		out:  make(chan Message, 64),
		errs: make(chan error, 1),
		stop: make(chan struct{}),
	}
}

// Messages returns the channel new messages are delivered on.
func (h *handle) Messages() <-chan Message { return h.out }

// Err returns the channel a terminal error (if any) is delivered on before
// the message channel closes.
func (h *handle) Err() <-chan error { return h.errs }

// State returns the stream's current lifecycle state.
func (h *handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Close cancels the subscription and terminates the stream. Spec §4.G:
// "dropping the stream handle cancels the subscription; the on-disk cursor
// remains the source of truth, so resuming re-reads from it rather than
// from any in-memory state."
func (h *handle) Close() {
	h.once.Do(func() {
		close(h.stop)
		h.bus.Unsubscribe(h.sub)
		h.mu.Lock()
		h.state = Terminated
		h.mu.Unlock()
	})
}

func (h *handle) setStarted() {
	h.mu.Lock()
	h.state = Started
	h.mu.Unlock()
}

func (h *handle) fail(err error) {
	select {
	case h.errs <- err:
	default:
	}
	h.Close()
}

// ConversationsStream delivers one Message per newly welcomed group, driven
// by events.KindNewGroup and deduplicated against the set of group ids
// already known at start time (spec §4.G "Conversations").
type ConversationsStream struct {
	*handle
}

// NewConversations starts a Conversations stream: it first replays every
// group already known (so a caller never misses groups created before it
// subscribed), then streams new ones as they are welcomed.
func NewConversations(ctx context.Context, db *store.DB, bus *events.Bus) (*ConversationsStream, error) {
	h := newHandle(bus)
	s := &ConversationsStream{handle: h}

	known, err := knownGroupIDs(ctx, db)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "stream.NewConversations", "list known groups", err)
	}

	h.setStarted()
	go s.run(known)
	return s, nil
}

func knownGroupIDs(ctx context.Context, db *store.DB) (map[string]bool, error) {
	rows, err := db.Conn().QueryContext(ctx, `SELECT group_id FROM groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	known := make(map[string]bool)
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[string(id)] = true
	}
	return known, rows.Err()
}

func (s *ConversationsStream) run(known map[string]bool) {
	defer close(s.out)
	for _, id := range sortedKeys(known) {
		select {
		case s.out <- Message{GroupID: []byte(id), Kind: "new_group"}:
		case <-s.stop:
			return
		}
	}
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if ev.Kind != events.KindNewGroup {
				continue
			}
			if known[string(ev.GroupID)] {
				continue
			}
			known[string(ev.GroupID)] = true
			select {
			case s.out <- Message{GroupID: ev.GroupID, Kind: "new_group"}:
			case <-s.stop:
				return
			}
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MessagesStream delivers every message in one conversation, strictly
// ordered by (originator_id, sequence_id), resuming from the on-disk cursor
// (spec §4.G "Messages for a conversation").
type MessagesStream struct {
	*handle
	groupID []byte
	cursors *cursor.Store
	db      *store.DB
}

// NewMessages starts a Messages stream for one conversation.
func NewMessages(ctx context.Context, db *store.DB, bus *events.Bus, groupID []byte) (*MessagesStream, error) {
	h := newHandle(bus)
	s := &MessagesStream{handle: h, groupID: groupID, cursors: cursor.New(db), db: db}
	h.setStarted()
	go s.run(ctx)
	return s, nil
}

func (s *MessagesStream) run(ctx context.Context) {
	defer close(s.out)
	if err := s.drain(ctx); err != nil {
		s.fail(err)
		return
	}
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if ev.Kind != events.KindSyncMessage || string(ev.GroupID) != string(s.groupID) {
				continue
			}
			if err := s.drain(ctx); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// drain reads every row newer than each originator's cursor, delivers it in
// (originator_id, sequence_id) order, and advances the cursor as it goes so
// a lagged or dropped subscriber resumes exactly where it left off.
func (s *MessagesStream) drain(ctx context.Context) error {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT gm.id, gm.group_id, gm.originator_id, gm.sequence_id, gm.sent_at_ns,
		       gm.sender_inbox_id, gm.kind, gm.content
		FROM group_messages gm
		LEFT JOIN refresh_state rs
		  ON rs.group_id = gm.group_id AND rs.entity_kind = ? AND rs.originator_id = gm.originator_id
		WHERE gm.group_id = ? AND gm.sequence_id > COALESCE(rs.sequence_id, 0)
		ORDER BY gm.originator_id, gm.sequence_id`,
		string(cursor.EntityGroupMessages), s.groupID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.OriginatorID, &m.SequenceID, &m.SentAtNs, &m.SenderInboxID, &m.Kind, &m.Content); err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range msgs {
		select {
		case s.out <- m:
		case <-s.stop:
			return nil
		}
		if err := s.cursors.Advance(ctx, s.groupID, cursor.EntityGroupMessages, m.OriginatorID, m.SequenceID); err != nil {
			return err
		}
	}
	return nil
}

// AllMessagesFilter restricts an AllMessages stream to conversations
// matching the given conversation type and/or consent state; an empty
// string means "any".
type AllMessagesFilter struct {
	ConversationType string
	ConsentState     string
}

// AllMessagesStream unions MessagesStream across every conversation that
// currently matches a filter (spec §4.G "All messages across
// conversations").
type AllMessagesStream struct {
	*handle
	db     *store.DB
	cursors *cursor.Store
	filter AllMessagesFilter
}

// NewAllMessages starts an AllMessages stream.
func NewAllMessages(ctx context.Context, db *store.DB, bus *events.Bus, filter AllMessagesFilter) (*AllMessagesStream, error) {
	h := newHandle(bus)
	s := &AllMessagesStream{handle: h, db: db, cursors: cursor.New(db), filter: filter}
	h.setStarted()
	go s.run(ctx)
	return s, nil
}

func (s *AllMessagesStream) run(ctx context.Context) {
	defer close(s.out)
	if err := s.drainAll(ctx); err != nil {
		s.fail(err)
		return
	}
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if ev.Kind != events.KindSyncMessage && ev.Kind != events.KindNewGroup {
				continue
			}
			if err := s.drainAll(ctx); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *AllMessagesStream) drainAll(ctx context.Context) error {
	ids, err := s.matchingGroupIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.drainGroup(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *AllMessagesStream) matchingGroupIDs(ctx context.Context) ([][]byte, error) {
	query := `SELECT group_id FROM groups WHERE 1=1`
	var args []any
	if s.filter.ConversationType != "" {
		query += ` AND conversation_type = ?`
		args = append(args, s.filter.ConversationType)
	}
	if s.filter.ConsentState != "" {
		query += ` AND consent_state = ?`
		args = append(args, s.filter.ConsentState)
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *AllMessagesStream) drainGroup(ctx context.Context, groupID []byte) error {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT gm.id, gm.group_id, gm.originator_id, gm.sequence_id, gm.sent_at_ns,
		       gm.sender_inbox_id, gm.kind, gm.content
		FROM group_messages gm
		LEFT JOIN refresh_state rs
		  ON rs.group_id = gm.group_id AND rs.entity_kind = ? AND rs.originator_id = gm.originator_id
		WHERE gm.group_id = ? AND gm.sequence_id > COALESCE(rs.sequence_id, 0)
		ORDER BY gm.originator_id, gm.sequence_id`,
		string(cursor.EntityGroupMessages), groupID)
	if err != nil {
		return err
	}

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.OriginatorID, &m.SequenceID, &m.SentAtNs, &m.SenderInboxID, &m.Kind, &m.Content); err != nil {
			rows.Close()
			return err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range msgs {
		select {
		case s.out <- m:
		case <-s.stop:
			return nil
		}
		if err := s.cursors.Advance(ctx, groupID, cursor.EntityGroupMessages, m.OriginatorID, m.SequenceID); err != nil {
			return err
		}
	}
	return nil
}
