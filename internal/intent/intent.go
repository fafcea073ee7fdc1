// Package intent implements the durable intent queue (spec.md §4.B): every
// locally originated group change is staged as a row keyed by group before
// it is ever sent over the wire, so a crash between "decided" and "sent"
// never loses or duplicates the action. Rows are content-addressed by
// data_hash so retried submissions of the same payload coalesce instead of
// stacking up duplicate commits.
package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/germtb/corewire/internal/config"
	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/store"
)

// Kind is the action an intent row stages.
type Kind string

const (
	KindAddMembers        Kind = "add_members"
	KindRemoveMembers     Kind = "remove_members"
	KindUpdateAdminList   Kind = "update_admin_list"
	KindUpdateMetadata    Kind = "update_metadata"
	KindKeyRotation       Kind = "key_rotation"
	KindLeaveRequest      Kind = "leave_request"
	KindSendMessage       Kind = "send_message"
	KindRequestReadd      Kind = "request_readd"
	KindReaddInstallations Kind = "readd_installations"
)

// State is the lifecycle of one intent row (spec §4.B).
type State string

const (
	StateToPublish State = "to_publish"
	StatePublished State = "published"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Intent is one durable row in the per-installation intent queue.
type Intent struct {
	ID                  string
	GroupID             []byte
	DataHash            string
	Kind                Kind
	Payload             json.RawMessage
	State               State
	Attempts            int
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	ScalingFactor       float64
	NextAttemptAtNs     int64
	ExpiresAtNs         int64
	PublishedCommitHash string
}

// Queue owns the intents table for one installation database.
type Queue struct {
	db  *store.DB
	cfg config.Config
}

// New returns a Queue backed by db, using cfg's retry defaults for newly
// staged intents.
func New(db *store.DB, cfg config.Config) *Queue {
	return &Queue{db: db, cfg: cfg}
}

// Stage inserts a new intent, or returns the existing row unchanged if an
// intent with the same (group_id, data_hash) is already queued (spec §4.B:
// "duplicate submissions with the same hash are coalesced").
func (q *Queue) Stage(ctx context.Context, groupID []byte, kind Kind, payload json.RawMessage, nowNs int64) (*Intent, error) {
	dataHash := store.DataHash(payload)
	if existing, err := q.findByHash(ctx, groupID, dataHash); err == nil {
		return existing, nil
	} else if !store.IsNoRows(err) {
		return nil, err
	}

	it := &Intent{
		ID:              store.DataHash([]byte(dataHash + string(kind))),
		GroupID:         groupID,
		DataHash:        dataHash,
		Kind:            kind,
		Payload:         payload,
		State:           StateToPublish,
		MaxAttempts:     config.DefaultIntentMaxAttempts,
		InitialBackoff:  config.DefaultInitialBackoff,
		MaxBackoff:      config.DefaultMaxBackoff,
		ScalingFactor:   config.DefaultBackoffScaling,
		NextAttemptAtNs: nowNs,
		ExpiresAtNs:     nowNs + int64(24*time.Hour),
	}
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO intents (id, group_id, data_hash, kind, payload, state, attempts,
				max_attempts, initial_backoff_ns, max_backoff_ns, scaling_factor,
				next_attempt_at_ns, expires_at_ns, published_commit_hash)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, '')`,
			it.ID, it.GroupID, it.DataHash, string(it.Kind), []byte(it.Payload), string(it.State),
			it.MaxAttempts, int64(it.InitialBackoff), int64(it.MaxBackoff), it.ScalingFactor,
			it.NextAttemptAtNs, it.ExpiresAtNs)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "intent.Stage", "insert", err)
	}
	return it, nil
}

func (q *Queue) findByHash(ctx context.Context, groupID []byte, dataHash string) (*Intent, error) {
	row := q.db.Conn().QueryRowContext(ctx, `
		SELECT id, group_id, data_hash, kind, payload, state, attempts, max_attempts,
			initial_backoff_ns, max_backoff_ns, scaling_factor, next_attempt_at_ns,
			expires_at_ns, published_commit_hash
		FROM intents WHERE group_id = ? AND data_hash = ?`, groupID, dataHash)
	return scanIntent(row)
}

// Due returns every ToPublish intent whose next_attempt_at_ns has elapsed,
// ordered by group then next attempt.
func (q *Queue) Due(ctx context.Context, nowNs int64) ([]*Intent, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `
		SELECT id, group_id, data_hash, kind, payload, state, attempts, max_attempts,
			initial_backoff_ns, max_backoff_ns, scaling_factor, next_attempt_at_ns,
			expires_at_ns, published_commit_hash
		FROM intents WHERE state = ? AND next_attempt_at_ns <= ?
		ORDER BY group_id, next_attempt_at_ns`, string(StateToPublish), nowNs)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "intent.Due", "query", err)
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		it, err := scanIntentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkPublished transitions an intent to Published once it has been sent to
// the transport, recording the commit hash it was folded into.
func (q *Queue) MarkPublished(ctx context.Context, id, commitHash string) error {
	return q.setState(ctx, id, StatePublished, commitHash)
}

// MarkCommitted transitions an intent to Committed once its commit has been
// confirmed applied at the expected epoch.
func (q *Queue) MarkCommitted(ctx context.Context, id string) error {
	return q.setState(ctx, id, StateCommitted, "")
}

func (q *Queue) setState(ctx context.Context, id string, state State, commitHash string) error {
	_, err := q.db.Conn().ExecContext(ctx,
		`UPDATE intents SET state = ?, published_commit_hash = COALESCE(NULLIF(?, ''), published_commit_hash) WHERE id = ?`,
		string(state), commitHash, id)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "intent.setState", "update", err)
	}
	return nil
}

// RetryOrFail records a failed publish attempt. On attempts >= max_attempts
// or now >= expires_at_ns the intent transitions to Failed and the caller
// must roll back any staged side effects (spec §4.B); otherwise the next
// attempt time advances by exponential backoff capped at max_backoff_ns.
func (q *Queue) RetryOrFail(ctx context.Context, it *Intent, nowNs int64) (failed bool, err error) {
	it.Attempts++
	if it.Attempts >= it.MaxAttempts || nowNs >= it.ExpiresAtNs {
		if err := q.setState(ctx, it.ID, StateFailed, ""); err != nil {
			return false, err
		}
		return true, nil
	}
	backoff := nextBackoff(it.InitialBackoff, it.ScalingFactor, it.Attempts, it.MaxBackoff)
	it.NextAttemptAtNs = nowNs + int64(backoff)
	_, dberr := q.db.Conn().ExecContext(ctx,
		`UPDATE intents SET attempts = ?, next_attempt_at_ns = ? WHERE id = ?`,
		it.Attempts, it.NextAttemptAtNs, it.ID)
	if dberr != nil {
		return false, errs.Wrap(errs.KindStorage, "intent.RetryOrFail", "update", dberr)
	}
	return false, nil
}

func nextBackoff(initial time.Duration, scaling float64, attempts int, max time.Duration) time.Duration {
	d := float64(initial) * math.Pow(scaling, float64(attempts-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

func scanIntent(row *sql.Row) (*Intent, error) {
	it := &Intent{}
	var kind, state string
	var payload []byte
	var initialBackoff, maxBackoff int64
	err := row.Scan(&it.ID, &it.GroupID, &it.DataHash, &kind, &payload, &state, &it.Attempts,
		&it.MaxAttempts, &initialBackoff, &maxBackoff, &it.ScalingFactor, &it.NextAttemptAtNs,
		&it.ExpiresAtNs, &it.PublishedCommitHash)
	if err != nil {
		if store.IsNoRows(err) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindStorage, "intent.scanIntent", "scan", err)
	}
	it.Kind = Kind(kind)
	it.State = State(state)
	it.Payload = payload
	it.InitialBackoff = time.Duration(initialBackoff)
	it.MaxBackoff = time.Duration(maxBackoff)
	return it, nil
}

func scanIntentRows(rows *sql.Rows) (*Intent, error) {
	it := &Intent{}
	var kind, state string
	var payload []byte
	var initialBackoff, maxBackoff int64
	err := rows.Scan(&it.ID, &it.GroupID, &it.DataHash, &kind, &payload, &state, &it.Attempts,
		&it.MaxAttempts, &initialBackoff, &maxBackoff, &it.ScalingFactor, &it.NextAttemptAtNs,
		&it.ExpiresAtNs, &it.PublishedCommitHash)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "intent.scanIntentRows", "scan", err)
	}
	it.Kind = Kind(kind)
	it.State = State(state)
	it.Payload = payload
	it.InitialBackoff = time.Duration(initialBackoff)
	it.MaxBackoff = time.Duration(maxBackoff)
	return it, nil
}
