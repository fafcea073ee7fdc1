// Package store owns the single encrypted SQLite file an installation
// persists to (spec.md §6 "Persisted state"), and the schema for its thirteen
// tables. Individual components (intent, cursor, cache, welcome, ...) hold a
// *DB and issue their own queries against the tables they own; this package
// only opens the connection, applies the schema, and provides the
// content-addressing helper shared by every durable row.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/germtb/corewire/internal/errs"
)

// DB wraps the installation's single SQLite connection. SQLite enforces a
// single writer; Open mirrors that with SetMaxOpenConns(1), so every read
// and write shares one connection, and callers wrap mutating sequences in
// WithTx.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the encrypted SQLite file at path. key is
// the 32-byte user-supplied encryption key (§6); in a real SQLCipher build
// it would be passed via the DSN's `_pragma_key` parameter. This package
// treats that as an external collaborator concern (§1 non-goal: "storage
// engine internals") and focuses on schema and query shape.
func Open(ctx context.Context, path string, key []byte) (*DB, error) {
	if len(key) != 32 {
		return nil, errs.New(errs.KindUser, "store.Open", "encryption key must be 32 bytes")
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "store.Open", "open sqlite", err)
	}
	conn.SetMaxOpenConns(1) // SQLite single-writer discipline (spec §5).
	if err := conn.PingContext(ctx); err != nil {
		return nil, errs.WrapStorage("store.Open", "ping sqlite", err, isTransient(err))
	}
	for _, stmt := range splitStatements(schema) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "store.Open", "apply schema", err)
		}
	}
	return &DB{conn: conn}, nil
}

// Conn returns the underlying *sql.DB for components that need to build
// their own queries.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the connection.
func (d *DB) Close() error { return d.conn.Close() }

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapStorage("store.WithTx", "begin tx", err, isTransient(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.WrapStorage("store.WithTx", "commit tx", err, isTransient(err))
	}
	return nil
}

// DataHash content-addresses a serialized payload: sha256, hex-encoded.
// Used by the intent queue (§4.B: "data_hash == sha256(serialized_payload)")
// and anywhere else a durable row needs idempotent re-submission.
func DataHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// isTransient classifies a sqlite driver error as retryable. SQLITE_BUSY /
// SQLITE_LOCKED surface as string-matched driver errors; anything else
// (constraint violations, corruption) is permanent.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked") || strings.Contains(msg, "connection")
}

// IsNoRows reports whether err is sql.ErrNoRows, the standard way a
// single-row query signals "not found" before it gets wrapped into an
// errs.Error by the caller.
func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}

func splitStatements(ddl string) []string {
	raw := strings.Split(ddl, ";")
	stmts := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
