// Package errs provides the typed error taxonomy shared by every corewire
// component: NotFound, Duplicate, Storage, Cryptography, Network, Protocol,
// Concurrency, User. Each kind carries a retryability predicate so that
// worker loops can decide between exponential backoff and surfacing the
// error verbatim without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindNotFound means the entity is absent from local state.
	KindNotFound Kind = iota
	// KindDuplicate means an insertion collided on a unique key.
	KindDuplicate
	// KindStorage means the database returned an error.
	KindStorage
	// KindCryptography means a signature or ciphertext failed to verify.
	KindCryptography
	// KindNetwork means the transport returned an I/O error.
	KindNetwork
	// KindProtocol means MLS rejected a message semantically (wrong epoch,
	// invalid proposal). The message is still recorded; the cursor advances.
	KindProtocol
	// KindConcurrency means a broadcast consumer lagged and dropped events.
	KindConcurrency
	// KindUser means the caller supplied invalid configuration or input.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindStorage:
		return "storage"
	case KindCryptography:
		return "cryptography"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindConcurrency:
		return "concurrency"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Error is a typed corewire error.
type Error struct {
	Kind    Kind
	Op      string // component/operation that raised it, e.g. "identity.Resolve"
	Message string
	Cause   error
	// transientStorage marks a Storage error as caused by a transient
	// condition (busy/connection) rather than a permanent one (constraint).
	transientStorage bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the operation that produced this error should
// be retried with backoff, per spec §7's propagation policy.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindStorage:
		return e.transientStorage
	case KindProtocol:
		// the message itself is terminal, but intents blocked by it retry.
		return true
	default:
		return false
	}
}

// New constructs an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error wrapping cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// WrapStorage wraps a storage-layer cause, marking it transient when the
// caller knows the underlying driver reported a busy/connection condition.
func WrapStorage(op, message string, cause error, transient bool) *Error {
	return &Error{Kind: KindStorage, Op: op, Message: message, Cause: cause, transientStorage: transient}
}

// Is reports whether err is a corewire *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether err should be retried, per the same policy as
// (*Error).Retryable. Errors that are not *Error are treated as non-retryable.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
