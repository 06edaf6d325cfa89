// Package storage implements the shared page cache, dedicated writer task,
// transaction lifecycle, and heap/B-tree access methods of the storage
// core. Block-level I/O, the shadow log, and the B+Tree access method live
// in the pager subpackage; this package owns everything above that: the
// buffer descriptor table, DBWriter, transaction manager, and heap AM.
package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a closed taxonomy of storage-core error categories. Every error
// returned across a component boundary can be classified with KindOf.
type Kind uint8

const (
	KindIoFailure Kind = iota
	KindCorruptedPage
	KindLockViolation
	KindConcurrentUpdate
	KindTransactionAborted
	KindResourceExhaustion
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindIoFailure:
		return "IoFailure"
	case KindCorruptedPage:
		return "CorruptedPage"
	case KindLockViolation:
		return "LockViolation"
	case KindConcurrentUpdate:
		return "ConcurrentUpdate"
	case KindTransactionAborted:
		return "TransactionAborted"
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// StorageError wraps an underlying cause with a Kind so callers can branch
// on category (recoverable vs. structural) without string matching.
type StorageError struct {
	Kind  Kind
	Frame string // optional: the BufferTag blind identifier involved, if any
	cause error
}

func (e *StorageError) Error() string {
	if e.Frame != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Frame, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *StorageError) Unwrap() error { return e.cause }

// Wrap builds a StorageError of the given kind, attaching a stack trace via
// pkg/errors at the point of first occurrence so %+v in logs shows where it
// was raised.
func Wrap(kind Kind, frame string, cause error) *StorageError {
	return &StorageError{Kind: kind, Frame: frame, cause: errors.WithStack(cause)}
}

// Newf builds a StorageError from a formatted message.
func Newf(kind Kind, frame, format string, args ...any) *StorageError {
	return Wrap(kind, frame, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, defaulting to KindFatal for errors
// that were never classified — an unclassified error crossing a component
// boundary is itself a bug worth treating as structural.
func KindOf(err error) Kind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}

// Recoverable reports whether the propagation policy in the design allows
// returning err directly to the caller (IoFailure, CorruptedPage under
// IGNORE, ConcurrentUpdate) as opposed to a structural failure that should
// be logged and re-raised.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindIoFailure, KindCorruptedPage, KindConcurrentUpdate:
		return true
	default:
		return false
	}
}

// Sentinel errors for simple equality checks (errors.Is) at call sites that
// don't need the frame/cause detail a *StorageError carries.
var (
	ErrLockViolation      = Wrap(KindLockViolation, "", fmt.Errorf("lock not available before deadline"))
	ErrTransactionAborted = Wrap(KindTransactionAborted, "", fmt.Errorf("transaction already aborted"))
	ErrResourceExhausted  = Wrap(KindResourceExhaustion, "", fmt.Errorf("no free buffer or write group slot"))
)
