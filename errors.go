package carol

import (
	"errors"
	"fmt"
)

// Kind classifies a Carol error, per the error taxonomy surfaced by Get,
// CopyLocalFile, and Remove.
type Kind int

const (
	// KindTransport means the fetcher failed mid-stream; the entry became Failed.
	KindTransport Kind = iota
	// KindHashMismatch means the computed SHA-256 disagreed with a supplied expectation.
	KindHashMismatch
	// KindIo means a filesystem failure: rename, write, unlink, or symlink.
	KindIo
	// KindDatabase means a transactional failure; no partial index state was persisted.
	KindDatabase
	// KindCancelled means the leader or a follower cancelled; not an invariant violation.
	KindCancelled
	// KindCorruption means the index and the files tree disagree: Get
	// returns it when an entry promoted to Ready is gone from the index
	// before a handle could be made for it. Startup recovery does not
	// return it; it logs and drops Ready rows whose backing file is missing.
	KindCorruption
	// KindConflict means a symlink target already existed. Remove does not
	// return it: a non-waiting Remove of a pinned entry defers to the
	// sweeper instead of refusing.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindIo:
		return "io"
	case KindDatabase:
		return "database"
	case KindCancelled:
		return "cancelled"
	case KindCorruption:
		return "corruption"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind and operation it occurred
// under, mirroring the teacher's kinded-error-with-cause shape
// (registry/oci_errors.go).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("carol: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("carol: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, &carol.Error{Kind: carol.KindConflict}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrNotFound is returned by Remove when no active entry exists for the
// given source.
var ErrNotFound = errors.New("carol: no active entry for source")
