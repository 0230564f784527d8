package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures into the closed set of conditions
// callers are expected to branch on. Kinds are compared with errors.Is
// against the exported sentinel values below.
type ErrorKind int

const (
	// KindNotFound indicates an entity or path is absent. Derived reads
	// recover locally by returning nil instead of surfacing this kind.
	KindNotFound ErrorKind = iota
	// KindCorrupt indicates a parse failure after a successful read. For
	// metadata it is downgraded to a soft skip; for vector files it is
	// surfaced to the caller.
	KindCorrupt
	// KindReadOnly indicates a write was attempted on a historical or
	// read-only view.
	KindReadOnly
	// KindOverloaded indicates the socket manager hard-rejected an
	// admission request. The caller may retry later.
	KindOverloaded
	// KindTimeout indicates a network call exceeded its bounded timeout
	// after all retries.
	KindTimeout
	// KindIO indicates a transient substrate failure after all retries.
	KindIO
	// KindConflict indicates a lock was not acquired or an optimistic
	// check failed.
	KindConflict
	// KindInvalidID indicates an id too short or with a non-hex shard
	// prefix. Never retried.
	KindInvalidID
	// KindEnvironmentUnsupported indicates a required substrate is
	// unavailable. Fatal to adapter initialization.
	KindEnvironmentUnsupported
	// KindWrite indicates all retries were exhausted for a mutation.
	KindWrite
)

// kindNames maps kinds to their stable string tags.
var kindNames = map[ErrorKind]string{
	KindNotFound:               "not_found",
	KindCorrupt:                "corrupt",
	KindReadOnly:               "read_only",
	KindOverloaded:             "overloaded",
	KindTimeout:                "timeout",
	KindIO:                     "io",
	KindConflict:               "conflict",
	KindInvalidID:              "invalid_id",
	KindEnvironmentUnsupported: "environment_unsupported",
	KindWrite:                  "write",
}

// String returns the stable tag for the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// StorageError is the tagged error type carried across every storage
// boundary. It records the failing operation and logical path alongside the
// kind so that callers can both classify and report failures.
type StorageError struct {
	Kind ErrorKind // classification from the closed set
	Op   string    // operation that failed, e.g. "writeObject"
	Path string    // logical path involved, if any
	Err  error     // underlying cause, if any
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports kind equality, so errors.Is(err, ErrNotFound) matches any
// StorageError tagged KindNotFound regardless of op, path or cause.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons.
var (
	ErrNotFound               = &StorageError{Kind: KindNotFound}
	ErrCorrupt                = &StorageError{Kind: KindCorrupt}
	ErrReadOnly               = &StorageError{Kind: KindReadOnly}
	ErrOverloaded             = &StorageError{Kind: KindOverloaded}
	ErrTimeout                = &StorageError{Kind: KindTimeout}
	ErrIO                     = &StorageError{Kind: KindIO}
	ErrConflict               = &StorageError{Kind: KindConflict}
	ErrInvalidID              = &StorageError{Kind: KindInvalidID}
	ErrEnvironmentUnsupported = &StorageError{Kind: KindEnvironmentUnsupported}
	ErrWrite                  = &StorageError{Kind: KindWrite}
)

// newError builds a tagged error with operation and path context.
func newError(kind ErrorKind, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err is tagged KindNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt reports whether err is tagged KindCorrupt.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// IsReadOnly reports whether err is tagged KindReadOnly.
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
