package cachestore

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/cachestore/internal/sri"
)

// Sentinel errors. Callers should classify failures with [errors.Is] against
// these rather than against the concrete wrapper types below, which exist
// only to carry debugging context.
var (
	// ErrNotFound indicates the operation's key has no live index record,
	// or (for [Store.RemoveHash]) no content file exists at the derived
	// path. A hash-addressed read of missing content reports [IOError].
	ErrNotFound = errors.New("cachestore: not found")

	// ErrIntegrityMismatch indicates a read verified the bytes against an
	// integrity descriptor and the hash did not match, or a commit-time
	// expected descriptor did not match the computed one.
	ErrIntegrityMismatch = errors.New("cachestore: integrity mismatch")

	// ErrSizeMismatch indicates a commit-time expected size did not match
	// the number of bytes actually written.
	ErrSizeMismatch = errors.New("cachestore: size mismatch")
)

// NotFoundError reports that key has no live index record under root. For
// [github.com/calvinalkan/cachestore.Store.RemoveHash], Key instead holds
// the SRI text of the missing content object.
type NotFoundError struct {
	Root string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cachestore: %q not found in %s", e.Key, e.Root)
}

// Unwrap lets callers use errors.Is(err, ErrNotFound).
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IntegrityMismatchError reports that bytes failed verification, or that a
// commit's expected integrity did not match the bytes actually written.
type IntegrityMismatchError struct {
	Expected sri.Integrity
	Actual   sri.Integrity
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("cachestore: integrity mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *IntegrityMismatchError) Unwrap() error { return ErrIntegrityMismatch }

// SizeMismatchError reports that a commit's expected size did not match the
// number of bytes actually written.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("cachestore: size mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *SizeMismatchError) Unwrap() error { return ErrSizeMismatch }

// IOError wraps a filesystem failure with the path that was being operated
// on when it occurred. Unwrap returns the underlying error unchanged, so
// errors.Is(err, os.ErrNotExist) and similar checks still work through it.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cachestore: %s: %s", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// SerdeError wraps a JSON decode failure for an index record presented by a
// caller (for example, metadata passed through [WriteOpts]). It is distinct
// from the silent skip applied to per-line corruption inside an index
// bucket file, which is never surfaced as an error.
type SerdeError struct {
	Err error
}

func (e *SerdeError) Error() string {
	return fmt.Sprintf("cachestore: serde: %s", e.Err)
}

func (e *SerdeError) Unwrap() error { return e.Err }

// SRIError wraps a malformed SRI text form rejected by [github.com/calvinalkan/cachestore/internal/sri.Parse].
type SRIError struct {
	Err error
}

func (e *SRIError) Error() string {
	return fmt.Sprintf("cachestore: sri: %s", e.Err)
}

func (e *SRIError) Unwrap() error { return e.Err }
