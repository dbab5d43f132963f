// Package cachestore is a local, on-disk, content-addressable cache with a
// secondary key→content index. Callers write a byte blob under a
// caller-chosen string key; the blob is stored in a file named after a
// Subresource Integrity (SRI) digest of its own bytes, and an index record
// maps the key to that digest plus optional metadata. Every read
// re-verifies the digest, so on-disk corruption or tampering surfaces as an
// error rather than propagating silently to a caller.
//
// The cache has no CLI, no environment variables, and no wire protocol: the
// API below is the only surface. Coordination between concurrent callers —
// in the same process or across processes sharing a cache root — relies
// entirely on filesystem primitives (unique temp names plus rename,
// append-only writes); there are no locks.
package cachestore

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"os"
	"time"

	"github.com/calvinalkan/cachestore/internal/content"
	"github.com/calvinalkan/cachestore/internal/fsx"
	"github.com/calvinalkan/cachestore/internal/index"
	"github.com/calvinalkan/cachestore/internal/sri"
)

// Store couples a content store and an index store rooted at the same
// directory.
type Store struct {
	root    string
	fs      fsx.FS
	content *content.Store
	index   *index.Store
}

// Open returns a Store rooted at root, backed by the real filesystem.
func Open(root string) *Store {
	return OpenFS(root, fsx.NewReal())
}

// OpenFS returns a Store rooted at root, using fs for all filesystem
// access. Tests that need an isolated or fault-injecting filesystem use
// this instead of [Open].
func OpenFS(root string, fs fsx.FS) *Store {
	return &Store{
		root:    root,
		fs:      fs,
		content: content.New(root, fs),
		index:   index.New(root, fs),
	}
}

// WriteOpts configures a write or a streaming writer.
type WriteOpts struct {
	// Algorithm selects the hash algorithm. Defaults to SHA-256.
	Algorithm sri.Algorithm

	// SizeHint, if set, is both the memory-mapped fast-path threshold hint
	// passed to the content store and, if ExpectedSize is nil, the value
	// commit-time size checking compares against. Leave at 0 for unknown
	// or large writes.
	SizeHint int64

	// ExpectedSize, if non-nil, must equal the number of bytes actually
	// written or commit fails with [SizeMismatchError].
	ExpectedSize *int64

	// ExpectedIntegrity, if non-nil, must match the computed digest or
	// commit fails with [IntegrityMismatchError].
	ExpectedIntegrity *sri.Integrity

	// Time overrides the wall-clock milliseconds-since-epoch recorded on
	// the index record. Only meaningful for keyed writes.
	Time *uint64

	// Metadata is arbitrary caller JSON attached to the index record. Only
	// meaningful for keyed writes.
	Metadata json.RawMessage
}

// Metadata is the index record for a key, without its content.
type Metadata struct {
	Key       string
	Integrity sri.Integrity
	Time      uint64
	Size      int64
	Data      json.RawMessage
}

// ListEntry is one record yielded by [Store.List].
type ListEntry struct {
	Key       string
	Integrity sri.Integrity
	Time      uint64
	Size      int64
}

// Write stores blob's bytes and records an index entry mapping key to the
// resulting digest.
func (s *Store) Write(key string, blob io.Reader, opts WriteOpts) (sri.Integrity, error) {
	integrity, size, err := s.content.Put(blob, content.WriterOptions{
		Algorithm: opts.Algorithm,
		SizeHint:  opts.SizeHint,
	})
	if err != nil {
		return sri.Integrity{}, translateContentErr(s.root, err)
	}

	if err := checkCommitExpectations(opts, integrity, size); err != nil {
		return sri.Integrity{}, err
	}

	if err := s.insertRecord(key, integrity, size, opts); err != nil {
		return sri.Integrity{}, err
	}

	return integrity, nil
}

// WriteHash stores blob's bytes without recording any index entry.
func (s *Store) WriteHash(blob io.Reader, opts WriteOpts) (sri.Integrity, error) {
	integrity, size, err := s.content.Put(blob, content.WriterOptions{
		Algorithm: opts.Algorithm,
		SizeHint:  opts.SizeHint,
	})
	if err != nil {
		return sri.Integrity{}, translateContentErr(s.root, err)
	}

	if err := checkCommitExpectations(opts, integrity, size); err != nil {
		return sri.Integrity{}, err
	}

	return integrity, nil
}

// Writer is a streaming handle for a staged content object. [Writer.Commit]
// finalizes the hash, renames the staged bytes into place, and — unless the
// writer was opened with [Store.WriterOpenHash] — appends the index record.
type Writer struct {
	cw       *content.Writer
	store    *Store
	key      string
	opts     WriteOpts
	hashOnly bool
}

// WriterOpen opens a streaming writer that indexes under key on commit.
func (s *Store) WriterOpen(key string, opts WriteOpts) (*Writer, error) {
	cw, err := s.content.NewWriter(content.WriterOptions{Algorithm: opts.Algorithm, SizeHint: opts.SizeHint})
	if err != nil {
		return nil, translateContentErr(s.root, err)
	}

	return &Writer{cw: cw, store: s, key: key, opts: opts}, nil
}

// WriterOpenHash opens a streaming writer that does not touch the index.
func (s *Store) WriterOpenHash(opts WriteOpts) (*Writer, error) {
	cw, err := s.content.NewWriter(content.WriterOptions{Algorithm: opts.Algorithm, SizeHint: opts.SizeHint})
	if err != nil {
		return nil, translateContentErr(s.root, err)
	}

	return &Writer{cw: cw, store: s, hashOnly: true, opts: opts}, nil
}

// Write implements [io.Writer].
func (w *Writer) Write(p []byte) (int, error) {
	return w.cw.Write(p)
}

// Commit finalizes the write. See [Writer] for what happens on success.
func (w *Writer) Commit() (sri.Integrity, error) {
	integrity, err := w.cw.Commit()
	if err != nil {
		return sri.Integrity{}, translateContentErr(w.store.root, err)
	}

	if err := checkCommitExpectations(w.opts, integrity, w.cw.Written()); err != nil {
		return sri.Integrity{}, err
	}

	if !w.hashOnly {
		if err := w.store.insertRecord(w.key, integrity, w.cw.Written(), w.opts); err != nil {
			return sri.Integrity{}, err
		}
	}

	return integrity, nil
}

// Abort discards the staged bytes without committing them.
func (w *Writer) Abort() error {
	return w.cw.Abort()
}

// Read returns key's blob after verifying it against the index's recorded
// digest.
func (s *Store) Read(key string) ([]byte, error) {
	integrity, err := s.lookupIntegrity(key)
	if err != nil {
		return nil, err
	}

	data, err := s.content.Read(integrity)
	if err != nil {
		return nil, translateContentErr(s.root, err)
	}

	return data, nil
}

// ReadHash returns the blob addressed by integrity, verifying it as it is
// read.
func (s *Store) ReadHash(integrity sri.Integrity) ([]byte, error) {
	data, err := s.content.Read(integrity)
	if err != nil {
		return nil, translateContentErr(s.root, err)
	}

	return data, nil
}

// Reader is a streaming, verifying handle over a content object. [Reader.Check]
// translates the underlying content error into a façade error type, so
// callers can classify it with [errors.Is]/[errors.As] against this
// package's sentinels the same way every other verb does.
type Reader struct {
	cr   *content.Reader
	root string
}

// Read implements [io.Reader].
func (r *Reader) Read(p []byte) (int, error) {
	return r.cr.Read(p)
}

// Check finalizes the running hash and compares it against the descriptor
// the reader was opened with. Call this only after reading to [io.EOF].
func (r *Reader) Check() (sri.Algorithm, error) {
	alg, err := r.cr.Check()
	if err != nil {
		return "", translateContentErr(r.root, err)
	}

	return alg, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.cr.Close()
}

// ReaderOpen opens a streaming, verifying reader over key's blob. Callers
// must call [Reader.Check] after reading to EOF.
func (s *Store) ReaderOpen(key string) (*Reader, error) {
	integrity, err := s.lookupIntegrity(key)
	if err != nil {
		return nil, err
	}

	cr, err := s.content.OpenReader(integrity)
	if err != nil {
		return nil, translateContentErr(s.root, err)
	}

	return &Reader{cr: cr, root: s.root}, nil
}

// ReaderOpenHash opens a streaming, verifying reader over the blob addressed
// by integrity.
func (s *Store) ReaderOpenHash(integrity sri.Integrity) (*Reader, error) {
	cr, err := s.content.OpenReader(integrity)
	if err != nil {
		return nil, translateContentErr(s.root, err)
	}

	return &Reader{cr: cr, root: s.root}, nil
}

// Copy streams key's blob, verified, into dstFS at dstPath.
func (s *Store) Copy(key string, dstFS fsx.FS, dstPath string) (int64, error) {
	integrity, err := s.lookupIntegrity(key)
	if err != nil {
		return 0, err
	}

	n, err := s.content.Copy(integrity, dstFS, dstPath)
	if err != nil {
		return 0, translateContentErr(s.root, err)
	}

	return n, nil
}

// CopyHash streams the blob addressed by integrity, verified, into dstFS at
// dstPath.
func (s *Store) CopyHash(integrity sri.Integrity, dstFS fsx.FS, dstPath string) (int64, error) {
	n, err := s.content.Copy(integrity, dstFS, dstPath)
	if err != nil {
		return 0, translateContentErr(s.root, err)
	}

	return n, nil
}

// Metadata returns key's index record, or nil if key has no live record.
// A nil, nil return is the expected outcome for a missing or removed key,
// not an error.
func (s *Store) Metadata(key string) (*Metadata, error) {
	rec, err := s.index.Find(key)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, nil //nolint:nilnil // absence is not an error; see doc comment
		}

		return nil, &IOError{Path: s.root, Err: err}
	}

	integrity, err := sri.Parse(*rec.Integrity)
	if err != nil {
		return nil, &SRIError{Err: err}
	}

	var size int64
	if rec.Size != nil {
		size = *rec.Size
	}

	return &Metadata{
		Key:       key,
		Integrity: integrity,
		Time:      rec.Time,
		Size:      size,
		Data:      rec.Metadata,
	}, nil
}

// Exists reports whether a content file exists at integrity's derived path.
// It does not consult the index and does not verify the file's contents.
func (s *Store) Exists(integrity sri.Integrity) bool {
	return s.content.Exists(integrity)
}

// List returns an iterator over the effective index record for every
// distinct live key.
func (s *Store) List() iter.Seq2[ListEntry, error] {
	return func(yield func(ListEntry, error) bool) {
		for rec, err := range s.index.List() {
			if err != nil {
				if !yield(ListEntry{}, &IOError{Path: s.root, Err: err}) {
					return
				}

				continue
			}

			integrity, parseErr := sri.Parse(*rec.Integrity)
			if parseErr != nil {
				if !yield(ListEntry{}, &SRIError{Err: parseErr}) {
					return
				}

				continue
			}

			var size int64
			if rec.Size != nil {
				size = *rec.Size
			}

			entry := ListEntry{Key: rec.Key, Integrity: integrity, Time: rec.Time, Size: size}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Remove marks key as deleted by appending a tombstone. It does not remove
// the underlying content file; a subsequent [Store.ReadHash] against the
// same digest still succeeds.
func (s *Store) Remove(key string) error {
	if err := s.index.Delete(key, nowMillis(nil)); err != nil {
		return &IOError{Path: s.root, Err: err}
	}

	return nil
}

// RemoveHash deletes the content file addressed by integrity. Index records
// that reference it become dangling; [Store.Metadata] still returns them,
// but a subsequent [Store.Read] through them fails.
func (s *Store) RemoveHash(integrity sri.Integrity) error {
	err := s.content.Remove(integrity)
	if err == nil {
		return nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Root: s.root, Key: integrity.String()}
	}

	return &IOError{Path: s.root, Err: err}
}

// Clear removes every content file, staged temp file, and index bucket
// under the cache root.
func (s *Store) Clear() error {
	if err := s.index.Clear(); err != nil {
		return &IOError{Path: s.root, Err: err}
	}

	if err := s.content.Clear(); err != nil {
		return &IOError{Path: s.root, Err: err}
	}

	return nil
}

// lookupIntegrity resolves a key to its live integrity descriptor,
// translating index-layer errors into facade error types.
func (s *Store) lookupIntegrity(key string) (sri.Integrity, error) {
	rec, err := s.index.Find(key)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return sri.Integrity{}, &NotFoundError{Root: s.root, Key: key}
		}

		return sri.Integrity{}, &IOError{Path: s.root, Err: err}
	}

	integrity, err := sri.Parse(*rec.Integrity)
	if err != nil {
		return sri.Integrity{}, &SRIError{Err: err}
	}

	return integrity, nil
}

// insertRecord appends the index record for a completed keyed write.
func (s *Store) insertRecord(key string, integrity sri.Integrity, size int64, opts WriteOpts) error {
	if len(opts.Metadata) > 0 {
		var probe json.RawMessage
		if err := json.Unmarshal(opts.Metadata, &probe); err != nil {
			return &SerdeError{Err: err}
		}
	}

	integrityStr := integrity.String()

	rec := index.Record{
		Key:       key,
		Integrity: &integrityStr,
		Time:      nowMillis(opts.Time),
		Size:      &size,
		Metadata:  opts.Metadata,
	}

	if err := s.index.Insert(rec); err != nil {
		return &IOError{Path: s.root, Err: err}
	}

	return nil
}

// checkCommitExpectations enforces a writer's optional expected size before
// its optional expected integrity: a write whose size and digest both
// disagree with their declared expectations reports SizeMismatch.
func checkCommitExpectations(opts WriteOpts, got sri.Integrity, size int64) error {
	expectedSize := opts.ExpectedSize
	if expectedSize == nil && opts.SizeHint > 0 {
		expectedSize = &opts.SizeHint
	}

	if expectedSize != nil && *expectedSize != size {
		return &SizeMismatchError{Expected: *expectedSize, Actual: size}
	}

	if opts.ExpectedIntegrity != nil && !got.Match(*opts.ExpectedIntegrity) {
		return &IntegrityMismatchError{Expected: *opts.ExpectedIntegrity, Actual: got}
	}

	return nil
}

// translateContentErr maps a content-store error onto a façade error type.
// A missing content file is reported as [IOError], not [NotFoundError]:
// [NotFoundError] is reserved for a missing index record, per the error
// taxonomy's EntryNotFound(root, key) definition.
func translateContentErr(root string, err error) error {
	var integrityErr *content.IntegrityError
	if errors.As(err, &integrityErr) {
		return &IntegrityMismatchError{Expected: integrityErr.Expected, Actual: integrityErr.Actual}
	}

	return &IOError{Path: root, Err: err}
}

// nowMillis returns override (dereferenced) if non-nil, else the current
// wall-clock time in milliseconds since epoch.
func nowMillis(override *uint64) uint64 {
	if override != nil {
		return *override
	}

	return uint64(time.Now().UnixMilli())
}
