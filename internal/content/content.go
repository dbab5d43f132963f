// Package content implements the content-addressable blob store: immutable
// files named after the SRI digest of their own bytes, written with a
// stage-then-rename protocol so partial writes never become visible at
// their final path.
package content

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/calvinalkan/cachestore/internal/fsx"
	"github.com/calvinalkan/cachestore/internal/sri"
)

// Sentinel errors. Higher layers translate these into the package-level
// error types exported by the cachestore facade.
var (
	// ErrIntegrityMismatch indicates a read's computed hash did not match
	// the descriptor it was verified against.
	ErrIntegrityMismatch = errors.New("content: integrity mismatch")

	// ErrClosed indicates an operation was attempted on a [Writer] or
	// [Reader] after it was committed/closed or dropped/aborted.
	ErrClosed = errors.New("content: closed")

	// ErrSizeHintExceeded indicates a size-hinted (memory-mapped) [Writer]
	// received more bytes across its Write calls than SizeHint declared.
	ErrSizeHintExceeded = errors.New("content: write exceeds declared size hint")
)

// mmapThreshold is the largest declared write size that gets a pre-sized
// memory-mapped temp file instead of ordinary buffered writes.
const mmapThreshold = 1 << 20 // 1 MiB

// contentDir and tmpDirName name the two top-level directories this package
// owns under the cache root. They are versioned so a future on-disk format
// change can coexist with, or cleanly replace, this one.
const (
	contentDir = "content-v2"
	tmpDirName = "tmp"
)

// Store is a content-addressable blob store rooted at a directory.
type Store struct {
	root string
	fs   fsx.FS
}

// New returns a Store rooted at root, using fs for all filesystem access.
func New(root string, fs fsx.FS) *Store {
	return &Store{root: root, fs: fs}
}

// Put streams r through a new [Writer] and commits it, returning the
// resulting integrity descriptor and the number of bytes written. It is a
// convenience wrapper for callers that have the full blob in memory or
// otherwise don't need the streaming [Writer] API directly.
func (s *Store) Put(r io.Reader, opts WriterOptions) (sri.Integrity, int64, error) {
	w, err := s.NewWriter(opts)
	if err != nil {
		return sri.Integrity{}, 0, err
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()

		return sri.Integrity{}, 0, err
	}

	integrity, err := w.Commit()
	if err != nil {
		return sri.Integrity{}, 0, err
	}

	return integrity, w.Written(), nil
}

// PathFor returns the path at which content matching integrity's strongest
// digest is (or would be) stored. It does not touch the filesystem.
func (s *Store) PathFor(integrity sri.Integrity) (string, error) {
	digest, ok := integrity.Strongest()
	if !ok {
		return "", errors.New("content: integrity has no digest")
	}

	h := digest.Hex()
	if len(h) < 4 {
		return "", fmt.Errorf("content: digest too short for %s", digest.Algorithm)
	}

	return filepath.Join(s.root, contentDir, string(digest.Algorithm), h[0:2], h[2:4], h[4:]), nil
}

// Exists reports whether a file exists at integrity's derived path. It does
// not verify the file's contents.
func (s *Store) Exists(integrity sri.Integrity) bool {
	path, err := s.PathFor(integrity)
	if err != nil {
		return false
	}

	ok, _ := s.fs.Exists(path)

	return ok
}

// Clear removes every stored content object and any staged temp files.
func (s *Store) Clear() error {
	if err := s.fs.RemoveAll(filepath.Join(s.root, contentDir)); err != nil {
		return err
	}

	return s.fs.RemoveAll(filepath.Join(s.root, tmpDirName))
}

// Remove deletes the file at integrity's derived path. It reports
// os.ErrNotExist (wrapped) if no such file exists.
func (s *Store) Remove(integrity sri.Integrity) error {
	path, err := s.PathFor(integrity)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(path); err != nil {
		return &os.PathError{Op: "remove", Path: path, Err: unwrapPathError(err)}
	}

	return nil
}

// Read returns the full contents at integrity's derived path after
// verifying them against integrity's strongest digest.
func (s *Store) Read(integrity sri.Integrity) ([]byte, error) {
	path, err := s.PathFor(integrity)
	if err != nil {
		return nil, err
	}

	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := verify(data, integrity); err != nil {
		return nil, err
	}

	return data, nil
}

// Copy streams the content addressed by integrity into dstFS at dstPath,
// verifying the source bytes as they are read. Per the design's accepted
// deviation from a naive copy-then-reread, this streams through a hashing
// reader rather than reading the source file twice.
func (s *Store) Copy(integrity sri.Integrity, dstFS fsx.FS, dstPath string) (int64, error) {
	srcPath, err := s.PathFor(integrity)
	if err != nil {
		return 0, err
	}

	src, err := s.fs.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	digest, _ := integrity.Strongest()

	hasher, err := sri.NewHasher(digest.Algorithm)
	if err != nil {
		return 0, err
	}

	data, err := io.ReadAll(io.TeeReader(src, hasher))
	if err != nil {
		return 0, err
	}

	if got := hasher.Sum(); !got.Match(integrity) {
		return 0, &IntegrityError{Expected: integrity, Actual: got}
	}

	if err := dstFS.WriteFileAtomic(dstPath, data, 0o644); err != nil {
		return 0, err
	}

	return int64(len(data)), nil
}

// OpenReader opens a streaming, verifying reader over the content addressed
// by integrity. The caller must call [Reader.Check] after reading to EOF.
func (s *Store) OpenReader(integrity sri.Integrity) (*Reader, error) {
	path, err := s.PathFor(integrity)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}

	digest, _ := integrity.Strongest()

	hasher, err := sri.NewHasher(digest.Algorithm)
	if err != nil {
		f.Close()

		return nil, err
	}

	return &Reader{
		file:      f,
		hasher:    hasher,
		integrity: integrity,
	}, nil
}

// IntegrityError reports that a verified read did not hash to the expected
// descriptor.
type IntegrityError struct {
	Expected sri.Integrity
	Actual   sri.Integrity
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content: expected %s, got %s", e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityMismatch }

func verify(data []byte, want sri.Integrity) error {
	digest, ok := want.Strongest()
	if !ok {
		return errors.New("content: integrity has no digest")
	}

	hasher, err := sri.NewHasher(digest.Algorithm)
	if err != nil {
		return err
	}

	hasher.Write(data) //nolint:errcheck // Hasher.Write never errors

	got := hasher.Sum()
	if !got.Match(want) {
		return &IntegrityError{Expected: want, Actual: got}
	}

	return nil
}

// --- reader ---

// Reader streams content while verifying its hash incrementally.
type Reader struct {
	file      fsx.File
	hasher    *sri.Hasher
	integrity sri.Integrity
	closed    bool
}

// Read implements [io.Reader]. Bytes are fed into the running hash as they
// are returned; call [Reader.Check] only after reading to EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}

	n, err := r.file.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n]) //nolint:errcheck // Hasher.Write never errors
	}

	return n, err
}

// Check finalizes the running hash and compares it against the descriptor
// the reader was opened with. Calling Check before the underlying reader
// has been fully drained produces a hash over whatever was consumed so
// far, which will not match for a non-whole read; callers must read to
// [io.EOF] first.
func (r *Reader) Check() (sri.Algorithm, error) {
	got := r.hasher.Sum()
	if !got.Match(r.integrity) {
		return "", &IntegrityError{Expected: r.integrity, Actual: got}
	}

	d, _ := got.Strongest()

	return d.Algorithm, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	return r.file.Close()
}

func unwrapPathError(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}

	return err
}

// tempName returns a unique basename for a staged temp file.
func tempName() (string, error) {
	var buf [16]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}

	return ".content-" + hex.EncodeToString(buf[:]), nil
}
