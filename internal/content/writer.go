package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/calvinalkan/cachestore/internal/fsx"
	"github.com/calvinalkan/cachestore/internal/sri"
)

// WriterOptions configures a new Writer.
type WriterOptions struct {
	// Algorithm selects the hash algorithm computed while bytes are
	// written. Defaults to [sri.SHA256] if the zero value.
	Algorithm sri.Algorithm

	// SizeHint, when > 0 and <= 1 MiB, causes the writer to pre-size its
	// temp file and write through a memory mapping instead of buffered
	// I/O. The total bytes written across all [Writer.Write] calls must
	// not exceed SizeHint; writing fewer bytes is fine and the staged
	// file is truncated down to the actual length on commit.
	SizeHint int64
}

// Writer stages bytes for a new content object. Bytes are hashed and
// buffered in a temp file under the store's tmp directory; [Writer.Commit]
// renames the result into its content-addressed path.
type Writer struct {
	store   *Store
	hasher  *sri.Hasher
	tmpPath string
	tmpFile fsx.File

	mmapped  []byte
	sizeHint int64

	written int64
	done    bool
}

// NewWriter stages a new content object.
func (s *Store) NewWriter(opts WriterOptions) (*Writer, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = sri.SHA256
	}

	hasher, err := sri.NewHasher(alg)
	if err != nil {
		return nil, err
	}

	tmpDir := filepath.Join(s.root, tmpDirName)
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}

	name, err := tempName()
	if err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(tmpDir, name)

	f, err := s.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		store:   s,
		hasher:  hasher,
		tmpPath: tmpPath,
		tmpFile: f,
	}

	if opts.SizeHint > 0 && opts.SizeHint <= mmapThreshold {
		if err := w.mapSize(opts.SizeHint); err != nil {
			_ = f.Close()
			_ = s.fs.Remove(tmpPath)

			return nil, err
		}
	}

	return w, nil
}

func (w *Writer) mapSize(size int64) error {
	fd := int(w.tmpFile.Fd())

	if err := syscall.Ftruncate(fd, size); err != nil {
		return fmt.Errorf("content: ftruncate temp file: %w", err)
	}

	data, err := syscall.Mmap(fd, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("content: mmap temp file: %w", err)
	}

	w.mmapped = data
	w.sizeHint = size

	return nil
}

// Write feeds bytes into the running hash and the staged temp file (or
// memory mapping, for a size-hinted writer). Multiple Write calls are
// supported on both paths; io.Copy's fixed-size internal buffer means even
// a single logical write is usually delivered to Write in several chunks.
//
// The implementation this is adapted from copies every Write call's buffer
// into the mapping starting at offset 0, regardless of how much had
// already been written, silently corrupting any write sequence of more
// than one call. This Writer instead tracks the running offset into the
// mapping and rejects writes that would overrun the declared size.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrClosed
	}

	if w.mmapped != nil {
		if w.written+int64(len(p)) > w.sizeHint {
			return 0, ErrSizeHintExceeded
		}

		copy(w.mmapped[w.written:], p)
		w.hasher.Write(p) //nolint:errcheck // Hasher.Write never errors

		w.written += int64(len(p))

		return len(p), nil
	}

	n, err := w.tmpFile.Write(p)
	if n > 0 {
		w.hasher.Write(p[:n]) //nolint:errcheck // Hasher.Write never errors
		w.written += int64(n)
	}

	return n, err
}

// Written returns the number of bytes accepted so far.
func (w *Writer) Written() int64 { return w.written }

// Commit finalizes the hash, renames the staged temp file into its
// content-addressed path, and returns the resulting integrity descriptor.
//
// If the rename fails because the destination already exists — the
// expected outcome when a concurrent writer committed identical bytes
// first — Commit treats that as success rather than an error. No
// hash re-verification of the pre-existing file is performed; readers
// verify on their own.
func (w *Writer) Commit() (sri.Integrity, error) {
	if w.done {
		return sri.Integrity{}, ErrClosed
	}

	w.done = true

	if err := w.finalizeTempFile(); err != nil {
		_ = w.discardTemp()

		return sri.Integrity{}, err
	}

	integrity := w.hasher.Sum()

	dest, err := w.store.PathFor(integrity)
	if err != nil {
		_ = w.discardTemp()

		return sri.Integrity{}, err
	}

	if err := w.store.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = w.discardTemp()

		return sri.Integrity{}, err
	}

	if err := w.store.fs.Rename(w.tmpPath, dest); err != nil {
		if ok, statErr := w.store.fs.Exists(dest); statErr == nil && ok {
			_ = w.discardTemp()

			return integrity, nil
		}

		_ = w.discardTemp()

		return sri.Integrity{}, err
	}

	return integrity, nil
}

// Abort discards the writer's staged bytes without committing them. It is
// a no-op if the writer was already committed or aborted.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}

	w.done = true

	var errs []error

	if w.mmapped != nil {
		if err := syscall.Munmap(w.mmapped); err != nil {
			errs = append(errs, err)
		}

		w.mmapped = nil
	}

	if err := w.tmpFile.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := w.discardTemp(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// finalizeTempFile unmaps (if mapped) and closes the temp file, leaving it
// on disk at w.tmpPath for Commit to rename.
//
// A size-hinted writer pre-sizes the temp file to SizeHint bytes so it can
// be mapped before any bytes arrive. If the caller wrote fewer bytes than
// hinted, the file must be truncated down to the actual length before
// rename, or the committed content would carry a zero-filled tail that
// does not match its own hash's input.
func (w *Writer) finalizeTempFile() error {
	var munmapErr, truncErr error

	if w.mmapped != nil {
		munmapErr = syscall.Munmap(w.mmapped)
		w.mmapped = nil

		if munmapErr == nil && w.written < w.sizeHint {
			truncErr = syscall.Ftruncate(int(w.tmpFile.Fd()), w.written)
		}
	}

	closeErr := w.tmpFile.Close()

	if munmapErr != nil {
		return fmt.Errorf("content: munmap: %w", munmapErr)
	}

	if truncErr != nil {
		return fmt.Errorf("content: truncate temp file: %w", truncErr)
	}

	return closeErr
}

// discardTemp removes the staged temp file, ignoring its absence.
func (w *Writer) discardTemp() error {
	err := w.store.fs.Remove(w.tmpPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return err
}
