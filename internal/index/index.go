// Package index implements the key→content index: one append-only,
// checksummed JSON-lines log per key-hash bucket, looked up by recomputing
// the bucket path from the key and scanning for the newest surviving
// record.
package index

import (
	"crypto/sha1" //nolint:gosec // used only as a line-corruption checksum, not for security
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/cachestore/internal/fsx"
)

// ErrNotFound is returned by [Store.Find] when a key has no live record:
// no record at all, or the newest record is a tombstone.
var ErrNotFound = errors.New("index: not found")

// indexDirName is the directory under the cache root holding bucket files.
const indexDirName = "index-v5"

// Record is one entry in a bucket's append-only log. A Record with a nil
// Integrity is a tombstone marking Key deleted as of Time.
type Record struct {
	Key       string          `json:"key"`
	Integrity *string         `json:"integrity"`
	Time      uint64          `json:"time"`
	Size      *int64          `json:"size,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// IsTombstone reports whether r marks its key as deleted.
func (r Record) IsTombstone() bool {
	return r.Integrity == nil
}

// Store is the key→content index, rooted at a directory shared with the
// content store.
type Store struct {
	root string
	fs   fsx.FS
}

// New returns a Store rooted at root, using fs for all filesystem access.
func New(root string, fs fsx.FS) *Store {
	return &Store{root: root, fs: fs}
}

// BucketPath returns the bucket file that holds records for key. Every
// process computes the same path from the same key without any shared
// directory or coordination.
func (s *Store) BucketPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])

	return filepath.Join(s.root, indexDirName, h[0:2], h[2:4], h[4:])
}

// Insert appends rec to its key's bucket in a single write. No
// read-modify-write of the bucket ever occurs: concurrent appenders
// interleave at line boundaries, and [Store.Find] tolerates any
// interleaving by selecting the record with the greatest Time.
func (s *Store) Insert(rec Record) error {
	line, err := formatLine(rec)
	if err != nil {
		return err
	}

	path := s.BucketPath(rec.Key)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(line)

	return err
}

// Find returns the effective record for key: the last syntactically-valid,
// checksum-verified record whose Key field equals key, among those with the
// greatest Time (ties broken by file position, later wins). It reports
// [ErrNotFound] if the bucket is absent, no record matches key, or the
// effective record is a tombstone.
func (s *Store) Find(key string) (Record, error) {
	data, err := s.fs.ReadFile(s.BucketPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}

		return Record{}, err
	}

	best, found := latestForKey(data, key)
	if !found || best.IsTombstone() {
		return Record{}, ErrNotFound
	}

	return best, nil
}

// Delete appends a tombstone for key at the given time, shadowing any prior
// record.
func (s *Store) Delete(key string, timeMillis uint64) error {
	return s.Insert(Record{Key: key, Integrity: nil, Time: timeMillis})
}

// Clear removes every bucket file. It is the only operation that shrinks an
// index file instead of appending to it.
func (s *Store) Clear() error {
	return s.fs.RemoveAll(filepath.Join(s.root, indexDirName))
}

// List returns an iterator over the effective (latest, non-tombstoned,
// non-shadowed) record for every distinct key across all buckets.
//
// Iteration order across buckets is unspecified. Within a bucket, records
// are yielded in first-appearance order (the order their key first showed
// up in the bucket file), not key-sorted order. A bucket that fails to
// read is yielded as an (zero Record, error) pair and iteration continues
// with the next bucket; a line that fails its checksum or fails to parse
// as JSON is skipped silently, never surfaced as an error.
func (s *Store) List() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		base := filepath.Join(s.root, indexDirName)

		ok, err := s.fs.Exists(base)
		if err != nil {
			yield(Record{}, err)

			return
		}

		if !ok {
			return
		}

		s.walk(base, yield)
	}
}

func (s *Store) walk(dir string, yield func(Record, error) bool) bool {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return yield(Record{}, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		if e.IsDir() {
			if !s.walk(path, yield) {
				return false
			}

			continue
		}

		if !yieldBucket(s.fs, path, yield) {
			return false
		}
	}

	return true
}

func yieldBucket(fs fsx.FS, path string, yield func(Record, error) bool) bool {
	data, err := fs.ReadFile(path)
	if err != nil {
		return yield(Record{}, err)
	}

	effective := make(map[string]Record)

	order := make([]string, 0)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}

		rec, ok := parseLine(line)
		if !ok {
			continue
		}

		prev, seen := effective[rec.Key]
		if !seen {
			order = append(order, rec.Key)
		}

		if !seen || rec.Time >= prev.Time {
			effective[rec.Key] = rec
		}
	}

	for _, key := range order {
		rec := effective[key]
		if rec.IsTombstone() {
			continue
		}

		if !yield(rec, nil) {
			return false
		}
	}

	return true
}

// latestForKey scans already-loaded bucket bytes for the effective record
// matching key, without allocating a map for every other key in the
// bucket. Used by Find, which only cares about one key.
func latestForKey(data []byte, key string) (Record, bool) {
	var (
		best  Record
		found bool
	)

	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}

		rec, ok := parseLine(line)
		if !ok || rec.Key != key {
			continue
		}

		if !found || rec.Time >= best.Time {
			best = rec
			found = true
		}
	}

	return best, found
}

// formatLine renders rec as "<sha1-hex-of-json>\t<compact-json>\n".
func formatLine(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(payload) //nolint:gosec // checksum, not a security boundary

	line := make([]byte, 0, len(payload)+2*sha1.Size+2)
	line = append(line, []byte(hex.EncodeToString(sum[:]))...)
	line = append(line, '\t')
	line = append(line, payload...)
	line = append(line, '\n')

	return line, nil
}

// parseLine splits a bucket line into its checksum and JSON payload,
// recomputes the checksum, and decodes the payload. It reports ok=false
// for any structurally invalid or checksum-mismatched line; callers treat
// that as silent corruption, not an error.
func parseLine(line string) (Record, bool) {
	tab := strings.IndexByte(line, '\t')
	if tab < 0 {
		return Record{}, false
	}

	checksum, payload := line[:tab], line[tab+1:]

	sum := sha1.Sum([]byte(payload)) //nolint:gosec // checksum, not a security boundary
	if !strings.EqualFold(checksum, hex.EncodeToString(sum[:])) {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, false
	}

	return rec, true
}
