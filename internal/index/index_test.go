package index_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cachestore/internal/fsx"
	"github.com/calvinalkan/cachestore/internal/index"
)

func newStore(t *testing.T) (*index.Store, string) {
	t.Helper()

	root := t.TempDir()

	return index.New(root, fsx.NewReal()), root
}

func ptr[T any](v T) *T { return &v }

func Test_Insert_Then_Find_Round_Trips_Record(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	rec := index.Record{
		Key:       "hello",
		Integrity: ptr("sha256-uU0nuZNNPgilLlLX2n2r+sSE7+N6U4DukIj3rOLvzek="),
		Time:      1000,
		Size:      ptr(int64(11)),
	}

	require.NoError(t, store.Insert(rec))

	got, err := store.Find("hello")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func Test_Find_Reports_Not_Found_For_Unknown_Key(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	_, err := store.Find("never-inserted")
	require.ErrorIs(t, err, index.ErrNotFound)
}

func Test_Find_Returns_Record_With_Greatest_Time(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-aaa"), Time: 100}))
	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-bbb"), Time: 300}))
	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-ccc"), Time: 200}))

	got, err := store.Find("k")
	require.NoError(t, err)
	assert.Equal(t, "sha256-bbb", *got.Integrity)
}

func Test_Find_Breaks_Time_Ties_By_Later_File_Position(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-first"), Time: 100}))
	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-second"), Time: 100}))

	got, err := store.Find("k")
	require.NoError(t, err)
	assert.Equal(t, "sha256-second", *got.Integrity)
}

func Test_Delete_Shadows_Prior_Record_With_Tombstone(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-aaa"), Time: 100}))
	require.NoError(t, store.Delete("k", 200))

	_, err := store.Find("k")
	require.ErrorIs(t, err, index.ErrNotFound)
}

func Test_Insert_After_Delete_Resurrects_Key(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-aaa"), Time: 100}))
	require.NoError(t, store.Delete("k", 200))
	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-bbb"), Time: 300}))

	got, err := store.Find("k")
	require.NoError(t, err)
	assert.Equal(t, "sha256-bbb", *got.Integrity)
}

func Test_Find_Skips_Corrupted_Lines(t *testing.T) {
	t.Parallel()

	store, root := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-good"), Time: 100}))

	// Append a line with a tampered checksum directly, simulating a torn or
	// bit-flipped write landing in the bucket file.
	path := store.BucketPath("k")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("deadbeef\t{\"key\":\"k\",\"integrity\":\"sha256-corrupt\",\"time\":999}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := store.Find("k")
	require.NoError(t, err)
	assert.Equal(t, "sha256-good", *got.Integrity)

	_ = root
}

func Test_Keys_Hash_To_Distinct_Bucket_Files(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "alpha", Integrity: ptr("sha256-a"), Time: 1}))
	require.NoError(t, store.Insert(index.Record{Key: "beta", Integrity: ptr("sha256-b"), Time: 1}))

	assert.NotEqual(t, store.BucketPath("alpha"), store.BucketPath("beta"))

	gotAlpha, err := store.Find("alpha")
	require.NoError(t, err)
	assert.Equal(t, "sha256-a", *gotAlpha.Integrity)

	gotBeta, err := store.Find("beta")
	require.NoError(t, err)
	assert.Equal(t, "sha256-b", *gotBeta.Integrity)
}

func Test_List_Yields_Effective_Record_Per_Key_Excluding_Tombstones(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "kept", Integrity: ptr("sha256-kept"), Time: 1}))
	require.NoError(t, store.Insert(index.Record{Key: "updated", Integrity: ptr("sha256-old"), Time: 1}))
	require.NoError(t, store.Insert(index.Record{Key: "updated", Integrity: ptr("sha256-new"), Time: 2}))
	require.NoError(t, store.Insert(index.Record{Key: "removed", Integrity: ptr("sha256-removed"), Time: 1}))
	require.NoError(t, store.Delete("removed", 2))

	seen := map[string]index.Record{}

	for rec, err := range store.List() {
		require.NoError(t, err)
		seen[rec.Key] = rec
	}

	require.Len(t, seen, 2)
	assert.Equal(t, "sha256-kept", *seen["kept"].Integrity)
	assert.Equal(t, "sha256-new", *seen["updated"].Integrity)
	_, stillThere := seen["removed"]
	assert.False(t, stillThere)
}

func Test_Clear_Removes_All_Buckets(t *testing.T) {
	t.Parallel()

	store, root := newStore(t)

	require.NoError(t, store.Insert(index.Record{Key: "k", Integrity: ptr("sha256-a"), Time: 1}))
	require.NoError(t, store.Clear())

	_, err := store.Find("k")
	require.ErrorIs(t, err, index.ErrNotFound)

	_, statErr := os.Stat(filepath.Join(root, "index-v5"))
	assert.True(t, os.IsNotExist(statErr))
}

func Test_Record_Metadata_Round_Trips_As_Raw_JSON(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)

	meta, err := json.Marshal(map[string]string{"source": "unit-test"})
	require.NoError(t, err)

	rec := index.Record{
		Key:       "with-metadata",
		Integrity: ptr("sha256-meta"),
		Time:      1,
		Metadata:  meta,
	}

	require.NoError(t, store.Insert(rec))

	got, err := store.Find("with-metadata")
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(got.Metadata, &decoded))
	assert.Equal(t, "unit-test", decoded["source"])
}
