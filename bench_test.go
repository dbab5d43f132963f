package cachestore_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/calvinalkan/cachestore"
	"github.com/calvinalkan/cachestore/internal/fsx"
)

func BenchmarkWriteSmallBlob(b *testing.B) {
	store := cachestore.OpenFS(b.TempDir(), fsx.NewReal())
	payload := strings.Repeat("x", 256)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := store.Write(key, strings.NewReader(payload), cachestore.WriteOpts{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReadByKey(b *testing.B) {
	store := cachestore.OpenFS(b.TempDir(), fsx.NewReal())

	const n = 1000

	keys := make([]string, n)

	for i := range n {
		keys[i] = fmt.Sprintf("key-%d", i)
		if _, err := store.Write(keys[i], strings.NewReader("benchmark payload"), cachestore.WriteOpts{}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := store.Read(keys[i%n]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkList1k(b *testing.B) {
	store := cachestore.OpenFS(b.TempDir(), fsx.NewReal())

	const n = 1000

	for i := range n {
		key := fmt.Sprintf("key-%d", i)
		if _, err := store.Write(key, strings.NewReader("benchmark payload"), cachestore.WriteOpts{}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for _, err := range store.List() {
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkWriterOpenMmapPath(b *testing.B) {
	store := cachestore.OpenFS(b.TempDir(), fsx.NewReal())
	payload := bytes.Repeat([]byte("y"), 64*1024)
	size := int64(len(payload))

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)

		w, err := store.WriterOpen(key, cachestore.WriteOpts{SizeHint: size, ExpectedSize: &size})
		if err != nil {
			b.Fatal(err)
		}

		if _, err := w.Write(payload); err != nil {
			b.Fatal(err)
		}

		if _, err := w.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}
