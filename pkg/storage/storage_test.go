package storage

import (
	"context"
	"testing"

	"github.com/torbridge/embedded/pkg/logger"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return store
}

func TestFileStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "microdesc:deadbeef")
	if err != nil {
		t.Fatalf("Get() on missing key failed: %v", err)
	}
	if ok {
		t.Fatal("Get() on missing key reported ok=true")
	}
}

func TestFileStorePutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := "consensus:2026-07-31T00:00:00Z"
	value := []byte("consensus document bytes")

	if err := store.Put(ctx, key, value); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !ok {
		t.Fatal("Get() reported ok=false for a stored key")
	}
	if string(got) != string(value) {
		t.Errorf("Get() = %q, want %q", got, value)
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "guards:state"

	if err := store.Put(ctx, key, []byte("first")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Put(ctx, key, []byte("second")); err != nil {
		t.Fatalf("Put() overwrite failed: %v", err)
	}

	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() failed: err=%v ok=%v", err, ok)
	}
	if string(got) != "second" {
		t.Errorf("Get() = %q, want %q", got, "second")
	}
}

func TestFileStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := "microdesc:aabbcc"

	if err := store.Put(ctx, key, []byte("value")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	_, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() after delete failed: %v", err)
	}
	if ok {
		t.Fatal("Get() after Delete() still reports ok=true")
	}

	// Deleting an absent key is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("Delete() of an already-absent key failed: %v", err)
	}
}

func TestFileStoreListByPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"microdesc:aaaa",
		"microdesc:bbbb",
		"consensus:latest",
		"guards:state",
	}
	for _, k := range keys {
		if err := store.Put(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}

	got, err := store.List(ctx, "microdesc:")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d keys, want 2: %v", len(got), got)
	}
	for _, k := range got {
		if k != "microdesc:aaaa" && k != "microdesc:bbbb" {
			t.Errorf("List() returned unexpected key %q", k)
		}
	}
}

func TestFileStoreKeysWithSpecialCharactersAreSafe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Keys carry ":" and could in principle carry path-traversal
	// sequences; hex-encoding the key into the filename must keep every
	// value confined to the store's own directory.
	key := "../../etc/passwd"
	if err := store.Put(ctx, key, []byte("not actually passwd")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() failed: err=%v ok=%v", err, ok)
	}
	if string(got) != "not actually passwd" {
		t.Errorf("Get() = %q, want the stored value back", got)
	}
}
