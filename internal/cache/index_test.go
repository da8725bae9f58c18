package cache

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	objects map[string]bool
	copies  [][2]string
	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]bool)}
}

func (f *fakeStore) Exists(_ context.Context, path string) (bool, error) {
	if f.failAll {
		return false, errors.New("store down")
	}
	return f.objects[path], nil
}

func (f *fakeStore) Copy(_ context.Context, src, dst string) error {
	if f.failAll {
		return errors.New("store down")
	}
	if !f.objects[src] {
		return errors.New("source missing")
	}
	f.objects[dst] = true
	f.copies = append(f.copies, [2]string{src, dst})
	return nil
}

func TestHasAndFetch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	idx := NewIndex(store, "cache")

	fp := "0123456789abcdef0123456789abcdef"

	if idx.Has(ctx, fp) {
		t.Error("expected miss for empty cache")
	}

	store.objects["cache/"+fp+".mp4"] = true
	if !idx.Has(ctx, fp) {
		t.Error("expected hit after entry exists")
	}

	if err := idx.Fetch(ctx, fp, "proj/movie.mp4"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !store.objects["proj/movie.mp4"] {
		t.Error("fetch did not copy to destination")
	}
}

func TestStoreWriteBack(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	idx := NewIndex(store, "cache")

	fp := "feedfacefeedfacefeedfacefeedface"
	store.objects["proj/movie.mp4"] = true

	idx.Store(ctx, fp, "proj/movie.mp4")
	if !store.objects["cache/"+fp+".mp4"] {
		t.Error("write-back did not copy into the cache namespace")
	}
}

func TestLookupFailureIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.failAll = true
	idx := NewIndex(store, "cache")

	// An unreachable store must degrade to a miss, not an error.
	if idx.Has(ctx, "0123456789abcdef") {
		t.Error("expected miss when store is down")
	}

	// Write-back failure is swallowed.
	idx.Store(ctx, "0123456789abcdef", "proj/movie.mp4")
}
