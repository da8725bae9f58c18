// Package cache is the content-addressable artifact cache. Entries are
// addressed solely by manifest fingerprint; the project's default output path
// is a publication target, never a source of hit detection.
package cache

import (
	"context"
	"fmt"
	"log"

	"github.com/reelworks/renderd/internal/storage"
)

// ObjectStore is the slice of the asset store the cache needs.
type ObjectStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
}

// Index checks and writes cached artifacts. The cache is advisory: a miss is
// never an error, and a failed write-back is logged and swallowed.
type Index struct {
	store     ObjectStore
	namespace string
}

func NewIndex(store ObjectStore, namespace string) *Index {
	return &Index{store: store, namespace: namespace}
}

// Key returns the storage path for a manifest fingerprint.
func (i *Index) Key(fingerprint string) string {
	return storage.CachePath(i.namespace, fingerprint)
}

// Has reports whether an artifact exists for the fingerprint. Lookup errors
// degrade to a miss.
func (i *Index) Has(ctx context.Context, fingerprint string) bool {
	ok, err := i.store.Exists(ctx, i.Key(fingerprint))
	if err != nil {
		log.Printf("[Cache] Lookup failed for %s, treating as miss: %v", fingerprint[:12], err)
		return false
	}
	return ok
}

// Fetch copies the cached artifact to the destination path. Callers should
// check Has first; Fetch on a missing entry returns an error.
func (i *Index) Fetch(ctx context.Context, fingerprint, dst string) error {
	if err := i.store.Copy(ctx, i.Key(fingerprint), dst); err != nil {
		return fmt.Errorf("cache fetch: %w", err)
	}
	return nil
}

// Store writes a published artifact back into the cache. Never fatal: two
// renders converging on the same fingerprint write identical bytes, and a
// lost write only costs a future cache miss.
func (i *Index) Store(ctx context.Context, fingerprint, src string) {
	if err := i.store.Copy(ctx, src, i.Key(fingerprint)); err != nil {
		log.Printf("[Cache] Write-back failed for %s (non-fatal): %v", fingerprint[:12], err)
		return
	}
	log.Printf("[Cache] Stored artifact under %s", i.Key(fingerprint))
}
