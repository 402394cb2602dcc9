package offlinecache

import (
	"context"
	"time"
)

// CacheItem is a stored response snapshot: the status line, headers and body of a
// response as produced by httputil.DumpResponse.
type CacheItem struct {
	Response []byte
	StoredAt time.Time
}

// Bucket is one named generation inside a Storage.
type Bucket interface {
	// Match returns caches.ErrNoCacheItem when nothing is stored under k.
	Match(ctx context.Context, k string) (*CacheItem, error)
	Put(ctx context.Context, k string, v *CacheItem) error
}

// Storage is the Cache Store. It holds any number of named buckets.
type Storage interface {
	// Open returns the bucket called name, creating it when absent.
	Open(ctx context.Context, name string) (Bucket, error)

	// Keys lists the bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)

	// Delete removes the bucket and everything in it. It reports whether a
	// bucket was removed.
	Delete(ctx context.Context, name string) (bool, error)
}
