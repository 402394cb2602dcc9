package local

import (
	"context"
	"sync"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// BasicCache is an in-memory offlinecache.Storage.
type BasicCache struct {
	buckets map[string]*BasicBucket
	order   []string

	lock sync.RWMutex
}

// BasicBucket is a single named bucket of a BasicCache.
type BasicBucket struct {
	cache map[string]*offlinecache.CacheItem

	deleted bool
	lock    sync.RWMutex
}

func (bc *BasicCache) Open(_ context.Context, name string) (offlinecache.Bucket, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	b, found := bc.buckets[name]
	if !found {
		b = &BasicBucket{cache: make(map[string]*offlinecache.CacheItem)}
		bc.buckets[name] = b
		bc.order = append(bc.order, name)
	}

	return b, nil
}

func (bc *BasicCache) Keys(_ context.Context) ([]string, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	out := make([]string, len(bc.order))
	copy(out, bc.order)

	return out, nil
}

func (bc *BasicCache) Delete(_ context.Context, name string) (bool, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	b, found := bc.buckets[name]
	if !found {
		return false, nil
	}

	b.lock.Lock()
	b.deleted = true
	b.cache = nil
	b.lock.Unlock()

	delete(bc.buckets, name)
	for i, n := range bc.order {
		if n == name {
			bc.order = append(bc.order[:i], bc.order[i+1:]...)
			break
		}
	}

	return true, nil
}

func (bb *BasicBucket) Match(_ context.Context, key string) (*offlinecache.CacheItem, error) {
	bb.lock.RLock()
	defer bb.lock.RUnlock()

	if bb.deleted {
		return nil, caches.ErrNoBucket
	}

	val, found := bb.cache[key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	return val, nil
}

func (bb *BasicBucket) Put(_ context.Context, key string, item *offlinecache.CacheItem) error {
	bb.lock.Lock()
	defer bb.lock.Unlock()

	if bb.deleted {
		return caches.ErrNoBucket
	}

	bb.cache[key] = item

	return nil
}

// Len returns the number of items in the bucket.
func (bb *BasicBucket) Len() int {
	bb.lock.RLock()
	defer bb.lock.RUnlock()

	return len(bb.cache)
}

func NewBasicCache() *BasicCache {
	return &BasicCache{
		buckets: make(map[string]*BasicBucket),
	}
}
