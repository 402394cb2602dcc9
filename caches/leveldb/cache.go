package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"sort"
	"strings"
	"sync"

	goleveldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// Key layout:
//
//	s:                  next bucket sequence number
//	b:<bucket>          bucket marker, value is its sequence number
//	e:<bucket>\x00<key> gob encoded offlinecache.CacheItem
var (
	seqKey       = []byte("s:")
	bucketPrefix = []byte("b:")
	entryPrefix  = []byte("e:")
)

const nameSeparator = "\x00"

// Cache implements offlinecache.Storage on a LevelDB database.
type Cache struct {
	db *goleveldb.DB

	// mu orders bucket creation and deletion against puts
	mu sync.RWMutex
}

// Bucket is a handle on the entries of one bucket.
type Bucket struct {
	cache *Cache
	name  string
}

func markerKey(name string) []byte {
	return append(bytes.Clone(bucketPrefix), name...)
}

func bucketEntries(name string) []byte {
	return append(bytes.Clone(entryPrefix), name+nameSeparator...)
}

func entryKey(name, key string) []byte {
	return append(bucketEntries(name), key...)
}

func (c *Cache) Open(_ context.Context, name string) (offlinecache.Bucket, error) {
	if strings.Contains(name, nameSeparator) {
		return nil, caches.ValidationError{Reason: "bucket name contains NUL"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ok, err := c.db.Has(markerKey(name), nil)
	if err != nil {
		return nil, err
	}

	if !ok {
		seq, err := c.nextSeq()
		if err != nil {
			return nil, err
		}

		v := binary.BigEndian.AppendUint64(nil, seq)

		batch := new(goleveldb.Batch)
		batch.Put(seqKey, binary.BigEndian.AppendUint64(nil, seq+1))
		batch.Put(markerKey(name), v)
		if err := c.db.Write(batch, nil); err != nil {
			return nil, err
		}
	}

	return &Bucket{cache: c, name: name}, nil
}

func (c *Cache) nextSeq() (uint64, error) {
	b, err := c.db.Get(seqKey, nil)
	if errors.Is(err, goleveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b), nil
}

func (c *Cache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type marker struct {
		name string
		seq  uint64
	}

	it := c.db.NewIterator(util.BytesPrefix(bucketPrefix), nil)
	defer it.Release()

	var markers []marker
	for it.Next() {
		markers = append(markers, marker{
			name: string(bytes.TrimPrefix(it.Key(), bucketPrefix)),
			seq:  binary.BigEndian.Uint64(it.Value()),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.Slice(markers, func(i, j int) bool {
		return markers[i].seq < markers[j].seq
	})

	names := make([]string, 0, len(markers))
	for _, m := range markers {
		names = append(names, m.name)
	}

	return names, nil
}

// Delete drops the marker and every entry of the bucket in one batch.
func (c *Cache) Delete(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok, err := c.db.Has(markerKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(goleveldb.Batch)
	batch.Delete(markerKey(name))

	it := c.db.NewIterator(util.BytesPrefix(bucketEntries(name)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}

	if err := c.db.Write(batch, nil); err != nil {
		return false, err
	}

	return true, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (b *Bucket) Match(_ context.Context, k string) (*offlinecache.CacheItem, error) {
	v, err := b.cache.db.Get(entryKey(b.name, k), nil)
	if errors.Is(err, goleveldb.ErrNotFound) {
		ok, err := b.cache.db.Has(markerKey(b.name), nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, caches.ErrNoBucket
		}
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}

	var item offlinecache.CacheItem
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&item); err != nil {
		return nil, err
	}

	return &item, nil
}

func (b *Bucket) Put(_ context.Context, k string, v *offlinecache.CacheItem) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}

	b.cache.mu.RLock()
	defer b.cache.mu.RUnlock()

	ok, err := b.cache.db.Has(markerKey(b.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return caches.ErrNoBucket
	}

	return b.cache.db.Put(entryKey(b.name, k), buf.Bytes(), nil)
}

// Open opens, or creates, the database at path.
func Open(path string) (*Cache, error) {
	db, err := goleveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}

	return &Cache{db: db}, nil
}

// NewWithDB wraps an already opened database.
func NewWithDB(db *goleveldb.DB) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil db"}
	}

	return &Cache{db: db}, nil
}
