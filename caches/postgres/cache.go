package postgres

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/gob"
	"errors"
	"time"

	"github.com/lib/pq"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

// foreignKeyViolation is the SQLSTATE raised when an entry references a deleted bucket.
const foreignKeyViolation = "23503"

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed insert_bucket.sql
	queryInsertBucket string
	//go:embed list_buckets.sql
	queryListBuckets string
	//go:embed delete_bucket.sql
	queryDeleteBucket string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
)

// Cache implements offlinecache.Storage using PostgreSQL as the storage backend.
// Buckets are rows of offline_cache_buckets; deleting one cascades to its entries.
type Cache struct {
	db *sql.DB

	now func() time.Time
}

// Bucket is a handle on one row of offline_cache_buckets.
type Bucket struct {
	db   *sql.DB
	name string

	now func() time.Time
}

// Open registers the bucket if it does not exist yet.
func (p *Cache) Open(ctx context.Context, name string) (offlinecache.Bucket, error) {
	stmt, err := p.db.PrepareContext(ctx, queryInsertBucket)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, name, p.now().UTC()); err != nil {
		return nil, err
	}

	return &Bucket{db: p.db, name: name, now: p.now}, nil
}

// Keys returns the bucket names ordered by creation time.
func (p *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, queryListBuckets)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// Delete removes the bucket row, and with it every entry of the bucket.
func (p *Cache) Delete(ctx context.Context, name string) (bool, error) {
	stmt, err := p.db.PrepareContext(ctx, queryDeleteBucket)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, name)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// Match retrieves a cache item from PostgreSQL by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (b *Bucket) Match(ctx context.Context, k string) (*offlinecache.CacheItem, error) {
	stmt, err := b.db.PrepareContext(ctx, queryFetchByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var key sql.NullString
	var response []byte
	if err := stmt.QueryRowContext(ctx, b.name, k).Scan(&key, &response); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoBucket
		}
		return nil, err
	}

	if !key.Valid {
		return nil, caches.ErrNoCacheItem
	}

	dec := gob.NewDecoder(bytes.NewBuffer(response))

	var item offlinecache.CacheItem
	if err := dec.Decode(&item); err != nil {
		return nil, err
	}

	return &item, nil
}

// Put stores the item with the provided key, replacing any previous value.
// It handles the serialization of the cache item using gob encoding.
func (b *Bucket) Put(ctx context.Context, k string, v *offlinecache.CacheItem) error {
	stmt, err := b.db.PrepareContext(ctx, queryInsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var buff bytes.Buffer
	enc := gob.NewEncoder(&buff)
	if err := enc.Encode(v); err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx, b.name, k, buff.Bytes(), b.now().UTC())

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return caches.ErrNoBucket
	}

	return err
}

func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

// New creates a new PostgreSQL storage. It verifies the database connection and
// creates the necessary table structure.
//
// Returns an error if:
// - The database handle is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB) (*Cache, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil db"}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	return &Cache{
		db: db,

		now: time.Now,
	}, nil
}
