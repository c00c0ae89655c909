package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrBucketNotFound is returned when a bucket has not been created yet
var ErrBucketNotFound = errors.New("bucket not found")

// Store is the durable key-value store shared by all components.
// Components that need indexed access (ledger, recipients, history) open
// their own buckets on DB(); simple documents go through Get/Set.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the BoltDB file at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// EnsureBuckets creates the given buckets if they do not exist
func (s *Store) EnsureBuckets(names ...[]byte) error {
	return EnsureBuckets(s.db, names...)
}

// EnsureBuckets creates the given buckets on db if they do not exist
func EnsureBuckets(db *bolt.DB, names ...[]byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Get loads the JSON document stored under key into v.
// Returns false if the key is absent.
func (s *Store) Get(ctx context.Context, bucket, key string, v any) (bool, error) {
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}

	return found, nil
}

// Set stores v as a JSON document under key, creating the bucket if needed
func (s *Store) Set(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes key from bucket
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Wipe empties every top-level bucket except those named in keep. Bucket
// names are preserved so that components holding the DB keep working after
// a full data reset.
func (s *Store) Wipe(ctx context.Context, keep ...string) error {
	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		skip[k] = true
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !skip[string(name)] {
				names = append(names, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to recreate bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Size returns the database file size in bytes
func (s *Store) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// MakeIndexKey creates a sortable key from timestamp and ID
func MakeIndexKey(t time.Time, id string) []byte {
	// Fixed-width UTC timestamp keeps lexicographic order equal to time order
	return []byte(t.UTC().Format("20060102T150405.000000000Z") + ":" + id)
}

// ParseTimestampFromKey extracts the timestamp from an index key
func ParseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			ts, _ := time.Parse("20060102T150405.000000000Z", s[:i])
			return ts
		}
	}
	return time.Time{}
}
