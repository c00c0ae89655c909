package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/storage"
)

var bucketSandbox = []byte("sandbox")

// Capture is a message held by the sandbox transport instead of being sent
type Capture struct {
	ID            string    `json:"id"`
	RecipientID   string    `json:"recipient_id"`
	RecipientName string    `json:"recipient_name"`
	Address       string    `json:"address,omitempty"`
	Content       string    `json:"content"`
	CapturedAt    time.Time `json:"captured_at"`
	SimulatedErr  string    `json:"simulated_error,omitempty"`
}

// CaptureStorage persists sandbox captures ordered by capture time
type CaptureStorage struct {
	db *bolt.DB
}

// NewCaptureStorage creates capture storage using the provided BoltDB instance
func NewCaptureStorage(db *bolt.DB) (*CaptureStorage, error) {
	if err := storage.EnsureBuckets(db, bucketSandbox); err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}
	return &CaptureStorage{db: db}, nil
}

// Save stores a capture
func (s *CaptureStorage) Save(ctx context.Context, c *Capture) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal capture: %w", err)
		}
		return tx.Bucket(bucketSandbox).Put(storage.MakeIndexKey(c.CapturedAt, c.ID), data)
	})
}

// CaptureFilter contains filters for listing captures
type CaptureFilter struct {
	RecipientID string
	Limit       int
	Offset      int
}

// List returns captures newest first
func (s *CaptureStorage) List(ctx context.Context, filter CaptureFilter) ([]*Capture, error) {
	var out []*Capture

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m Capture
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if filter.RecipientID != "" && m.RecipientID != filter.RecipientID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, &m)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return out, err
}

// Clear removes captures older than the given age. Zero removes all.
func (s *CaptureStorage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if olderThan > 0 && storage.ParseTimestampFromKey(k).After(cutoff) {
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Count returns the number of stored captures
func (s *CaptureStorage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSandbox).Stats().KeyN
		return nil
	})
	return n, err
}
