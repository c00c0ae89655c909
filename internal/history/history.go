package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/storage"
)

var (
	bucketDispatches = []byte("dispatch_history")
	bucketDrafts     = []byte("draft_history")
)

// Kind distinguishes dispatch records from draft records
type Kind string

const (
	// KindDispatch records one end-to-end send attempt
	KindDispatch Kind = "dispatch"
	// KindDraft records one content generation attempt
	KindDraft Kind = "draft"
)

const (
	DefaultMaxDispatchRecords = 500
	DefaultMaxDraftRecords    = 100
)

// Record is an immutable history entry
type Record struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	RecipientID   string    `json:"recipient_id"`
	RecipientName string    `json:"recipient_name"`
	Content       string    `json:"content"`
	SentAt        time.Time `json:"sent_at"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ModelUsed     string    `json:"model_used,omitempty"`
}

// Config contains history capacity settings
type Config struct {
	MaxDispatchRecords int
	MaxDraftRecords    int
}

// Storage keeps capped, append-only record lists in BoltDB.
// Keys are time-ordered so eviction removes the oldest entries first.
type Storage struct {
	db          *bolt.DB
	maxDispatch int
	maxDraft    int
}

// NewStorage creates history storage on the provided BoltDB instance
func NewStorage(db *bolt.DB, cfg Config) (*Storage, error) {
	if cfg.MaxDispatchRecords <= 0 {
		cfg.MaxDispatchRecords = DefaultMaxDispatchRecords
	}
	if cfg.MaxDraftRecords <= 0 {
		cfg.MaxDraftRecords = DefaultMaxDraftRecords
	}

	if err := storage.EnsureBuckets(db, bucketDispatches, bucketDrafts); err != nil {
		return nil, fmt.Errorf("failed to create history buckets: %w", err)
	}

	return &Storage{
		db:          db,
		maxDispatch: cfg.MaxDispatchRecords,
		maxDraft:    cfg.MaxDraftRecords,
	}, nil
}

// Append stores a new record and evicts the oldest records above capacity
func (s *Storage) Append(ctx context.Context, rec *Record) error {
	bucket, limit, err := s.bucketFor(rec.Kind)
	if err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if err := b.Put(storage.MakeIndexKey(rec.SentAt, rec.ID), data); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		return evict(b, limit)
	})
}

// ListFilter contains filters for listing records
type ListFilter struct {
	RecipientID string
	FailedOnly  bool
	Limit       int
	Offset      int
}

// List returns records of the given kind, newest first
func (s *Storage) List(ctx context.Context, kind Kind, filter ListFilter) ([]*Record, error) {
	bucket, _, err := s.bucketFor(kind)
	if err != nil {
		return nil, err
	}

	var records []*Record

	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}

			if filter.RecipientID != "" && rec.RecipientID != filter.RecipientID {
				continue
			}
			if filter.FailedOnly && rec.Success {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			records = append(records, &rec)

			if filter.Limit > 0 && len(records) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return records, err
}

// Count returns the number of stored records of the given kind
func (s *Storage) Count(ctx context.Context, kind Kind) (int, error) {
	bucket, _, err := s.bucketFor(kind)
	if err != nil {
		return 0, err
	}

	n := 0
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Storage) bucketFor(kind Kind) ([]byte, int, error) {
	switch kind {
	case KindDispatch:
		return bucketDispatches, s.maxDispatch, nil
	case KindDraft:
		return bucketDrafts, s.maxDraft, nil
	}
	return nil, 0, fmt.Errorf("unknown record kind %q", kind)
}

func evict(b *bolt.Bucket, limit int) error {
	c := b.Cursor()

	var keys [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	excess := len(keys) - limit
	for i := 0; i < excess; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return fmt.Errorf("failed to evict record: %w", err)
		}
	}
	return nil
}
