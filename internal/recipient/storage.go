package recipient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRecipients = []byte("recipients")

// ErrNotFound is returned when a recipient does not exist
var ErrNotFound = errors.New("recipient not found")

// Storage persists recipients in BoltDB, keyed by recipient ID
type Storage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStorage creates recipient storage on the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecipients)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recipients bucket: %w", err)
	}

	return &Storage{db: db, now: time.Now}, nil
}

// Upsert inserts new recipients or refreshes profile fields of existing
// ones. Contact counters of existing recipients are never overwritten.
func (s *Storage) Upsert(ctx context.Context, recipients ...*Recipient) (created int, err error) {
	now := s.now()

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipients)

		for i, r := range recipients {
			if r == nil {
				return fmt.Errorf("recipient %d is nil", i)
			}
			r.normalize()

			var existing Recipient
			data := b.Get([]byte(r.ID))
			if data != nil {
				if err := json.Unmarshal(data, &existing); err != nil {
					return fmt.Errorf("failed to unmarshal recipient %s: %w", r.ID, err)
				}
				r.MessageCount = existing.MessageCount
				r.LastContactedAt = existing.LastContactedAt
				r.CreatedAt = existing.CreatedAt
			} else {
				r.MessageCount = 0
				r.LastContactedAt = nil
				r.CreatedAt = now
				created++
			}
			r.UpdatedAt = now

			if err := r.Validate(); err != nil {
				return err
			}

			out, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal recipient: %w", err)
			}
			if err := b.Put([]byte(r.ID), out); err != nil {
				return fmt.Errorf("failed to store recipient: %w", err)
			}
		}
		return nil
	})

	return created, err
}

// Get retrieves a recipient by ID
func (s *Storage) Get(ctx context.Context, id string) (*Recipient, error) {
	var r *Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecipients).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		r = &Recipient{}
		return json.Unmarshal(data, r)
	})

	return r, err
}

// List returns all recipients ordered by ID
func (s *Storage) List(ctx context.Context) ([]*Recipient, error) {
	var out []*Recipient

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).ForEach(func(k, v []byte) error {
			var r Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // Skip invalid entries
			}
			out = append(out, &r)
			return nil
		})
	})

	return out, err
}

// MarkContacted records a confirmed send: increments message_count and
// sets last_contacted_at in a single transaction.
func (s *Storage) MarkContacted(ctx context.Context, id string, at time.Time) (*Recipient, error) {
	var r Recipient

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipients)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to unmarshal recipient: %w", err)
		}

		r.MessageCount++
		r.LastContactedAt = &at
		r.UpdatedAt = s.now()

		out, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("failed to marshal recipient: %w", err)
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// Count returns the number of stored recipients
func (s *Storage) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecipients).Stats().KeyN
		return nil
	})
	return n, err
}
