package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsage = []byte("usage_stats")
	keyCurrent  = []byte("current")
)

// UsageStats holds lifetime and windowed send counters
type UsageStats struct {
	TotalSent         int64      `json:"total_sent"`
	TotalFailed       int64      `json:"total_failed"`
	SentInCurrentHour int        `json:"sent_in_current_hour"`
	SentInCurrentDay  int        `json:"sent_in_current_day"`
	LastSentAt        *time.Time `json:"last_sent_at,omitempty"`
}

// Config contains ledger configuration
type Config struct {
	// Location defines calendar days for the daily window. Default: time.Local
	Location *time.Location

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Ledger is the durable store of usage counters.
// Windows are recomputed from LastSentAt on every access, so counters stay
// correct after the process was down across a window boundary.
type Ledger struct {
	db  *bolt.DB
	loc *time.Location
	now func() time.Time
	mu  sync.Mutex
}

// New creates a ledger on the provided BoltDB instance
func New(db *bolt.DB, cfg Config) (*Ledger, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUsage)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create usage bucket: %w", err)
	}

	return &Ledger{
		db:  db,
		loc: cfg.Location,
		now: cfg.Now,
	}, nil
}

// Now returns the current time according to the ledger clock
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Location returns the reference timezone for daily windows
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Current returns the counters with window rollover applied
func (l *Ledger) Current(ctx context.Context) (UsageStats, error) {
	var stats UsageStats

	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		stats, err = load(tx)
		return err
	})
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to read usage stats: %w", err)
	}

	return rollover(stats, l.now(), l.loc), nil
}

// RecordSuccess counts a delivered message against all windows
func (l *Ledger) RecordSuccess(ctx context.Context) (UsageStats, error) {
	return l.mutate(func(s *UsageStats, now time.Time) {
		s.TotalSent++
		s.SentInCurrentHour++
		s.SentInCurrentDay++
		s.LastSentAt = &now
	})
}

// RecordFailure counts a failed attempt. It does not consume send budget.
func (l *Ledger) RecordFailure(ctx context.Context) (UsageStats, error) {
	return l.mutate(func(s *UsageStats, _ time.Time) {
		s.TotalFailed++
	})
}

// Reset zeroes all counters
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bolt.Tx) error {
		return store(tx, UsageStats{})
	})
	if err != nil {
		return fmt.Errorf("failed to reset usage stats: %w", err)
	}
	return nil
}

// mutate applies fn and persists the result in one write transaction
func (l *Ledger) mutate(fn func(s *UsageStats, now time.Time)) (UsageStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var stats UsageStats

	err := l.db.Update(func(tx *bolt.Tx) error {
		current, err := load(tx)
		if err != nil {
			return err
		}
		stats = rollover(current, now, l.loc)
		fn(&stats, now)
		return store(tx, stats)
	})
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to update usage stats: %w", err)
	}

	return stats, nil
}

func rollover(s UsageStats, now time.Time, loc *time.Location) UsageStats {
	if s.LastSentAt == nil {
		s.SentInCurrentHour = 0
		s.SentInCurrentDay = 0
		return s
	}

	if !sameDay(*s.LastSentAt, now, loc) {
		s.SentInCurrentDay = 0
	}
	if now.Sub(*s.LastSentAt) >= time.Hour {
		s.SentInCurrentHour = 0
	}
	return s
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// NextDayStart returns the next midnight after t in loc
func NextDayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func load(tx *bolt.Tx) (UsageStats, error) {
	var s UsageStats
	b := tx.Bucket(bucketUsage)
	if b == nil {
		return s, nil
	}
	data := b.Get(keyCurrent)
	if data == nil {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal usage stats: %w", err)
	}
	return s, nil
}

func store(tx *bolt.Tx, s UsageStats) error {
	b, err := tx.CreateBucketIfNotExists(bucketUsage)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal usage stats: %w", err)
	}
	return b.Put(keyCurrent, data)
}
