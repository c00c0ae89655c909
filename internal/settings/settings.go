// Package settings persists the operator-editable automation settings.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/storage"
)

// Bucket holds the settings document. A full data reset keeps it.
const Bucket = "settings"

const keyAutomation = "automation"

// ErrInvalid wraps validation failures returned by Save
var ErrInvalid = errors.New("invalid settings")

// Settings are the runtime automation settings
type Settings struct {
	Enabled           bool                 `json:"enabled"`
	Policy            ratelimit.Policy     `json:"policy"`
	ModelID           string               `json:"model_id"`
	SenderDisplayName string               `json:"sender_display_name"`
	Criteria          eligibility.Criteria `json:"criteria"`
	UpdatedAt         time.Time            `json:"updated_at,omitempty"`
}

// Validate checks the settings
func (s Settings) Validate() error {
	if err := s.Policy.Validate(); err != nil {
		return err
	}
	for _, g := range s.Criteria.AgeGroups {
		if !g.Valid() {
			return fmt.Errorf("unknown age group: %s", g)
		}
	}
	for _, i := range s.Criteria.Interests {
		if !i.Valid() {
			return fmt.Errorf("unknown interest: %s", i)
		}
	}
	if s.Criteria.MinAge < 0 || s.Criteria.MaxAge < 0 {
		return fmt.Errorf("age range must be >= 0")
	}
	if s.Criteria.MaxAge > 0 && s.Criteria.MinAge > s.Criteria.MaxAge {
		return fmt.Errorf("min_age must be <= max_age")
	}
	return nil
}

// Store keeps the settings in the key-value store with an in-memory copy.
// The persisted document wins over the seed taken from the config file.
type Store struct {
	kv   *storage.Store
	seed Settings
	now  func() time.Time

	mu  sync.RWMutex
	cur Settings
}

// NewStore creates a settings store and loads the persisted document
func NewStore(ctx context.Context, kv *storage.Store, seed Settings) (*Store, error) {
	if err := kv.EnsureBuckets([]byte(Bucket)); err != nil {
		return nil, fmt.Errorf("failed to create settings bucket: %w", err)
	}

	s := &Store{kv: kv, seed: seed, now: time.Now, cur: seed}

	var persisted Settings
	found, err := kv.Get(ctx, Bucket, keyAutomation, &persisted)
	if err != nil {
		return nil, err
	}
	if found {
		s.cur = persisted
	}
	return s, nil
}

// Current returns the active settings
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cur)
}

// Save validates and persists new settings
func (s *Store) Save(ctx context.Context, next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	next.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, Bucket, keyAutomation, next); err != nil {
		return Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	s.cur = next
	return clone(next), nil
}

// SetEnabled persists only the enabled flag
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	next := s.Current()
	if next.Enabled == enabled {
		return nil
	}
	next.Enabled = enabled
	_, err := s.Save(ctx, next)
	return err
}

func clone(s Settings) Settings {
	c := s
	c.Criteria.Countries = append([]string(nil), s.Criteria.Countries...)
	c.Criteria.AgeGroups = append([]recipient.AgeGroup(nil), s.Criteria.AgeGroups...)
	c.Criteria.Interests = append([]recipient.Interest(nil), s.Criteria.Interests...)
	return c
}
