package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/ledger"
)

// DefaultCooldown is the per-recipient cooldown used when none is configured
const DefaultCooldown = 7 * 24 * time.Hour

// Reason explains why admission was denied
type Reason string

const (
	ReasonDailyLimit  Reason = "daily limit"
	ReasonHourlyLimit Reason = "hourly limit"
)

// Policy contains the send budget and pacing configuration.
// A zero cap denies every send in that window.
type Policy struct {
	MaxPerHour           int           `yaml:"max_per_hour" json:"max_per_hour"`
	MaxPerDay            int           `yaml:"max_per_day" json:"max_per_day"`
	MinDelayBetweenSends time.Duration `yaml:"min_delay" json:"min_delay"`
	CooldownPerRecipient time.Duration `yaml:"cooldown" json:"cooldown"`
}

// WithDefaults fills unset optional fields
func (p Policy) WithDefaults() Policy {
	if p.CooldownPerRecipient == 0 {
		p.CooldownPerRecipient = DefaultCooldown
	}
	return p
}

// Validate checks that all values are non-negative
func (p Policy) Validate() error {
	if p.MaxPerHour < 0 {
		return fmt.Errorf("max_per_hour must be >= 0")
	}
	if p.MaxPerDay < 0 {
		return fmt.Errorf("max_per_day must be >= 0")
	}
	if p.MinDelayBetweenSends < 0 {
		return fmt.Errorf("min_delay must be >= 0")
	}
	if p.CooldownPerRecipient < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	return nil
}

// Decision is the admission result for the next send
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Budget reports remaining capacity in each window
type Budget struct {
	Stats         ledger.UsageStats `json:"stats"`
	Policy        Policy            `json:"policy"`
	RemainingHour int               `json:"remaining_hour"`
	RemainingDay  int               `json:"remaining_day"`
	NextAllowedAt time.Time         `json:"next_allowed_at"`
}

// StatsReader provides the usage counters the limiter evaluates
type StatsReader interface {
	Current(ctx context.Context) (ledger.UsageStats, error)
	Now() time.Time
	Location() *time.Location
}

// Limiter decides admission from the ledger and the configured caps.
// It never mutates the ledger; callers record outcomes after a real send.
type Limiter struct {
	stats  StatsReader
	policy Policy
	mu     sync.RWMutex
}

// NewLimiter creates a new rate limiter
func NewLimiter(stats StatsReader, policy Policy) *Limiter {
	return &Limiter{
		stats:  stats,
		policy: policy.WithDefaults(),
	}
}

// SetPolicy replaces the active policy
func (l *Limiter) SetPolicy(p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p.WithDefaults()
}

// Policy returns the active policy
func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// CanSend checks whether the next send is within budget
func (l *Limiter) CanSend(ctx context.Context) (*Decision, error) {
	stats, err := l.stats.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage stats: %w", err)
	}

	d := Evaluate(stats, l.Policy(), l.stats.Now(), l.stats.Location())
	return &d, nil
}

// Estimate returns the remaining budget and the earliest time a send
// would be admitted
func (l *Limiter) Estimate(ctx context.Context) (*Budget, error) {
	stats, err := l.stats.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage stats: %w", err)
	}

	policy := l.Policy()
	now := l.stats.Now()
	d := Evaluate(stats, policy, now, l.stats.Location())

	return &Budget{
		Stats:         stats,
		Policy:        policy,
		RemainingHour: remaining(policy.MaxPerHour, stats.SentInCurrentHour),
		RemainingDay:  remaining(policy.MaxPerDay, stats.SentInCurrentDay),
		NextAllowedAt: now.Add(d.RetryAfter),
	}, nil
}

// Evaluate applies the caps to already rolled-over stats.
// The daily limit is checked before the hourly limit.
func Evaluate(stats ledger.UsageStats, policy Policy, now time.Time, loc *time.Location) Decision {
	if stats.SentInCurrentDay >= policy.MaxPerDay {
		return Decision{
			Allowed:    false,
			Reason:     ReasonDailyLimit,
			RetryAfter: ledger.NextDayStart(now, loc).Sub(now),
		}
	}

	if stats.SentInCurrentHour >= policy.MaxPerHour {
		var retry time.Duration
		if stats.LastSentAt != nil {
			retry = stats.LastSentAt.Add(time.Hour).Sub(now)
			if retry < 0 {
				retry = 0
			}
		}
		return Decision{
			Allowed:    false,
			Reason:     ReasonHourlyLimit,
			RetryAfter: retry,
		}
	}

	return Decision{Allowed: true}
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
