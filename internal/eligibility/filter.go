// Package eligibility selects the recipients that may be contacted now.
package eligibility

import (
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
)

// Criteria are attribute filters combined with AND.
// An empty dimension imposes no constraint.
type Criteria struct {
	Countries []string             `yaml:"countries" json:"countries,omitempty"`
	AgeGroups []recipient.AgeGroup `yaml:"age_groups" json:"age_groups,omitempty"`
	Interests []recipient.Interest `yaml:"interests" json:"interests,omitempty"`
	MinAge    int                  `yaml:"min_age" json:"min_age,omitempty"`
	MaxAge    int                  `yaml:"max_age" json:"max_age,omitempty"`
}

// Filter evaluates cooldown and attribute criteria against a clock
type Filter struct {
	now func() time.Time
}

// New creates a filter. A nil clock uses time.Now.
func New(now func() time.Time) *Filter {
	if now == nil {
		now = time.Now
	}
	return &Filter{now: now}
}

// IsEligible reports whether the recipient's cooldown has elapsed
func (f *Filter) IsEligible(r *recipient.Recipient, policy ratelimit.Policy) bool {
	if r.MessageCount == 0 || r.LastContactedAt == nil {
		return true
	}
	return f.now().Sub(*r.LastContactedAt) >= policy.WithDefaults().CooldownPerRecipient
}

// Select returns, in input order, the recipients past cooldown that
// match all criteria
func (f *Filter) Select(recipients []*recipient.Recipient, policy ratelimit.Policy, c Criteria) []*recipient.Recipient {
	m := c.matcher()
	out := make([]*recipient.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if f.IsEligible(r, policy) && m.match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Matches reports whether r satisfies all criteria, ignoring cooldown
func (c Criteria) Matches(r *recipient.Recipient) bool {
	return c.matcher().match(r)
}

// IsEmpty reports whether no criteria are configured
func (c Criteria) IsEmpty() bool {
	return len(c.Countries) == 0 && len(c.AgeGroups) == 0 && len(c.Interests) == 0 && c.MinAge == 0 && c.MaxAge == 0
}

type matcher struct {
	countries map[string]bool
	ageGroups map[recipient.AgeGroup]bool
	interests map[recipient.Interest]bool
	minAge    int
	maxAge    int
}

func (c Criteria) matcher() matcher {
	m := matcher{minAge: c.MinAge, maxAge: c.MaxAge}
	if len(c.Countries) > 0 {
		m.countries = make(map[string]bool, len(c.Countries))
		for _, v := range c.Countries {
			m.countries[strings.ToLower(strings.TrimSpace(v))] = true
		}
	}
	if len(c.AgeGroups) > 0 {
		m.ageGroups = make(map[recipient.AgeGroup]bool, len(c.AgeGroups))
		for _, v := range c.AgeGroups {
			m.ageGroups[v] = true
		}
	}
	if len(c.Interests) > 0 {
		m.interests = make(map[recipient.Interest]bool, len(c.Interests))
		for _, v := range c.Interests {
			m.interests[v] = true
		}
	}
	return m
}

func (m matcher) match(r *recipient.Recipient) bool {
	if m.countries != nil && !m.countries[strings.ToLower(r.Country)] {
		return false
	}
	if m.ageGroups != nil && !m.ageGroups[r.AgeGroup] {
		return false
	}
	if m.interests != nil && !m.anyInterest(r) {
		return false
	}
	if m.minAge > 0 || m.maxAge > 0 {
		lo, hi, ok := r.AgeGroup.Bounds()
		if !ok {
			return false
		}
		// Group range must overlap [minAge, maxAge]
		if m.minAge > 0 && hi < m.minAge {
			return false
		}
		if m.maxAge > 0 && lo > m.maxAge {
			return false
		}
	}
	return true
}

func (m matcher) anyInterest(r *recipient.Recipient) bool {
	for _, in := range r.Interests {
		if m.interests[in] {
			return true
		}
	}
	return false
}
