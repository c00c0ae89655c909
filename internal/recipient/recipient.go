package recipient

import (
	"fmt"
	"strings"
	"time"
)

// AgeGroup is a coarse age bracket
type AgeGroup string

const (
	Age18to25  AgeGroup = "18-25"
	Age26to35  AgeGroup = "26-35"
	Age36to45  AgeGroup = "36-45"
	Age46to55  AgeGroup = "46-55"
	Age56Plus  AgeGroup = "56+"
	AgeUnknown AgeGroup = "unknown"
)

// Bounds returns the inclusive numeric bounds of the group.
// ok is false for AgeUnknown and unrecognized values.
func (g AgeGroup) Bounds() (lo, hi int, ok bool) {
	switch g {
	case Age18to25:
		return 18, 25, true
	case Age26to35:
		return 26, 35, true
	case Age36to45:
		return 36, 45, true
	case Age46to55:
		return 46, 55, true
	case Age56Plus:
		return 56, 200, true
	}
	return 0, 0, false
}

// Valid reports whether g is one of the known groups
func (g AgeGroup) Valid() bool {
	switch g {
	case Age18to25, Age26to35, Age36to45, Age46to55, Age56Plus, AgeUnknown:
		return true
	}
	return false
}

// Interest is an enumerated interest tag
type Interest string

const (
	InterestTechnology Interest = "technology"
	InterestBusiness   Interest = "business"
	InterestMarketing  Interest = "marketing"
	InterestDesign     Interest = "design"
	InterestFinance    Interest = "finance"
	InterestHealth     Interest = "health"
	InterestEducation  Interest = "education"
	InterestSports     Interest = "sports"
	InterestTravel     Interest = "travel"
	InterestMusic      Interest = "music"
	InterestArt        Interest = "art"
	InterestScience    Interest = "science"
	InterestGaming     Interest = "gaming"
	InterestFood       Interest = "food"
	InterestOther      Interest = "other"
)

var knownInterests = map[Interest]bool{
	InterestTechnology: true, InterestBusiness: true, InterestMarketing: true,
	InterestDesign: true, InterestFinance: true, InterestHealth: true,
	InterestEducation: true, InterestSports: true, InterestTravel: true,
	InterestMusic: true, InterestArt: true, InterestScience: true,
	InterestGaming: true, InterestFood: true, InterestOther: true,
}

// Valid reports whether i is a known interest tag
func (i Interest) Valid() bool {
	return knownInterests[i]
}

// Recipient is a contact that can receive an outbound message
type Recipient struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Country         string     `json:"country,omitempty"`
	AgeGroup        AgeGroup   `json:"age_group"`
	Interests       []Interest `json:"interests,omitempty"`
	Bio             string     `json:"bio,omitempty"`
	Email           string     `json:"email,omitempty"`
	ProfileURL      string     `json:"profile_url,omitempty"`
	MessageCount    int        `json:"message_count"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks identity fields and the contact counter invariant
func (r *Recipient) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("recipient id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("recipient %s: name is required", r.ID)
	}
	if r.AgeGroup != "" && !r.AgeGroup.Valid() {
		return fmt.Errorf("recipient %s: invalid age group %q", r.ID, r.AgeGroup)
	}
	for _, in := range r.Interests {
		if !in.Valid() {
			return fmt.Errorf("recipient %s: unknown interest %q", r.ID, in)
		}
	}
	if r.MessageCount < 0 {
		return fmt.Errorf("recipient %s: message_count must be >= 0", r.ID)
	}
	if (r.MessageCount > 0) != (r.LastContactedAt != nil) {
		return fmt.Errorf("recipient %s: last_contacted_at must be set iff message_count > 0", r.ID)
	}
	return nil
}

// HasInterest reports whether r is tagged with in
func (r *Recipient) HasInterest(in Interest) bool {
	for _, v := range r.Interests {
		if v == in {
			return true
		}
	}
	return false
}

// FirstName returns the first word of the display name
func (r *Recipient) FirstName() string {
	fields := strings.Fields(r.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Summary renders the profile as plain text for content generation
func (r *Recipient) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", r.Name)
	if r.Country != "" {
		fmt.Fprintf(&b, "Country: %s\n", r.Country)
	}
	if r.AgeGroup != "" && r.AgeGroup != AgeUnknown {
		fmt.Fprintf(&b, "Age group: %s\n", r.AgeGroup)
	}
	if len(r.Interests) > 0 {
		tags := make([]string, len(r.Interests))
		for i, in := range r.Interests {
			tags[i] = string(in)
		}
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(tags, ", "))
	}
	if r.Bio != "" {
		fmt.Fprintf(&b, "Bio: %s\n", r.Bio)
	}
	return b.String()
}

func (r *Recipient) normalize() {
	if r.AgeGroup == "" {
		r.AgeGroup = AgeUnknown
	}
	r.Country = strings.TrimSpace(r.Country)
	r.Name = strings.TrimSpace(r.Name)
}
