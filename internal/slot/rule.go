// Package slot models a single PIN code slot on a lock: the access rule that
// governs when its code may work and the state machine that tracks it.
package slot

import (
	"fmt"
	"slices"
	"time"
)

// Unlimited is the MaxUses value for a rule without a usage cap.
const Unlimited = -1

// Rule is the time and usage policy attached to a slot. A Rule is a value:
// edits replace it wholesale rather than mutating it.
type Rule struct {
	// AllowedHours lists the hours (0-23) the code works. Empty means all hours.
	AllowedHours []int `json:"allowed_hours,omitempty"`

	// AllowedDays lists weekdays with Monday=0 and Sunday=6. Empty means all days.
	AllowedDays []int `json:"allowed_days,omitempty"`

	// StartsAt and EndsAt bound the validity window. Nil is unbounded.
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	// MaxUses caps successful unlocks; Unlimited disables the cap.
	MaxUses int `json:"max_uses"`
}

// Unrestricted returns the default rule: every hour, every day, no date
// bounds, unlimited uses.
func Unrestricted() Rule {
	return Rule{MaxUses: Unlimited}
}

// NewRule builds a validated rule. Hours and days are de-duplicated and sorted.
func NewRule(hours, days []int, startsAt, endsAt *time.Time, maxUses int) (Rule, error) {
	r := Rule{
		AllowedHours: normalize(hours),
		AllowedDays:  normalize(days),
		StartsAt:     copyTime(startsAt),
		EndsAt:       copyTime(endsAt),
		MaxUses:      maxUses,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Validate checks the rule invariants.
func (r Rule) Validate() error {
	for _, h := range r.AllowedHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: hour %d outside 0-23", ErrRuleInvariant, h)
		}
	}
	for _, d := range r.AllowedDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day %d outside 0-6", ErrRuleInvariant, d)
		}
	}
	if r.StartsAt != nil && r.EndsAt != nil && !r.StartsAt.Before(*r.EndsAt) {
		return fmt.Errorf("%w: start %s is not before end %s",
			ErrRuleInvariant, r.StartsAt.Format(time.RFC3339), r.EndsAt.Format(time.RFC3339))
	}
	if r.MaxUses == 0 || r.MaxUses < Unlimited {
		return fmt.Errorf("%w: max uses %d (use %d for unlimited)", ErrRuleInvariant, r.MaxUses, Unlimited)
	}
	return nil
}

// IsWithinSchedule reports whether the hour, weekday and date-range clauses
// all hold at now. The clauses are independent; any one failing fails the rule.
// Callers pass now already converted to the lock's time zone.
func (r Rule) IsWithinSchedule(now time.Time) bool {
	if len(r.AllowedHours) > 0 && !slices.Contains(r.AllowedHours, now.Hour()) {
		return false
	}
	if len(r.AllowedDays) > 0 && !slices.Contains(r.AllowedDays, Weekday(now)) {
		return false
	}
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return false
	}
	return true
}

// IsUnlimited reports whether the rule has no usage cap.
func (r Rule) IsUnlimited() bool {
	return r.MaxUses == Unlimited
}

// Exhausted reports whether useCount has consumed the usage budget.
func (r Rule) Exhausted(useCount int) bool {
	return !r.IsUnlimited() && useCount >= r.MaxUses
}

// Expired reports whether the end of the validity window has passed. An
// expired rule can never become valid again.
func (r Rule) Expired(now time.Time) bool {
	return r.EndsAt != nil && now.After(*r.EndsAt)
}

// Restricted reports whether any clause narrows the rule.
func (r Rule) Restricted() bool {
	return len(r.AllowedHours) > 0 || len(r.AllowedDays) > 0 ||
		r.StartsAt != nil || r.EndsAt != nil || !r.IsUnlimited()
}

// Equal compares two rules clause by clause.
func (r Rule) Equal(o Rule) bool {
	return slices.Equal(r.AllowedHours, o.AllowedHours) &&
		slices.Equal(r.AllowedDays, o.AllowedDays) &&
		timePtrEqual(r.StartsAt, o.StartsAt) &&
		timePtrEqual(r.EndsAt, o.EndsAt) &&
		r.MaxUses == o.MaxUses
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	return Rule{
		AllowedHours: slices.Clone(r.AllowedHours),
		AllowedDays:  slices.Clone(r.AllowedDays),
		StartsAt:     copyTime(r.StartsAt),
		EndsAt:       copyTime(r.EndsAt),
		MaxUses:      r.MaxUses,
	}
}

// Weekday returns the weekday of t with Monday=0 and Sunday=6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func normalize(values []int) []int {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
