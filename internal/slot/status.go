package slot

import (
	"fmt"
	"time"
)

// Label names the status a presentation layer should show for a slot.
type Label string

const (
	LabelEmpty         Label = "empty"
	LabelDisabling     Label = "disabling"
	LabelDisabled      Label = "disabled"
	LabelExpired       Label = "expired"
	LabelExhausted     Label = "exhausted"
	LabelOutsideHours  Label = "outside_hours"
	LabelSyncError     Label = "sync_error"
	LabelSynchronizing Label = "synchronizing"
	LabelSynchronized  Label = "synchronized"
)

// Color is the status color class. Rendering is up to the caller.
type Color string

const (
	ColorGrey  Color = "grey"
	ColorAmber Color = "amber"
	ColorBlue  Color = "blue"
	ColorRed   Color = "red"
	ColorGreen Color = "green"
)

var dayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// IsValidNow reports whether the code should open the lock at now.
func (s Snapshot) IsValidNow(now time.Time) bool {
	return s.Occupied() && s.Enabled && s.Rule.IsWithinSchedule(now) && !s.Rule.Exhausted(s.UseCount)
}

// Status derives the label and color for the slot at now.
func (s Snapshot) Status(now time.Time) (Label, Color) {
	if !s.Occupied() {
		return LabelEmpty, ColorGrey
	}

	if !s.Enabled {
		switch {
		case s.Rule.Expired(now):
			return LabelExpired, ColorGrey
		case s.Rule.Exhausted(s.UseCount):
			return LabelExhausted, ColorGrey
		case s.SyncError != "":
			return LabelSyncError, ColorRed
		case !s.Synced:
			// Still has to be removed from the device.
			return LabelDisabling, ColorAmber
		default:
			return LabelDisabled, ColorGrey
		}
	}

	if s.Rule.Exhausted(s.UseCount) {
		return LabelExhausted, ColorGrey
	}
	if !s.Rule.IsWithinSchedule(now) {
		return LabelOutsideHours, ColorBlue
	}
	if s.SyncError != "" {
		return LabelSyncError, ColorRed
	}
	if !s.Synced {
		return LabelSynchronizing, ColorAmber
	}
	return LabelSynchronized, ColorGreen
}

// DisplayTitle renders "Slot N: Name", or "Slot N:" for unnamed slots.
func (s Snapshot) DisplayTitle() string {
	if s.DisplayName != "" {
		return fmt.Sprintf("Slot %d: %s", s.Number, s.DisplayName)
	}
	return fmt.Sprintf("Slot %d:", s.Number)
}

// RuleSummary is a structured description of a slot's rule.
type RuleSummary struct {
	Restricted    bool       `json:"restricted"`
	Days          []string   `json:"days,omitempty"`
	Hours         string     `json:"hours,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	MaxUses       int        `json:"max_uses"`
	UsesRemaining *int       `json:"uses_remaining,omitempty"`
	UsagePercent  float64    `json:"usage_percent"`
}

// Summary describes the rule against the slot's current usage.
func (s Snapshot) Summary() RuleSummary {
	r := s.Rule
	sum := RuleSummary{
		Restricted: r.Restricted(),
		StartsAt:   copyTime(r.StartsAt),
		EndsAt:     copyTime(r.EndsAt),
		MaxUses:    r.MaxUses,
	}
	for _, d := range r.AllowedDays {
		sum.Days = append(sum.Days, dayNames[d])
	}
	if n := len(r.AllowedHours); n > 0 {
		sum.Hours = fmt.Sprintf("%02d:00-%02d:00", r.AllowedHours[0], r.AllowedHours[n-1]+1)
	}
	if !r.IsUnlimited() {
		remaining := max(r.MaxUses-s.UseCount, 0)
		sum.UsesRemaining = &remaining
		sum.UsagePercent = float64(s.UseCount) / float64(r.MaxUses) * 100
	}
	return sum
}
