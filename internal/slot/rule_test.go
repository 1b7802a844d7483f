package slot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// monday is 2026-03-02 10:00 UTC, a Monday.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestUnrestrictedRuleAlwaysWithinSchedule(t *testing.T) {
	r := Unrestricted()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Every hour of two full weeks plus a few far-off instants.
	for i := 0; i < 24*14; i++ {
		assert.True(t, r.IsWithinSchedule(start.Add(time.Duration(i)*time.Hour)))
	}
	assert.True(t, r.IsWithinSchedule(time.Time{}))
	assert.True(t, r.IsWithinSchedule(time.Date(2999, 12, 31, 23, 59, 59, 0, time.UTC)))
}

func TestWeekdayMondayIsZero(t *testing.T) {
	assert.Equal(t, 0, Weekday(monday))
	assert.Equal(t, 6, Weekday(monday.AddDate(0, 0, 6)))
	assert.Equal(t, 2, Weekday(monday.AddDate(0, 0, 2)))
}

func TestIsWithinScheduleClauses(t *testing.T) {
	start := monday.Add(-time.Hour)
	end := monday.Add(time.Hour)

	tests := []struct {
		name string
		rule Rule
		now  time.Time
		want bool
	}{
		{"hour allowed", Rule{AllowedHours: []int{9, 10}, MaxUses: Unlimited}, monday, true},
		{"hour denied", Rule{AllowedHours: []int{9, 11}, MaxUses: Unlimited}, monday, false},
		{"day allowed", Rule{AllowedDays: []int{0}, MaxUses: Unlimited}, monday, true},
		{"day denied", Rule{AllowedDays: []int{5, 6}, MaxUses: Unlimited}, monday, false},
		{"inside window", Rule{StartsAt: &start, EndsAt: &end, MaxUses: Unlimited}, monday, true},
		{"before window", Rule{StartsAt: &start, MaxUses: Unlimited}, start.Add(-time.Second), false},
		{"at start", Rule{StartsAt: &start, MaxUses: Unlimited}, start, true},
		{"at end", Rule{EndsAt: &end, MaxUses: Unlimited}, end, true},
		{"after window", Rule{EndsAt: &end, MaxUses: Unlimited}, end.Add(time.Second), false},
		{"hour ok day denied", Rule{AllowedHours: []int{10}, AllowedDays: []int{1}, MaxUses: Unlimited}, monday, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.IsWithinSchedule(tt.now))
		})
	}
}

func TestNewRuleNormalizes(t *testing.T) {
	r, err := NewRule([]int{17, 9, 9, 10}, []int{4, 0, 4}, nil, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 10, 17}, r.AllowedHours)
	assert.Equal(t, []int{0, 4}, r.AllowedDays)
	assert.Equal(t, 5, r.MaxUses)
	assert.True(t, r.Restricted())
}

func TestNewRuleRejectsInvariantViolations(t *testing.T) {
	start := monday
	end := monday.Add(-time.Minute)

	tests := []struct {
		name    string
		hours   []int
		days    []int
		start   *time.Time
		end     *time.Time
		maxUses int
	}{
		{"start after end", nil, nil, &start, &end, Unlimited},
		{"start equals end", nil, nil, &start, &start, Unlimited},
		{"hour out of range", []int{24}, nil, nil, nil, Unlimited},
		{"negative hour", []int{-1}, nil, nil, nil, Unlimited},
		{"day out of range", nil, []int{7}, nil, nil, Unlimited},
		{"zero max uses", nil, nil, nil, nil, 0},
		{"max uses below unlimited", nil, nil, nil, nil, -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRule(tt.hours, tt.days, tt.start, tt.end, tt.maxUses)
			assert.ErrorIs(t, err, ErrRuleInvariant)
		})
	}
}

func TestRuleExhaustedAndExpired(t *testing.T) {
	end := monday

	limited := Rule{MaxUses: 3}
	assert.False(t, limited.Exhausted(2))
	assert.True(t, limited.Exhausted(3))
	assert.False(t, Unrestricted().Exhausted(1_000_000))

	r := Rule{EndsAt: &end, MaxUses: Unlimited}
	assert.False(t, r.Expired(end))
	assert.True(t, r.Expired(end.Add(time.Nanosecond)))
	assert.False(t, Unrestricted().Expired(end))
}

func TestRuleCloneIsDeep(t *testing.T) {
	end := monday
	r := Rule{AllowedHours: []int{1, 2}, EndsAt: &end, MaxUses: 2}
	c := r.Clone()
	require.True(t, r.Equal(c))

	c.AllowedHours[0] = 5
	*c.EndsAt = end.Add(time.Hour)
	assert.Equal(t, 1, r.AllowedHours[0])
	assert.True(t, r.EndsAt.Equal(monday))
	assert.False(t, r.Equal(c))
}
