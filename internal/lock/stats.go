package lock

import (
	"time"

	"github.com/smart-lock-manager/backend/internal/slot"
)

// DefaultStatsHorizon is the look-ahead for expiring slots.
const DefaultStatsHorizon = 7 * 24 * time.Hour

// SlotUse identifies a slot by its usage.
type SlotUse struct {
	Slot     int    `json:"slot_number"`
	Name     string `json:"name,omitempty"`
	UseCount int    `json:"use_count"`
}

// Stats aggregates usage over a lock's occupied slots.
type Stats struct {
	OccupiedSlots int      `json:"occupied_slots"`
	ActiveUsers   int      `json:"active_users"`
	TotalUses     int      `json:"total_uses"`
	MostUsed      *SlotUse `json:"most_used,omitempty"`
	LeastUsed     *SlotUse `json:"least_used,omitempty"`
	ExpiringSoon  []int    `json:"expiring_soon,omitempty"`
	LimitedSlots  int      `json:"limited_slots"`
	ExpiredSlots  int      `json:"expired_slots"`
}

// UsageStatistics computes Stats in one pass. Ties for most and least used
// go to the lowest slot number. A slot is expiring soon when its end falls in
// (now, now+horizon]; a non-positive horizon means DefaultStatsHorizon.
func (a *Aggregate) UsageStatistics(now time.Time, horizon time.Duration) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if horizon <= 0 {
		horizon = DefaultStatsHorizon
	}
	until := now.Add(horizon)

	var st Stats
	for n := a.startSlot; n < a.end(); n++ {
		s := a.slots[n]
		if !s.Occupied() {
			continue
		}
		st.OccupiedSlots++
		st.TotalUses += s.UseCount()
		if s.State() == slot.StateActive {
			st.ActiveUsers++
		}

		use := SlotUse{Slot: n, Name: s.DisplayName(), UseCount: s.UseCount()}
		if st.MostUsed == nil || use.UseCount > st.MostUsed.UseCount {
			st.MostUsed = &use
		}
		if st.LeastUsed == nil || use.UseCount < st.LeastUsed.UseCount {
			least := use
			st.LeastUsed = &least
		}

		r := s.Rule()
		if !r.IsUnlimited() {
			st.LimitedSlots++
		}
		if r.Expired(now) {
			st.ExpiredSlots++
		} else if r.EndsAt != nil && r.EndsAt.After(now) && !r.EndsAt.After(until) {
			st.ExpiringSoon = append(st.ExpiringSoon, n)
		}
	}
	return st
}
