package lock

import (
	"time"

	"github.com/smart-lock-manager/backend/internal/slot"
)

// SlotStatus is the exported view of one slot.
type SlotStatus struct {
	Number       int              `json:"slot_number"`
	DisplayTitle string           `json:"display_title"`
	Label        slot.Label       `json:"status"`
	Color        slot.Color       `json:"color"`
	State        slot.State       `json:"state"`
	IsValidNow   bool             `json:"is_valid_now"`
	Enabled      bool             `json:"enabled"`
	UseCount     int              `json:"use_count"`
	MaxUses      int              `json:"max_uses"`
	NotifyOnUse  bool             `json:"notify_on_use"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	Rule         slot.RuleSummary `json:"rule"`
	SyncError    string           `json:"sync_error,omitempty"`
	SyncAttempts int              `json:"sync_attempts"`
}

// LockStatus is the exported view of a lock, consumed by presentation layers.
type LockStatus struct {
	LockID        string       `json:"lock_id"`
	Name          string       `json:"name"`
	Role          Role         `json:"role"`
	ParentID      string       `json:"parent_id,omitempty"`
	Slots         []SlotStatus `json:"slots"`
	ActiveCount   int          `json:"active_count"`
	ValidNowCount int          `json:"valid_now_count"`
	Usage         Stats        `json:"usage"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// Status builds the structured export for now.
func (a *Aggregate) Status(now time.Time, horizon time.Duration) LockStatus {
	snap := a.Snapshot()
	st := LockStatus{
		LockID:      snap.ID,
		Name:        snap.Name,
		Role:        snap.Role,
		ParentID:    snap.ParentID,
		Slots:       make([]SlotStatus, 0, len(snap.Slots)),
		Usage:       a.UsageStatistics(now, horizon),
		GeneratedAt: now,
	}

	for _, s := range snap.Slots {
		label, color := s.Status(now)
		valid := s.IsValidNow(now)
		if s.State == slot.StateActive {
			st.ActiveCount++
		}
		if valid {
			st.ValidNowCount++
		}
		st.Slots = append(st.Slots, SlotStatus{
			Number:       s.Number,
			DisplayTitle: s.DisplayTitle(),
			Label:        label,
			Color:        color,
			State:        s.State,
			IsValidNow:   valid,
			Enabled:      s.Enabled,
			UseCount:     s.UseCount,
			MaxUses:      s.Rule.MaxUses,
			NotifyOnUse:  s.NotifyOnUse,
			LastUsedAt:   s.LastUsedAt,
			Rule:         s.Summary(),
			SyncError:    s.SyncError,
			SyncAttempts: s.SyncAttempts,
		})
	}
	return st
}
