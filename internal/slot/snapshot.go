package slot

import (
	"fmt"
	"time"
)

// Snapshot is an immutable copy of a slot, used for persistence, diffs and
// status export.
type Snapshot struct {
	Number       int        `json:"slot_number"`
	Code         string     `json:"code,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Rule         Rule       `json:"rule"`
	Enabled      bool       `json:"enabled"`
	UseCount     int        `json:"use_count"`
	NotifyOnUse  bool       `json:"notify_on_use"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	State        State      `json:"state"`
	Synced       bool       `json:"synced"`
	SyncError    string     `json:"sync_error,omitempty"`
	SyncAttempts int        `json:"sync_attempts"`
}

// Occupied reports whether the snapshot holds a code.
func (s Snapshot) Occupied() bool {
	return s.Code != ""
}

// SyncExhausted reports whether syncs stopped retrying the slot.
func (s Snapshot) SyncExhausted() bool {
	return s.SyncAttempts >= MaxSyncAttempts
}

// Snapshot copies the slot.
func (s *CodeSlot) Snapshot() Snapshot {
	return Snapshot{
		Number:       s.number,
		Code:         s.code,
		DisplayName:  s.name,
		Rule:         s.rule.Clone(),
		Enabled:      s.enabled,
		UseCount:     s.useCount,
		NotifyOnUse:  s.notifyOnUse,
		CreatedAt:    timePtr(s.createdAt),
		LastUsedAt:   timePtr(s.lastUsedAt),
		State:        s.state,
		Synced:       s.synced,
		SyncError:    s.syncError,
		SyncAttempts: s.syncAttempts,
	}
}

// Restore rebuilds a slot from a snapshot and re-derives its state for now.
func Restore(snap Snapshot, now time.Time) (*CodeSlot, error) {
	if snap.Number <= 0 {
		return nil, fmt.Errorf("restoring slot: invalid slot number %d", snap.Number)
	}
	s := New(snap.Number)
	if snap.SyncAttempts < 0 {
		return nil, fmt.Errorf("restoring slot %d: negative sync attempts %d", snap.Number, snap.SyncAttempts)
	}
	s.syncAttempts = snap.SyncAttempts
	if snap.Code == "" {
		s.synced = snap.Synced
		s.syncError = snap.SyncError
		return s, nil
	}
	if err := ValidateCode(snap.Code); err != nil {
		return nil, fmt.Errorf("restoring slot %d: %w", snap.Number, err)
	}
	if err := snap.Rule.Validate(); err != nil {
		return nil, fmt.Errorf("restoring slot %d: %w", snap.Number, err)
	}
	if snap.UseCount < 0 {
		return nil, fmt.Errorf("restoring slot %d: negative use count %d", snap.Number, snap.UseCount)
	}

	s.code = snap.Code
	s.name = snap.DisplayName
	s.rule = snap.Rule.Clone()
	s.enabled = snap.Enabled
	s.useCount = snap.UseCount
	s.notifyOnUse = snap.NotifyOnUse
	if snap.CreatedAt != nil {
		s.createdAt = *snap.CreatedAt
	}
	if snap.LastUsedAt != nil {
		s.lastUsedAt = *snap.LastUsedAt
	}
	s.synced = snap.Synced
	s.syncError = snap.SyncError
	s.state = snap.State
	s.Evaluate(now)
	return s, nil
}

// Preview returns the state a slot would reach after mirroring code, name and
// enabled at now, without mutating anything.
func Preview(snap Snapshot, code, name string, enabled bool, now time.Time) (State, error) {
	s, err := Restore(snap, now)
	if err != nil {
		return StateEmpty, err
	}
	if err := s.Mirror(code, name, enabled, now); err != nil {
		return StateEmpty, err
	}
	return s.state, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
