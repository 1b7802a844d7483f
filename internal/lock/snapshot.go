package lock

import (
	"fmt"
	"time"

	"github.com/smart-lock-manager/backend/internal/slot"
)

// Snapshot is a consistent copy of a lock taken under its mutex.
type Snapshot struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	StartSlot int             `json:"start_slot"`
	SlotCount int             `json:"slot_count"`
	Role      Role            `json:"role"`
	ParentID  string          `json:"parent_id,omitempty"`
	Slots     []slot.Snapshot `json:"slots"`
}

// Config returns the lock configuration the snapshot was taken from.
func (s Snapshot) Config() Config {
	return Config{
		ID:        s.ID,
		Name:      s.Name,
		StartSlot: s.StartSlot,
		SlotCount: s.SlotCount,
		Role:      s.Role,
		ParentID:  s.ParentID,
	}
}

// Slot finds a slot by number. Missing numbers read as Empty.
func (s Snapshot) Slot(number int) slot.Snapshot {
	if i := number - s.StartSlot; i >= 0 && i < len(s.Slots) && s.Slots[i].Number == number {
		return s.Slots[i]
	}
	for _, sl := range s.Slots {
		if sl.Number == number {
			return sl
		}
	}
	return slot.Snapshot{Number: number, Rule: slot.Unrestricted()}
}

// InWindow reports whether number is inside the snapshot's slot window.
func (s Snapshot) InWindow(number int) bool {
	return number >= s.StartSlot && number < s.StartSlot+s.SlotCount
}

// Snapshot copies the lock and its window slots in ascending order.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		ID:        a.id,
		Name:      a.name,
		StartSlot: a.startSlot,
		SlotCount: a.slotCount,
		Role:      a.role,
		ParentID:  a.parentID,
		Slots:     make([]slot.Snapshot, 0, a.slotCount),
	}
	for n := a.startSlot; n < a.end(); n++ {
		snap.Slots = append(snap.Slots, a.slots[n].Snapshot())
	}
	return snap
}

// Restore rebuilds an aggregate from a snapshot and re-derives every slot's
// state for now. Slots outside the window are dropped. A child's slots are
// replicas and cannot be edited, so any rule they were saved with (from an
// earlier standalone or parent role) is reset to unrestricted.
func Restore(snap Snapshot, now time.Time) (*Aggregate, error) {
	a, err := New(snap.Config())
	if err != nil {
		return nil, err
	}
	for _, ss := range snap.Slots {
		if !snap.InWindow(ss.Number) {
			continue
		}
		if snap.Role == RoleChild {
			ss.Rule = slot.Unrestricted()
		}
		s, err := slot.Restore(ss, now)
		if err != nil {
			return nil, fmt.Errorf("restoring lock %s: %w", snap.ID, err)
		}
		a.slots[ss.Number] = s
	}
	return a, nil
}
