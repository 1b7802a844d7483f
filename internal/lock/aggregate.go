// Package lock holds the per-lock slot aggregate and the registry that
// resolves parent/child relationships by lock ID.
package lock

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/smart-lock-manager/backend/internal/slot"
)

// Role is a lock's position in a hierarchy.
type Role int

const (
	RoleStandalone Role = iota
	RoleParent
	RoleChild
)

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RoleParent:
		return "parent"
	case RoleChild:
		return "child"
	default:
		return "unknown"
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRole converts a role name. The empty string is standalone.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "standalone":
		return RoleStandalone, nil
	case "parent":
		return RoleParent, nil
	case "child":
		return RoleChild, nil
	default:
		return RoleStandalone, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Config describes a lock's identity and slot window.
type Config struct {
	ID        string
	Name      string
	StartSlot int
	SlotCount int
	Role      Role
	ParentID  string
}

// AssignArgs carries an operator's slot assignment.
type AssignArgs struct {
	Code        string
	Name        string
	Rule        slot.Rule
	NotifyOnUse bool
}

// Aggregate owns the slots of one physical lock. All methods are safe for
// concurrent use; a single mutex serializes every mutation and evaluation.
type Aggregate struct {
	mu sync.Mutex

	id        string
	name      string
	startSlot int
	slotCount int
	role      Role
	parentID  string

	// slots keeps objects beyond the window so reused numbers are
	// reinitialized rather than reallocated.
	slots map[int]*slot.CodeSlot
}

// New creates an aggregate with empty slots over its window.
func New(cfg Config) (*Aggregate, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("creating lock: empty id")
	}
	if cfg.StartSlot < 1 {
		return nil, fmt.Errorf("creating lock %s: start slot must be positive, got %d", cfg.ID, cfg.StartSlot)
	}
	if cfg.Role == RoleChild && cfg.ParentID == "" {
		return nil, fmt.Errorf("creating lock %s: %w: child without parent", cfg.ID, ErrInvalidRole)
	}
	if cfg.Role != RoleChild && cfg.ParentID != "" {
		return nil, fmt.Errorf("creating lock %s: %w: %s lock with parent %s", cfg.ID, ErrInvalidRole, cfg.Role, cfg.ParentID)
	}
	if cfg.ParentID == cfg.ID {
		return nil, fmt.Errorf("creating lock %s: %w: lock is its own parent", cfg.ID, ErrInvalidRole)
	}

	a := &Aggregate{
		id:        cfg.ID,
		name:      cfg.Name,
		startSlot: cfg.StartSlot,
		slotCount: max(cfg.SlotCount, 0),
		role:      cfg.Role,
		parentID:  cfg.ParentID,
		slots:     make(map[int]*slot.CodeSlot),
	}
	for n := a.startSlot; n < a.end(); n++ {
		a.slots[n] = slot.New(n)
	}
	return a, nil
}

func (a *Aggregate) ID() string { return a.id }

func (a *Aggregate) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

func (a *Aggregate) Role() Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

func (a *Aggregate) ParentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parentID
}

// Window returns the first slot number and the slot count.
func (a *Aggregate) Window() (start, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startSlot, a.slotCount
}

// Detach turns a child into a standalone lock. Its slots become operator
// editable and are no longer reconciled.
func (a *Aggregate) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.role == RoleChild {
		a.role = RoleStandalone
		a.parentID = ""
	}
}

func (a *Aggregate) end() int {
	return a.startSlot + a.slotCount
}

// slotLocked returns the slot at number if it is inside the window.
func (a *Aggregate) slotLocked(number int) (*slot.CodeSlot, error) {
	if number < a.startSlot || number >= a.end() {
		return nil, fmt.Errorf("lock %s slot %d (window %d-%d): %w",
			a.id, number, a.startSlot, a.end()-1, ErrSlotOutOfRange)
	}
	return a.slots[number], nil
}

// editableLocked is slotLocked for operator edits.
func (a *Aggregate) editableLocked(number int) (*slot.CodeSlot, error) {
	if a.role == RoleChild {
		return nil, fmt.Errorf("lock %s: %w", a.id, ErrChildReadOnly)
	}
	return a.slotLocked(number)
}

// SetSlot assigns a code to a slot inside the window.
func (a *Aggregate) SetSlot(number int, args AssignArgs, now time.Time) (slot.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.editableLocked(number)
	if err != nil {
		return slot.Snapshot{}, err
	}
	if err := s.AssignCode(args.Code, args.Name, args.Rule, now); err != nil {
		return slot.Snapshot{}, fmt.Errorf("lock %s slot %d: %w", a.id, number, err)
	}
	s.SetNotifyOnUse(args.NotifyOnUse)
	return s.Snapshot(), nil
}

// ClearSlot removes the code from a slot.
func (a *Aggregate) ClearSlot(number int) (slot.Snapshot, error) {
	return a.edit(number, func(s *slot.CodeSlot) error {
		s.Clear()
		return nil
	})
}

// EnableSlot turns a slot's manual switch on.
func (a *Aggregate) EnableSlot(number int, now time.Time) (slot.Snapshot, error) {
	return a.edit(number, func(s *slot.CodeSlot) error {
		return s.Enable(now)
	})
}

// DisableSlot turns a slot's manual switch off.
func (a *Aggregate) DisableSlot(number int, now time.Time) (slot.Snapshot, error) {
	return a.edit(number, func(s *slot.CodeSlot) error {
		s.Disable(now)
		return nil
	})
}

// ResetUsage zeroes a slot's usage counter.
func (a *Aggregate) ResetUsage(number int, now time.Time) (slot.Snapshot, error) {
	return a.edit(number, func(s *slot.CodeSlot) error {
		s.ResetUsage(now)
		return nil
	})
}

// SetNotifyOnUse toggles use notifications for a slot.
func (a *Aggregate) SetNotifyOnUse(number int, notify bool) (slot.Snapshot, error) {
	return a.edit(number, func(s *slot.CodeSlot) error {
		s.SetNotifyOnUse(notify)
		return nil
	})
}

func (a *Aggregate) edit(number int, fn func(s *slot.CodeSlot) error) (slot.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.editableLocked(number)
	if err != nil {
		return slot.Snapshot{}, err
	}
	if err := fn(s); err != nil {
		return slot.Snapshot{}, fmt.Errorf("lock %s slot %d: %w", a.id, number, err)
	}
	return s.Snapshot(), nil
}

// RecordUse counts one unlock by the code in number. Usage is tracked per
// physical lock, so children record their own uses.
func (a *Aggregate) RecordUse(number int, now time.Time) (slot.Snapshot, error) {
	return a.update(number, func(s *slot.CodeSlot) error {
		return s.RecordUse(now)
	})
}

// ApplyMirror records a device-confirmed replica update from the parent.
func (a *Aggregate) ApplyMirror(number int, code, name string, enabled bool, now time.Time) (slot.Snapshot, error) {
	return a.update(number, func(s *slot.CodeSlot) error {
		if err := s.Mirror(code, name, enabled, now); err != nil {
			return err
		}
		s.MarkSynced()
		return nil
	})
}

// ApplyClear records a device-confirmed clear.
func (a *Aggregate) ApplyClear(number int) (slot.Snapshot, error) {
	return a.update(number, func(s *slot.CodeSlot) error {
		s.Clear()
		s.MarkSynced()
		return nil
	})
}

// MarkSynced records that the device holds the slot's desired state.
func (a *Aggregate) MarkSynced(number int) (slot.Snapshot, error) {
	return a.update(number, func(s *slot.CodeSlot) error {
		s.MarkSynced()
		return nil
	})
}

// MarkSyncError flags a slot as degraded after a failed device operation.
func (a *Aggregate) MarkSyncError(number int, reason string) (slot.Snapshot, error) {
	return a.update(number, func(s *slot.CodeSlot) error {
		s.MarkSyncError(reason)
		return nil
	})
}

// ClearSyncError drops a stale degraded flag once the slot is consistent.
func (a *Aggregate) ClearSyncError(number int) (slot.Snapshot, error) {
	return a.update(number, func(s *slot.CodeSlot) error {
		s.ClearSyncError()
		return nil
	})
}

// RearmSync gives every slot that ran out of sync attempts a fresh budget
// and returns their numbers.
func (a *Aggregate) RearmSync() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var numbers []int
	for n := a.startSlot; n < a.end(); n++ {
		s := a.slots[n]
		if s.SyncExhausted() && s.Rearm() {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// RearmSlot resets one slot's sync attempts. Numbers outside the window are
// ignored.
func (a *Aggregate) RearmSlot(number int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, err := a.slotLocked(number); err == nil {
		s.Rearm()
	}
}

func (a *Aggregate) update(number int, fn func(s *slot.CodeSlot) error) (slot.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.slotLocked(number)
	if err != nil {
		return slot.Snapshot{}, err
	}
	if err := fn(s); err != nil {
		return slot.Snapshot{}, fmt.Errorf("lock %s slot %d: %w", a.id, number, err)
	}
	return s.Snapshot(), nil
}

// Resize changes the slot count. Slots at or above the new ceiling are
// cleared, which is irreversible. Negative counts clamp to zero. It returns
// the numbers of slots that lost a code.
func (a *Aggregate) Resize(newCount int, now time.Time) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	newCount = max(newCount, 0)
	a.slotCount = newCount

	var cleared []int
	for n, s := range a.slots {
		if n < a.end() {
			continue
		}
		if s.Occupied() {
			cleared = append(cleared, n)
		}
		s.Clear()
	}
	slices.Sort(cleared)

	for n := a.startSlot; n < a.end(); n++ {
		if _, ok := a.slots[n]; !ok {
			a.slots[n] = slot.New(n)
		}
		a.slots[n].Evaluate(now)
	}
	return cleared
}

// Evaluate re-derives every slot's state for now and returns the numbers
// whose state changed.
func (a *Aggregate) Evaluate(now time.Time) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var changed []int
	for n := a.startSlot; n < a.end(); n++ {
		if a.slots[n].Evaluate(now) {
			changed = append(changed, n)
		}
	}
	return changed
}

// ActiveSlots yields Active slots in ascending slot order. The sequence is
// lazy and may be ranged more than once; the lock is held only while each
// step looks up the next slot.
func (a *Aggregate) ActiveSlots() iter.Seq[slot.Snapshot] {
	return func(yield func(slot.Snapshot) bool) {
		prev := 0
		for {
			snap, ok := a.nextActive(prev)
			if !ok || !yield(snap) {
				return
			}
			prev = snap.Number
		}
	}
}

func (a *Aggregate) nextActive(after int) (slot.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := max(after+1, a.startSlot); n < a.end(); n++ {
		if s := a.slots[n]; s.State() == slot.StateActive {
			return s.Snapshot(), true
		}
	}
	return slot.Snapshot{}, false
}

// Slot returns a copy of one slot. Slots cleared by a shrink stay readable
// as Empty.
func (a *Aggregate) Slot(number int) (slot.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.slots[number]; ok {
		return s.Snapshot(), nil
	}
	_, err := a.slotLocked(number)
	return slot.Snapshot{}, err
}
