// Package hierarchy keeps locks consistent: child locks with their parent's
// slot records, and every lock with the codes its device actually holds.
package hierarchy

import (
	"fmt"
	"slices"

	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// ActionKind is the type of corrective operation.
type ActionKind int

const (
	ActionNoOp ActionKind = iota
	ActionWriteCode
	ActionClearSlot
)

func (k ActionKind) String() string {
	switch k {
	case ActionNoOp:
		return "noop"
	case ActionWriteCode:
		return "write_code"
	case ActionClearSlot:
		return "clear_slot"
	default:
		return "unknown"
	}
}

// Action is one corrective operation for one slot.
type Action struct {
	Kind    ActionKind
	Slot    int
	Code    string
	Name    string
	Enabled bool
}

// String describes the action without the code.
func (a Action) String() string {
	if a.Kind == ActionWriteCode {
		return fmt.Sprintf("%s(%d, %q, enabled=%t)", a.Kind, a.Slot, a.Name, a.Enabled)
	}
	return fmt.Sprintf("%s(%d)", a.Kind, a.Slot)
}

// Pending drops NoOp actions.
func Pending(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a.Kind != ActionNoOp {
			out = append(out, a)
		}
	}
	return out
}

// ReconcileChild diffs a child against its parent, one action per slot in the
// parent's window in ascending order. Only code, name and enabled are
// compared; usage and rules stay local to each lock. Child slots outside the
// parent's window are never touched.
func ReconcileChild(parent, child lock.Snapshot) []Action {
	actions := make([]Action, 0, parent.SlotCount)
	for n := parent.StartSlot; n < parent.StartSlot+parent.SlotCount; n++ {
		p := parent.Slot(n)
		c := child.Slot(n)

		if !p.Occupied() {
			if c.Occupied() {
				actions = append(actions, Action{Kind: ActionClearSlot, Slot: n})
			} else {
				actions = append(actions, Action{Kind: ActionNoOp, Slot: n})
			}
			continue
		}

		if p.Code != c.Code || p.DisplayName != c.DisplayName || p.Enabled != c.Enabled {
			actions = append(actions, Action{
				Kind:    ActionWriteCode,
				Slot:    n,
				Code:    p.Code,
				Name:    p.DisplayName,
				Enabled: p.Enabled,
			})
			continue
		}
		actions = append(actions, Action{Kind: ActionNoOp, Slot: n})
	}
	return actions
}

// ReconcileDevice diffs a lock against the codes read from its device. An
// Active slot must be on the device with its code; any other slot must be
// absent. With clearRogue, codes at numbers outside the window are removed.
func ReconcileDevice(snap lock.Snapshot, device map[int]string, clearRogue bool) []Action {
	actions := make([]Action, 0, len(snap.Slots))
	for _, s := range snap.Slots {
		onDevice, present := device[s.Number]

		if s.State == slot.StateActive {
			if !present || onDevice != s.Code {
				actions = append(actions, writeAction(s))
				continue
			}
		} else if present {
			actions = append(actions, Action{Kind: ActionClearSlot, Slot: s.Number})
			continue
		}
		actions = append(actions, Action{Kind: ActionNoOp, Slot: s.Number})
	}

	if clearRogue {
		var rogue []int
		for n := range device {
			if !snap.InWindow(n) {
				rogue = append(rogue, n)
			}
		}
		slices.Sort(rogue)
		for _, n := range rogue {
			actions = append(actions, Action{Kind: ActionClearSlot, Slot: n})
		}
	}
	return actions
}

// ReconcilePending plans device operations when the device cannot report its
// codes: every slot not yet confirmed is pushed, Active slots as writes and
// the rest as clears.
func ReconcilePending(snap lock.Snapshot) []Action {
	actions := make([]Action, 0, len(snap.Slots))
	for _, s := range snap.Slots {
		switch {
		case s.Synced:
			actions = append(actions, Action{Kind: ActionNoOp, Slot: s.Number})
		case s.State == slot.StateActive:
			actions = append(actions, writeAction(s))
		default:
			actions = append(actions, Action{Kind: ActionClearSlot, Slot: s.Number})
		}
	}
	return actions
}

func writeAction(s slot.Snapshot) Action {
	return Action{
		Kind:    ActionWriteCode,
		Slot:    s.Number,
		Code:    s.Code,
		Name:    s.DisplayName,
		Enabled: s.Enabled,
	}
}
