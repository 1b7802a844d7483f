package slot

import (
	"fmt"
	"time"
)

// Code length bounds accepted by Z-Wave and Zigbee keypads.
const (
	MinCodeLength = 4
	MaxCodeLength = 8
)

// MaxSyncAttempts is how many failed device commands a slot gets for one
// desired state before syncs stop retrying it.
const MaxSyncAttempts = 10

// State is the derived lifecycle state of a slot.
type State int

const (
	StateEmpty State = iota
	StateActive
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "empty":
		*s = StateEmpty
	case "active":
		*s = StateActive
	case "inactive":
		*s = StateInactive
	default:
		return fmt.Errorf("unknown slot state %q", text)
	}
	return nil
}

// CodeSlot is one numbered PIN position on one lock. It is not safe for
// concurrent use; the owning lock aggregate serializes access.
type CodeSlot struct {
	number      int
	code        string
	name        string
	rule        Rule
	enabled     bool
	useCount    int
	notifyOnUse bool
	createdAt   time.Time
	lastUsedAt  time.Time
	state       State

	// synced is set once the device confirmed the slot's desired state.
	synced       bool
	syncError    string
	syncAttempts int
}

// New returns an empty slot. A fresh slot is assumed to match an empty
// device slot.
func New(number int) *CodeSlot {
	return &CodeSlot{
		number: number,
		rule:   Unrestricted(),
		state:  StateEmpty,
		synced: true,
	}
}

// ValidateCode checks that code is 4-8 ASCII digits.
func ValidateCode(code string) error {
	if len(code) < MinCodeLength || len(code) > MaxCodeLength {
		return fmt.Errorf("%w: PIN must be %d-%d digits, got %d", ErrInvalidCodeFormat, MinCodeLength, MaxCodeLength, len(code))
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: PIN must contain only digits", ErrInvalidCodeFormat)
		}
	}
	return nil
}

// AssignCode puts a new code on the slot. Usage is reset and the slot is
// enabled. Nothing is mutated when the code or rule is invalid.
func (s *CodeSlot) AssignCode(code, name string, rule Rule, now time.Time) error {
	if err := ValidateCode(code); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	s.code = code
	s.name = name
	s.rule = rule.Clone()
	s.useCount = 0
	s.lastUsedAt = time.Time{}
	s.enabled = true
	s.createdAt = now
	s.resync()
	s.Evaluate(now)
	return nil
}

// Clear removes the code and resets the slot to its empty defaults.
func (s *CodeSlot) Clear() {
	s.code = ""
	s.name = ""
	s.rule = Unrestricted()
	s.enabled = false
	s.useCount = 0
	s.notifyOnUse = false
	s.createdAt = time.Time{}
	s.lastUsedAt = time.Time{}
	s.state = StateEmpty
	s.resync()
	s.syncError = ""
}

// Enable turns the manual switch on.
func (s *CodeSlot) Enable(now time.Time) error {
	if s.code == "" {
		return fmt.Errorf("slot %d: %w", s.number, ErrSlotEmpty)
	}
	s.enabled = true
	s.resync()
	s.Evaluate(now)
	return nil
}

// Disable turns the manual switch off. A disabled slot is never valid.
func (s *CodeSlot) Disable(now time.Time) {
	s.enabled = false
	s.resync()
	s.Evaluate(now)
}

// RecordUse counts one unlock by this slot's code. Events for slots that are
// not Active are rejected so stale device events cannot inflate usage.
func (s *CodeSlot) RecordUse(now time.Time) error {
	if s.state != StateActive {
		return fmt.Errorf("slot %d is %s: %w", s.number, s.state, ErrSlotNotActive)
	}
	s.useCount++
	s.lastUsedAt = now
	if s.rule.Exhausted(s.useCount) {
		s.enabled = false
	}
	s.Evaluate(now)
	return nil
}

// ResetUsage zeroes the usage counter. Exhausted slots stay disabled until
// re-enabled.
func (s *CodeSlot) ResetUsage(now time.Time) {
	s.useCount = 0
	s.Evaluate(now)
}

// SetNotifyOnUse toggles use notifications.
func (s *CodeSlot) SetNotifyOnUse(notify bool) {
	s.notifyOnUse = notify
}

// Evaluate recomputes the derived state for now and reports whether it
// changed. Usage is never touched. A slot whose validity window has ended is
// switched off here so its enabled flag cannot drift from its time validity.
func (s *CodeSlot) Evaluate(now time.Time) bool {
	prev := s.state

	if s.code != "" && s.enabled && s.rule.Expired(now) {
		s.enabled = false
	}

	switch {
	case s.code == "":
		s.state = StateEmpty
	case s.enabled && s.rule.IsWithinSchedule(now) && !s.rule.Exhausted(s.useCount):
		s.state = StateActive
	default:
		s.state = StateInactive
	}

	// Entering or leaving Active changes what the device should hold.
	if s.state != prev && (s.state == StateActive || prev == StateActive) {
		s.resync()
	}

	return s.state != prev
}

// Mirror updates a replica slot from its authoritative copy. A different code
// is a new assignment that keeps the local rule; the same code only updates
// the name and switch so local usage survives.
func (s *CodeSlot) Mirror(code, name string, enabled bool, now time.Time) error {
	if err := ValidateCode(code); err != nil {
		return err
	}
	if code != s.code {
		if err := s.AssignCode(code, name, s.rule, now); err != nil {
			return err
		}
	}
	s.name = name
	s.enabled = enabled
	s.Evaluate(now)
	return nil
}

// resync marks a new desired state, which gets a fresh retry budget.
func (s *CodeSlot) resync() {
	s.synced = false
	s.syncAttempts = 0
}

// MarkSynced records that the device holds the slot's desired state.
func (s *CodeSlot) MarkSynced() {
	s.synced = true
	s.syncError = ""
	s.syncAttempts = 0
}

// MarkSyncError flags the slot as degraded and counts the failed attempt.
// The slot's own validity is unaffected.
func (s *CodeSlot) MarkSyncError(reason string) {
	if reason == "" {
		reason = "sync failed"
	}
	s.synced = false
	s.syncAttempts++
	if s.syncAttempts >= MaxSyncAttempts {
		reason = fmt.Sprintf("%s (gave up after %d attempts)", reason, s.syncAttempts)
	}
	s.syncError = reason
}

// Rearm gives a slot that ran out of attempts a fresh retry budget. The
// error stays until a sync settles it.
func (s *CodeSlot) Rearm() bool {
	if s.syncAttempts == 0 {
		return false
	}
	s.syncAttempts = 0
	return true
}

// ClearSyncError drops the degraded flag without claiming device confirmation.
func (s *CodeSlot) ClearSyncError() {
	s.syncError = ""
}

func (s *CodeSlot) Number() int           { return s.number }
func (s *CodeSlot) Code() string          { return s.code }
func (s *CodeSlot) DisplayName() string   { return s.name }
func (s *CodeSlot) Rule() Rule            { return s.rule.Clone() }
func (s *CodeSlot) Enabled() bool         { return s.enabled }
func (s *CodeSlot) UseCount() int         { return s.useCount }
func (s *CodeSlot) NotifyOnUse() bool     { return s.notifyOnUse }
func (s *CodeSlot) State() State          { return s.state }
func (s *CodeSlot) Occupied() bool        { return s.code != "" }
func (s *CodeSlot) Synced() bool          { return s.synced }
func (s *CodeSlot) SyncError() string     { return s.syncError }
func (s *CodeSlot) SyncAttempts() int     { return s.syncAttempts }
func (s *CodeSlot) SyncExhausted() bool   { return s.syncAttempts >= MaxSyncAttempts }
func (s *CodeSlot) CreatedAt() time.Time  { return s.createdAt }
func (s *CodeSlot) LastUsedAt() time.Time { return s.lastUsedAt }
