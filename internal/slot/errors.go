package slot

import "errors"

var (
	// ErrInvalidCodeFormat is returned when a PIN is not 4-8 ASCII digits.
	ErrInvalidCodeFormat = errors.New("invalid code format")

	// ErrSlotNotActive rejects usage events for slots that are not Active.
	ErrSlotNotActive = errors.New("slot not active")

	// ErrRuleInvariant is returned for rules that violate their invariants.
	ErrRuleInvariant = errors.New("rule invariant violation")

	// ErrSlotEmpty is returned when an operation needs a code but the slot has none.
	ErrSlotEmpty = errors.New("slot has no code")
)
