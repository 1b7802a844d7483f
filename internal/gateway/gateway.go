// Package gateway talks to lock hardware through Home Assistant or directly
// through Z-Wave JS UI. Every call is fire-and-confirm: the result says whether
// the device accepted the command, failed it, or did not answer in time.
package gateway

import (
	"context"
	"errors"
	"net"
)

// Outcome classifies a device command result.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailed
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout means the device did not answer within the gateway timeout.
	ErrTimeout = errors.New("gateway timeout")

	// ErrFailed means the device or its controller rejected the command.
	ErrFailed = errors.New("gateway failed")

	// ErrUnknownLock is returned for locks with no registered target.
	ErrUnknownLock = errors.New("no gateway target for lock")

	// ErrReadUnsupported is returned when a target cannot report its codes.
	ErrReadUnsupported = errors.New("reading codes not supported by integration")
)

// Result is the outcome of one write or clear.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Confirmed reports whether the device accepted the command.
func (r Result) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}

// Err maps the result to ErrTimeout or ErrFailed, or nil when confirmed.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeConfirmed:
		return nil
	case OutcomeTimeout:
		return ErrTimeout
	default:
		if r.Reason != "" {
			return &resultError{reason: r.Reason}
		}
		return ErrFailed
	}
}

type resultError struct{ reason string }

func (e *resultError) Error() string { return ErrFailed.Error() + ": " + e.reason }
func (e *resultError) Unwrap() error { return ErrFailed }

// Confirm is the confirmed result.
func Confirm() Result { return Result{Outcome: OutcomeConfirmed} }

// Fail is a failed result with a reason.
func Fail(reason string) Result { return Result{Outcome: OutcomeFailed, Reason: reason} }

// TimedOut is the timeout result.
func TimedOut() Result { return Result{Outcome: OutcomeTimeout, Reason: "device did not respond"} }

// FromError converts a client error into a Result. Deadline and network
// timeouts become OutcomeTimeout, anything else OutcomeFailed.
func FromError(err error) Result {
	if err == nil {
		return Confirm()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return TimedOut()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimedOut()
	}
	return Fail(err.Error())
}

// Gateway is the device capability the engine consumes.
type Gateway interface {
	WriteCode(ctx context.Context, lockID string, slot int, code, name string) Result
	ClearCode(ctx context.Context, lockID string, slot int) Result

	// ReadCodes returns the codes the device currently holds keyed by slot,
	// covering at least slots 1..through. Empty slots are omitted.
	ReadCodes(ctx context.Context, lockID string, through int) (map[int]string, error)
}
