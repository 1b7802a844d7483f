package gateway

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

// Call records one command received by a Memory gateway.
type Call struct {
	Op     string
	LockID string
	Slot   int
	Code   string
}

type faultKey struct {
	lockID string
	slot   int
}

// Memory is an in-process Gateway that stores codes in maps. It backs the
// "memory" integration for running without hardware and lets tests inject
// per-slot faults and latency.
type Memory struct {
	mu     sync.Mutex
	codes  map[string]map[int]string
	faults map[faultKey]Result
	delay  time.Duration
	calls  []Call
}

// NewMemory creates an empty memory gateway.
func NewMemory() *Memory {
	return &Memory{
		codes:  make(map[string]map[int]string),
		faults: make(map[faultKey]Result),
	}
}

// SetFault makes every command to lockID/slot return res until cleared with
// a confirmed result.
func (m *Memory) SetFault(lockID string, slot int, res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := faultKey{lockID, slot}
	if res.Confirmed() {
		delete(m.faults, k)
		return
	}
	m.faults[k] = res
}

// SetDelay makes every command take d. Commands still finish when their
// context is cancelled, the way a device finishes a started write.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Seed sets a code directly, as if typed at the keypad.
func (m *Memory) Seed(lockID string, slot int, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCodes(lockID)[slot] = code
}

// Calls returns the commands received so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Memory) lockCodes(lockID string) map[int]string {
	c, ok := m.codes[lockID]
	if !ok {
		c = make(map[int]string)
		m.codes[lockID] = c
	}
	return c
}

func (m *Memory) wait(ctx context.Context) Result {
	m.mu.Lock()
	d := m.delay
	m.mu.Unlock()
	if d <= 0 {
		return Confirm()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return Confirm()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TimedOut()
		}
		<-t.C
		return Confirm()
	}
}

// WriteCode stores code in slot.
func (m *Memory) WriteCode(ctx context.Context, lockID string, slot int, code, _ string) Result {
	if res := m.wait(ctx); !res.Confirmed() {
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "write", LockID: lockID, Slot: slot, Code: code})
	if res, ok := m.faults[faultKey{lockID, slot}]; ok {
		return res
	}
	m.lockCodes(lockID)[slot] = code
	return Confirm()
}

// ClearCode removes slot's code.
func (m *Memory) ClearCode(ctx context.Context, lockID string, slot int) Result {
	if res := m.wait(ctx); !res.Confirmed() {
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "clear", LockID: lockID, Slot: slot})
	if res, ok := m.faults[faultKey{lockID, slot}]; ok {
		return res
	}
	delete(m.lockCodes(lockID), slot)
	return Confirm()
}

// ReadCodes returns a copy of every stored code.
func (m *Memory) ReadCodes(_ context.Context, lockID string, _ int) (map[int]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.lockCodes(lockID)), nil
}

type memoryPinWriter struct {
	mem    *Memory
	lockID string
}

func (w memoryPinWriter) Set(ctx context.Context, slot int, code string) error {
	return w.mem.WriteCode(ctx, w.lockID, slot, code, "").Err()
}

func (w memoryPinWriter) Clear(ctx context.Context, slot int) error {
	return w.mem.ClearCode(ctx, w.lockID, slot).Err()
}

func (w memoryPinWriter) Name() string {
	return string(IntegrationMemory)
}
