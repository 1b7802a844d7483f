package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultScanSlots is how many slots are read when no scan size is set.
const DefaultScanSlots = 30

// pinWriter abstracts how PIN operations are sent (HA API or direct protocol).
type pinWriter interface {
	Set(ctx context.Context, slot int, code string) error
	Clear(ctx context.Context, slot int) error
	Name() string
}

type haPinWriter struct {
	client   *HAClient
	entityID string
}

func (w haPinWriter) Set(ctx context.Context, slot int, code string) error {
	return w.client.SetUserCode(ctx, w.entityID, slot, code)
}

func (w haPinWriter) Clear(ctx context.Context, slot int) error {
	return w.client.ClearUserCode(ctx, w.entityID, slot)
}

func (w haPinWriter) Name() string {
	return string(IntegrationHomeAssistant)
}

type zwavePinWriter struct {
	client *ZWaveJSUIClient
	nodeID int
}

func (w zwavePinWriter) Set(ctx context.Context, slot int, code string) error {
	return w.client.SetUserCode(ctx, w.nodeID, slot, code)
}

func (w zwavePinWriter) Clear(ctx context.Context, slot int) error {
	return w.client.ClearUserCode(ctx, w.nodeID, slot)
}

func (w zwavePinWriter) Name() string {
	return string(IntegrationZWaveJSUI)
}

// Router implements Gateway by routing each lock ID to its integration. A
// direct Z-Wave JS UI target falls back to Home Assistant when it also has an
// entity ID.
type Router struct {
	ha      *HAClient
	zwave   *ZWaveJSUIClient
	memory  *Memory
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	targets map[string]Target
}

// NewRouter creates a router. Any client may be nil when no target uses it.
func NewRouter(ha *HAClient, zwave *ZWaveJSUIClient, memory *Memory, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		ha:      ha,
		zwave:   zwave,
		memory:  memory,
		timeout: timeout,
		logger:  logger.Named("gateway"),
		targets: make(map[string]Target),
	}
}

// Register adds or replaces the target for a lock.
func (r *Router) Register(t Target) error {
	switch t.Integration {
	case IntegrationHomeAssistant:
		if t.EntityID == "" || r.ha == nil {
			return fmt.Errorf("lock %s: home_assistant target needs an entity id and a client", t.LockID)
		}
	case IntegrationZWaveJSUI:
		if t.NodeID <= 0 || r.zwave == nil {
			return fmt.Errorf("lock %s: zwave_js_ui target needs a node id and a client", t.LockID)
		}
	case IntegrationMemory:
		if r.memory == nil {
			return fmt.Errorf("lock %s: memory target needs a memory gateway", t.LockID)
		}
	default:
		return fmt.Errorf("lock %s: unknown integration %q", t.LockID, t.Integration)
	}
	if t.ScanSlots <= 0 {
		t.ScanSlots = DefaultScanSlots
	}

	r.mu.Lock()
	r.targets[t.LockID] = t
	r.mu.Unlock()
	return nil
}

// Unregister drops a lock's target.
func (r *Router) Unregister(lockID string) {
	r.mu.Lock()
	delete(r.targets, lockID)
	r.mu.Unlock()
}

// Target returns the registered target for a lock.
func (r *Router) Target(lockID string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[lockID]
	return t, ok
}

func (r *Router) writers(lockID string) (primary, fallback pinWriter, err error) {
	t, ok := r.Target(lockID)
	if !ok {
		return nil, nil, fmt.Errorf("lock %s: %w", lockID, ErrUnknownLock)
	}

	switch t.Integration {
	case IntegrationZWaveJSUI:
		primary = zwavePinWriter{client: r.zwave, nodeID: t.NodeID}
		if t.EntityID != "" && r.ha != nil {
			fallback = haPinWriter{client: r.ha, entityID: t.EntityID}
		}
	case IntegrationMemory:
		primary = memoryPinWriter{mem: r.memory, lockID: lockID}
	default:
		primary = haPinWriter{client: r.ha, entityID: t.EntityID}
	}
	return primary, fallback, nil
}

// WriteCode programs code into slot. The name is only logged.
func (r *Router) WriteCode(ctx context.Context, lockID string, slot int, code, name string) Result {
	return r.do(ctx, lockID, slot, "write", func(ctx context.Context, w pinWriter) error {
		return w.Set(ctx, slot, code)
	})
}

// ClearCode removes whatever code is in slot.
func (r *Router) ClearCode(ctx context.Context, lockID string, slot int) Result {
	return r.do(ctx, lockID, slot, "clear", func(ctx context.Context, w pinWriter) error {
		return w.Clear(ctx, slot)
	})
}

func (r *Router) do(ctx context.Context, lockID string, slot int, op string, fn func(context.Context, pinWriter) error) Result {
	primary, fallback, err := r.writers(lockID)
	if err != nil {
		return Fail(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err = fn(ctx, primary)
	if err != nil && fallback != nil && ctx.Err() == nil {
		r.logger.Warn("direct PIN operation failed, falling back",
			zap.String("via", primary.Name()),
			zap.String("fallback", fallback.Name()),
			zap.String("lock_id", lockID),
			zap.Int("slot", slot),
			zap.String("op", op),
			zap.Error(err))
		err = fn(ctx, fallback)
	}

	res := FromError(err)
	if !res.Confirmed() {
		r.logger.Warn("PIN operation not confirmed",
			zap.String("lock_id", lockID),
			zap.Int("slot", slot),
			zap.String("op", op),
			zap.Stringer("outcome", res.Outcome),
			zap.String("reason", res.Reason))
	}
	return res
}

// ReadCodes reads the device's codes. Only direct Z-Wave JS UI and memory
// targets can report codes. Z-Wave reads cover slots 1..max(ScanSlots,
// through) so a window past the configured scan size is still checked.
func (r *Router) ReadCodes(ctx context.Context, lockID string, through int) (map[int]string, error) {
	t, ok := r.Target(lockID)
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", lockID, ErrUnknownLock)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch t.Integration {
	case IntegrationZWaveJSUI:
		codes, err := r.zwave.GetUserCodes(ctx, t.NodeID, max(t.ScanSlots, through))
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", lockID, err)
		}
		return codes, nil
	case IntegrationMemory:
		return r.memory.ReadCodes(ctx, lockID)
	default:
		return nil, fmt.Errorf("lock %s via %s: %w", lockID, t.Integration, ErrReadUnsupported)
	}
}
