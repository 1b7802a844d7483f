package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// Pass names which reconciliation produced an action.
type Pass string

const (
	PassHierarchy Pass = "hierarchy"
	PassDevice    Pass = "device"
	PassResize    Pass = "resize"
)

// AuditEntry is one gateway outcome, appended to the sync audit log.
type AuditEntry struct {
	LockID  string
	Slot    int
	Pass    Pass
	Action  ActionKind
	Outcome gateway.Outcome
	Reason  string
	At      time.Time
}

// AuditLog stores gateway outcomes.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
}

// Observer receives per-action timings, e.g. for metrics.
type Observer interface {
	ObserveAction(pass Pass, kind ActionKind, outcome gateway.Outcome, d time.Duration)
}

// Options configures a Dispatcher.
type Options struct {
	// Timeout bounds each gateway call, including calls that keep running
	// after their pass was cancelled.
	Timeout time.Duration

	// Parallel caps how many locks SyncAll processes at once.
	Parallel int

	// ClearRogue removes device codes at numbers outside a lock's window.
	ClearRogue bool

	Audit    AuditLog
	Observer Observer
	Now      func() time.Time
}

// Report summarizes one sync pass for one lock.
type Report struct {
	LockID    string   `json:"lock_id"`
	Planned   int      `json:"planned"`
	Confirmed int      `json:"confirmed"`
	Failed    int      `json:"failed"`
	TimedOut  int      `json:"timed_out"`
	Skipped   int      `json:"skipped"`
	Discarded int      `json:"discarded"`
	Cancelled bool     `json:"cancelled"`
	Changed   []int    `json:"changed,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *Report) merge(o Report) {
	r.Planned += o.Planned
	r.Confirmed += o.Confirmed
	r.Failed += o.Failed
	r.TimedOut += o.TimedOut
	r.Skipped += o.Skipped
	r.Discarded += o.Discarded
	r.Cancelled = r.Cancelled || o.Cancelled
	r.Changed = append(r.Changed, o.Changed...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Dispatcher applies reconciliation actions through the gateway. Actions for
// one lock run one at a time; different locks run in parallel. No aggregate
// lock is held during gateway I/O, and in-memory state only changes after
// the device confirmed a command.
type Dispatcher struct {
	registry *lock.Registry
	gateway  gateway.Gateway
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	perLock map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *lock.Registry, gw gateway.Gateway, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		registry: registry,
		gateway:  gw,
		opts:     opts,
		logger:   logger.Named("dispatcher"),
		perLock:  make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) lockFor(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.perLock[id]
	if !ok {
		m = &sync.Mutex{}
		d.perLock[id] = m
	}
	return m
}

// SyncAll syncs every registered lock. Per-lock errors are collected into
// the reports rather than stopping other locks.
func (d *Dispatcher) SyncAll(ctx context.Context) []Report {
	locks := d.registry.List()
	reports := make([]Report, len(locks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Parallel)
	for i, a := range locks {
		g.Go(func() error {
			rep, err := d.SyncLock(gctx, a.ID())
			if err != nil {
				rep.Errors = append(rep.Errors, err.Error())
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// SyncLock runs the hierarchy pass for an attached child and then the device
// pass, holding the lock's sync mutex for both.
func (d *Dispatcher) SyncLock(ctx context.Context, lockID string) (Report, error) {
	m := d.lockFor(lockID)
	m.Lock()
	defer m.Unlock()

	rep := Report{LockID: lockID}
	a, err := d.registry.Get(lockID)
	if err != nil {
		return rep, err
	}

	if a.Role() == lock.RoleChild {
		hr, err := d.syncChild(ctx, a)
		rep.merge(hr)
		if err != nil {
			return rep, err
		}
	}
	if ctx.Err() != nil {
		rep.Cancelled = true
		return rep, nil
	}

	dr, err := d.syncDevice(ctx, a)
	rep.merge(dr)
	return rep, err
}

// SyncChild runs only the parent to child pass for one child lock.
func (d *Dispatcher) SyncChild(ctx context.Context, childID string) (Report, error) {
	m := d.lockFor(childID)
	m.Lock()
	defer m.Unlock()

	child, err := d.registry.Get(childID)
	if err != nil {
		return Report{LockID: childID}, err
	}
	return d.syncChild(ctx, child)
}

// SyncDevice runs only the device drift pass for one lock.
func (d *Dispatcher) SyncDevice(ctx context.Context, lockID string) (Report, error) {
	m := d.lockFor(lockID)
	m.Lock()
	defer m.Unlock()

	a, err := d.registry.Get(lockID)
	if err != nil {
		return Report{LockID: lockID}, err
	}
	return d.syncDevice(ctx, a)
}

// ClearOutside removes codes from device slots that a shrink pushed out of
// the lock's window.
func (d *Dispatcher) ClearOutside(ctx context.Context, lockID string, numbers []int) Report {
	m := d.lockFor(lockID)
	m.Lock()
	defer m.Unlock()

	rep := Report{LockID: lockID, Planned: len(numbers)}
	for _, n := range numbers {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		act := Action{Kind: ActionClearSlot, Slot: n}
		res, ok := d.call(ctx, lockID, PassResize, act)
		if !ok {
			rep.Discarded++
			rep.Cancelled = true
			break
		}
		rep.count(res)
	}
	return rep
}

func (r *Report) count(res gateway.Result) {
	switch res.Outcome {
	case gateway.OutcomeConfirmed:
		r.Confirmed++
	case gateway.OutcomeTimeout:
		r.TimedOut++
	default:
		r.Failed++
	}
}

func (d *Dispatcher) syncChild(ctx context.Context, child *lock.Aggregate) (Report, error) {
	rep := Report{LockID: child.ID()}
	if child.Role() != lock.RoleChild {
		return rep, fmt.Errorf("lock %s is %s: %w", child.ID(), child.Role(), lock.ErrInvalidRole)
	}
	parent, err := d.registry.Get(child.ParentID())
	if err != nil {
		return rep, fmt.Errorf("child %s: %w", child.ID(), err)
	}

	// Parent first, then child; never both at once.
	parentSnap := parent.Snapshot()
	childSnap := child.Snapshot()
	actions := ReconcileChild(parentSnap, childSnap)

	for _, act := range actions {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		if act.Kind == ActionNoOp {
			d.settleNoOp(child, childSnap, act.Slot)
			continue
		}
		if !childSnap.InWindow(act.Slot) {
			rep.Skipped++
			d.logger.Debug("child window does not hold slot",
				zap.String("lock_id", child.ID()), zap.Int("slot", act.Slot))
			continue
		}
		if childSnap.Slot(act.Slot).SyncExhausted() {
			rep.Skipped++
			continue
		}

		rep.Planned++
		physical := act
		if act.Kind == ActionWriteCode {
			// The device only gets the code when the mirrored slot would be
			// Active on the child, which still applies its own usage state.
			st, err := slot.Preview(childSnap.Slot(act.Slot), act.Code, act.Name, act.Enabled, d.opts.Now())
			if err != nil {
				rep.Errors = append(rep.Errors, err.Error())
				continue
			}
			if st != slot.StateActive {
				physical = Action{Kind: ActionClearSlot, Slot: act.Slot}
			}
		}

		res, ok := d.call(ctx, child.ID(), PassHierarchy, physical)
		if !ok {
			rep.Discarded++
			rep.Cancelled = true
			break
		}
		rep.count(res)

		if err := d.recordChild(child, act, res); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		rep.Changed = append(rep.Changed, act.Slot)
	}
	return rep, nil
}

func (d *Dispatcher) recordChild(child *lock.Aggregate, act Action, res gateway.Result) error {
	if !res.Confirmed() {
		_, err := child.MarkSyncError(act.Slot, syncReason(res))
		return err
	}
	var err error
	switch act.Kind {
	case ActionWriteCode:
		_, err = child.ApplyMirror(act.Slot, act.Code, act.Name, act.Enabled, d.opts.Now())
	case ActionClearSlot:
		_, err = child.ApplyClear(act.Slot)
	}
	return err
}

func (d *Dispatcher) syncDevice(ctx context.Context, a *lock.Aggregate) (Report, error) {
	rep := Report{LockID: a.ID()}
	snap := a.Snapshot()
	// A child's errors may come from the hierarchy pass, which settles them.
	keepErrors := snap.Role == lock.RoleChild

	var actions []Action
	codes, err := d.gateway.ReadCodes(ctx, a.ID(), snap.StartSlot+snap.SlotCount-1)
	switch {
	case err == nil:
		actions = ReconcileDevice(snap, codes, d.opts.ClearRogue)
	case errors.Is(err, gateway.ErrReadUnsupported):
		actions = ReconcilePending(snap)
	default:
		return rep, fmt.Errorf("reading codes from %s: %w", a.ID(), err)
	}

	for _, act := range actions {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		if act.Kind == ActionNoOp {
			if err == nil && d.confirmNoOp(a, snap, act.Slot, keepErrors) {
				rep.Changed = append(rep.Changed, act.Slot)
			}
			continue
		}
		if snap.InWindow(act.Slot) && snap.Slot(act.Slot).SyncExhausted() {
			rep.Skipped++
			continue
		}

		rep.Planned++
		res, ok := d.call(ctx, a.ID(), PassDevice, act)
		if !ok {
			rep.Discarded++
			rep.Cancelled = true
			break
		}
		rep.count(res)

		if !snap.InWindow(act.Slot) {
			continue
		}
		changed, err := d.recordDevice(a, act, res)
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		if changed {
			rep.Changed = append(rep.Changed, act.Slot)
		}
	}
	return rep, nil
}

// recordDevice marks the slot synced when the device now holds what the slot
// still wants. A slot edited during the call stays unsynced for the next pass.
func (d *Dispatcher) recordDevice(a *lock.Aggregate, act Action, res gateway.Result) (bool, error) {
	if !res.Confirmed() {
		_, err := a.MarkSyncError(act.Slot, syncReason(res))
		return err == nil, err
	}

	cur, err := a.Slot(act.Slot)
	if err != nil {
		return false, err
	}
	wantCode := cur.State == slot.StateActive
	switch {
	case act.Kind == ActionWriteCode && wantCode && cur.Code == act.Code:
	case act.Kind == ActionClearSlot && !wantCode:
	default:
		return false, nil
	}
	_, err = a.MarkSynced(act.Slot)
	return err == nil, err
}

// confirmNoOp marks a slot synced when a device read showed it already
// matches.
func (d *Dispatcher) confirmNoOp(a *lock.Aggregate, snap lock.Snapshot, n int, keepErrors bool) bool {
	s := snap.Slot(n)
	if s.Synced && s.SyncError == "" {
		return false
	}
	if keepErrors && s.SyncError != "" {
		return false
	}
	cur, err := a.Slot(n)
	if err != nil || cur.Code != s.Code || cur.State != s.State {
		return false
	}
	_, err = a.MarkSynced(n)
	return err == nil
}

// settleNoOp drops a stale hierarchy error once parent and child agree.
func (d *Dispatcher) settleNoOp(child *lock.Aggregate, snap lock.Snapshot, n int) {
	if !snap.InWindow(n) || snap.Slot(n).SyncError == "" {
		return
	}
	_, _ = child.ClearSyncError(n)
}

// call performs one gateway command. The command runs on a context detached
// from ctx and bounded by the gateway timeout, so cancelling a pass never
// interrupts a write mid-flight. ok is false when ctx was cancelled while the
// command ran; the result is then discarded.
func (d *Dispatcher) call(ctx context.Context, lockID string, pass Pass, act Action) (gateway.Result, bool) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.Timeout)
	defer cancel()

	start := time.Now()
	var res gateway.Result
	switch act.Kind {
	case ActionWriteCode:
		res = d.gateway.WriteCode(callCtx, lockID, act.Slot, act.Code, act.Name)
	case ActionClearSlot:
		res = d.gateway.ClearCode(callCtx, lockID, act.Slot)
	default:
		return gateway.Confirm(), true
	}
	elapsed := time.Since(start)

	if d.opts.Observer != nil {
		d.opts.Observer.ObserveAction(pass, act.Kind, res.Outcome, elapsed)
	}
	if d.opts.Audit != nil {
		entry := AuditEntry{
			LockID:  lockID,
			Slot:    act.Slot,
			Pass:    pass,
			Action:  act.Kind,
			Outcome: res.Outcome,
			Reason:  res.Reason,
			At:      d.opts.Now(),
		}
		if err := d.opts.Audit.Record(context.WithoutCancel(ctx), entry); err != nil {
			d.logger.Warn("recording sync audit entry", zap.String("lock_id", lockID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("lock_id", lockID),
		zap.String("pass", string(pass)),
		zap.Stringer("action", act),
		zap.Stringer("outcome", res.Outcome),
		zap.Duration("duration", elapsed),
	}
	if ctx.Err() != nil {
		d.logger.Info("pass cancelled during gateway call, result discarded", fields...)
		return res, false
	}
	if res.Confirmed() {
		d.logger.Debug("gateway call confirmed", fields...)
	} else {
		d.logger.Warn("gateway call not confirmed", append(fields, zap.String("reason", res.Reason))...)
	}
	return res, true
}

func syncReason(res gateway.Result) string {
	if res.Reason != "" {
		return fmt.Sprintf("%s: %s", res.Outcome, res.Reason)
	}
	return res.Outcome.String()
}
