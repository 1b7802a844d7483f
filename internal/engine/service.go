// Package engine is the entry point for operator edits, usage events and
// sync requests. It keeps the registry, the store, the push channel and the
// device in step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/feed"
	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// Operator slot count bounds.
const (
	MinSlots = 1
	MaxSlots = 50
)

// Sync triggers reported with lock.sync_completed events.
const (
	TriggerStartup = "startup"
	TriggerEdit    = "edit"
	TriggerManual  = "manual"
	TriggerUsage   = "usage"
	TriggerResize  = "resize"
)

// ErrInvalidSlotCount rejects operator resizes outside MinSlots..MaxSlots.
var ErrInvalidSlotCount = errors.New("invalid slot count")

// Store loads and saves locks.
type Store interface {
	Load(ctx context.Context, lockID string) (*lock.Aggregate, error)
	Save(ctx context.Context, a *lock.Aggregate) error
	IDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, lockID string) error
}

// Notifier pushes state changes to clients.
type Notifier interface {
	SlotStatusChanged(lockID string, slots []lock.SlotStatus)
	SlotUsed(lockID string, s slot.Snapshot, at time.Time)
	SyncCompleted(rep hierarchy.Report, trigger string)
}

// Observer records engine metrics.
type Observer interface {
	ObserveUsage(source string, err error)
	SetLockGauges(lockID string, active, syncErrors int)
}

// Deps are the collaborators of a Service. Notifier and Observer may be nil.
type Deps struct {
	Registry   *lock.Registry
	Store      Store
	Dispatcher *hierarchy.Dispatcher
	Notifier   Notifier
	Observer   Observer
}

// Options tune a Service.
type Options struct {
	// Horizon is the look-ahead for expiring slots in usage statistics.
	Horizon time.Duration
	// SyncOnChange starts a background sync of the lock (and its children)
	// after every edit.
	SyncOnChange bool
	Now          func() time.Time
}

// SlotArgs is an operator's slot assignment.
type SlotArgs struct {
	Code        string
	Name        string
	Rule        slot.Rule
	NotifyOnUse bool
}

// Service applies operator edits and usage events to registered locks.
// Aggregates guard their own state and the dispatcher serializes device
// passes per lock.
type Service struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ feed.Handler = (*Service)(nil)

// New creates a service.
func New(deps Deps, opts Options, logger *zap.Logger) *Service {
	if opts.Horizon <= 0 {
		opts.Horizon = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.Named("engine"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bootstrap registers the configured locks, restoring saved slots. The
// configured window wins over the saved one; saved codes that fall outside
// it are cleared from the device in the background. Stored locks that are no
// longer configured are deleted.
func (s *Service) Bootstrap(ctx context.Context, locks []lock.Config) error {
	ordered := slices.Clone(locks)
	// Parents register before their children.
	slices.SortStableFunc(ordered, func(a, b lock.Config) int {
		return boolRank(a.Role == lock.RoleChild) - boolRank(b.Role == lock.RoleChild)
	})

	configured := make(map[string]bool, len(ordered))
	for _, cfg := range ordered {
		configured[cfg.ID] = true
		if err := s.addLock(ctx, cfg); err != nil {
			return err
		}
	}

	ids, err := s.deps.Store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("listing stored locks: %w", err)
	}
	for _, id := range ids {
		if configured[id] {
			continue
		}
		if err := s.deps.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting unconfigured lock %s: %w", id, err)
		}
		s.logger.Info("deleted lock no longer configured", zap.String("lock_id", id))
	}
	return nil
}

func (s *Service) addLock(ctx context.Context, cfg lock.Config) error {
	now := s.opts.Now()
	saved, err := s.deps.Store.Load(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("loading lock %s: %w", cfg.ID, err)
	}

	var (
		a       *lock.Aggregate
		outside []int
	)
	if saved == nil {
		a, err = lock.New(cfg)
	} else {
		prev := saved.Snapshot()
		next := lock.Snapshot{
			ID:        cfg.ID,
			Name:      cfg.Name,
			StartSlot: cfg.StartSlot,
			SlotCount: cfg.SlotCount,
			Role:      cfg.Role,
			ParentID:  cfg.ParentID,
			Slots:     prev.Slots,
		}
		for _, ss := range prev.Slots {
			if ss.Occupied() && !next.InWindow(ss.Number) {
				outside = append(outside, ss.Number)
			}
		}
		a, err = lock.Restore(next, now)
	}
	if err != nil {
		return fmt.Errorf("building lock %s: %w", cfg.ID, err)
	}

	if err := s.deps.Registry.Add(a); err != nil {
		return err
	}
	if err := s.deps.Store.Save(ctx, a); err != nil {
		return fmt.Errorf("saving lock %s: %w", cfg.ID, err)
	}
	s.updateGauges(a)

	s.logger.Info("lock registered",
		zap.String("lock_id", cfg.ID),
		zap.Stringer("role", cfg.Role),
		zap.Bool("restored", saved != nil),
		zap.Ints("outside_window", outside),
	)
	if len(outside) > 0 {
		s.kick(cfg.ID, outside, TriggerResize)
	}
	return nil
}

// SetSlot assigns a code, name and rule to a slot.
func (s *Service) SetSlot(ctx context.Context, lockID string, number int, args SlotArgs) (lock.SlotStatus, error) {
	return s.edit(ctx, lockID, number, func(a *lock.Aggregate, now time.Time) (slot.Snapshot, error) {
		return a.SetSlot(number, lock.AssignArgs{
			Code:        args.Code,
			Name:        args.Name,
			Rule:        args.Rule,
			NotifyOnUse: args.NotifyOnUse,
		}, now)
	})
}

// ClearSlot removes a slot's code.
func (s *Service) ClearSlot(ctx context.Context, lockID string, number int) (lock.SlotStatus, error) {
	return s.edit(ctx, lockID, number, func(a *lock.Aggregate, _ time.Time) (slot.Snapshot, error) {
		return a.ClearSlot(number)
	})
}

// EnableSlot turns a slot's manual switch on.
func (s *Service) EnableSlot(ctx context.Context, lockID string, number int) (lock.SlotStatus, error) {
	return s.edit(ctx, lockID, number, func(a *lock.Aggregate, now time.Time) (slot.Snapshot, error) {
		return a.EnableSlot(number, now)
	})
}

// DisableSlot turns a slot's manual switch off.
func (s *Service) DisableSlot(ctx context.Context, lockID string, number int) (lock.SlotStatus, error) {
	return s.edit(ctx, lockID, number, func(a *lock.Aggregate, now time.Time) (slot.Snapshot, error) {
		return a.DisableSlot(number, now)
	})
}

// ResetUsage zeroes a slot's use counter.
func (s *Service) ResetUsage(ctx context.Context, lockID string, number int) (lock.SlotStatus, error) {
	return s.edit(ctx, lockID, number, func(a *lock.Aggregate, now time.Time) (slot.Snapshot, error) {
		return a.ResetUsage(number, now)
	})
}

// SetNotifyOnUse toggles use notifications.
func (s *Service) SetNotifyOnUse(ctx context.Context, lockID string, number int, notify bool) (lock.SlotStatus, error) {
	return s.edit(ctx, lockID, number, func(a *lock.Aggregate, _ time.Time) (slot.Snapshot, error) {
		return a.SetNotifyOnUse(number, notify)
	})
}

func (s *Service) edit(ctx context.Context, lockID string, number int, fn func(*lock.Aggregate, time.Time) (slot.Snapshot, error)) (lock.SlotStatus, error) {
	a, err := s.deps.Registry.Get(lockID)
	if err != nil {
		return lock.SlotStatus{}, err
	}
	if _, err := fn(a, s.opts.Now()); err != nil {
		return lock.SlotStatus{}, err
	}
	// Replicas get a fresh retry budget for the new desired state.
	for _, child := range s.deps.Registry.Children(lockID) {
		child.RearmSlot(number)
	}
	if err := s.deps.Store.Save(ctx, a); err != nil {
		return lock.SlotStatus{}, fmt.Errorf("saving lock %s: %w", lockID, err)
	}

	changed := s.slotStatuses(a, []int{number})
	s.notifyChanged(lockID, changed)
	s.updateGauges(a)
	s.kick(lockID, nil, TriggerEdit)

	if len(changed) == 0 {
		return lock.SlotStatus{}, fmt.Errorf("lock %s slot %d: %w", lockID, number, lock.ErrSlotOutOfRange)
	}
	return changed[0], nil
}

// Resize changes a lock's slot count. Codes in slots beyond the new count
// are dropped and cleared from the device.
func (s *Service) Resize(ctx context.Context, lockID string, count int) ([]int, error) {
	if count < MinSlots || count > MaxSlots {
		return nil, fmt.Errorf("%w: %d not in %d-%d", ErrInvalidSlotCount, count, MinSlots, MaxSlots)
	}
	a, err := s.deps.Registry.Get(lockID)
	if err != nil {
		return nil, err
	}

	cleared := a.Resize(count, s.opts.Now())
	if err := s.deps.Store.Save(ctx, a); err != nil {
		return cleared, fmt.Errorf("saving lock %s: %w", lockID, err)
	}
	s.updateGauges(a)
	s.logger.Info("lock resized", zap.String("lock_id", lockID), zap.Int("slots", count), zap.Ints("cleared", cleared))
	s.kick(lockID, cleared, TriggerResize)
	return cleared, nil
}

// HandleUsage records one unlock reported by a usage feed. A slot that
// leaves Active as a result is removed from the device in the background.
func (s *Service) HandleUsage(ctx context.Context, ev feed.UsageEvent) error {
	err := s.recordUse(ctx, ev)
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveUsage(ev.Source, err)
	}
	return err
}

func (s *Service) recordUse(ctx context.Context, ev feed.UsageEvent) error {
	a, err := s.deps.Registry.Get(ev.LockID)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = s.opts.Now()
	}

	snap, err := a.RecordUse(ev.Slot, at)
	if err != nil {
		return err
	}
	if err := s.deps.Store.Save(ctx, a); err != nil {
		return fmt.Errorf("saving lock %s: %w", ev.LockID, err)
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.SlotUsed(ev.LockID, snap, at)
	}
	s.notifyChanged(ev.LockID, s.slotStatuses(a, []int{ev.Slot}))
	s.updateGauges(a)

	if snap.State != slot.StateActive {
		s.logger.Info("slot left active after use",
			zap.String("lock_id", ev.LockID), zap.Int("slot", ev.Slot), zap.Int("use_count", snap.UseCount))
		s.kick(ev.LockID, nil, TriggerUsage)
	}
	return nil
}

// Sync runs the hierarchy and device passes for one lock, then persists and
// broadcasts what changed. A manual sync first retries slots that ran out of
// sync attempts.
func (s *Service) Sync(ctx context.Context, lockID, trigger string) (hierarchy.Report, error) {
	if trigger == TriggerManual {
		if a, err := s.deps.Registry.Get(lockID); err == nil {
			s.rearm(a)
		}
	}
	rep, err := s.deps.Dispatcher.SyncLock(ctx, lockID)
	s.finishSync(ctx, rep, trigger)
	return rep, err
}

// SyncAll syncs every lock in parallel.
func (s *Service) SyncAll(ctx context.Context, trigger string) []hierarchy.Report {
	if trigger == TriggerManual {
		for _, a := range s.deps.Registry.List() {
			s.rearm(a)
		}
	}
	reports := s.deps.Dispatcher.SyncAll(ctx)
	for _, rep := range reports {
		s.finishSync(ctx, rep, trigger)
	}
	return reports
}

// SyncAllAsync starts SyncAll in the background.
func (s *Service) SyncAllAsync(trigger string) {
	s.background(func(ctx context.Context) {
		s.SyncAll(ctx, trigger)
	})
}

func (s *Service) rearm(a *lock.Aggregate) {
	if numbers := a.RearmSync(); len(numbers) > 0 {
		s.logger.Info("retrying slots out of sync attempts", zap.String("lock_id", a.ID()), zap.Ints("slots", numbers))
	}
}

func (s *Service) finishSync(ctx context.Context, rep hierarchy.Report, trigger string) {
	a, err := s.deps.Registry.Get(rep.LockID)
	if err != nil {
		return
	}
	if len(rep.Changed) > 0 {
		// Confirmed device writes are recorded even when the pass was cancelled.
		if err := s.deps.Store.Save(context.WithoutCancel(ctx), a); err != nil {
			s.logger.Error("saving lock after sync", zap.String("lock_id", rep.LockID), zap.Error(err))
		}
		s.notifyChanged(rep.LockID, s.slotStatuses(a, rep.Changed))
	}
	s.updateGauges(a)

	if rep.Planned > 0 || len(rep.Errors) > 0 {
		s.logger.Info("sync finished",
			zap.String("lock_id", rep.LockID),
			zap.String("trigger", trigger),
			zap.Int("planned", rep.Planned),
			zap.Int("confirmed", rep.Confirmed),
			zap.Int("failed", rep.Failed),
			zap.Int("timed_out", rep.TimedOut),
			zap.Strings("errors", rep.Errors),
		)
		if s.deps.Notifier != nil {
			s.deps.Notifier.SyncCompleted(rep, trigger)
		}
	}
}

// Status exports one lock.
func (s *Service) Status(lockID string) (lock.LockStatus, error) {
	a, err := s.deps.Registry.Get(lockID)
	if err != nil {
		return lock.LockStatus{}, err
	}
	return a.Status(s.opts.Now(), s.opts.Horizon), nil
}

// AllStatus exports every lock ordered by id.
func (s *Service) AllStatus() []lock.LockStatus {
	now := s.opts.Now()
	locks := s.deps.Registry.List()
	out := make([]lock.LockStatus, 0, len(locks))
	for _, a := range locks {
		out = append(out, a.Status(now, s.opts.Horizon))
	}
	return out
}

// Stats returns usage statistics for one lock.
func (s *Service) Stats(lockID string) (lock.Stats, error) {
	a, err := s.deps.Registry.Get(lockID)
	if err != nil {
		return lock.Stats{}, err
	}
	return a.UsageStatistics(s.opts.Now(), s.opts.Horizon), nil
}

// Locks returns snapshots of every registered lock.
func (s *Service) Locks() []lock.Snapshot {
	locks := s.deps.Registry.List()
	out := make([]lock.Snapshot, 0, len(locks))
	for _, a := range locks {
		out = append(out, a.Snapshot())
	}
	return out
}

// WaitIdle blocks until background syncs have finished.
func (s *Service) WaitIdle() {
	s.wg.Wait()
}

// Close cancels background syncs and waits for them.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// kick syncs a lock and its children in the background, first clearing the
// given slots that left the window.
func (s *Service) kick(lockID string, outside []int, trigger string) {
	if !s.opts.SyncOnChange && len(outside) == 0 {
		return
	}
	s.background(func(ctx context.Context) {
		if len(outside) > 0 {
			rep := s.deps.Dispatcher.ClearOutside(ctx, lockID, outside)
			s.logger.Info("cleared slots outside window",
				zap.String("lock_id", lockID), zap.Int("confirmed", rep.Confirmed), zap.Int("failed", rep.Failed+rep.TimedOut))
		}
		if s.opts.SyncOnChange {
			s.syncTree(ctx, lockID, trigger)
		}
	})
}

// SyncTree syncs a lock and then its children in the background.
func (s *Service) SyncTree(lockID, trigger string) {
	s.background(func(ctx context.Context) {
		s.syncTree(ctx, lockID, trigger)
	})
}

func (s *Service) syncTree(ctx context.Context, lockID, trigger string) {
	if _, err := s.Sync(ctx, lockID, trigger); err != nil {
		s.logger.Warn("background sync failed", zap.String("lock_id", lockID), zap.Error(err))
	}
	for _, child := range s.deps.Registry.Children(lockID) {
		if _, err := s.Sync(ctx, child.ID(), trigger); err != nil {
			s.logger.Warn("background sync failed", zap.String("lock_id", child.ID()), zap.Error(err))
		}
	}
}

func (s *Service) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) slotStatuses(a *lock.Aggregate, numbers []int) []lock.SlotStatus {
	st := a.Status(s.opts.Now(), s.opts.Horizon)
	out := make([]lock.SlotStatus, 0, len(numbers))
	for _, ss := range st.Slots {
		if slices.Contains(numbers, ss.Number) {
			out = append(out, ss)
		}
	}
	return out
}

func (s *Service) notifyChanged(lockID string, slots []lock.SlotStatus) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.SlotStatusChanged(lockID, slots)
	}
}

func (s *Service) updateGauges(a *lock.Aggregate) {
	if s.deps.Observer == nil {
		return
	}
	active, syncErrors := 0, 0
	snap := a.Snapshot()
	for _, ss := range snap.Slots {
		if ss.State == slot.StateActive {
			active++
		}
		if ss.SyncError != "" {
			syncErrors++
		}
	}
	s.deps.Observer.SetLockGauges(a.ID(), active, syncErrors)
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
