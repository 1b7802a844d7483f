// Package scheduler runs the periodic validity sweep, the retrying sync pass
// and audit log pruning on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
)

// Saver persists a lock after its slots changed state.
type Saver interface {
	Save(ctx context.Context, a *lock.Aggregate) error
}

// Notifier pushes sweep results to connected clients.
type Notifier interface {
	SlotStatusChanged(lockID string, slots []lock.SlotStatus)
	SweepCompleted(evaluated, changed int, errs []string)
}

// Observer records sweep metrics.
type Observer interface {
	ObserveSweep(changed, errors int, d time.Duration)
	SetLockGauges(lockID string, active, syncErrors int)
}

// Syncer runs hierarchy and device passes. SyncTree starts a pass for one
// lock and its children without waiting for it.
type Syncer interface {
	SyncAll(ctx context.Context, trigger string) []hierarchy.Report
	SyncTree(lockID, trigger string)
}

// Pruner drops audit entries older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Deps are the collaborators of a ValidityScheduler. Only Registry is
// required.
type Deps struct {
	Registry *lock.Registry
	Saver    Saver
	Notifier Notifier
	Observer Observer
	Syncer   Syncer
	Pruner   Pruner
}

// Options tune the schedules.
type Options struct {
	SweepInterval  time.Duration
	SyncInterval   time.Duration
	StatsHorizon   time.Duration
	AuditRetention time.Duration
	Location       *time.Location
	Now            func() time.Time
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	At        time.Time `json:"at"`
	Evaluated int       `json:"evaluated"`
	Changed   int       `json:"changed"`
	Errors    []string  `json:"errors,omitempty"`
}

// Triggers of the sync passes started by the scheduler.
const (
	TriggerScheduled = "scheduled"
	TriggerSweep     = "sweep"
)

// ValidityScheduler re-evaluates every slot of every lock on an interval so
// time-based rules take effect without an operator action.
type ValidityScheduler struct {
	cron   *cron.Cron
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	sweepID   cron.EntryID
	syncID    cron.EntryID
	pruneID   cron.EntryID
	lastSweep SweepReport
}

// New creates a scheduler. Zero options take their defaults.
func New(deps Deps, opts Options, logger *zap.Logger) *ValidityScheduler {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	if opts.StatsHorizon <= 0 {
		opts.StatsHorizon = 7 * 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	return &ValidityScheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		deps:   deps,
		opts:   opts,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Start registers the jobs, runs a first sweep and starts the cron runner.
// Jobs run with a context derived from ctx.
func (s *ValidityScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.Reschedule(s.opts.SweepInterval, s.opts.SyncInterval); err != nil {
		return err
	}
	if s.deps.Pruner != nil && s.opts.AuditRetention > 0 {
		id, err := s.cron.AddFunc("@daily", func() { s.prune(s.jobContext()) })
		if err != nil {
			return fmt.Errorf("scheduling audit prune: %w", err)
		}
		s.pruneID = id
	}

	go s.Sweep(s.jobContext())

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.opts.SweepInterval),
		zap.Duration("sync_interval", s.opts.SyncInterval),
	)
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *ValidityScheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Reschedule replaces the sweep and sync jobs with new intervals. A
// non-positive interval keeps the current one.
func (s *ValidityScheduler) Reschedule(sweepEvery, syncEvery time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sweepEvery <= 0 {
		sweepEvery = s.opts.SweepInterval
	}
	if syncEvery <= 0 {
		syncEvery = s.opts.SyncInterval
	}

	sweepID, err := s.cron.AddFunc(every(sweepEvery), func() { s.Sweep(s.jobContext()) })
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	var syncID cron.EntryID
	if s.deps.Syncer != nil {
		syncID, err = s.cron.AddFunc(every(syncEvery), func() { s.runSync(s.jobContext()) })
		if err != nil {
			s.cron.Remove(sweepID)
			return fmt.Errorf("scheduling sync: %w", err)
		}
	}

	if s.sweepID != 0 {
		s.cron.Remove(s.sweepID)
	}
	if s.syncID != 0 {
		s.cron.Remove(s.syncID)
	}
	s.sweepID, s.syncID = sweepID, syncID
	s.opts.SweepInterval, s.opts.SyncInterval = sweepEvery, syncEvery
	return nil
}

// Intervals returns the active sweep and sync intervals.
func (s *ValidityScheduler) Intervals() (sweepEvery, syncEvery time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.SweepInterval, s.opts.SyncInterval
}

// LastSweep returns the report of the most recent sweep.
func (s *ValidityScheduler) LastSweep() SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *ValidityScheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Sweep evaluates every slot of every registered lock once. A failing lock
// is reported and the sweep moves on to the next one. Locks with changed
// slots get a device pass covering their children.
func (s *ValidityScheduler) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	now := s.opts.Now()
	rep := SweepReport{At: now}

	for _, a := range s.deps.Registry.List() {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err().Error())
			break
		}
		evaluated, changed, err := s.sweepLock(ctx, a, now)
		rep.Evaluated += evaluated
		rep.Changed += changed
		if changed > 0 && s.deps.Syncer != nil {
			// The device must follow the new states even if saving failed.
			s.deps.Syncer.SyncTree(a.ID(), TriggerSweep)
		}
		if err != nil {
			s.logger.Error("sweep failed for lock", zap.String("lock_id", a.ID()), zap.Error(err))
			rep.Errors = append(rep.Errors, err.Error())
		}
	}

	if s.deps.Observer != nil {
		s.deps.Observer.ObserveSweep(rep.Changed, len(rep.Errors), time.Since(start))
	}
	if s.deps.Notifier != nil && (rep.Changed > 0 || len(rep.Errors) > 0) {
		s.deps.Notifier.SweepCompleted(rep.Evaluated, rep.Changed, rep.Errors)
	}
	if rep.Changed > 0 {
		s.logger.Info("sweep changed slots", zap.Int("changed", rep.Changed), zap.Int("errors", len(rep.Errors)))
	}

	s.mu.Lock()
	s.lastSweep = rep
	s.mu.Unlock()
	return rep
}

func (s *ValidityScheduler) sweepLock(ctx context.Context, a *lock.Aggregate, now time.Time) (evaluated, changed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lock %s: panic during sweep: %v", a.ID(), r)
		}
	}()

	_, evaluated = a.Window()
	numbers := a.Evaluate(now)
	changed = len(numbers)

	status := a.Status(now, s.opts.StatsHorizon)
	if s.deps.Observer != nil {
		s.deps.Observer.SetLockGauges(a.ID(), status.ActiveCount, countSyncErrors(status))
	}
	if changed == 0 {
		return evaluated, 0, nil
	}

	if s.deps.Saver != nil {
		if err := s.deps.Saver.Save(ctx, a); err != nil {
			return evaluated, changed, fmt.Errorf("saving lock %s: %w", a.ID(), err)
		}
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.SlotStatusChanged(a.ID(), pick(status.Slots, numbers))
	}
	return evaluated, changed, nil
}

func (s *ValidityScheduler) runSync(ctx context.Context) {
	reports := s.deps.Syncer.SyncAll(ctx, TriggerScheduled)
	var confirmed, failed int
	for _, r := range reports {
		confirmed += r.Confirmed
		failed += r.Failed + r.TimedOut
	}
	s.logger.Debug("scheduled sync finished",
		zap.Int("locks", len(reports)),
		zap.Int("confirmed", confirmed),
		zap.Int("failed", failed),
	)
}

func (s *ValidityScheduler) prune(ctx context.Context) {
	cutoff := s.opts.Now().Add(-s.opts.AuditRetention)
	n, err := s.deps.Pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("pruning sync log", zap.Error(err))
		return
	}
	s.logger.Info("pruned sync log", zap.Int64("removed", n), zap.Time("before", cutoff))
}

func pick(all []lock.SlotStatus, numbers []int) []lock.SlotStatus {
	out := make([]lock.SlotStatus, 0, len(numbers))
	for _, st := range all {
		if slices.Contains(numbers, st.Number) {
			out = append(out, st)
		}
	}
	return out
}

func countSyncErrors(st lock.LockStatus) int {
	n := 0
	for _, s := range st.Slots {
		if s.SyncError != "" {
			n++
		}
	}
	return n
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
