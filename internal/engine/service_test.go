package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/feed"
	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type memStore struct {
	mu    sync.Mutex
	snaps map[string]lock.Snapshot
	saves int
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]lock.Snapshot)}
}

func (m *memStore) Load(_ context.Context, id string) (*lock.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return nil, nil
	}
	return lock.Restore(snap, now)
}

func (m *memStore) Save(_ context.Context, a *lock.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[a.ID()] = a.Snapshot()
	m.saves++
	return nil
}

func (m *memStore) IDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.snaps {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snaps[id]
	return ok
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []lock.SlotStatus
	used    []slot.Snapshot
	syncs   []string
}

func (r *recordingNotifier) SlotStatusChanged(_ string, slots []lock.SlotStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, slots...)
}

func (r *recordingNotifier) SlotUsed(_ string, s slot.Snapshot, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = append(r.used, s)
}

func (r *recordingNotifier) SyncCompleted(rep hierarchy.Report, trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs = append(r.syncs, rep.LockID+":"+trigger)
}

type recordingObserver struct {
	mu     sync.Mutex
	usage  map[string]int
	active map[string]int
}

func (r *recordingObserver) ObserveUsage(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usage == nil {
		r.usage = make(map[string]int)
	}
	key := source + ":ok"
	if err != nil {
		key = source + ":rejected"
	}
	r.usage[key]++
}

func (r *recordingObserver) SetLockGauges(lockID string, active, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]int)
	}
	r.active[lockID] = active
}

type harness struct {
	svc      *Service
	registry *lock.Registry
	store    *memStore
	mem      *gateway.Memory
	notifier *recordingNotifier
	observer *recordingObserver
}

var hierarchyConfig = []lock.Config{
	{ID: "back", Name: "Back door", StartSlot: 1, SlotCount: 4, Role: lock.RoleChild, ParentID: "front"},
	{ID: "front", Name: "Front door", StartSlot: 1, SlotCount: 4, Role: lock.RoleParent},
}

func newHarness(t *testing.T, store *memStore) *harness {
	t.Helper()
	h := &harness{
		registry: lock.NewRegistry(),
		store:    store,
		mem:      gateway.NewMemory(),
		notifier: &recordingNotifier{},
		observer: &recordingObserver{},
	}
	clock := func() time.Time { return now }
	d := hierarchy.NewDispatcher(h.registry, h.mem, hierarchy.Options{
		Timeout:    time.Second,
		ClearRogue: true,
		Now:        clock,
	}, zap.NewNop())
	h.svc = New(Deps{
		Registry:   h.registry,
		Store:      store,
		Dispatcher: d,
		Notifier:   h.notifier,
		Observer:   h.observer,
	}, Options{SyncOnChange: true, Now: clock}, zap.NewNop())
	t.Cleanup(h.svc.Close)
	return h
}

func TestBootstrapRegistersParentsFirst(t *testing.T) {
	h := newHarness(t, newMemStore())

	require.NoError(t, h.svc.Bootstrap(context.Background(), hierarchyConfig))
	assert.Equal(t, 2, h.registry.Len())

	back, err := h.registry.Get("back")
	require.NoError(t, err)
	assert.Equal(t, lock.RoleChild, back.Role())
	assert.True(t, h.store.has("front"))
	assert.True(t, h.store.has("back"))
}

func TestBootstrapRestoresAndAppliesConfiguredWindow(t *testing.T) {
	store := newMemStore()
	saved, err := lock.New(lock.Config{ID: "front", StartSlot: 1, SlotCount: 6})
	require.NoError(t, err)
	_, err = saved.SetSlot(2, lock.AssignArgs{Code: "2222", Name: "Bob", Rule: slot.Unrestricted()}, now)
	require.NoError(t, err)
	_, err = saved.SetSlot(5, lock.AssignArgs{Code: "5555", Name: "Eve", Rule: slot.Unrestricted()}, now)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), saved))
	attic, err := lock.New(lock.Config{ID: "attic", StartSlot: 1, SlotCount: 1})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), attic))

	h := newHarness(t, store)
	require.NoError(t, h.svc.Bootstrap(context.Background(), []lock.Config{
		{ID: "front", Name: "Front door", StartSlot: 1, SlotCount: 4},
	}))
	h.svc.WaitIdle()

	a, err := h.registry.Get("front")
	require.NoError(t, err)
	start, count := a.Window()
	assert.Equal(t, 1, start)
	assert.Equal(t, 4, count)
	assert.Equal(t, "Front door", a.Name())

	kept, err := a.Slot(2)
	require.NoError(t, err)
	assert.Equal(t, "2222", kept.Code)

	assert.Contains(t, h.mem.Calls(), gateway.Call{Op: "clear", LockID: "front", Slot: 5})
	assert.False(t, store.has("attic"))
}

func TestSetSlotPropagatesToChild(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	st, err := h.svc.SetSlot(ctx, "front", 1, SlotArgs{Code: "1111", Name: "Alice", Rule: slot.Unrestricted()})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Number)
	assert.Equal(t, "Alice", st.DisplayTitle)
	assert.Equal(t, slot.StateActive, st.State)
	h.svc.WaitIdle()

	frontCodes, err := h.mem.ReadCodes(ctx, "front", 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "1111"}, frontCodes)
	backCodes, err := h.mem.ReadCodes(ctx, "back", 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "1111"}, backCodes)

	back, err := h.registry.Get("back")
	require.NoError(t, err)
	mirrored, err := back.Slot(1)
	require.NoError(t, err)
	assert.Equal(t, "1111", mirrored.Code)
	assert.Equal(t, "Alice", mirrored.DisplayName)
	assert.True(t, mirrored.Synced)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.NotEmpty(t, h.notifier.changed)
	assert.Contains(t, h.notifier.syncs, "back:edit")
}

func TestEditsOnChildAreRejected(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	_, err := h.svc.SetSlot(ctx, "back", 1, SlotArgs{Code: "1111", Rule: slot.Unrestricted()})
	assert.ErrorIs(t, err, lock.ErrChildReadOnly)

	_, err = h.svc.DisableSlot(ctx, "back", 1)
	assert.ErrorIs(t, err, lock.ErrChildReadOnly)

	_, err = h.svc.ClearSlot(ctx, "missing", 1)
	assert.ErrorIs(t, err, lock.ErrLockNotFound)

	_, err = h.svc.SetSlot(ctx, "front", 9, SlotArgs{Code: "1111", Rule: slot.Unrestricted()})
	assert.ErrorIs(t, err, lock.ErrSlotOutOfRange)
}

func TestDisableAndNotify(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	_, err := h.svc.SetSlot(ctx, "front", 2, SlotArgs{Code: "2222", Name: "Bob", Rule: slot.Unrestricted()})
	require.NoError(t, err)
	h.svc.WaitIdle()

	st, err := h.svc.DisableSlot(ctx, "front", 2)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, slot.StateInactive, st.State)

	st, err = h.svc.SetNotifyOnUse(ctx, "front", 2, true)
	require.NoError(t, err)
	assert.True(t, st.NotifyOnUse)
	h.svc.WaitIdle()

	codes, err := h.mem.ReadCodes(ctx, "front", 0)
	require.NoError(t, err)
	assert.Empty(t, codes)

	st, err = h.svc.EnableSlot(ctx, "front", 2)
	require.NoError(t, err)
	assert.Equal(t, slot.StateActive, st.State)
}

func TestResize(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	_, err := h.svc.Resize(ctx, "front", 0)
	assert.ErrorIs(t, err, ErrInvalidSlotCount)
	_, err = h.svc.Resize(ctx, "front", 51)
	assert.ErrorIs(t, err, ErrInvalidSlotCount)
	_, err = h.svc.Resize(ctx, "nowhere", 5)
	assert.ErrorIs(t, err, lock.ErrLockNotFound)

	_, err = h.svc.SetSlot(ctx, "front", 3, SlotArgs{Code: "3333", Rule: slot.Unrestricted()})
	require.NoError(t, err)
	h.svc.WaitIdle()

	cleared, err := h.svc.Resize(ctx, "front", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, cleared)
	h.svc.WaitIdle()

	codes, err := h.mem.ReadCodes(ctx, "front", 0)
	require.NoError(t, err)
	assert.NotContains(t, codes, 3)
}

func TestHandleUsageExhaustsSlot(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	once, err := slot.NewRule(nil, nil, nil, nil, 1)
	require.NoError(t, err)
	_, err = h.svc.SetSlot(ctx, "front", 2, SlotArgs{Code: "2222", Name: "Courier", Rule: once, NotifyOnUse: true})
	require.NoError(t, err)
	h.svc.WaitIdle()

	ev := feed.UsageEvent{LockID: "front", Slot: 2, At: now, Source: feed.SourceRedis}
	require.NoError(t, h.svc.HandleUsage(ctx, ev))
	h.svc.WaitIdle()

	a, err := h.registry.Get("front")
	require.NoError(t, err)
	used, err := a.Slot(2)
	require.NoError(t, err)
	assert.Equal(t, 1, used.UseCount)
	assert.Equal(t, slot.StateInactive, used.State)

	codes, err := h.mem.ReadCodes(ctx, "front", 0)
	require.NoError(t, err)
	assert.NotContains(t, codes, 2)

	err = h.svc.HandleUsage(ctx, ev)
	assert.ErrorIs(t, err, slot.ErrSlotNotActive)
	err = h.svc.HandleUsage(ctx, feed.UsageEvent{LockID: "garage", Slot: 1, Source: feed.SourceMQTT})
	assert.ErrorIs(t, err, lock.ErrLockNotFound)

	h.notifier.mu.Lock()
	require.Len(t, h.notifier.used, 1)
	assert.True(t, h.notifier.used[0].NotifyOnUse)
	h.notifier.mu.Unlock()

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, 1, h.observer.usage["redis:ok"])
	assert.Equal(t, 1, h.observer.usage["redis:rejected"])
	assert.Equal(t, 1, h.observer.usage["mqtt:rejected"])
}

func TestResetUsageThenEnable(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	once, err := slot.NewRule(nil, nil, nil, nil, 1)
	require.NoError(t, err)
	_, err = h.svc.SetSlot(ctx, "front", 1, SlotArgs{Code: "1111", Rule: once})
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleUsage(ctx, feed.UsageEvent{LockID: "front", Slot: 1}))

	st, err := h.svc.ResetUsage(ctx, "front", 1)
	require.NoError(t, err)
	assert.Zero(t, st.UseCount)
	assert.False(t, st.Enabled, "exhausted slots stay off until re-enabled")

	st, err = h.svc.EnableSlot(ctx, "front", 1)
	require.NoError(t, err)
	assert.Equal(t, slot.StateActive, st.State)
}

func TestSyncAndStatus(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))
	h.mem.Seed("front", 3, "9999")

	rep, err := h.svc.Sync(ctx, "front", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)

	codes, err := h.mem.ReadCodes(ctx, "front", 0)
	require.NoError(t, err)
	assert.Empty(t, codes)

	reports := h.svc.SyncAll(ctx, TriggerManual)
	assert.Len(t, reports, 2)

	st, err := h.svc.Status("front")
	require.NoError(t, err)
	assert.Equal(t, "Front door", st.Name)
	assert.Len(t, st.Slots, 4)
	assert.Len(t, h.svc.AllStatus(), 2)
	assert.Len(t, h.svc.Locks(), 2)

	stats, err := h.svc.Stats("front")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalUses)

	_, err = h.svc.Status("nowhere")
	assert.ErrorIs(t, err, lock.ErrLockNotFound)
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	h.svc.Close()
	_, err := h.svc.SetSlot(ctx, "front", 1, SlotArgs{Code: "1111", Rule: slot.Unrestricted()})
	require.NoError(t, err)
	h.svc.WaitIdle()
	assert.Empty(t, h.mem.Calls())
}

func TestBootstrapAsChildConvergesDespiteExpiredLocalRule(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	saved, err := lock.New(lock.Config{ID: "back", StartSlot: 1, SlotCount: 4})
	require.NoError(t, err)
	ends := now.Add(-2 * time.Hour)
	rule, err := slot.NewRule(nil, nil, nil, &ends, slot.Unlimited)
	require.NoError(t, err)
	_, err = saved.SetSlot(1, lock.AssignArgs{Code: "1234", Name: "Bob", Rule: rule}, now.Add(-3*time.Hour))
	require.NoError(t, err)
	saved.Evaluate(now.Add(-time.Hour))
	require.NoError(t, store.Save(ctx, saved))

	h := newHarness(t, store)
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))
	_, err = h.svc.SetSlot(ctx, "front", 1, SlotArgs{Code: "1234", Name: "Bob", Rule: slot.Unrestricted()})
	require.NoError(t, err)
	h.svc.WaitIdle()

	for range 3 {
		rep, err := h.svc.Sync(ctx, "back", TriggerManual)
		require.NoError(t, err)
		assert.Zero(t, rep.Planned)
	}

	back, err := h.registry.Get("back")
	require.NoError(t, err)
	s, err := back.Slot(1)
	require.NoError(t, err)
	assert.Equal(t, slot.StateActive, s.State)
	assert.Equal(t, slot.Unrestricted(), s.Rule)

	codes, err := h.mem.ReadCodes(ctx, "back", 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "1234"}, codes)

	writes := 0
	for _, c := range h.mem.Calls() {
		if c.LockID == "back" && c.Op == "write" {
			writes++
		}
	}
	assert.Equal(t, 1, writes)
}

func TestSyncTreeClearsExpiredSlotOnParentAndChild(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, hierarchyConfig))

	ends := now.Add(time.Hour)
	rule, err := slot.NewRule(nil, nil, nil, &ends, slot.Unlimited)
	require.NoError(t, err)
	_, err = h.svc.SetSlot(ctx, "front", 1, SlotArgs{Code: "1111", Name: "Guest", Rule: rule})
	require.NoError(t, err)
	h.svc.WaitIdle()

	front, err := h.registry.Get("front")
	require.NoError(t, err)
	require.Equal(t, []int{1}, front.Evaluate(now.Add(2*time.Hour)))

	h.svc.SyncTree("front", "sweep")
	h.svc.WaitIdle()

	calls := h.mem.Calls()
	assert.Contains(t, calls, gateway.Call{Op: "clear", LockID: "front", Slot: 1})
	assert.Contains(t, calls, gateway.Call{Op: "clear", LockID: "back", Slot: 1})
	for _, id := range []string{"front", "back"} {
		codes, err := h.mem.ReadCodes(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, codes, id)
	}

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Contains(t, h.notifier.syncs, "back:sweep")
}

func TestSyncStopsRetryingAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, newMemStore())
	ctx := context.Background()
	require.NoError(t, h.svc.Bootstrap(ctx, []lock.Config{{ID: "front", StartSlot: 1, SlotCount: 2}}))
	h.mem.SetFault("front", 1, gateway.Result{Outcome: gateway.OutcomeFailed, Reason: "jammed"})

	_, err := h.svc.SetSlot(ctx, "front", 1, SlotArgs{Code: "1111", Rule: slot.Unrestricted()})
	require.NoError(t, err)
	h.svc.WaitIdle()

	for range slot.MaxSyncAttempts {
		h.svc.SyncAll(ctx, "scheduled")
	}
	st, err := h.svc.Status("front")
	require.NoError(t, err)
	assert.Equal(t, slot.MaxSyncAttempts, st.Slots[0].SyncAttempts)
	assert.Contains(t, st.Slots[0].SyncError, "gave up after 10 attempts")

	writes := len(h.mem.Calls())
	reports := h.svc.SyncAll(ctx, "scheduled")
	require.Len(t, reports, 1)
	assert.Zero(t, reports[0].Planned)
	assert.Equal(t, 1, reports[0].Skipped)
	assert.Len(t, h.mem.Calls(), writes, "an exhausted slot is not retried")

	// A manual sync retries it.
	h.mem.SetFault("front", 1, gateway.Result{Outcome: gateway.OutcomeConfirmed})
	rep, err := h.svc.Sync(ctx, "front", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)

	st, err = h.svc.Status("front")
	require.NoError(t, err)
	assert.Zero(t, st.Slots[0].SyncAttempts)
	assert.Empty(t, st.Slots[0].SyncError)
}
