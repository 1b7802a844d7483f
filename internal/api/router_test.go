package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smart-lock-manager/backend/internal/api/handlers"
	"github.com/smart-lock-manager/backend/internal/api/middleware"
	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/metrics"
	"github.com/smart-lock-manager/backend/internal/scheduler"
	"github.com/smart-lock-manager/backend/internal/storage"
	"github.com/smart-lock-manager/backend/internal/websocket"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

type fakeGateway struct {
	health map[string]bool
}

func (f fakeGateway) Health(context.Context) map[string]bool { return f.health }

func (f fakeGateway) DeviceInfo(_ context.Context, lockID string) (*gateway.DeviceInfo, error) {
	switch lockID {
	case "front":
		return &gateway.DeviceInfo{EntityID: "lock.front_door", Name: "Front door", State: "locked", Online: true, SupportsPIN: true}, nil
	case "back":
		return nil, nil
	default:
		return nil, fmt.Errorf("lock %s: %w", lockID, gateway.ErrUnknownLock)
	}
}

type fakeScheduler struct {
	sweep, sync time.Duration
}

func (f *fakeScheduler) Reschedule(sweep, sync time.Duration) error {
	if sweep > 0 {
		f.sweep = sweep
	}
	if sync > 0 {
		f.sync = sync
	}
	return nil
}

func (f *fakeScheduler) Intervals() (time.Duration, time.Duration) { return f.sweep, f.sync }

func (f *fakeScheduler) LastSweep() scheduler.SweepReport {
	return scheduler.SweepReport{At: now, Evaluated: 8}
}

type fakeSettings struct {
	stored map[string]string
}

func (f *fakeSettings) All(context.Context) (map[string]string, error) { return f.stored, nil }

func (f *fakeSettings) Set(_ context.Context, s map[string]string) error {
	for k, v := range s {
		if v != "" {
			f.stored[k] = v
		}
	}
	return nil
}

type fakeSyncLog struct {
	lockID string
	limit  int
}

func (f *fakeSyncLog) Recent(_ context.Context, lockID string, limit int) ([]storage.SyncLogEntry, error) {
	f.lockID, f.limit = lockID, limit
	return []storage.SyncLogEntry{{ID: "a", LockID: "back", Slot: 1, Pass: "hierarchy", Action: "write_code", Outcome: "confirmed", CreatedAt: now}}, nil
}

type testServer struct {
	router   http.Handler
	svc      *engine.Service
	hub      *websocket.Hub
	sched    *fakeScheduler
	settings *fakeSettings
	syncLog  *fakeSyncLog
	level    zap.AtomicLevel
}

func newTestServer(t *testing.T, db handlers.Pinger) *testServer {
	t.Helper()

	registry := lock.NewRegistry()
	clock := func() time.Time { return now }
	d := hierarchy.NewDispatcher(registry, gateway.NewMemory(), hierarchy.Options{Timeout: time.Second, Now: clock}, zap.NewNop())
	svc := engine.New(engine.Deps{Registry: registry, Store: nopStore{}, Dispatcher: d}, engine.Options{Now: clock}, zap.NewNop())
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Bootstrap(context.Background(), []lock.Config{
		{ID: "front", Name: "Front door", StartSlot: 1, SlotCount: 4, Role: lock.RoleParent},
		{ID: "back", Name: "Back door", StartSlot: 1, SlotCount: 4, Role: lock.RoleChild, ParentID: "front"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := websocket.NewHub(zap.NewNop())
	go hub.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics.New(reg)

	ts := &testServer{
		svc:      svc,
		hub:      hub,
		sched:    &fakeScheduler{sweep: 30 * time.Second, sync: 5 * time.Minute},
		settings: &fakeSettings{stored: map[string]string{}},
		syncLog:  &fakeSyncLog{},
		level:    zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	ts.router = NewRouter(Deps{
		DB:        db,
		Engine:    svc,
		Hub:       hub,
		Gateway:   fakeGateway{health: map[string]bool{"memory": true}},
		Scheduler: ts.sched,
		SyncLog:   ts.syncLog,
		Settings:  ts.settings,
		Level:     ts.level,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    zap.NewNop(),
	})
	return ts
}

type nopStore struct{}

func (nopStore) Load(context.Context, string) (*lock.Aggregate, error) { return nil, nil }
func (nopStore) Save(context.Context, *lock.Aggregate) error           { return nil }
func (nopStore) IDs(context.Context) ([]string, error)                 { return nil, nil }
func (nopStore) Delete(context.Context, string) error                  { return nil }

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var e middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, fakeDB{})
	rec := ts.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.Integrations["memory"])

	ts = newTestServer(t, fakeDB{err: errors.New("closed")})
	rec = ts.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSetSlotAndReadStatus(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	rec := ts.do(t, http.MethodPut, "/api/locks/front/slots/2",
		`{"code":"2468","name":"Cleaner","allowed_days":[0,2,4],"max_uses":10,"notify_on_use":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var st lock.SlotStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Number)
	assert.Equal(t, 10, st.MaxUses)
	assert.True(t, st.NotifyOnUse)

	rec = ts.do(t, http.MethodGet, "/api/locks/front", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ls lock.LockStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ls))
	assert.Equal(t, "front", ls.LockID)
	assert.Len(t, ls.Slots, 4)
	assert.Equal(t, "Slot 2: Cleaner", ls.Slots[1].DisplayTitle)

	rec = ts.do(t, http.MethodGet, "/api/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []lock.LockStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = ts.do(t, http.MethodPost, "/api/locks/front/slots/2/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Enabled)

	rec = ts.do(t, http.MethodPut, "/api/locks/front/slots/2/notify", `{"notify_on_use":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.NotifyOnUse)

	rec = ts.do(t, http.MethodPost, "/api/locks/front/slots/2/reset-usage", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/locks/front/slots/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "empty", string(st.Label))
}

func TestSlotErrors(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"child is read only", http.MethodPut, "/api/locks/back/slots/1", `{"code":"1234"}`, http.StatusConflict, middleware.ErrConflict},
		{"bad code", http.MethodPut, "/api/locks/front/slots/1", `{"code":"12"}`, http.StatusBadRequest, middleware.ErrValidation},
		{"out of window", http.MethodPut, "/api/locks/front/slots/9", `{"code":"1234"}`, http.StatusBadRequest, middleware.ErrValidation},
		{"bad slot param", http.MethodPut, "/api/locks/front/slots/x", `{"code":"1234"}`, http.StatusBadRequest, middleware.ErrValidation},
		{"reversed range", http.MethodPut, "/api/locks/front/slots/1",
			`{"code":"1234","starts_at":"2026-03-05T00:00:00Z","ends_at":"2026-03-01T00:00:00Z"}`, http.StatusBadRequest, middleware.ErrValidation},
		{"zero max uses", http.MethodPut, "/api/locks/front/slots/1", `{"code":"1234","max_uses":0}`, http.StatusBadRequest, middleware.ErrValidation},
		{"malformed body", http.MethodPut, "/api/locks/front/slots/1", `{`, http.StatusBadRequest, middleware.ErrBadRequest},
		{"unknown lock", http.MethodPut, "/api/locks/garage/slots/1", `{"code":"1234"}`, http.StatusNotFound, middleware.ErrNotFound},
		{"enable empty slot", http.MethodPost, "/api/locks/front/slots/3/enable", ``, http.StatusConflict, middleware.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestResizeLock(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	rec := ts.do(t, http.MethodPost, "/api/locks/front/resize", `{"slot_count":51}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/locks/front/slots/4", `{"code":"4444"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/locks/front/resize", `{"slot_count":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.ResizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []int{4}, resp.Cleared)
}

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	rec := ts.do(t, http.MethodPut, "/api/locks/front/slots/1", `{"code":"1111","name":"Alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/locks/back/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep hierarchy.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "back", rep.LockID)
	assert.Equal(t, 1, rep.Confirmed)

	rec = ts.do(t, http.MethodPost, "/api/locks/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []hierarchy.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Len(t, reports, 2)

	rec = ts.do(t, http.MethodPost, "/api/locks/garage/sync", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsDeviceAndStatus(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	rec := ts.do(t, http.MethodGet, "/api/locks/front/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/locks/front/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info gateway.DeviceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.SupportsPIN)

	rec = ts.do(t, http.MethodGet, "/api/locks/back/device", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/locks/garage/device", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st handlers.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.LocksCount)
	assert.Equal(t, "30s", st.SweepInterval)
	assert.Equal(t, 8, st.LastSweep.Evaluated)
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	rec := ts.do(t, http.MethodPut, "/api/settings", `{"sweep_interval":"45s","debug_logging":"true"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp handlers.SettingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "45s", resp.SweepInterval)
	assert.Equal(t, "5m0s", resp.SyncInterval)
	assert.Equal(t, "true", resp.DebugLogging)
	assert.Equal(t, zapcore.DebugLevel, ts.level.Level())
	assert.Equal(t, map[string]string{"sweep_interval": "45s", "debug_logging": "true"}, ts.settings.stored)

	rec = ts.do(t, http.MethodPut, "/api/settings", `{"sync_interval":"10ms"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/settings", `{"debug_logging":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncLog(t *testing.T) {
	ts := newTestServer(t, fakeDB{})

	rec := ts.do(t, http.MethodGet, "/api/sync-log?lock_id=back&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []storage.SyncLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
	assert.Equal(t, "back", ts.syncLog.lockID)
	assert.Equal(t, 5, ts.syncLog.limit)

	rec = ts.do(t, http.MethodGet, "/api/sync-log?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, fakeDB{})
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketPingPong(t *testing.T) {
	ts := newTestServer(t, fakeDB{})
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"ping"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type websocket.MessageType `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, websocket.TypePong, msg.Type)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"subscribe"}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, websocket.TypeError, msg.Type)
}
