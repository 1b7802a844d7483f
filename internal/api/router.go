// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/api/handlers"
	"github.com/smart-lock-manager/backend/internal/api/middleware"
	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/websocket"
)

// Deps are the services the API serves. Metrics may be nil.
type Deps struct {
	DB      handlers.Pinger
	Engine  *engine.Service
	Hub     *websocket.Hub
	Gateway interface {
		handlers.HealthChecker
		handlers.DeviceInspector
	}
	Scheduler handlers.Scheduler
	SyncLog   handlers.SyncLogReader
	Settings  handlers.SettingsStore
	Level     zap.AtomicLevel
	Metrics   http.Handler
	Logger    *zap.Logger
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.ErrorRecovery(d.Logger))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(d.DB, d.Gateway)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(d.Engine, d.Hub, d.Scheduler)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub, d.Logger)).Methods("GET")

	// Lock endpoints
	api.HandleFunc("/locks", handlers.ListLocks(d.Engine)).Methods("GET")
	api.HandleFunc("/locks/sync", handlers.SyncAll(d.Engine)).Methods("POST")
	api.HandleFunc("/locks/{id}", handlers.GetLock(d.Engine)).Methods("GET")
	api.HandleFunc("/locks/{id}/stats", handlers.GetLockStats(d.Engine)).Methods("GET")
	api.HandleFunc("/locks/{id}/device", handlers.GetDevice(d.Gateway)).Methods("GET")
	api.HandleFunc("/locks/{id}/resize", handlers.ResizeLock(d.Engine)).Methods("POST")
	api.HandleFunc("/locks/{id}/sync", handlers.SyncLock(d.Engine)).Methods("POST")

	// Slot endpoints
	api.HandleFunc("/locks/{id}/slots/{slot}", handlers.SetSlot(d.Engine)).Methods("PUT")
	api.HandleFunc("/locks/{id}/slots/{slot}", handlers.ClearSlot(d.Engine)).Methods("DELETE")
	api.HandleFunc("/locks/{id}/slots/{slot}/enable", handlers.EnableSlot(d.Engine)).Methods("POST")
	api.HandleFunc("/locks/{id}/slots/{slot}/disable", handlers.DisableSlot(d.Engine)).Methods("POST")
	api.HandleFunc("/locks/{id}/slots/{slot}/reset-usage", handlers.ResetUsage(d.Engine)).Methods("POST")
	api.HandleFunc("/locks/{id}/slots/{slot}/notify", handlers.SetNotify(d.Engine)).Methods("PUT")

	// Audit log
	api.HandleFunc("/sync-log", handlers.ListSyncLog(d.SyncLog)).Methods("GET")

	// Settings endpoints
	api.HandleFunc("/settings", handlers.GetSettings(d.Scheduler, d.Level)).Methods("GET")
	api.HandleFunc("/settings", handlers.UpdateSettings(d.Settings, d.Scheduler, d.Level, d.Logger)).Methods("PUT")

	return r
}
