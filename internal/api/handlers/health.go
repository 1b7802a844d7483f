// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/scheduler"
	"github.com/smart-lock-manager/backend/internal/websocket"
)

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthChecker reports the reachability of each device integration.
type HealthChecker interface {
	Health(ctx context.Context) map[string]bool
}

// Scheduler exposes the sweep schedule to the API.
type Scheduler interface {
	Reschedule(sweep, sync time.Duration) error
	Intervals() (sweep, sync time.Duration)
	LastSweep() scheduler.SweepReport
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string          `json:"status"`
	DBConnected  bool            `json:"db_connected"`
	Integrations map[string]bool `json:"integrations"`
}

// HealthCheck returns a handler that performs a health check. Unreachable
// integrations degrade the reported status but only the database fails it.
func HealthCheck(db Pinger, gw HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dbConnected := db.PingContext(ctx) == nil
		integrations := map[string]bool{}
		if gw != nil {
			integrations = gw.Health(ctx)
		}

		status := "healthy"
		for _, ok := range integrations {
			if !ok {
				status = "degraded"
			}
		}
		if !dbConnected {
			status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if !dbConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(HealthResponse{
			Status:       status,
			DBConnected:  dbConnected,
			Integrations: integrations,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	LocksCount       int                   `json:"locks_count"`
	ActiveSlots      int                   `json:"active_slots"`
	SyncErrorSlots   int                   `json:"sync_error_slots"`
	WebSocketClients int                   `json:"websocket_clients"`
	SweepInterval    string                `json:"sweep_interval"`
	SyncInterval     string                `json:"sync_interval"`
	LastSweep        scheduler.SweepReport `json:"last_sweep"`
}

// Status returns a handler that provides system status information.
func Status(svc *engine.Service, hub *websocket.Hub, sched Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locks := svc.AllStatus()
		resp := StatusResponse{LocksCount: len(locks)}
		for _, l := range locks {
			resp.ActiveSlots += l.ActiveCount
			for _, s := range l.Slots {
				if s.SyncError != "" {
					resp.SyncErrorSlots++
				}
			}
		}
		if hub != nil {
			resp.WebSocketClients = hub.ClientCount()
		}
		if sched != nil {
			sweep, sync := sched.Intervals()
			resp.SweepInterval = sweep.String()
			resp.SyncInterval = sync.String()
			resp.LastSweep = sched.LastSweep()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
