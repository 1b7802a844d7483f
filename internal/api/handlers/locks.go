package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/smart-lock-manager/backend/internal/api/middleware"
	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
)

// DeviceInspector reads hardware status for a lock.
type DeviceInspector interface {
	DeviceInfo(ctx context.Context, lockID string) (*gateway.DeviceInfo, error)
}

// ListLocks returns the status of every managed lock.
func ListLocks(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locks := svc.AllStatus()
		if locks == nil {
			locks = []lock.LockStatus{}
		}
		writeJSON(w, http.StatusOK, locks)
	}
}

// GetLock returns one lock's status export.
func GetLock(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// GetLockStats returns usage statistics for a lock.
func GetLockStats(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ResizeRequest is the body of a resize call.
type ResizeRequest struct {
	SlotCount int `json:"slot_count"`
}

// ResizeResponse lists the slots that lost their code.
type ResizeResponse struct {
	SlotCount int   `json:"slot_count"`
	Cleared   []int `json:"cleared"`
}

// ResizeLock changes a lock's slot count.
func ResizeLock(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		cleared, err := svc.Resize(r.Context(), mux.Vars(r)["id"], req.SlotCount)
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		if cleared == nil {
			cleared = []int{}
		}
		writeJSON(w, http.StatusOK, ResizeResponse{SlotCount: req.SlotCount, Cleared: cleared})
	}
}

// SyncLock runs the hierarchy and device passes for a lock and returns the
// report.
func SyncLock(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := svc.Sync(r.Context(), mux.Vars(r)["id"], engine.TriggerManual)
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

// SyncAll syncs every lock.
func SyncAll(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports := svc.SyncAll(r.Context(), engine.TriggerManual)
		if reports == nil {
			reports = []hierarchy.Report{}
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

// GetDevice returns hardware status for a lock. Locks without a Home
// Assistant entity report no content.
func GetDevice(devices DeviceInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := devices.DeviceInfo(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		if info == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func slotNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil || n < 1 {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Slot must be a positive integer")
		return 0, false
	}
	return n, true
}
