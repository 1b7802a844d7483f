package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/smart-lock-manager/backend/internal/api/middleware"
	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// SlotRequest assigns a code and its validity rule. A missing max_uses means
// unlimited.
type SlotRequest struct {
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	AllowedHours []int      `json:"allowed_hours"`
	AllowedDays  []int      `json:"allowed_days"`
	StartsAt     *time.Time `json:"starts_at"`
	EndsAt       *time.Time `json:"ends_at"`
	MaxUses      *int       `json:"max_uses"`
	NotifyOnUse  bool       `json:"notify_on_use"`
}

// Rule builds the validated slot rule.
func (req SlotRequest) Rule() (slot.Rule, error) {
	maxUses := -1
	if req.MaxUses != nil {
		maxUses = *req.MaxUses
	}
	return slot.NewRule(req.AllowedHours, req.AllowedDays, req.StartsAt, req.EndsAt, maxUses)
}

// NotifyRequest toggles use notifications.
type NotifyRequest struct {
	NotifyOnUse bool `json:"notify_on_use"`
}

// SetSlot assigns a code to a slot.
func SetSlot(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := slotNumber(w, r)
		if !ok {
			return
		}
		var req SlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		rule, err := req.Rule()
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}

		st, err := svc.SetSlot(r.Context(), mux.Vars(r)["id"], n, engine.SlotArgs{
			Code:        req.Code,
			Name:        req.Name,
			Rule:        rule,
			NotifyOnUse: req.NotifyOnUse,
		})
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// SetNotify toggles use notifications for a slot.
func SetNotify(svc *engine.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := slotNumber(w, r)
		if !ok {
			return
		}
		var req NotifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		st, err := svc.SetNotifyOnUse(r.Context(), mux.Vars(r)["id"], n, req.NotifyOnUse)
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type slotOp func(ctx context.Context, lockID string, number int) (lock.SlotStatus, error)

// ClearSlot removes a slot's code.
func ClearSlot(svc *engine.Service) http.HandlerFunc { return slotAction(svc.ClearSlot) }

// EnableSlot turns a slot on.
func EnableSlot(svc *engine.Service) http.HandlerFunc { return slotAction(svc.EnableSlot) }

// DisableSlot turns a slot off.
func DisableSlot(svc *engine.Service) http.HandlerFunc { return slotAction(svc.DisableSlot) }

// ResetUsage zeroes a slot's use counter.
func ResetUsage(svc *engine.Service) http.HandlerFunc { return slotAction(svc.ResetUsage) }

func slotAction(op slotOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := slotNumber(w, r)
		if !ok {
			return
		}
		st, err := op(r.Context(), mux.Vars(r)["id"], n)
		if err != nil {
			middleware.WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
