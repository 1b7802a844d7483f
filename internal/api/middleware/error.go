// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// ErrorResponse represents a standardized API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Common error codes
const (
	ErrNotFound      = "not_found"
	ErrBadRequest    = "bad_request"
	ErrConflict      = "conflict"
	ErrInternalError = "internal_error"
	ErrValidation    = "validation_error"
	ErrUnavailable   = "unavailable"
)

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	WriteErrorWithDetails(w, status, errCode, message, nil)
}

// WriteErrorWithDetails writes a JSON error response with additional details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, errCode, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
		Details: details,
	})
}

// WriteDomainError maps engine errors to a status and error code.
func WriteDomainError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	WriteError(w, status, code, err.Error())
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, lock.ErrLockNotFound),
		errors.Is(err, gateway.ErrUnknownLock):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, lock.ErrSlotOutOfRange),
		errors.Is(err, slot.ErrInvalidCodeFormat),
		errors.Is(err, slot.ErrRuleInvariant),
		errors.Is(err, engine.ErrInvalidSlotCount):
		return http.StatusBadRequest, ErrValidation
	case errors.Is(err, lock.ErrChildReadOnly),
		errors.Is(err, slot.ErrSlotEmpty),
		errors.Is(err, slot.ErrSlotNotActive),
		errors.Is(err, lock.ErrInvalidRole):
		return http.StatusConflict, ErrConflict
	case errors.Is(err, gateway.ErrReadUnsupported):
		return http.StatusServiceUnavailable, ErrUnavailable
	default:
		return http.StatusInternalServerError, ErrInternalError
	}
}

// ErrorRecovery recovers from panics and returns a 500 error.
func ErrorRecovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("panic", err),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
