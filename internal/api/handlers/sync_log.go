package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/smart-lock-manager/backend/internal/api/middleware"
	"github.com/smart-lock-manager/backend/internal/storage"
)

// SyncLogReader reads the device sync audit log.
type SyncLogReader interface {
	Recent(ctx context.Context, lockID string, limit int) ([]storage.SyncLogEntry, error)
}

// ListSyncLog returns recent gateway outcomes, optionally for one lock.
func ListSyncLog(log SyncLogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "limit must be 1-1000")
				return
			}
			limit = n
		}

		entries, err := log.Recent(r.Context(), q.Get("lock_id"), limit)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to read sync log")
			return
		}
		if entries == nil {
			entries = []storage.SyncLogEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
