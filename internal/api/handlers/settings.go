package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smart-lock-manager/backend/internal/api/middleware"
	"github.com/smart-lock-manager/backend/internal/storage"
)

// MinInterval is the shortest sweep or sync interval accepted.
const MinInterval = time.Second

// SettingsStore persists operator settings.
type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, settings map[string]string) error
}

// SettingsResponse represents settings in API requests and responses.
type SettingsResponse struct {
	SweepInterval string `json:"sweep_interval"`
	SyncInterval  string `json:"sync_interval"`
	DebugLogging  string `json:"debug_logging"`
}

// GetSettings returns the effective settings.
func GetSettings(sched Scheduler, level zap.AtomicLevel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sweep, sync := sched.Intervals()
		writeJSON(w, http.StatusOK, SettingsResponse{
			SweepInterval: sweep.String(),
			SyncInterval:  sync.String(),
			DebugLogging:  strconv.FormatBool(level.Level() == zapcore.DebugLevel),
		})
	}
}

// UpdateSettings validates, stores and applies settings. Empty fields keep
// their current value.
func UpdateSettings(store SettingsStore, sched Scheduler, level zap.AtomicLevel, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SettingsResponse
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		settings := map[string]string{
			storage.SettingSweepInterval: req.SweepInterval,
			storage.SettingSyncInterval:  req.SyncInterval,
			storage.SettingDebugLogging:  req.DebugLogging,
		}
		if err := ValidateSettings(settings); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}
		if err := store.Set(r.Context(), settings); err != nil {
			logger.Error("storing settings", zap.Error(err))
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update settings")
			return
		}
		if err := ApplySettings(settings, sched, level); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, err.Error())
			return
		}
		logger.Info("settings updated",
			zap.String("sweep_interval", req.SweepInterval),
			zap.String("sync_interval", req.SyncInterval),
			zap.String("debug_logging", req.DebugLogging),
		)

		GetSettings(sched, level)(w, r)
	}
}

// ValidateSettings checks every non-empty setting.
func ValidateSettings(settings map[string]string) error {
	for _, key := range []string{storage.SettingSweepInterval, storage.SettingSyncInterval} {
		v := settings[key]
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d < MinInterval {
			return fmt.Errorf("%s: must be at least %s", key, MinInterval)
		}
	}
	if v := settings[storage.SettingDebugLogging]; v != "" {
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("%s: %w", storage.SettingDebugLogging, err)
		}
	}
	return nil
}

// ApplySettings reschedules the sweep and sync jobs and switches debug
// logging. Invalid or empty values are ignored.
func ApplySettings(settings map[string]string, sched Scheduler, level zap.AtomicLevel) error {
	sweep := parseInterval(settings[storage.SettingSweepInterval])
	sync := parseInterval(settings[storage.SettingSyncInterval])
	if sweep > 0 || sync > 0 {
		if err := sched.Reschedule(sweep, sync); err != nil {
			return fmt.Errorf("rescheduling: %w", err)
		}
	}

	if debug, err := strconv.ParseBool(settings[storage.SettingDebugLogging]); err == nil {
		if debug {
			level.SetLevel(zapcore.DebugLevel)
		} else if level.Level() == zapcore.DebugLevel {
			level.SetLevel(zapcore.InfoLevel)
		}
	}
	return nil
}

// parseInterval returns zero for values that are missing, malformed or
// below MinInterval.
func parseInterval(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < MinInterval {
		return 0
	}
	return d
}
