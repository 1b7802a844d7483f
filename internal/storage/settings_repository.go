package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Setting keys stored by the settings endpoint.
const (
	SettingSweepInterval = "sweep_interval"
	SettingSyncInterval  = "sync_interval"
	SettingDebugLogging  = "debug_logging"
)

// SettingsRepository stores operator settings as key/value pairs.
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a settings repository.
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// All returns every stored setting.
func (r *SettingsRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// Set upserts the given settings in one transaction. Empty values are
// skipped.
func (r *SettingsRepository) Set(ctx context.Context, settings map[string]string) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		for key, value := range settings {
			if value == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
			`, key, value); err != nil {
				return fmt.Errorf("updating setting %s: %w", key, err)
			}
		}
		return nil
	})
}
