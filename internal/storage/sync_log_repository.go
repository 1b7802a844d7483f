package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/smart-lock-manager/backend/internal/hierarchy"
)

// SyncLogEntry is one stored gateway outcome.
type SyncLogEntry struct {
	ID        string    `json:"id"`
	LockID    string    `json:"lock_id"`
	Slot      int       `json:"slot_number"`
	Pass      string    `json:"pass"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncLogRepository is the append-only audit log of gateway outcomes. It
// implements hierarchy.AuditLog.
type SyncLogRepository struct {
	db *DB
}

// NewSyncLogRepository creates a sync log repository.
func NewSyncLogRepository(db *DB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

var _ hierarchy.AuditLog = (*SyncLogRepository)(nil)

// Record appends one outcome.
func (r *SyncLogRepository) Record(ctx context.Context, e hierarchy.AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_log (id, lock_id, slot_number, pass, action, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, GenerateID(), e.LockID, e.Slot, string(e.Pass), e.Action.String(), e.Outcome.String(), e.Reason, e.At.UTC())
	if err != nil {
		return fmt.Errorf("inserting sync log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for lockID, newest first. An empty
// lockID returns entries for every lock.
func (r *SyncLogRepository) Recent(ctx context.Context, lockID string, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lock_id, slot_number, pass, action, outcome, reason, created_at
		FROM sync_log
		WHERE (? = '' OR lock_id = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, lockID, lockID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync log: %w", err)
	}
	defer rows.Close()

	entries := []SyncLogEntry{}
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.ID, &e.LockID, &e.Slot, &e.Pass, &e.Action, &e.Outcome, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (r *SyncLogRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sync_log WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning sync log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
