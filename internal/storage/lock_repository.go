package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// LockRepository loads and saves lock aggregates with all of their window
// slots. Saves of the same lock are serialized.
type LockRepository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	perLock map[string]*sync.Mutex
}

// NewLockRepository creates a lock repository. now is the engine clock used
// to derive slot states on load; nil means time.Now.
func NewLockRepository(db *DB, now func() time.Time, logger *zap.Logger) *LockRepository {
	if now == nil {
		now = time.Now
	}
	return &LockRepository{
		db:      db,
		logger:  logger.Named("lock_repository"),
		now:     now,
		perLock: make(map[string]*sync.Mutex),
	}
}

func (r *LockRepository) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.perLock[id]
	if !ok {
		m = &sync.Mutex{}
		r.perLock[id] = m
	}
	return m
}

// Load returns the saved aggregate for lockID with its slot states derived
// for the current time, or nil when nothing was saved.
func (r *LockRepository) Load(ctx context.Context, lockID string) (*lock.Aggregate, error) {
	snap, err := r.LoadSnapshot(ctx, lockID)
	if err != nil || snap == nil {
		return nil, err
	}
	return lock.Restore(*snap, r.now())
}

// LoadSnapshot returns the saved snapshot for lockID, or nil when nothing was
// saved.
func (r *LockRepository) LoadSnapshot(ctx context.Context, lockID string) (*lock.Snapshot, error) {
	var (
		snap     lock.Snapshot
		role     string
		parentID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, start_slot, slot_count, role, parent_id
		FROM locks WHERE id = ?
	`, lockID).Scan(&snap.ID, &snap.Name, &snap.StartSlot, &snap.SlotCount, &role, &parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying lock %s: %w", lockID, err)
	}

	if snap.Role, err = lock.ParseRole(role); err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockID, err)
	}
	snap.ParentID = parentID.String

	slots, err := r.loadSlots(ctx, lockID)
	if err != nil {
		return nil, err
	}
	snap.Slots = slots
	return &snap, nil
}

func (r *LockRepository) loadSlots(ctx context.Context, lockID string) ([]slot.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT slot_number, code, display_name, rule, enabled, use_count, notify_on_use,
			   created_at, last_used_at, state, synced, sync_error, sync_attempts
		FROM code_slots WHERE lock_id = ?
		ORDER BY slot_number
	`, lockID)
	if err != nil {
		return nil, fmt.Errorf("querying slots of %s: %w", lockID, err)
	}
	defer rows.Close()

	var slots []slot.Snapshot
	for rows.Next() {
		var (
			s         slot.Snapshot
			rule      string
			state     string
			createdAt sql.NullTime
			lastUsed  sql.NullTime
		)
		if err := rows.Scan(
			&s.Number, &s.Code, &s.DisplayName, &rule, &s.Enabled, &s.UseCount, &s.NotifyOnUse,
			&createdAt, &lastUsed, &state, &s.Synced, &s.SyncError, &s.SyncAttempts,
		); err != nil {
			return nil, fmt.Errorf("scanning slot of %s: %w", lockID, err)
		}
		if err := json.Unmarshal([]byte(rule), &s.Rule); err != nil {
			return nil, fmt.Errorf("decoding rule of %s slot %d: %w", lockID, s.Number, err)
		}
		if err := s.State.UnmarshalText([]byte(state)); err != nil {
			return nil, fmt.Errorf("%s slot %d: %w", lockID, s.Number, err)
		}
		s.CreatedAt = timeFromNull(createdAt)
		s.LastUsedAt = timeFromNull(lastUsed)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// Save writes the aggregate and replaces all of its slot rows. The snapshot
// is taken under the lock's save mutex, so a later Save never loses to an
// earlier one.
func (r *LockRepository) Save(ctx context.Context, a *lock.Aggregate) error {
	m := r.lockFor(a.ID())
	m.Lock()
	defer m.Unlock()

	snap := a.Snapshot()
	now := r.now().UTC()

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var parentID sql.NullString
		if snap.ParentID != "" {
			parentID = sql.NullString{String: snap.ParentID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO locks (id, name, start_slot, slot_count, role, parent_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, start_slot = excluded.start_slot,
				slot_count = excluded.slot_count, role = excluded.role,
				parent_id = excluded.parent_id, updated_at = excluded.updated_at
		`, snap.ID, snap.Name, snap.StartSlot, snap.SlotCount, snap.Role.String(), parentID, now); err != nil {
			return fmt.Errorf("upserting lock: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM code_slots WHERE lock_id = ?", snap.ID); err != nil {
			return fmt.Errorf("deleting slots: %w", err)
		}

		for _, s := range snap.Slots {
			rule, err := json.Marshal(s.Rule)
			if err != nil {
				return fmt.Errorf("encoding rule of slot %d: %w", s.Number, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO code_slots (
					lock_id, slot_number, code, display_name, rule, enabled, use_count,
					notify_on_use, created_at, last_used_at, state, synced, sync_error, sync_attempts
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				snap.ID, s.Number, s.Code, s.DisplayName, string(rule), s.Enabled, s.UseCount,
				s.NotifyOnUse, nullTime(s.CreatedAt), nullTime(s.LastUsedAt), s.State.String(),
				s.Synced, s.SyncError, s.SyncAttempts,
			); err != nil {
				return fmt.Errorf("inserting slot %d: %w", s.Number, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving lock %s: %w", snap.ID, err)
	}

	r.logger.Debug("lock saved", zap.String("lock_id", snap.ID), zap.Int("slots", len(snap.Slots)))
	return nil
}

// Delete removes a lock and its slots. Deleting an unknown lock is not an
// error.
func (r *LockRepository) Delete(ctx context.Context, lockID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM locks WHERE id = ?", lockID); err != nil {
		return fmt.Errorf("deleting lock %s: %w", lockID, err)
	}
	return nil
}

// IDs lists the ids of all saved locks.
func (r *LockRepository) IDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM locks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying locks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning lock id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
