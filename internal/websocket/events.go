package websocket

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/slot"
)

// EventBroadcaster turns engine events into websocket messages.
type EventBroadcaster struct {
	hub    *Hub
	logger *zap.Logger
}

// NewEventBroadcaster creates a broadcaster on hub.
func NewEventBroadcaster(hub *Hub, logger *zap.Logger) *EventBroadcaster {
	return &EventBroadcaster{hub: hub, logger: logger.Named("events")}
}

// SlotStatusChanged sends the current status of the given slots.
func (b *EventBroadcaster) SlotStatusChanged(lockID string, slots []lock.SlotStatus) {
	if len(slots) == 0 {
		return
	}
	b.broadcast(NewMessage(TypeSlotStatusChanged, SlotStatusPayload{LockID: lockID, Slots: slots}))
}

// SlotUsed reports a recorded unlock. When the slot asks for notifications a
// notification message follows.
func (b *EventBroadcaster) SlotUsed(lockID string, s slot.Snapshot, at time.Time) {
	payload := SlotUsedPayload{
		LockID:       lockID,
		SlotNumber:   s.Number,
		DisplayTitle: s.DisplayTitle(),
		UseCount:     s.UseCount,
		MaxUses:      s.Rule.MaxUses,
		Exhausted:    s.Rule.Exhausted(s.UseCount),
		UsedAt:       at,
	}
	b.broadcast(NewMessage(TypeSlotUsed, payload))

	if s.NotifyOnUse {
		b.Notification("info", "Code used", fmt.Sprintf("%s used on %s", s.DisplayTitle(), lockID))
	}
}

// SyncCompleted reports the outcome of a sync pass.
func (b *EventBroadcaster) SyncCompleted(rep hierarchy.Report, trigger string) {
	b.broadcast(NewMessage(TypeLockSyncCompleted, SyncCompletedPayload{Report: rep, Trigger: trigger}))
}

// SweepCompleted reports a validity sweep.
func (b *EventBroadcaster) SweepCompleted(evaluated, changed int, errs []string) {
	b.broadcast(NewMessage(TypeSweepCompleted, SweepPayload{Evaluated: evaluated, Changed: changed, Errors: errs}))
}

// Notification sends a user-facing notice.
func (b *EventBroadcaster) Notification(level, title, message string) {
	b.broadcast(NewMessage(TypeNotification, NotificationPayload{
		Level:       level,
		Title:       title,
		Message:     message,
		Dismissible: true,
	}))
}

// SystemStatusChanged sends integration health.
func (b *EventBroadcaster) SystemStatusChanged(status map[string]bool) {
	b.broadcast(NewMessage(TypeSystemStatusChanged, status))
}

func (b *EventBroadcaster) broadcast(msg Message) {
	data, err := msg.JSON()
	if err != nil {
		b.logger.Error("encoding websocket message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	b.hub.Broadcast(data)
}
