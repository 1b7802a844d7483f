package websocket

import (
	"encoding/json"
	"time"

	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
)

// MessageType identifies a websocket message.
type MessageType string

const (
	// Server to client events.
	TypeSlotStatusChanged   MessageType = "slot.status_changed"
	TypeSlotUsed            MessageType = "slot.used"
	TypeLockSyncCompleted   MessageType = "lock.sync_completed"
	TypeSweepCompleted      MessageType = "sweep.completed"
	TypeSystemStatusChanged MessageType = "system.status_changed"
	TypeNotification        MessageType = "notification"

	// Client to server commands.
	TypePing MessageType = "ping"

	// Server to client responses.
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message is the envelope for every websocket message.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// SlotStatusPayload carries the new status of the slots that changed.
type SlotStatusPayload struct {
	LockID string            `json:"lock_id"`
	Slots  []lock.SlotStatus `json:"slots"`
}

// SlotUsedPayload is sent for every recorded unlock.
type SlotUsedPayload struct {
	LockID       string    `json:"lock_id"`
	SlotNumber   int       `json:"slot_number"`
	DisplayTitle string    `json:"display_title"`
	UseCount     int       `json:"use_count"`
	MaxUses      int       `json:"max_uses"`
	Exhausted    bool      `json:"exhausted"`
	UsedAt       time.Time `json:"used_at"`
}

// SyncCompletedPayload summarizes one sync pass for one lock.
type SyncCompletedPayload struct {
	hierarchy.Report
	Trigger string `json:"trigger"`
}

// SweepPayload summarizes one validity sweep.
type SweepPayload struct {
	Evaluated int      `json:"evaluated"`
	Changed   int      `json:"changed"`
	Errors    []string `json:"errors,omitempty"`
}

// NotificationPayload is a user-facing notice.
type NotificationPayload struct {
	Level       string `json:"level"` // info, warning, error, success
	Title       string `json:"title"`
	Message     string `json:"message"`
	Dismissible bool   `json:"dismissible"`
}

// ErrorPayload answers a client message the server could not handle.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}
