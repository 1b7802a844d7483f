package lock

import "errors"

var (
	// ErrSlotOutOfRange is returned for slot numbers outside the lock's window.
	ErrSlotOutOfRange = errors.New("slot out of range")

	// ErrChildReadOnly rejects operator edits on a lock attached to a parent.
	ErrChildReadOnly = errors.New("child lock slots are managed by its parent")

	// ErrLockNotFound is returned by the registry for unknown lock IDs.
	ErrLockNotFound = errors.New("lock not found")

	// ErrLockExists is returned when registering a duplicate lock ID.
	ErrLockExists = errors.New("lock already registered")

	// ErrInvalidRole is returned for inconsistent parent/child configuration.
	ErrInvalidRole = errors.New("invalid lock role")
)
