// Package feed consumes lock usage events from external sources and hands
// them to a Handler.
package feed

import (
	"context"
	"errors"
	"time"
)

// ErrMalformed marks an event that could not be parsed.
var ErrMalformed = errors.New("malformed usage event")

// UsageEvent reports one successful unlock by the code in Slot.
type UsageEvent struct {
	LockID string
	Slot   int
	At     time.Time
	Source string
}

// Handler records usage events.
type Handler interface {
	HandleUsage(ctx context.Context, ev UsageEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev UsageEvent) error

func (f HandlerFunc) HandleUsage(ctx context.Context, ev UsageEvent) error {
	return f(ctx, ev)
}
