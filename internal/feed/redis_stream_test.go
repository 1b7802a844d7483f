package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []UsageEvent
	err    error
}

func (r *recorder) HandleUsage(_ context.Context, ev UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) all() []UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UsageEvent(nil), r.events...)
}

func setupStream(t *testing.T, h Handler) (*redis.Client, *StreamConsumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewStreamConsumer(client, StreamConfig{
		Stream:   "lock:usage",
		Group:    "slot-engine",
		Consumer: "test",
		Block:    20 * time.Millisecond,
	}, h, zap.NewNop())
	require.NoError(t, c.EnsureGroup(context.Background()))
	return client, c
}

func TestStreamConsumerPoll(t *testing.T) {
	rec := &recorder{}
	client, c := setupStream(t, rec)
	ctx := context.Background()

	for _, values := range []map[string]any{
		{"lock_id": "front", "slot": 3, "at": "1772445600"},
		{"slot": 1},
		{"lock_id": "back", "slot": "x"},
		{"lock_id": "back", "slot": 2, "at": "2026-03-02T10:00:00Z"},
	} {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "lock:usage", Values: values}).Err())
	}

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, UsageEvent{LockID: "front", Slot: 3, At: time.Unix(1772445600, 0).UTC(), Source: SourceRedis}, events[0])
	assert.Equal(t, "back", events[1].LockID)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), events[1].At)

	pending, err := client.XPending(ctx, "lock:usage", "slot-engine").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "every entry is acknowledged")

	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamConsumerAcksRejectedEvents(t *testing.T) {
	rec := &recorder{err: errors.New("slot not active")}
	client, c := setupStream(t, rec)
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "lock:usage",
		Values: map[string]any{"lock_id": "front", "slot": 1},
	}).Err())

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, rec.all(), 1)

	pending, err := client.XPending(ctx, "lock:usage", "slot-engine").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestStreamConsumerEnsureGroupIsIdempotent(t *testing.T) {
	_, c := setupStream(t, &recorder{})
	assert.NoError(t, c.EnsureGroup(context.Background()))
}

func TestStreamConsumerRunStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	client, c := setupStream(t, rec)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "lock:usage",
		Values: map[string]any{"lock_id": "front", "slot": 1},
	}).Err())
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestParseStreamValues(t *testing.T) {
	_, err := ParseStreamValues(map[string]any{"lock_id": "front", "slot": "0"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseStreamValues(map[string]any{"lock_id": "front", "slot": "2", "at": "yesterday"})
	assert.ErrorIs(t, err, ErrMalformed)

	ev, err := ParseStreamValues(map[string]any{"lock_id": "front", "slot": "2"})
	require.NoError(t, err)
	assert.True(t, ev.At.IsZero())
}
