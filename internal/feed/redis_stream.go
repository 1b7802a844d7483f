package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SourceRedis tags events read from the Redis stream.
const SourceRedis = "redis"

// StreamConfig names the stream and consumer group to read.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// StreamConsumer reads usage events from a Redis stream with a consumer
// group. Entries carry lock_id, slot and an optional at (RFC 3339 or unix
// seconds).
type StreamConsumer struct {
	client  *redis.Client
	cfg     StreamConfig
	handler Handler
	logger  *zap.Logger
}

// NewStreamConsumer creates a consumer.
func NewStreamConsumer(client *redis.Client, cfg StreamConfig, handler Handler, logger *zap.Logger) *StreamConsumer {
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &StreamConsumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("redis_feed"),
	}
}

// Run creates the consumer group if needed and processes entries until ctx
// is done.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	c.logger.Info("consuming usage events", zap.String("stream", c.cfg.Stream), zap.String("group", c.cfg.Group))
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("reading usage stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("usage events processed", zap.Int("count", n))
		}
	}
}

// EnsureGroup creates the stream and consumer group. An existing group is
// kept.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", c.cfg.Group, err)
	}
	return nil
}

// Poll reads one batch, handles and acknowledges every entry, and returns
// how many entries it read.
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			n++
			c.handle(ctx, msg)
			// Rejected events are not retried: a replay could count an
			// unlock twice.
			if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
				c.logger.Warn("acknowledging usage event", zap.String("id", msg.ID), zap.Error(err))
			}
		}
	}
	return n, nil
}

func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) {
	ev, err := ParseStreamValues(msg.Values)
	if err != nil {
		c.logger.Warn("dropping usage event", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := c.handler.HandleUsage(ctx, ev); err != nil {
		c.logger.Info("usage event rejected",
			zap.String("id", msg.ID), zap.String("lock_id", ev.LockID), zap.Int("slot", ev.Slot), zap.Error(err))
	}
}

// ParseStreamValues decodes the fields of one stream entry.
func ParseStreamValues(values map[string]any) (UsageEvent, error) {
	ev := UsageEvent{Source: SourceRedis}

	lockID, _ := values["lock_id"].(string)
	if lockID == "" {
		return ev, fmt.Errorf("%w: missing lock_id", ErrMalformed)
	}
	ev.LockID = lockID

	rawSlot, _ := values["slot"].(string)
	slotNum, err := strconv.Atoi(rawSlot)
	if err != nil || slotNum <= 0 {
		return ev, fmt.Errorf("%w: slot %q", ErrMalformed, rawSlot)
	}
	ev.Slot = slotNum

	if rawAt, _ := values["at"].(string); rawAt != "" {
		at, err := parseTime(rawAt)
		if err != nil {
			return ev, fmt.Errorf("%w: at %q", ErrMalformed, rawAt)
		}
		ev.At = at
	}
	return ev, nil
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
