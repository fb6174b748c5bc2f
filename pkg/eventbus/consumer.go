package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Consumer tails both durable streams and re-dispatches reconstructed
// events to local handlers, so handlers registered on this instance react
// to events published elsewhere.
//
// Consumption starts from "$": events published while the process was down
// are not replayed. Delivery is at-most-once, best-effort.
type Consumer struct {
	client redis.Cmdable
	bus    *Bus
	log    *logrus.Logger

	block   time.Duration
	backoff time.Duration
	cursors map[string]string
}

// NewConsumer creates a stream consumer feeding the given bus.
func NewConsumer(client redis.Cmdable, bus *Bus, log *logrus.Logger) *Consumer {
	if log == nil {
		log = logrus.New()
	}
	return &Consumer{
		client:  client,
		bus:     bus,
		log:     log,
		block:   2 * time.Second,
		backoff: time.Second,
		cursors: map[string]string{
			StreamLifecycle: "$",
			StreamBusiness:  "$",
		},
	}
}

// Run blocks consuming both streams until ctx is cancelled. Redis errors
// back the loop off and retry; a malformed entry is logged and skipped
// without stopping consumption of subsequent entries.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.WithFields(logrus.Fields{
		"streams": []string{StreamLifecycle, StreamBusiness},
	}).Info("Event stream consumer started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{StreamLifecycle, StreamBusiness, c.cursors[StreamLifecycle], c.cursors[StreamBusiness]},
			Block:   c.block,
			Count:   64,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // poll timed out, nothing new
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.log.Warnf("Stream read failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.cursors[stream.Stream] = msg.ID
				c.redeliver(ctx, stream.Stream, msg)
			}
		}
	}
}

// redeliver reconstructs one stream entry and dispatches it locally.
func (c *Consumer) redeliver(ctx context.Context, stream string, msg redis.XMessage) {
	ev, err := EventFromStreamValues(msg.Values)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"stream": stream,
			"id":     msg.ID,
		}).Warnf("Skipping malformed stream entry: %v", err)
		return
	}

	ch := ChannelBusiness
	if stream == StreamLifecycle {
		ch = ChannelLifecycle
	}
	c.bus.Dispatch(ctx, ch, ev)
}
