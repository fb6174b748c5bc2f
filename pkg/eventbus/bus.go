package eventbus

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// HandlerFunc processes a dispatched event. Errors are logged per handler
// and never abort the rest of the dispatch chain.
type HandlerFunc func(ctx context.Context, ev *Event) error

// Channel separates module-lifecycle events from business events.
type Channel string

const (
	ChannelLifecycle Channel = "lifecycle"
	ChannelBusiness  Channel = "business"
)

// StreamFor maps a channel to its durable stream name.
func StreamFor(ch Channel) string {
	if ch == ChannelLifecycle {
		return StreamLifecycle
	}
	return StreamBusiness
}

// registration is one pattern-matched handler owned by a module.
type registration struct {
	moduleID string
	channel  Channel
	pattern  *regexp.Regexp
	priority int
	seq      uint64 // registration order, stable tie-break for equal priorities
	fn       HandlerFunc
}

// Bus dispatches events to locally registered handlers and appends them to
// the durable streams so other service instances see them too.
type Bus struct {
	client     redis.Cmdable
	log        *logrus.Logger
	errCounter *prometheus.CounterVec // handler failures by module

	mu        sync.RWMutex
	handlers  []*registration
	seq       uint64
	maxStream int64
}

// NewBus creates an event bus. client may be nil, in which case events are
// dispatched locally only (used by tests and single-node deployments
// without redis).
func NewBus(client redis.Cmdable, log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.New()
	}
	return &Bus{
		client:    client,
		log:       log,
		maxStream: 10000,
	}
}

// SetErrorCounter wires a counter, labeled by module id, incremented once
// per failed or panicking handler dispatch. Must be called before the
// first Publish.
func (b *Bus) SetErrorCounter(c *prometheus.CounterVec) {
	b.errCounter = c
}

// Subscribe registers a handler owned by moduleID against a regex pattern
// on the given channel. Lower priority numbers execute first. The pattern
// is compiled here so malformed patterns fail at registration time.
func (b *Bus) Subscribe(moduleID string, ch Channel, pattern string, priority int, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("cannot subscribe a nil handler")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("event pattern %q does not compile: %w", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers = append(b.handlers, &registration{
		moduleID: moduleID,
		channel:  ch,
		pattern:  re,
		priority: priority,
		seq:      b.seq,
		fn:       fn,
	})
	return nil
}

// UnsubscribeModule atomically removes every handler owned by moduleID
// from both channels. Returns the number of handlers removed.
func (b *Bus) UnsubscribeModule(moduleID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.handlers[:0]
	removed := 0
	for _, reg := range b.handlers {
		if reg.moduleID == moduleID {
			removed++
			continue
		}
		kept = append(kept, reg)
	}
	b.handlers = kept
	return removed
}

// HandlerCount returns the number of registered handlers on a channel.
func (b *Bus) HandlerCount(ch Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, reg := range b.handlers {
		if reg.channel == ch {
			n++
		}
	}
	return n
}

// Publish appends the event to the channel's durable stream and then
// dispatches it to locally registered handlers in ascending priority
// order. A stream append failure is logged and does not suppress local
// dispatch; the append is eventually-consistent by design.
func (b *Bus) Publish(ctx context.Context, ch Channel, ev *Event) error {
	if b.client != nil {
		values, err := ev.ToStreamValues()
		if err != nil {
			return err
		}
		err = b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamFor(ch),
			MaxLen: b.maxStream,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"stream": StreamFor(ch),
				"type":   ev.Type,
			}).Warnf("Failed to append event to stream: %v", err)
		}
	}

	b.Dispatch(ctx, ch, ev)
	return nil
}

// Dispatch runs every matching local handler, lowest priority number
// first. One failing handler never prevents the rest from running.
func (b *Bus) Dispatch(ctx context.Context, ch Channel, ev *Event) {
	b.mu.RLock()
	matched := make([]*registration, 0, len(b.handlers))
	for _, reg := range b.handlers {
		if reg.channel == ch && reg.pattern.MatchString(ev.Type) {
			matched = append(matched, reg)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority < matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})

	for _, reg := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.countError(reg.moduleID)
					b.log.WithFields(logrus.Fields{
						"module": reg.moduleID,
						"type":   ev.Type,
					}).Errorf("Event handler panicked: %v", r)
				}
			}()
			if err := reg.fn(ctx, ev); err != nil {
				b.countError(reg.moduleID)
				b.log.WithFields(logrus.Fields{
					"module": reg.moduleID,
					"type":   ev.Type,
				}).Warnf("Event handler failed: %v", err)
			}
		}()
	}
}

func (b *Bus) countError(moduleID string) {
	if b.errCounter != nil {
		b.errCounter.WithLabelValues(moduleID).Inc()
	}
}

// PublishLifecycle is shorthand for publishing a module lifecycle event.
func (b *Bus) PublishLifecycle(ctx context.Context, eventType, moduleName string, payload map[string]any) error {
	return b.Publish(ctx, ChannelLifecycle, NewEvent(eventType, moduleName, payload))
}

// PublishBusiness is shorthand for publishing a business event such as
// "partner.created".
func (b *Bus) PublishBusiness(ctx context.Context, eventType, source string, payload map[string]any) error {
	return b.Publish(ctx, ChannelBusiness, NewEvent(eventType, source, payload))
}
