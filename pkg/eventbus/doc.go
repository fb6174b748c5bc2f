// Package eventbus implements the dual-transport event mechanism for the
// module registry: immediate in-process dispatch to pattern-matched,
// priority-ordered handlers, plus durable append-only redis streams that
// fan events out to other service instances. Module lifecycle events and
// business events travel on distinct streams.
package eventbus
