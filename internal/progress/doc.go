// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that workers and the supervisor use to report what they are doing.
// Events are batched on a background goroutine and fanned out to pluggable sinks
// such as structured logs, Prometheus collectors, or a message bus.
package progress
