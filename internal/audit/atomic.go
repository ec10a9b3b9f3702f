package audit

import (
	"context"
	"sync/atomic"
)

// AtomicSink wraps a Sink with an atomic pointer for lock-free
// hot-reload. Middleware and the gateway capture the sink once at
// construction; Swap atomically replaces the inner sink so all
// subsequent calls use the new one without re-wiring consumers.
type AtomicSink struct {
	current atomic.Pointer[Sink]
}

var _ Sink = (*AtomicSink)(nil)

var defaultNopSink Sink = nopSink{}

// NewAtomicSink creates an AtomicSink wrapping the given sink. A nil
// sink is replaced with NopSink so calls are always safe.
func NewAtomicSink(s Sink) *AtomicSink {
	if s == nil {
		s = NopSink()
	}
	a := &AtomicSink{}
	a.current.Store(&s)
	return a
}

// Swap atomically replaces the inner sink and returns the previous
// one. The caller is responsible for closing the previous sink.
func (a *AtomicSink) Swap(next Sink) Sink {
	if next == nil {
		next = NopSink()
	}
	old := a.current.Swap(&next)
	if old != nil {
		return *old
	}
	return nil
}

// Load returns the current inner sink.
func (a *AtomicSink) Load() Sink {
	if ptr := a.current.Load(); ptr != nil {
		return *ptr
	}
	return defaultNopSink
}

// Record delegates to the current inner sink.
func (a *AtomicSink) Record(event *Event) {
	a.Load().Record(event)
}

// Close closes the current inner sink.
func (a *AtomicSink) Close(ctx context.Context) error {
	return a.Load().Close(ctx)
}
