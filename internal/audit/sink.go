package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/promptforge/gatekeeper/internal/observability"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total number of audit events recorded",
		},
		[]string{"action", "outcome"},
	)
	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit events dropped because the buffer was full",
		},
	)
)

// Sink accepts audit events for asynchronous delivery. Record never
// blocks the request path; when the buffer is full the oldest pending
// event is dropped to make room and the drop is counted.
type Sink interface {
	// Record enqueues an event for delivery.
	Record(event *Event)

	// Close flushes pending events and releases resources. The
	// context bounds how long the flush may take; events still
	// pending at the deadline are lost.
	Close(ctx context.Context) error
}

// DefaultBufferSize is the capacity of the pending-event queue.
const DefaultBufferSize = 1024

// Config configures the asynchronous sink.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Output     string        `yaml:"output"`
	BufferSize int           `yaml:"buffer_size"`
	Retention  time.Duration `yaml:"retention"`
}

// DefaultConfig returns a sink configuration writing JSON lines to
// stdout with the default buffer and retention.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		Output:     "stdout",
		BufferSize: DefaultBufferSize,
		Retention:  DefaultRetention,
	}
}

// sink is the buffered asynchronous Sink. A single drain goroutine
// serializes writes, so the underlying writer needs no locking of its
// own.
type sink struct {
	config *Config
	writer io.Writer
	closer io.Closer
	logger observability.Logger

	mu     sync.Mutex
	queue  chan *Event
	done   chan struct{}
	closed bool
}

// Option is a functional option for the sink.
type Option func(*sink)

// WithLogger sets the operational logger used for sink errors.
func WithLogger(l observability.Logger) Option {
	return func(s *sink) {
		s.logger = l
	}
}

// WithWriter overrides the configured output destination.
func WithWriter(w io.Writer) Option {
	return func(s *sink) {
		s.writer = w
	}
}

// NewSink creates a buffered asynchronous sink and starts its drain
// goroutine.
func NewSink(config *Config, opts ...Option) (Sink, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return NopSink(), nil
	}

	size := config.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	s := &sink{
		config: config,
		logger: observability.NopLogger(),
		queue:  make(chan *Event, size),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.writer == nil {
		writer, closer, err := openOutput(config.Output)
		if err != nil {
			return nil, err
		}
		s.writer = writer
		s.closer = closer
	}

	go s.drain()

	return s, nil
}

// openOutput resolves the configured output destination.
func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		// Path comes from trusted configuration
		//nolint:gosec // G304: path from config is trusted
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// Record enqueues an event. When the queue is full the oldest pending
// event is discarded so that recent activity is always captured.
func (s *sink) Record(event *Event) {
	if event == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		droppedTotal.Inc()
		return
	}

	for {
		select {
		case s.queue <- event:
			eventsTotal.WithLabelValues(string(event.Action), string(event.Outcome)).Inc()
			return
		default:
		}
		select {
		case <-s.queue:
			droppedTotal.Inc()
		default:
		}
	}
}

// drain is the single consumer of the queue.
func (s *sink) drain() {
	defer close(s.done)
	for event := range s.queue {
		s.write(event)
	}
}

func (s *sink) write(event *Event) {
	line, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal audit event", observability.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := s.writer.Write(line); err != nil {
		s.logger.Error("failed to write audit event", observability.Error(err))
	}
}

// Close stops accepting events and waits for the queue to drain, up
// to the context deadline.
func (s *sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("audit sink close: %w", ctx.Err())
	}

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// nopSink discards all events.
type nopSink struct{}

// NopSink returns a sink that discards everything. Useful in tests
// and when auditing is disabled.
func NopSink() Sink {
	return nopSink{}
}

func (nopSink) Record(*Event)               {}
func (nopSink) Close(context.Context) error { return nil }

var (
	_ Sink = (*sink)(nil)
	_ Sink = nopSink{}
)
