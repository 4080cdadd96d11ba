// Package events carries the flat records the core emits to its
// observability collaborator. Sinks must never block the caller.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	SlowOperation            Type = "slow_operation"
	PoolHighUtilization      Type = "pool_high_utilization"
	PoolTimeout              Type = "pool_timeout"
	PoolExhausted            Type = "pool_exhausted"
	TenantIsolationViolation Type = "tenant_isolation_violation"
	MigrationApplied         Type = "migration_applied"
	MigrationReverted        Type = "migration_reverted"
	MigrationFailed          Type = "migration_failed"
)

// Event is a flat record: a type, a timestamp and scalar fields.
type Event struct {
	Type   Type           `json:"type"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields"`
}

// New stamps an event with the current UTC time.
func New(t Type, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: t, At: time.Now().UTC(), Fields: fields}
}

// Sink receives events. Implementations return promptly.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	attrs := make([]any, 0, len(e.Fields)+2)
	attrs = append(attrs, slog.String("event", string(e.Type)), slog.Time("at", e.At))
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	switch e.Type {
	case TenantIsolationViolation, PoolExhausted, MigrationFailed:
		s.logger.Error("observability event", attrs...)
	case SlowOperation, PoolHighUtilization, PoolTimeout:
		s.logger.Warn("observability event", attrs...)
	default:
		s.logger.Info("observability event", attrs...)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
