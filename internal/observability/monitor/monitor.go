// Package monitor times every database operation, traces it and reports the
// ones that exceed the slow threshold.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/observability/metrics"
	"github.com/aryan0dhankhar/clinicore/internal/observability/tracing"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/ratelimit"
)

// DefaultSlowThreshold applies when none is configured
const DefaultSlowThreshold = 100 * time.Millisecond

// Operation names what is being timed
type Operation struct {
	Name       string
	TenantID   uuid.UUID
	EntityType string
}

// Monitor observes operations. A nil *Monitor runs fn unobserved.
type Monitor struct {
	threshold time.Duration
	events    events.Sink
	limiter   *ratelimit.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Monitor
type Option func(*Monitor)

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(m *Monitor) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBudget caps slow_operation events per operation name within window.
// A non-positive max disables the cap.
func WithEventBudget(max int, window time.Duration) Option {
	return func(m *Monitor) {
		m.limiter.Stop()
		m.limiter = ratelimit.NewLimiter(max, window)
	}
}

// New creates a monitor. threshold <= 0 uses DefaultSlowThreshold.
func New(threshold time.Duration, sink events.Sink, opts ...Option) *Monitor {
	if threshold <= 0 {
		threshold = DefaultSlowThreshold
	}
	if sink == nil {
		sink = events.Nop
	}
	m := &Monitor{
		threshold: threshold,
		events:    sink,
		limiter:   ratelimit.NewLimiter(20, time.Minute),
		tracer:    tracing.Tracer(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the slow-operation threshold
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

// Observe runs fn inside a span, records its latency and emits a
// slow_operation event when it ran longer than the threshold. fn's error is
// returned unchanged.
func (m *Monitor) Observe(ctx context.Context, op Operation, fn func(ctx context.Context) error) error {
	if m == nil {
		return fn(ctx)
	}

	ctx, span := m.tracer.Start(ctx, op.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation.name", op.Name),
			attribute.String("clinicore.entity_type", op.EntityType),
			attribute.String("clinicore.tenant_id", op.TenantID.String()),
		),
	)
	defer span.End()

	start := m.now()
	err := fn(ctx)
	elapsed := m.now().Sub(start)

	result := "ok"
	if err != nil {
		result = "error"
		if kind := domain.KindOf(err); kind != "" {
			result = string(kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.Int64("clinicore.duration_ms", elapsed.Milliseconds()))
	metrics.ObserveOperation(op.Name, result, elapsed)

	if elapsed > m.threshold {
		m.slow(op, elapsed)
	}
	return err
}

func (m *Monitor) slow(op Operation, elapsed time.Duration) {
	metrics.ObserveSlowOperation(op.Name)
	if !m.limiter.Allow(op.Name) {
		m.logger.Debug("slow operation event suppressed", slog.String("operation", op.Name))
		return
	}
	fields := map[string]any{
		"operation":   op.Name,
		"duration_ms": elapsed.Milliseconds(),
		"entity_type": op.EntityType,
	}
	if op.TenantID != uuid.Nil {
		fields["tenant_id"] = op.TenantID.String()
	}
	m.events.Emit(events.New(events.SlowOperation, fields))
}

// ObservePool publishes a pool snapshot to the utilization gauges
func (m *Monitor) ObservePool(name string, s pool.Stats) {
	metrics.SetPoolStats(name, s.Active, s.Idle, s.Waiting, s.Utilization)
}

// Close stops the event budget's background cleanup
func (m *Monitor) Close() {
	if m != nil {
		m.limiter.Stop()
	}
}
