// Package telemetry records the memory layer's metrics and spans through
// OpenTelemetry.
//
// Instruments and tracers come from the global otel providers. An
// application that installs an SDK MeterProvider or TracerProvider gets
// every HOT and COLD counter, latency histogram and span exported; without
// one they cost next to nothing. Counters also keep a process-local total
// so components can serve Stats snapshots without an SDK reader.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanbase/powermem-hotcold/pkg/logging"
)

// ScopePrefix prefixes every instrumentation scope name.
const ScopePrefix = "github.com/oceanbase/powermem-hotcold/"

// Meter returns the global meter for a package scope such as "retrieval".
func Meter(scope string) metric.Meter {
	return otel.Meter(ScopePrefix + scope)
}

// Tracer returns the global tracer for a package scope.
func Tracer(scope string) trace.Tracer {
	return otel.Tracer(ScopePrefix + scope)
}

// Counter is a monotonic otel counter with a local running total.
type Counter struct {
	inst  metric.Int64Counter
	total atomic.Int64
}

// NewCounter creates name on m. An instrument that cannot be created is
// logged and replaced by a no-op; the local total still works.
func NewCounter(m metric.Meter, name, description string) *Counter {
	inst, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		logging.Default().Warn("otel counter unavailable", "name", name, "error", err)
		inst = noop.Int64Counter{}
	}
	return &Counter{inst: inst}
}

// Add increments the counter by n.
func (c *Counter) Add(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	c.total.Add(n)
	if len(attrs) == 0 {
		c.inst.Add(ctx, n)
		return
	}
	c.inst.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Inc is Add(ctx, 1, attrs...).
func (c *Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, attrs...)
}

// Load returns the local total.
func (c *Counter) Load() int64 {
	return c.total.Load()
}

// Histogram records durations in milliseconds.
type Histogram struct {
	inst metric.Float64Histogram
}

// NewLatencyHistogram creates a millisecond histogram named name on m.
func NewLatencyHistogram(m metric.Meter, name, description string) *Histogram {
	inst, err := m.Float64Histogram(name, metric.WithUnit("ms"), metric.WithDescription(description))
	if err != nil {
		logging.Default().Warn("otel histogram unavailable", "name", name, "error", err)
		inst = noop.Float64Histogram{}
	}
	return &Histogram{inst: inst}
}

// Record adds one observation of d.
func (h *Histogram) Record(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	ms := float64(d) / float64(time.Millisecond)
	if len(attrs) == 0 {
		h.inst.Record(ctx, ms)
		return
	}
	h.inst.Record(ctx, ms, metric.WithAttributes(attrs...))
}

// Since records the time elapsed since started.
func (h *Histogram) Since(ctx context.Context, started time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(started), attrs...)
}

// End marks span failed when err is non-nil and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the trace id carried by ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Scope returns the tenant and user attributes shared by HOT and COLD spans.
func Scope(tenantID, userID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("memory.tenant_id", tenantID),
		attribute.String("memory.user_id", userID),
	}
}
