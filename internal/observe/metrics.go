// Package observe provides application-wide observability primitives for
// Earbridge: OpenTelemetry metrics with a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Earbridge metrics.
const meterName = "github.com/earbridge/earbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool-call handling latency.
	ToolExecutionDuration metric.Float64Histogram

	// ChoiceWaitDuration tracks how long presented choices wait for the
	// operator before resolution.
	ChoiceWaitDuration metric.Float64Histogram

	// HTTPRequestDuration tracks frontend HTTP request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TTSGenerations counts synthesis subprocess runs by status.
	TTSGenerations metric.Int64Counter

	// TTSSuppressed counts speech requests suppressed by the open breaker.
	TTSSuppressed metric.Int64Counter

	// BusDropped counts events dropped on full subscriber queues.
	BusDropped metric.Int64Counter

	// NotificationsSent counts outbound notifications by channel and status.
	NotificationsSent metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live agent sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InboxDepth tracks queued inbox items across all sessions.
	InboxDepth metric.Int64UpDownCounter

	// SSESubscribers tracks connected SSE/WebSocket event subscribers.
	SSESubscribers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Tool
// calls can legitimately block on the operator for minutes, hence the long
// tail.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTSDuration, err = m.Float64Histogram("earbridge.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("earbridge.tool_execution.duration",
		metric.WithDescription("Latency of tool-call handling."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChoiceWaitDuration, err = m.Float64Histogram("earbridge.choice_wait.duration",
		metric.WithDescription("Time presented choices wait for operator resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("earbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("earbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TTSGenerations, err = m.Int64Counter("earbridge.tts.generations",
		metric.WithDescription("Total synthesis subprocess runs by status."),
	); err != nil {
		return nil, err
	}
	if met.TTSSuppressed, err = m.Int64Counter("earbridge.tts.suppressed",
		metric.WithDescription("Speech requests suppressed by the open circuit breaker."),
	); err != nil {
		return nil, err
	}
	if met.BusDropped, err = m.Int64Counter("earbridge.bus.dropped",
		metric.WithDescription("Events dropped on full subscriber queues."),
	); err != nil {
		return nil, err
	}
	if met.NotificationsSent, err = m.Int64Counter("earbridge.notifications.sent",
		metric.WithDescription("Outbound notifications by channel and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earbridge.active_sessions",
		metric.WithDescription("Number of live agent sessions."),
	); err != nil {
		return nil, err
	}
	if met.InboxDepth, err = m.Int64UpDownCounter("earbridge.inbox_depth",
		metric.WithDescription("Queued inbox items across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.SSESubscribers, err = m.Int64UpDownCounter("earbridge.sse_subscribers",
		metric.WithDescription("Connected SSE and WebSocket event subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTTSGeneration records one synthesis subprocess run.
func (m *Metrics) RecordTTSGeneration(ctx context.Context, status string) {
	m.TTSGenerations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordNotification records one outbound notification attempt.
func (m *Metrics) RecordNotification(ctx context.Context, channel, status string) {
	m.NotificationsSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		),
	)
}
