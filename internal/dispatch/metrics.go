package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	frames     metric.Int64Counter
	deliveries metric.Int64Counter
	fanout     metric.Float64Histogram
	sessions   metric.Int64UpDownCounter
}

func newMetrics() *metrics {
	meter := otel.Meter("realtime-service")
	m := &metrics{}
	m.frames, _ = meter.Int64Counter("realtime_frames_total",
		metric.WithDescription("Inbound frames by type"))
	m.deliveries, _ = meter.Int64Counter("realtime_deliveries_total",
		metric.WithDescription("Per-recipient deliveries by outcome"))
	m.fanout, _ = meter.Float64Histogram("realtime_fanout_duration_seconds",
		metric.WithDescription("Time to route one event to all recipients"))
	m.sessions, _ = meter.Int64UpDownCounter("realtime_sessions",
		metric.WithDescription("Registered sessions on this node"))
	return m
}

func (m *metrics) recordFrame(ctx context.Context, frameType string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}

func (m *metrics) recordDelivery(ctx context.Context, o Outcome) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", o.String())))
}

func (m *metrics) recordFanout(ctx context.Context, kind string, d time.Duration) {
	m.fanout.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}
