package quotes

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optiongate/internal/infra/telemetry"
)

type streamMetrics struct {
	environment string
	broker      string

	ticks       metric.Int64Counter
	softErrors  metric.Int64Counter
	reconnects  metric.Int64Counter
	pingLatency metric.Float64Histogram
	clockOffset metric.Float64Histogram
}

func newStreamMetrics(broker string) *streamMetrics {
	meter := otel.Meter("quotes.stream")
	sm := &streamMetrics{
		environment: telemetry.Environment(),
		broker:      broker,
		ticks:       nil,
		softErrors:  nil,
		reconnects:  nil,
		pingLatency: nil,
		clockOffset: nil,
	}
	sm.ticks, _ = meter.Int64Counter(telemetry.MetricStreamTicks,
		metric.WithDescription("Quote ticks ingested"),
		metric.WithUnit("{tick}"))
	sm.softErrors, _ = meter.Int64Counter(telemetry.MetricStreamSoftErrors,
		metric.WithDescription("Stream messages rejected without dropping the connection"),
		metric.WithUnit("{message}"))
	sm.reconnects, _ = meter.Int64Counter(telemetry.MetricStreamReconnects,
		metric.WithDescription("Websocket dial attempts"),
		metric.WithUnit("{attempt}"))
	sm.pingLatency, _ = meter.Float64Histogram(telemetry.MetricStreamPingLatency,
		metric.WithDescription("Websocket ping round trip"),
		metric.WithUnit("ms"))
	sm.clockOffset, _ = meter.Float64Histogram(telemetry.MetricClockOffset,
		metric.WithDescription("Estimated server minus local clock"),
		metric.WithUnit("ms"))
	return sm
}

func (sm *streamMetrics) recordTick(ctx context.Context, symbol string) {
	if sm == nil || sm.ticks == nil {
		return
	}
	attrs := telemetry.SymbolAttributes(sm.environment, sm.broker, symbol)
	sm.ticks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordSoftError(ctx context.Context, errorType string) {
	if sm == nil || sm.softErrors == nil {
		return
	}
	attrs := telemetry.SymbolAttributes(sm.environment, sm.broker, "")
	attrs = append(attrs, telemetry.AttrErrorType.String(errorType))
	sm.softErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(sm.environment, sm.broker, "dial", result)
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordPing(ctx context.Context, latency time.Duration, result string) {
	if sm == nil || sm.pingLatency == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(sm.environment, sm.broker, "ping", result)
	sm.pingLatency.Record(ctx, float64(latency.Microseconds())/1000, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordOffset(ctx context.Context, offsetSeconds float64) {
	if sm == nil || sm.clockOffset == nil {
		return
	}
	attrs := telemetry.SymbolAttributes(sm.environment, sm.broker, "")
	sm.clockOffset.Record(ctx, offsetSeconds*1000, metric.WithAttributes(attrs...))
}
