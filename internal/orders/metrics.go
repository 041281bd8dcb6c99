package orders

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/infra/telemetry"
)

type engineMetrics struct {
	environment string
	broker      string

	transitions   metric.Int64Counter
	attempts      metric.Int64Counter
	submitLatency metric.Float64Histogram
	waiting       metric.Int64UpDownCounter
}

func newEngineMetrics(broker string) *engineMetrics {
	meter := otel.Meter("orders.engine")
	em := &engineMetrics{
		environment:   telemetry.Environment(),
		broker:        broker,
		transitions:   nil,
		attempts:      nil,
		submitLatency: nil,
		waiting:       nil,
	}
	em.transitions, _ = meter.Int64Counter(telemetry.MetricOrderTransitions,
		metric.WithDescription("Order state transitions delivered to callers"),
		metric.WithUnit("{transition}"))
	em.attempts, _ = meter.Int64Counter(telemetry.MetricOrderAttempts,
		metric.WithDescription("Broker submit and check attempts"),
		metric.WithUnit("{attempt}"))
	em.submitLatency, _ = meter.Float64Histogram(telemetry.MetricSubmitLatency,
		metric.WithDescription("Time from first submit attempt to broker confirmation"),
		metric.WithUnit("ms"))
	em.waiting, _ = meter.Int64UpDownCounter(telemetry.MetricOrdersWaiting,
		metric.WithDescription("Orders waiting for expiry and settlement"),
		metric.WithUnit("{order}"))
	return em
}

func (em *engineMetrics) orderAttrs(order schema.Order) []metric.AddOption {
	attrs := telemetry.OrderAttributes(em.environment, em.broker, order.Symbol.String(), string(order.Kind), string(order.Direction))
	return []metric.AddOption{metric.WithAttributes(attrs...)}
}

func (em *engineMetrics) recordTransition(ctx context.Context, order schema.Order) {
	if em == nil || em.transitions == nil {
		return
	}
	attrs := telemetry.OrderAttributes(em.environment, em.broker, order.Symbol.String(), string(order.Kind), string(order.Direction))
	attrs = append(attrs, telemetry.AttrOrderState.String(string(order.State)))
	em.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (em *engineMetrics) recordAttempt(ctx context.Context, operation string, err error) {
	if em == nil || em.attempts == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := telemetry.OperationResultAttributes(em.environment, em.broker, operation, result)
	if err != nil {
		code := errs.CodeOf(err)
		if code == "" {
			code = "unknown"
		}
		attrs = append(attrs, telemetry.AttrErrorType.String(string(code)))
	}
	em.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (em *engineMetrics) recordSubmitLatency(ctx context.Context, order schema.Order, latency time.Duration) {
	if em == nil || em.submitLatency == nil {
		return
	}
	attrs := telemetry.OrderAttributes(em.environment, em.broker, order.Symbol.String(), string(order.Kind), string(order.Direction))
	em.submitLatency.Record(ctx, float64(latency.Microseconds())/1000, metric.WithAttributes(attrs...))
}

func (em *engineMetrics) recordWaiting(ctx context.Context, order schema.Order, delta int64) {
	if em == nil || em.waiting == nil {
		return
	}
	em.waiting.Add(ctx, delta, em.orderAttrs(order)...)
}
