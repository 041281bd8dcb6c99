package broker

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optiongate/internal/infra/telemetry"
)

type clientMetrics struct {
	environment string
	broker      string

	requests metric.Int64Counter
}

func newClientMetrics(broker string) *clientMetrics {
	meter := otel.Meter("adapter.broker")
	broker = strings.TrimSpace(broker)
	if broker == "" {
		broker = brokerMetadata.identifier
	}
	cm := &clientMetrics{
		environment: telemetry.Environment(),
		broker:      broker,
		requests:    nil,
	}
	cm.requests, _ = meter.Int64Counter("optiongate_broker_requests",
		metric.WithDescription("Broker web requests by operation and result"),
		metric.WithUnit("{request}"))
	return cm
}

func (cm *clientMetrics) recordRequest(ctx context.Context, operation, result string) {
	if cm == nil || cm.requests == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := telemetry.OperationResultAttributes(cm.environment, cm.broker, operation, result)
	cm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
}
