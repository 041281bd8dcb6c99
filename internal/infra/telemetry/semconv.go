// Package telemetry provides OpenTelemetry initialization and semantic conventions for optiongate.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys follow namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrBroker identifies the broker endpoint set.
	AttrBroker = attribute.Key("broker")
	// AttrSymbol captures the instrument symbol (e.g. EURUSD).
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderKind distinguishes sprint and classic orders.
	AttrOrderKind = attribute.Key("order.kind")
	// AttrOrderDirection labels up/down orders.
	AttrOrderDirection = attribute.Key("order.direction")
	// AttrOrderState captures the lifecycle state reached.
	AttrOrderState = attribute.Key("order.state")
	// AttrOperation differentiates broker operations (submit, check, dial).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Instrument names.
const (
	MetricStreamTicks       = "optiongate_stream_ticks"
	MetricStreamSoftErrors  = "optiongate_stream_soft_errors"
	MetricStreamReconnects  = "optiongate_stream_reconnects"
	MetricStreamPingLatency = "optiongate_stream_ping_latency"
	MetricClockOffset       = "optiongate_stream_clock_offset"
	MetricOrderTransitions  = "optiongate_order_transitions"
	MetricOrderAttempts     = "optiongate_order_attempts"
	MetricSubmitLatency     = "optiongate_order_submit_latency"
	MetricOrdersWaiting     = "optiongate_orders_waiting"
)

// SymbolAttributes returns common attributes for per-symbol stream metrics.
func SymbolAttributes(environment, broker, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBroker.String(broker),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// OrderAttributes returns attributes for order lifecycle metrics.
func OrderAttributes(environment, broker, symbol, kind, direction string) []attribute.KeyValue {
	attrs := SymbolAttributes(environment, broker, symbol)
	if kind != "" {
		attrs = append(attrs, AttrOrderKind.String(kind))
	}
	if direction != "" {
		attrs = append(attrs, AttrOrderDirection.String(direction))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, broker, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBroker.String(broker),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, broker, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBroker.String(broker),
		AttrConnectionState.String(state),
	}
}
