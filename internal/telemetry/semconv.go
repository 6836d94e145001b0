package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Shared attribute keys for algoexec meters, following OpenTelemetry naming
// conventions: namespace.attribute_name.
const (
	AttrStrategyID = attribute.Key("strategy.id")
	AttrSymbol     = attribute.Key("symbol")
	AttrResult     = attribute.Key("result")
)

// OrderAttributes labels order submission and cancellation metrics. Result is
// one of submitted, cancelled, rejected.
func OrderAttributes(strategyID, symbol, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStrategyID.String(strategyID),
		AttrSymbol.String(symbol),
		AttrResult.String(result),
	}
}

// InstanceAttributes labels per-strategy instance metrics.
func InstanceAttributes(strategyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStrategyID.String(strategyID),
	}
}
