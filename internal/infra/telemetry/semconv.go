package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for orbledger telemetry.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrPlayer identifies the balance owner.
	AttrPlayer = attribute.Key("player")
	// AttrTxKind labels transaction metrics with bet/payout/purchase/... kinds.
	AttrTxKind = attribute.Key("tx.kind")
	// AttrTxStatus captures the terminal status a transaction reached.
	AttrTxStatus = attribute.Key("tx.status")
	// AttrReason provides the terminal reason tag or anomaly detail.
	AttrReason = attribute.Key("reason")
	// AttrEventType differentiates inbound reconciliation event types.
	AttrEventType = attribute.Key("event.type")
	// AttrAnomalyType classifies anomaly reports.
	AttrAnomalyType = attribute.Key("anomaly.type")
	// AttrOperation differentiates infra operations (journal_append, feed_send, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels feed connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Inbound event type values.
const (
	EventTypeRoomSnapshot     = "room_snapshot"
	EventTypeBalanceDelta     = "balance_delta"
	EventTypeTradeSettlement  = "trade_settlement"
	EventTypePurchaseAck      = "purchase_ack"
	EventTypeGamblingResult   = "gambling_result"
	EventTypeLocalAction      = "local_action"
	EventTypeBalanceBroadcast = "balance_broadcast"
)

// TransactionAttributes returns attributes for transaction lifecycle metrics.
func TransactionAttributes(environment, kind, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTxKind.String(kind),
	}
	if status != "" {
		attrs = append(attrs, AttrTxStatus.String(status))
	}
	return attrs
}

// EventAttributes returns common attributes for inbound event metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// AnomalyAttributes returns attributes for anomaly counters.
func AnomalyAttributes(environment, anomalyType, kind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAnomalyType.String(anomalyType),
	}
	if kind != "" {
		attrs = append(attrs, AttrTxKind.String(kind))
	}
	return attrs
}

// OperationResultAttributes returns attributes for infra operations with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}
