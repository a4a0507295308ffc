package orb

import "time"

// Event is an inbound reconciliation event.
type Event interface {
	EventType() string
}

// RoomSnapshot carries the authoritative full balance for a player.
// Sequence is nil when the source sent none; zero is a valid sequence.
type RoomSnapshot struct {
	Player   PlayerID  `json:"playerId"`
	Balance  int64     `json:"balance"`
	Sequence *uint64   `json:"sequence,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// SequenceOf returns a pointer to v for building snapshots.
func SequenceOf(v uint64) *uint64 { return &v }

// BalanceDelta is an explicit server-side balance change.
type BalanceDelta struct {
	Player              PlayerID      `json:"playerId"`
	Delta               int64         `json:"delta"`
	Kind                string        `json:"kind"`
	TxID                TransactionID `json:"txId,omitempty"`
	CorrelationWindowMs int64         `json:"correlationWindowMs,omitempty"`
}

// TradeSettlement settles one or both sides of a two-party trade.
// TxID may reference a single side's transaction or the shared correlation id.
type TradeSettlement struct {
	TxID    string   `json:"txId"`
	PlayerA PlayerID `json:"playerAId"`
	PlayerB PlayerID `json:"playerBId"`
	DeltaA  int64    `json:"deltaA"`
	DeltaB  int64    `json:"deltaB"`
}

// PurchaseAck confirms a purchase with the resulting balance.
type PurchaseAck struct {
	TxID         TransactionID `json:"txId"`
	FinalBalance int64         `json:"finalBalance"`
}

// GamblingResult reports the outcome of a sub-game round.
type GamblingResult struct {
	TxID   TransactionID `json:"txId,omitempty"`
	Player PlayerID      `json:"playerId,omitempty"`
	Kind   string        `json:"kind"`
	Delta  int64         `json:"delta"`
}

// ActionRejected reports that the server refused a locally begun action.
type ActionRejected struct {
	TxID   TransactionID `json:"txId"`
	Reason string        `json:"reason,omitempty"`
}

func (RoomSnapshot) EventType() string    { return "room_snapshot" }
func (BalanceDelta) EventType() string    { return "balance_delta" }
func (TradeSettlement) EventType() string { return "trade_settlement" }
func (PurchaseAck) EventType() string     { return "purchase_ack" }
func (GamblingResult) EventType() string  { return "gambling_result" }
func (ActionRejected) EventType() string  { return "action_rejected" }
