package orb

import (
	"strings"
	"time"
)

// ActionType names a local player action that mutates the balance optimistically.
type ActionType string

const (
	ActionPlaceBet        ActionType = "place_bet"
	ActionBuy             ActionType = "buy"
	ActionSpin            ActionType = "spin"
	ActionProposeTrade    ActionType = "propose_trade"
	ActionClaimIdleReward ActionType = "claim_idle_reward"
)

// ParseActionType normalises a textual action type.
func ParseActionType(raw string) (ActionType, bool) {
	t := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case ActionPlaceBet, ActionBuy, ActionSpin, ActionProposeTrade, ActionClaimIdleReward:
		return t, true
	}
	return "", false
}

// Kind maps the action onto the transaction kind it begins.
func (a ActionType) Kind() Kind {
	switch a {
	case ActionPlaceBet, ActionSpin:
		return KindBet
	case ActionBuy:
		return KindPurchase
	case ActionProposeTrade:
		return KindTrade
	case ActionClaimIdleReward:
		return KindIdleReward
	}
	return ""
}

// Debits reports whether Amount is taken from the initiator.
func (a ActionType) Debits() bool {
	return a != ActionClaimIdleReward
}

// Action is a local request issued by a player.
// Amount is a positive magnitude; trades move Amount from Player and CounterAmount from Counterparty.
type Action struct {
	Type                ActionType `json:"type"`
	Player              PlayerID   `json:"playerId"`
	Amount              int64      `json:"amount"`
	Counterparty        PlayerID   `json:"counterparty,omitempty"`
	CounterAmount       int64      `json:"counterAmount,omitempty"`
	ExpectedServerDelta *int64     `json:"expectedServerDelta,omitempty"`
	Ref                 string     `json:"ref,omitempty"`
}

// ActionFrame is the outbound request carrying the optimistic transaction identity.
type ActionFrame struct {
	Action        ActionType    `json:"action"`
	TxID          TransactionID `json:"txId"`
	CorrelationID CorrelationID `json:"correlationId,omitempty"`
	Player        PlayerID      `json:"playerId"`
	Kind          Kind          `json:"kind"`
	Delta         int64         `json:"delta"`
	Sequence      uint64        `json:"seq"`
	Ref           string        `json:"ref,omitempty"`
}

// ActionReceipt describes the transactions begun for an action.
type ActionReceipt struct {
	TxID          TransactionID `json:"txId"`
	CounterTxID   TransactionID `json:"counterTxId,omitempty"`
	CorrelationID CorrelationID `json:"correlationId,omitempty"`
	Sequence      uint64        `json:"seq"`
	Visible       int64         `json:"visible"`
}

// AnomalyType classifies a reconciliation anomaly.
type AnomalyType string

const (
	AnomalyUnmatchedDelta AnomalyType = "unmatched_delta"
	AnomalyLateAck        AnomalyType = "late_ack"
	AnomalyTimeout        AnomalyType = "timeout"
	AnomalySplitTrade     AnomalyType = "split_trade"
	AnomalyClampedBalance AnomalyType = "clamped_balance"
)

// Anomaly is a report of a reconciliation failure handled inside the engine.
type Anomaly struct {
	Type   AnomalyType   `json:"type"`
	Player PlayerID      `json:"playerId"`
	TxID   TransactionID `json:"txId,omitempty"`
	TxKind Kind          `json:"txKind,omitempty"`
	Age    time.Duration `json:"age,omitempty"`
	Detail string        `json:"detail,omitempty"`
	At     time.Time     `json:"at"`
}
