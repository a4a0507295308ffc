// Package orb defines the shared domain vocabulary for orb balance reconciliation.
package orb

import (
	"strings"
	"time"
)

// PlayerID identifies the owner of a balance.
type PlayerID string

// TransactionID identifies a locally generated transaction.
type TransactionID string

// CorrelationID ties together the sides of a two-party trade.
type CorrelationID string

// Kind classifies a balance-affecting transaction.
type Kind string

const (
	KindBet        Kind = "bet"
	KindPayout     Kind = "payout"
	KindPurchase   Kind = "purchase"
	KindRefund     Kind = "refund"
	KindTrade      Kind = "trade"
	KindIdleReward Kind = "idle-reward"
	KindAdminSync  Kind = "admin-sync"
)

var kinds = map[Kind]struct{}{
	KindBet:        {},
	KindPayout:     {},
	KindPurchase:   {},
	KindRefund:     {},
	KindTrade:      {},
	KindIdleReward: {},
	KindAdminSync:  {},
}

// ParseKind normalises a textual kind. It reports false for unrecognised input.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case "idle_reward", "idlereward":
		k = KindIdleReward
	case "admin_sync", "adminsync":
		k = KindAdminSync
	}
	_, ok := kinds[k]
	return k, ok
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected || s == StatusExpired
}

// Reason tags why a transaction reached its terminal state.
type Reason string

const (
	ReasonAck            Reason = "ack"
	ReasonSnapshot       Reason = "snapshot"
	ReasonServerRejected Reason = "server-rejected"
	ReasonCancelled      Reason = "cancelled"
	ReasonTimeout        Reason = "timeout"
	ReasonSplitTrade     Reason = "split-trade"
	ReasonSendFailed     Reason = "send-failed"
	ReasonUnmatched      Reason = "unmatched-delta"
)

// Transaction is a single optimistic or server-originated balance change.
type Transaction struct {
	ID                  TransactionID
	Player              PlayerID
	Kind                Kind
	Delta               int64
	Status              Status
	Reason              Reason
	CreatedAt           time.Time
	ResolvedAt          time.Time
	ExpectedServerDelta *int64
	AppliedDelta        int64
	CorrelationID       CorrelationID
	Sequence            uint64
}

// Age reports how long the transaction has existed relative to now.
func (t Transaction) Age(now time.Time) time.Duration {
	if t.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(t.CreatedAt)
}

// BalanceUpdate is the consumer-facing view of a balance change.
type BalanceUpdate struct {
	Player    PlayerID  `json:"playerId"`
	Visible   int64     `json:"visible"`
	Confirmed int64     `json:"confirmed"`
	Pending   int       `json:"pending"`
	Sequence  uint64    `json:"sequence"`
	At        time.Time `json:"at"`
}

// LedgerView is a read-only projection of a player's ledger.
type LedgerView struct {
	Player              PlayerID `json:"playerId"`
	Confirmed           int64    `json:"confirmed"`
	Visible             int64    `json:"visible"`
	LastAppliedSequence uint64   `json:"lastAppliedSequence"`
	Pending             int      `json:"pending"`
	Clock               uint64   `json:"clock"`
}

// ApplyResult is the outcome of offering a snapshot to the gate.
type ApplyResult string

const (
	Applied   ApplyResult = "applied"
	Discarded ApplyResult = "discarded"
)
