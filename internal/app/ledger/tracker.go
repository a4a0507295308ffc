package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/observability"
)

// hooks receives the side effects of tracker and gate operations.
type hooks interface {
	transactionBegun(tx orb.Transaction)
	transactionResolved(tx orb.Transaction)
	anomalyRaised(a orb.Anomaly)
	deltaMismatch(tx orb.Transaction, actual int64)
	snapshotApplied(player orb.PlayerID, sequence uint64)
	snapshotDiscarded(player orb.PlayerID, sequence, last uint64)
}

// BeginOption customises a transaction at creation.
type BeginOption func(*orb.Transaction)

// WithExpectedServerDelta records the delta the server is expected to apply.
func WithExpectedServerDelta(v int64) BeginOption {
	return func(tx *orb.Transaction) {
		expected := v
		tx.ExpectedServerDelta = &expected
	}
}

// WithCorrelation ties the transaction to a trade pair.
func WithCorrelation(id orb.CorrelationID) BeginOption {
	return func(tx *orb.Transaction) {
		tx.CorrelationID = id
	}
}

// Tracker creates and resolves one player's transactions. It is the only writer of the pending set.
type Tracker struct {
	ledger    *BalanceLedger
	clock     *LogicalClock
	now       func() time.Time
	newID     func() orb.TransactionID
	tolerance decimal.Decimal
	logger    observability.Logger
	hooks     hooks
	resolved  *boundedIndex[orb.TransactionID, orb.Transaction]
}

// Begin creates a pending transaction and layers its delta onto the visible balance.
// A debit the visible balance cannot cover fails with ErrInsufficientBalance and creates nothing.
func (t *Tracker) Begin(kind orb.Kind, delta int64, opts ...BeginOption) (orb.Transaction, error) {
	if !kind.Valid() || kind == orb.KindAdminSync {
		return orb.Transaction{}, invalidRequest("ledger/begin", "unsupported transaction kind",
			errs.WithCanonicalCode(errs.CanonicalInvalidKind),
			errs.WithField("kind", string(kind)))
	}
	if delta == 0 {
		return orb.Transaction{}, invalidRequest("ledger/begin", "delta must be non-zero",
			errs.WithCanonicalCode(errs.CanonicalInvalidAmount))
	}
	visible := t.ledger.VisibleBalance()
	if delta < 0 && visible+delta < 0 {
		return orb.Transaction{}, insufficientBalance(t.ledger.Player(), kind, visible, delta)
	}

	tx := &orb.Transaction{
		ID:        t.newID(),
		Player:    t.ledger.Player(),
		Kind:      kind,
		Delta:     delta,
		Status:    orb.StatusPending,
		CreatedAt: t.now(),
		Sequence:  t.clock.Tick(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tx)
		}
	}
	t.ledger.AddPending(tx)
	t.hooks.transactionBegun(*tx)
	return *tx, nil
}

// Confirm folds the actual server delta, or the predicted one when actual is nil, into the confirmed balance.
// It reports false when id is not pending.
func (t *Tracker) Confirm(id orb.TransactionID, actual *int64) (orb.Transaction, bool) {
	tx, ok := t.ledger.Pending(id)
	if !ok {
		return orb.Transaction{}, false
	}
	if t.ledger.Covered(id) {
		return t.settle(id, orb.StatusConfirmed, orb.ReasonSnapshot, false, 0), true
	}
	applied := tx.Delta
	if actual != nil {
		expected := tx.Delta
		if tx.ExpectedServerDelta != nil {
			expected = *tx.ExpectedServerDelta
		}
		if *actual != expected {
			t.logger.Warn("server delta differs from prediction",
				observability.F("player", tx.Player),
				observability.F("txId", tx.ID),
				observability.F("kind", tx.Kind),
				observability.F("predicted", expected),
				observability.F("actual", *actual))
			t.hooks.deltaMismatch(*tx, *actual)
		}
		applied = *actual
	}
	return t.settle(id, orb.StatusConfirmed, orb.ReasonAck, true, applied), true
}

// ConfirmByKindAndAmount confirms the oldest pending transaction of kind whose magnitude is within
// tolerance of amount and whose age is within the window. Without a match the amount is folded as an
// admin-sync adjustment and false is returned.
func (t *Tracker) ConfirmByKindAndAmount(kind orb.Kind, amount int64, within time.Duration) (orb.Transaction, bool) {
	if tx, ok := t.Match(kind, amount, within); ok {
		return t.Confirm(tx.ID, &amount)
	}
	return t.Unmatched(kind, amount, "", orb.AnomalyUnmatchedDelta, "no pending transaction matched kind and amount"), false
}

// Match finds the oldest pending candidate for an id-less delta without resolving it.
// Trade sides are excluded; they only resolve as a pair.
func (t *Tracker) Match(kind orb.Kind, amount int64, within time.Duration) (orb.Transaction, bool) {
	now := t.now()
	for _, tx := range t.ledger.PendingOldestFirst() {
		if tx.Kind != kind || tx.CorrelationID != "" {
			continue
		}
		if within > 0 && tx.Age(now) > within {
			continue
		}
		if (tx.Delta < 0) != (amount < 0) {
			continue
		}
		if !t.withinTolerance(tx.Delta, amount) {
			continue
		}
		return *tx, true
	}
	return orb.Transaction{}, false
}

// Unmatched folds a server delta that has no pending counterpart into the confirmed balance.
// The adjustment is recorded as a confirmed admin-sync transaction and reported as an anomaly.
func (t *Tracker) Unmatched(kind orb.Kind, amount int64, ref orb.TransactionID, typ orb.AnomalyType, detail string) orb.Transaction {
	now := t.now()
	clamped := t.ledger.Adjust(amount)
	tx := orb.Transaction{
		ID:           t.newID(),
		Player:       t.ledger.Player(),
		Kind:         orb.KindAdminSync,
		Delta:        amount,
		AppliedDelta: amount,
		Status:       orb.StatusConfirmed,
		Reason:       orb.ReasonUnmatched,
		CreatedAt:    now,
		ResolvedAt:   now,
	}
	t.logger.Warn("unmatched balance delta folded as admin-sync",
		observability.F("player", tx.Player),
		observability.F("kind", kind),
		observability.F("delta", amount),
		observability.F("ref", ref),
		observability.F("detail", detail))
	t.hooks.anomalyRaised(orb.Anomaly{
		Type:   typ,
		Player: tx.Player,
		TxID:   ref,
		TxKind: kind,
		Detail: detail,
		At:     now,
	})
	if clamped {
		t.reportClamp(tx, now)
	}
	t.resolved.put(tx.ID, tx)
	t.hooks.transactionResolved(tx)
	return tx
}

// Reject removes a pending transaction without folding its delta.
func (t *Tracker) Reject(id orb.TransactionID, reason orb.Reason) (orb.Transaction, bool) {
	if _, ok := t.ledger.Pending(id); !ok {
		return orb.Transaction{}, false
	}
	return t.settle(id, orb.StatusRejected, reason, false, 0), true
}

// Cancel rejects a pending transaction on behalf of its initiator.
func (t *Tracker) Cancel(id orb.TransactionID) (orb.Transaction, error) {
	tx, ok := t.Reject(id, orb.ReasonCancelled)
	if !ok {
		return orb.Transaction{}, unknownTransaction("ledger/cancel", id)
	}
	return tx, nil
}

// Expire force-resolves a pending transaction that outlived its timeout.
func (t *Tracker) Expire(id orb.TransactionID) (orb.Transaction, bool) {
	pending, ok := t.ledger.Pending(id)
	if !ok {
		return orb.Transaction{}, false
	}
	now := t.now()
	age := pending.Age(now)
	tx := t.settle(id, orb.StatusExpired, orb.ReasonTimeout, false, 0)
	t.logger.Warn("transaction timed out",
		observability.F("player", tx.Player),
		observability.F("txId", tx.ID),
		observability.F("kind", tx.Kind),
		observability.F("age", age.String()))
	t.hooks.anomalyRaised(orb.Anomaly{
		Type:   orb.AnomalyTimeout,
		Player: tx.Player,
		TxID:   tx.ID,
		TxKind: tx.Kind,
		Age:    age,
		Detail: "no acknowledgment before timeout",
		At:     now,
	})
	return tx, true
}

// SweepExpired expires every pending transaction at least timeout old; trades use tradeTimeout.
func (t *Tracker) SweepExpired(now time.Time, timeout, tradeTimeout time.Duration) []orb.Transaction {
	var expired []orb.Transaction
	for _, tx := range t.ledger.PendingOldestFirst() {
		limit := timeout
		if tx.Kind == orb.KindTrade || tx.CorrelationID != "" {
			limit = tradeTimeout
		}
		if tx.Age(now) < limit {
			continue
		}
		if resolved, ok := t.Expire(tx.ID); ok {
			expired = append(expired, resolved)
		}
	}
	return expired
}

// SettleThrough confirms, without folding, every pending transaction whose sequence is covered by a
// snapshot already reflecting it. Trade sides only resolve with their pair: they are marked covered,
// stay pending and are returned for the caller to acknowledge.
func (t *Tracker) SettleThrough(sequence uint64) []orb.Transaction {
	var covered []orb.Transaction
	for _, tx := range t.ledger.PendingOldestFirst() {
		if tx.Sequence == 0 || tx.Sequence > sequence {
			continue
		}
		if tx.CorrelationID != "" {
			if t.ledger.Cover(tx.ID) {
				covered = append(covered, *tx)
			}
			continue
		}
		t.settle(tx.ID, orb.StatusConfirmed, orb.ReasonSnapshot, false, 0)
	}
	return covered
}

// Lookup returns a pending or recently resolved transaction.
func (t *Tracker) Lookup(id orb.TransactionID) (orb.Transaction, bool) {
	if tx, ok := t.ledger.Pending(id); ok {
		return *tx, true
	}
	return t.resolved.get(id)
}

func (t *Tracker) settle(id orb.TransactionID, status orb.Status, reason orb.Reason, fold bool, delta int64) orb.Transaction {
	var (
		tx      *orb.Transaction
		clamped bool
	)
	switch {
	case fold:
		tx, _, clamped = t.ledger.Settle(id, delta)
	case status != orb.StatusConfirmed && t.ledger.Covered(id):
		// the applied snapshot already counted this delta; take it back out
		pending, _ := t.ledger.Pending(id)
		reversal := -pending.Delta
		t.logger.Warn("reversing snapshot-covered transaction",
			observability.F("player", pending.Player),
			observability.F("txId", id),
			observability.F("delta", reversal),
			observability.F("reason", reason))
		tx, _, clamped = t.ledger.Settle(id, reversal)
	default:
		tx, _ = t.ledger.RemovePending(id)
	}
	now := t.now()
	tx.Status = status
	tx.Reason = reason
	tx.ResolvedAt = now
	if fold {
		tx.AppliedDelta = delta
	}
	if clamped {
		t.reportClamp(*tx, now)
	}
	t.resolved.put(tx.ID, *tx)
	t.hooks.transactionResolved(*tx)
	return *tx
}

func (t *Tracker) reportClamp(tx orb.Transaction, now time.Time) {
	t.logger.Warn("confirmed balance clamped at zero",
		observability.F("player", tx.Player),
		observability.F("txId", tx.ID),
		observability.F("kind", tx.Kind),
		observability.F("delta", tx.AppliedDelta))
	t.hooks.anomalyRaised(orb.Anomaly{
		Type:   orb.AnomalyClampedBalance,
		Player: tx.Player,
		TxID:   tx.ID,
		TxKind: tx.Kind,
		Detail: "confirmed balance would have gone negative",
		At:     now,
	})
}

// withinTolerance compares magnitudes: ||predicted| - |actual|| <= ratio * |predicted|.
func (t *Tracker) withinTolerance(predicted, actual int64) bool {
	p := decimal.NewFromInt(predicted).Abs()
	a := decimal.NewFromInt(actual).Abs()
	return p.Sub(a).Abs().LessThanOrEqual(p.Mul(t.tolerance))
}
