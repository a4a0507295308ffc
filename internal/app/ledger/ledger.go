package ledger

import (
	"sort"

	"github.com/coachpo/orbledger/internal/domain/orb"
)

// Notifier receives a balance update whenever the confirmed balance or the pending set changes.
type Notifier func(update orb.BalanceUpdate)

// BalanceLedger holds one player's confirmed balance and pending transactions.
// It is not safe for concurrent use; the Engine serialises access.
type BalanceLedger struct {
	player     orb.PlayerID
	confirmed  int64
	lastSeq    uint64
	hasApplied bool
	revision   uint64
	pending    map[orb.TransactionID]*orb.Transaction
	covered    map[orb.TransactionID]struct{}
	pendingSum int64
	notify     Notifier
}

// NewBalanceLedger creates an empty ledger for player.
func NewBalanceLedger(player orb.PlayerID, notify Notifier) *BalanceLedger {
	return &BalanceLedger{
		player:  player,
		pending: make(map[orb.TransactionID]*orb.Transaction),
		covered: make(map[orb.TransactionID]struct{}),
		notify:  notify,
	}
}

// Player returns the ledger owner.
func (l *BalanceLedger) Player() orb.PlayerID { return l.player }

// Confirmed returns the last authoritative balance.
func (l *BalanceLedger) Confirmed() int64 { return l.confirmed }

// LastAppliedSequence returns the sequence of the newest applied snapshot.
// The second result is false until a snapshot or checkpoint has been applied.
func (l *BalanceLedger) LastAppliedSequence() (uint64, bool) { return l.lastSeq, l.hasApplied }

// Revision increases with every confirmed change.
func (l *BalanceLedger) Revision() uint64 { return l.revision }

// VisibleBalance is confirmed plus every pending delta, floored at zero.
func (l *BalanceLedger) VisibleBalance() int64 {
	v := l.confirmed + l.pendingSum
	if v < 0 {
		return 0
	}
	return v
}

// PendingCount returns the number of pending transactions.
func (l *BalanceLedger) PendingCount() int { return len(l.pending) }

// Pending looks up a pending transaction by id.
func (l *BalanceLedger) Pending(id orb.TransactionID) (*orb.Transaction, bool) {
	tx, ok := l.pending[id]
	return tx, ok
}

// PendingOldestFirst lists pending transactions ordered by creation time, then sequence.
func (l *BalanceLedger) PendingOldestFirst() []*orb.Transaction {
	out := make([]*orb.Transaction, 0, len(l.pending))
	for _, tx := range l.pending {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// SetConfirmed overwrites the confirmed balance and the applied sequence. Pending deltas stay layered on top.
func (l *BalanceLedger) SetConfirmed(value int64, sequence uint64) {
	l.confirmed = value
	l.lastSeq = sequence
	l.hasApplied = true
	l.revision++
	l.emit()
}

// AddPending layers a transaction's delta onto the visible balance.
func (l *BalanceLedger) AddPending(tx *orb.Transaction) {
	l.detach(tx.ID)
	l.pending[tx.ID] = tx
	l.pendingSum += tx.Delta
	l.emit()
}

// Cover marks a pending transaction as already reflected in the confirmed balance. It stays pending
// but no longer contributes to the visible balance.
func (l *BalanceLedger) Cover(id orb.TransactionID) bool {
	tx, ok := l.pending[id]
	if !ok {
		return false
	}
	if _, done := l.covered[id]; done {
		return true
	}
	l.covered[id] = struct{}{}
	l.pendingSum -= tx.Delta
	l.emit()
	return true
}

// Covered reports whether id is pending and already reflected in the confirmed balance.
func (l *BalanceLedger) Covered(id orb.TransactionID) bool {
	_, ok := l.covered[id]
	return ok
}

// RemovePending drops a transaction without touching the confirmed balance.
func (l *BalanceLedger) RemovePending(id orb.TransactionID) (*orb.Transaction, bool) {
	tx, ok := l.detach(id)
	if ok {
		l.emit()
	}
	return tx, ok
}

// Settle removes a pending transaction and folds delta into the confirmed balance in one step.
// It reports whether the fold had to clamp at zero.
func (l *BalanceLedger) Settle(id orb.TransactionID, delta int64) (*orb.Transaction, bool, bool) {
	tx, ok := l.detach(id)
	if !ok {
		return nil, false, false
	}
	clamped := l.fold(delta)
	l.emit()
	return tx, true, clamped
}

// Adjust folds a delta with no pending counterpart into the confirmed balance.
// It reports whether the result had to clamp at zero.
func (l *BalanceLedger) Adjust(delta int64) bool {
	clamped := l.fold(delta)
	l.emit()
	return clamped
}

// Restore seeds the ledger from a persisted checkpoint without notifying.
func (l *BalanceLedger) Restore(confirmed int64, sequence, revision uint64) {
	if confirmed < 0 {
		confirmed = 0
	}
	l.confirmed = confirmed
	l.lastSeq = sequence
	l.hasApplied = true
	l.revision = revision
}

// Update builds the consumer-facing view of the current state.
func (l *BalanceLedger) Update() orb.BalanceUpdate {
	return orb.BalanceUpdate{
		Player:    l.player,
		Visible:   l.VisibleBalance(),
		Confirmed: l.confirmed,
		Pending:   len(l.pending),
		Sequence:  l.lastSeq,
	}
}

func (l *BalanceLedger) detach(id orb.TransactionID) (*orb.Transaction, bool) {
	tx, ok := l.pending[id]
	if !ok {
		return nil, false
	}
	delete(l.pending, id)
	if _, ok := l.covered[id]; ok {
		delete(l.covered, id)
	} else {
		l.pendingSum -= tx.Delta
	}
	return tx, true
}

func (l *BalanceLedger) fold(delta int64) bool {
	next := l.confirmed + delta
	clamped := false
	if next < 0 {
		next = 0
		clamped = true
	}
	if next != l.confirmed || delta != 0 {
		l.revision++
	}
	l.confirmed = next
	return clamped
}

func (l *BalanceLedger) emit() {
	if l.notify != nil {
		l.notify(l.Update())
	}
}
