package ledger

import (
	"time"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/observability"
)

// SequenceSource selects which sequence domain snapshots are ordered in.
type SequenceSource string

const (
	// SequenceServer orders snapshots by server-issued sequences (or their timestamps).
	SequenceServer SequenceSource = "server"
	// SequenceLogical orders snapshots by the echoed per-player logical clock.
	SequenceLogical SequenceSource = "logical"
)

// Valid reports whether s names a supported source.
func (s SequenceSource) Valid() bool {
	return s == SequenceServer || s == SequenceLogical
}

// SnapshotGate decides whether a full-state snapshot may overwrite the confirmed balance.
// Recency is the sole arbiter.
type SnapshotGate struct {
	ledger  *BalanceLedger
	tracker *Tracker
	clock   *LogicalClock
	source  SequenceSource
	logger  observability.Logger
	hooks   hooks
	now     func() time.Time
}

// Apply overwrites the confirmed balance when sequence is newer than the last applied one.
// With logical sequences, pending transactions already covered by the snapshot are settled; covered
// trade sides are returned instead.
func (g *SnapshotGate) Apply(value int64, sequence uint64) (orb.ApplyResult, []orb.Transaction) {
	player := g.ledger.Player()
	if last, ok := g.ledger.LastAppliedSequence(); ok && sequence <= last {
		g.logger.Debug("stale snapshot discarded",
			observability.F("code", errs.CanonicalStaleSnapshot),
			observability.F("player", player),
			observability.F("sequence", sequence),
			observability.F("lastApplied", last))
		g.hooks.snapshotDiscarded(player, sequence, last)
		return orb.Discarded, nil
	}
	if value < 0 {
		g.logger.Warn("negative snapshot clamped at zero",
			observability.F("player", player),
			observability.F("balance", value),
			observability.F("sequence", sequence))
		g.hooks.anomalyRaised(orb.Anomaly{
			Type:   orb.AnomalyClampedBalance,
			Player: player,
			Detail: "snapshot carried a negative balance",
			At:     g.now(),
		})
		value = 0
	}
	g.ledger.SetConfirmed(value, sequence)
	g.hooks.snapshotApplied(player, sequence)

	if g.source != SequenceLogical {
		return orb.Applied, nil
	}
	g.clock.Observe(sequence)
	return orb.Applied, g.tracker.SettleThrough(sequence)
}
