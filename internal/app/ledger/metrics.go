package ledger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/telemetry"
)

type ledgerMetrics struct {
	begun          metric.Int64Counter
	resolved       metric.Int64Counter
	pending        metric.Int64UpDownCounter
	age            metric.Float64Histogram
	mismatches     metric.Int64Counter
	anomalies      metric.Int64Counter
	snapshots      metric.Int64Counter
	staleSnapshots metric.Int64Counter
	visible        metric.Int64Gauge
	events         metric.Int64Counter
}

func newLedgerMetrics() *ledgerMetrics {
	meter := otel.Meter("ledger")
	m := new(ledgerMetrics)
	m.begun, _ = meter.Int64Counter("ledger.transactions.begun",
		metric.WithDescription("Optimistic transactions created"),
		metric.WithUnit("{transaction}"))
	m.resolved, _ = meter.Int64Counter("ledger.transactions.resolved",
		metric.WithDescription("Transactions reaching a terminal state"),
		metric.WithUnit("{transaction}"))
	m.pending, _ = meter.Int64UpDownCounter("ledger.transactions.pending",
		metric.WithDescription("Transactions awaiting acknowledgment"),
		metric.WithUnit("{transaction}"))
	m.age, _ = meter.Float64Histogram("ledger.transaction.age",
		metric.WithDescription("Time from begin to terminal state"),
		metric.WithUnit("ms"))
	m.mismatches, _ = meter.Int64Counter("ledger.delta.mismatches",
		metric.WithDescription("Acknowledgments whose delta differed from the prediction"),
		metric.WithUnit("{transaction}"))
	m.anomalies, _ = meter.Int64Counter("ledger.anomalies",
		metric.WithDescription("Unmatched deltas, timeouts, split trades and clamped balances"),
		metric.WithUnit("{anomaly}"))
	m.snapshots, _ = meter.Int64Counter("ledger.snapshots.applied",
		metric.WithDescription("Snapshots that overwrote the confirmed balance"),
		metric.WithUnit("{snapshot}"))
	m.staleSnapshots, _ = meter.Int64Counter("ledger.snapshots.stale",
		metric.WithDescription("Snapshots discarded as older than the applied sequence"),
		metric.WithUnit("{snapshot}"))
	m.visible, _ = meter.Int64Gauge("ledger.visible.balance",
		metric.WithDescription("Visible balance per player"),
		metric.WithUnit("{orb}"))
	m.events, _ = meter.Int64Counter("ledger.events.routed",
		metric.WithDescription("Inbound reconciliation events routed"),
		metric.WithUnit("{event}"))
	return m
}

func (m *ledgerMetrics) recordBegun(tx orb.Transaction) {
	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.TransactionAttributes(telemetry.Environment(), string(tx.Kind), "")...)
	if m.begun != nil {
		m.begun.Add(ctx, 1, attrs)
	}
	if m.pending != nil {
		m.pending.Add(ctx, 1, attrs)
	}
}

func (m *ledgerMetrics) recordResolved(tx orb.Transaction) {
	ctx := context.Background()
	if m.resolved != nil {
		attrs := telemetry.TransactionAttributes(telemetry.Environment(), string(tx.Kind), string(tx.Status))
		attrs = append(attrs, telemetry.AttrReason.String(string(tx.Reason)))
		m.resolved.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if tx.Kind == orb.KindAdminSync && tx.Reason == orb.ReasonUnmatched {
		return
	}
	if m.pending != nil {
		m.pending.Add(ctx, -1, metric.WithAttributes(telemetry.TransactionAttributes(telemetry.Environment(), string(tx.Kind), "")...))
	}
	if m.age != nil && !tx.CreatedAt.IsZero() {
		ms := float64(tx.ResolvedAt.Sub(tx.CreatedAt)) / float64(time.Millisecond)
		m.age.Record(ctx, ms, metric.WithAttributes(telemetry.TransactionAttributes(telemetry.Environment(), string(tx.Kind), string(tx.Status))...))
	}
}

func (m *ledgerMetrics) recordMismatch(tx orb.Transaction) {
	if m.mismatches != nil {
		m.mismatches.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.TransactionAttributes(telemetry.Environment(), string(tx.Kind), "")...))
	}
}

func (m *ledgerMetrics) recordAnomaly(a orb.Anomaly) {
	if m.anomalies != nil {
		m.anomalies.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AnomalyAttributes(telemetry.Environment(), string(a.Type), string(a.TxKind))...))
	}
}

func (m *ledgerMetrics) recordSnapshot(applied bool) {
	env := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), telemetry.EventTypeRoomSnapshot)...)
	if applied && m.snapshots != nil {
		m.snapshots.Add(context.Background(), 1, env)
	}
	if !applied && m.staleSnapshots != nil {
		m.staleSnapshots.Add(context.Background(), 1, metric.WithAttributes(
			append(telemetry.EventAttributes(telemetry.Environment(), telemetry.EventTypeRoomSnapshot),
				telemetry.AttrReason.String(string(errs.CanonicalStaleSnapshot)))...))
	}
}

func (m *ledgerMetrics) recordVisible(update orb.BalanceUpdate) {
	if m.visible != nil {
		m.visible.Record(context.Background(), update.Visible, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrPlayer.String(string(update.Player))))
	}
}

func (m *ledgerMetrics) recordEvent(eventType string) {
	if m.events != nil {
		m.events.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), eventType)...))
	}
}
