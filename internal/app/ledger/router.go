package ledger

import (
	"time"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/telemetry"
	"github.com/coachpo/orbledger/internal/observability"
)

// Dispatch routes an inbound event to the matching handler.
func (e *Engine) Dispatch(ev orb.Event) error {
	switch v := ev.(type) {
	case orb.RoomSnapshot:
		_, err := e.HandleRoomSnapshot(v)
		return err
	case *orb.RoomSnapshot:
		_, err := e.HandleRoomSnapshot(*v)
		return err
	case orb.BalanceDelta:
		return e.HandleBalanceDelta(v)
	case *orb.BalanceDelta:
		return e.HandleBalanceDelta(*v)
	case orb.TradeSettlement:
		return e.HandleTradeSettlement(v)
	case *orb.TradeSettlement:
		return e.HandleTradeSettlement(*v)
	case orb.PurchaseAck:
		return e.HandlePurchaseAck(v)
	case *orb.PurchaseAck:
		return e.HandlePurchaseAck(*v)
	case orb.GamblingResult:
		return e.HandleGamblingResult(v)
	case *orb.GamblingResult:
		return e.HandleGamblingResult(*v)
	case orb.ActionRejected:
		return e.HandleActionRejected(v)
	case *orb.ActionRejected:
		return e.HandleActionRejected(*v)
	case nil:
		return invalidRequest("ledger/dispatch", "event required")
	default:
		return invalidRequest("ledger/dispatch", "unsupported event",
			errs.WithField("type", ev.EventType()))
	}
}

// HandleRoomSnapshot offers the snapshot to the player's gate. A snapshot without a sequence is ordered
// by its timestamp when sequences come from the server.
func (e *Engine) HandleRoomSnapshot(ev orb.RoomSnapshot) (orb.ApplyResult, error) {
	if ev.Player == "" {
		return orb.Discarded, invalidRequest("ledger/room_snapshot", "player required")
	}
	e.metrics.recordEvent(telemetry.EventTypeRoomSnapshot)
	var result orb.ApplyResult
	err := e.exec(func() error {
		var seq uint64
		switch {
		case ev.Sequence != nil:
			seq = *ev.Sequence
		case e.cfg.SequenceSource == SequenceServer:
			at := ev.At
			if at.IsZero() {
				at = e.sched.Now()
			}
			seq = FromTimestamp(at)
		}
		result = e.applySnapshotLocked(ev.Player, ev.Balance, seq)
		return nil
	})
	return result, err
}

// HandleBalanceDelta confirms the referenced transaction, or matches an id-less delta by kind and amount.
func (e *Engine) HandleBalanceDelta(ev orb.BalanceDelta) error {
	e.metrics.recordEvent(telemetry.EventTypeBalanceDelta)
	kind, known := orb.ParseKind(ev.Kind)
	return e.exec(func() error {
		if ev.TxID != "" {
			return e.ackLocked(ev.Player, kind, ev.TxID, ev.Delta, "balance_delta")
		}
		if ev.Player == "" {
			return invalidRequest("ledger/balance_delta", "player required without txId")
		}
		if ev.Delta == 0 {
			return nil
		}
		s := e.sessionLocked(ev.Player)
		if !known || kind == orb.KindAdminSync {
			if !known {
				kind = orb.KindAdminSync
			}
			s.tracker.Unmatched(kind, ev.Delta, "", orb.AnomalyUnmatchedDelta, "delta without transaction id or recognisable kind")
			return nil
		}
		window := e.cfg.CorrelationWindow
		if ev.CorrelationWindowMs > 0 {
			window = time.Duration(ev.CorrelationWindowMs) * time.Millisecond
		}
		s.tracker.ConfirmByKindAndAmount(kind, ev.Delta, window)
		return nil
	})
}

// HandleGamblingResult confirms a pending sub-game transaction of the same kind. A result with no such
// transaction, such as a payout for an already confirmed bet, is a server-initiated change folded as an
// unmatched delta.
func (e *Engine) HandleGamblingResult(ev orb.GamblingResult) error {
	e.metrics.recordEvent(telemetry.EventTypeGamblingResult)
	kind, _ := orb.ParseKind(ev.Kind)
	if kind != orb.KindBet && kind != orb.KindPayout {
		return invalidRequest("ledger/gambling_result", "gambling results carry bet or payout",
			errs.WithCanonicalCode(errs.CanonicalInvalidKind),
			errs.WithField("kind", ev.Kind))
	}
	return e.exec(func() error {
		player := ev.Player
		if ev.TxID != "" {
			if owner, ok := e.txIndex[ev.TxID]; ok {
				s := e.sessions[owner]
				if tx, _ := s.tracker.Lookup(ev.TxID); tx.Kind == kind {
					delta := ev.Delta
					s.tracker.Confirm(ev.TxID, &delta)
					return nil
				}
				player = owner
			} else if tx, ok := e.resolved.get(ev.TxID); ok {
				if tx.Kind == kind && tx.Status == orb.StatusConfirmed {
					e.logger.Debug("duplicate gambling result ignored",
						observability.F("player", tx.Player),
						observability.F("txId", ev.TxID))
					return nil
				}
				player = tx.Player
			}
		}
		if player == "" {
			return invalidRequest("ledger/gambling_result", "player required for unmatched result",
				errs.WithField("txId", string(ev.TxID)))
		}
		if ev.TxID == "" {
			e.sessionLocked(player).tracker.ConfirmByKindAndAmount(kind, ev.Delta, e.cfg.CorrelationWindow)
			return nil
		}
		e.sessionLocked(player).tracker.Unmatched(kind, ev.Delta, ev.TxID, orb.AnomalyUnmatchedDelta,
			"gambling result without matching pending transaction")
		return nil
	})
}

// HandlePurchaseAck confirms a pending purchase.
func (e *Engine) HandlePurchaseAck(ev orb.PurchaseAck) error {
	if ev.TxID == "" {
		return invalidRequest("ledger/purchase_ack", "txId required")
	}
	e.metrics.recordEvent(telemetry.EventTypePurchaseAck)
	return e.exec(func() error {
		owner, pending := e.txIndex[ev.TxID]
		if !pending {
			tx, ok := e.resolved.get(ev.TxID)
			if !ok {
				e.logger.Warn("purchase acknowledgment for unknown transaction",
					observability.F("txId", ev.TxID),
					observability.F("finalBalance", ev.FinalBalance))
				return unknownTransaction("ledger/purchase_ack", ev.TxID)
			}
			if tx.Status == orb.StatusConfirmed {
				e.logger.Debug("duplicate purchase acknowledgment ignored", observability.F("txId", ev.TxID))
				return nil
			}
			s := e.sessionLocked(tx.Player)
			if e.cfg.SequenceSource == SequenceLogical {
				e.applySnapshotLocked(tx.Player, ev.FinalBalance, tx.Sequence)
				e.anomalyRaised(orb.Anomaly{
					Type:   orb.AnomalyLateAck,
					Player: tx.Player,
					TxID:   tx.ID,
					TxKind: tx.Kind,
					Detail: "purchase acknowledged after " + string(tx.Status),
					At:     e.sched.Now(),
				})
				return nil
			}
			s.tracker.Unmatched(tx.Kind, tx.Delta, tx.ID, orb.AnomalyLateAck, "purchase acknowledged after "+string(tx.Status))
			return nil
		}

		s := e.sessions[owner]
		tx, _ := s.tracker.Lookup(ev.TxID)
		if tx.CorrelationID != "" {
			return invalidRequest("ledger/purchase_ack", "trade sides settle through trade_settlement",
				errs.WithCanonicalCode(errs.CanonicalInvalidKind),
				errs.WithField("txId", string(ev.TxID)))
		}
		if e.cfg.SequenceSource == SequenceLogical {
			s.tracker.settle(ev.TxID, orb.StatusConfirmed, orb.ReasonAck, false, 0)
			e.applySnapshotLocked(owner, ev.FinalBalance, tx.Sequence)
			return nil
		}
		s.tracker.Confirm(ev.TxID, nil)
		if confirmed := s.ledger.Confirmed(); confirmed != ev.FinalBalance {
			e.logger.Info("purchase final balance diverges from confirmed balance",
				observability.F("player", owner),
				observability.F("txId", ev.TxID),
				observability.F("finalBalance", ev.FinalBalance),
				observability.F("confirmed", confirmed))
		}
		return nil
	})
}

// HandleTradeSettlement acknowledges one side of a trade, or both when TxID is the correlation id.
// The pair confirms once every side is acknowledged.
func (e *Engine) HandleTradeSettlement(ev orb.TradeSettlement) error {
	if ev.TxID == "" {
		return invalidRequest("ledger/trade_settlement", "txId required")
	}
	e.metrics.recordEvent(telemetry.EventTypeTradeSettlement)
	return e.exec(func() error {
		pair, idx := e.trades.lookup(ev.TxID)
		if pair != nil {
			if idx >= 0 {
				e.ackSideLocked(pair, idx, pair.deltaFor(idx, ev))
				return nil
			}
			for i, side := range pair.sides {
				side.acked = true
				if d := pair.deltaFor(i, ev); d != nil {
					side.actual = d
				}
			}
			e.confirmPairLocked(pair)
			return nil
		}
		return e.unknownSettlementLocked(ev)
	})
}

// HandleActionRejected rejects the referenced pending transaction.
func (e *Engine) HandleActionRejected(ev orb.ActionRejected) error {
	if ev.TxID == "" {
		return invalidRequest("ledger/action_rejected", "txId required")
	}
	return e.exec(func() error {
		if !e.rejectLocked(ev.TxID, orb.ReasonServerRejected) {
			e.logger.Debug("rejection for transaction that is not pending",
				observability.F("txId", ev.TxID),
				observability.F("reason", ev.Reason))
			return nil
		}
		e.logger.Info("action rejected by server",
			observability.F("txId", ev.TxID),
			observability.F("reason", ev.Reason))
		return nil
	})
}

// ackLocked resolves an acknowledgment carrying an explicit transaction id.
func (e *Engine) ackLocked(player orb.PlayerID, kind orb.Kind, id orb.TransactionID, delta int64, source string) error {
	if _, pending := e.txIndex[id]; pending {
		actual := delta
		e.confirmLocked(id, &actual)
		return nil
	}
	if tx, ok := e.resolved.get(id); ok {
		if tx.Status == orb.StatusConfirmed {
			e.logger.Debug("duplicate acknowledgment ignored",
				observability.F("player", tx.Player),
				observability.F("txId", id),
				observability.F("source", source))
			return nil
		}
		e.sessionLocked(tx.Player).tracker.Unmatched(tx.Kind, delta, id, orb.AnomalyLateAck,
			"acknowledgment after "+string(tx.Status))
		return nil
	}
	if player == "" {
		return unknownTransaction("ledger/"+source, id)
	}
	if kind == "" {
		kind = orb.KindAdminSync
	}
	e.sessionLocked(player).tracker.Unmatched(kind, delta, id, orb.AnomalyUnmatchedDelta, "unknown transaction id")
	return nil
}

func (e *Engine) unknownSettlementLocked(ev orb.TradeSettlement) error {
	ref := orb.TransactionID(ev.TxID)
	if status, ok := e.pairs.get(orb.CorrelationID(ev.TxID)); ok && status == orb.StatusConfirmed {
		e.logger.Debug("duplicate trade settlement ignored", observability.F("ref", ev.TxID))
		return nil
	}
	if tx, ok := e.resolved.get(ref); ok && tx.Status == orb.StatusConfirmed {
		e.logger.Debug("duplicate trade settlement ignored", observability.F("ref", ev.TxID))
		return nil
	}
	if ev.PlayerA == "" && ev.PlayerB == "" {
		return unknownTransaction("ledger/trade_settlement", ref)
	}
	typ := orb.AnomalyUnmatchedDelta
	detail := "settlement for unknown trade"
	if _, ok := e.pairs.get(orb.CorrelationID(ev.TxID)); ok {
		typ, detail = orb.AnomalyLateAck, "settlement after trade was resolved"
	} else if _, ok := e.resolved.get(ref); ok {
		typ, detail = orb.AnomalyLateAck, "settlement after trade was resolved"
	}
	for _, leg := range []struct {
		player orb.PlayerID
		delta  int64
	}{{ev.PlayerA, ev.DeltaA}, {ev.PlayerB, ev.DeltaB}} {
		if leg.player == "" || leg.delta == 0 {
			continue
		}
		e.sessionLocked(leg.player).tracker.Unmatched(orb.KindTrade, leg.delta, ref, typ, detail)
	}
	return nil
}
