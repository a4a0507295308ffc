package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/journalstore"
	"github.com/coachpo/orbledger/internal/domain/orb"
)

const alice orb.PlayerID = "alice"
const bob orb.PlayerID = "bob"

// scenarioAB reaches the state described by the bet-then-payout walkthrough.
func scenarioAB(t *testing.T, h *harness) {
	t.Helper()
	e := h.engine
	require.Equal(t, orb.Applied, e.ApplySnapshot(alice, 100000, 5))

	bet, err := e.Begin(alice, orb.KindBet, -50000)
	require.NoError(t, err)
	require.EqualValues(t, 50000, e.VisibleBalance(alice))

	require.True(t, e.Confirm(bet.ID, ptr(-50000)))
	view := e.Inspect(alice)
	require.EqualValues(t, 50000, view.Confirmed)
	require.Zero(t, view.Pending)

	require.NoError(t, e.HandleGamblingResult(orb.GamblingResult{Player: alice, Kind: "payout", Delta: 120000}))
	require.EqualValues(t, 170000, e.Inspect(alice).Confirmed)
}

func TestScenarioABBetConfirmThenPayout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	scenarioAB(t, h)
	require.EqualValues(t, 170000, h.engine.VisibleBalance(alice))
	require.Len(t, h.anomalies.ofType(orb.AnomalyUnmatchedDelta), 1)
}

func TestScenarioCStaleSnapshotDiscarded(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	scenarioAB(t, h)

	result, err := h.engine.HandleRoomSnapshot(orb.RoomSnapshot{Player: alice, Balance: 100000, Sequence: orb.SequenceOf(3)})
	require.NoError(t, err)
	require.Equal(t, orb.Discarded, result)
	require.EqualValues(t, 170000, h.engine.VisibleBalance(alice))
	require.EqualValues(t, 5, h.engine.Inspect(alice).LastAppliedSequence)
}

func TestScenarioDInsufficientBalance(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	scenarioAB(t, h)

	_, err := h.engine.Begin(alice, orb.KindPurchase, -2000000)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInsufficientBalance))
	require.True(t, errs.IsCanonical(err, errs.CanonicalInsufficientBalance))

	view := h.engine.Inspect(alice)
	require.EqualValues(t, 170000, view.Confirmed)
	require.Zero(t, view.Pending)
}

func TestScenarioESplitTradeRejectsBothSides(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.ApplySnapshot(bob, 200, 1)
	e.Start()

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 300,
	})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.CorrelationID)
	require.EqualValues(t, 700, e.VisibleBalance(alice))
	require.EqualValues(t, 500, e.VisibleBalance(bob))

	require.NoError(t, e.HandleTradeSettlement(orb.TradeSettlement{
		TxID: string(receipt.TxID), PlayerA: alice, PlayerB: bob, DeltaA: -300, DeltaB: 300,
	}))
	// one acknowledged side is not enough
	require.Equal(t, orb.StatusPending, h.tx(t, receipt.TxID).Status)

	h.clock.Advance(14 * time.Second)
	require.Equal(t, orb.StatusPending, h.tx(t, receipt.CounterTxID).Status)

	h.clock.Advance(time.Second)
	a := h.tx(t, receipt.TxID)
	b := h.tx(t, receipt.CounterTxID)
	require.Equal(t, orb.StatusRejected, a.Status)
	require.Equal(t, orb.StatusRejected, b.Status)
	require.Equal(t, orb.ReasonSplitTrade, a.Reason)
	require.Equal(t, orb.ReasonSplitTrade, b.Reason)

	require.EqualValues(t, 1000, e.VisibleBalance(alice))
	require.EqualValues(t, 200, e.VisibleBalance(bob))

	split := h.anomalies.ofType(orb.AnomalySplitTrade)
	require.Len(t, split, 2)
	players := []orb.PlayerID{split[0].Player, split[1].Player}
	require.ElementsMatch(t, []orb.PlayerID{alice, bob}, players)
}

func TestTradeConfirmsWhenBothSidesAcked(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.ApplySnapshot(bob, 1000, 1)

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 300, CounterAmount: 100,
	})
	require.NoError(t, err)
	require.EqualValues(t, 800, e.VisibleBalance(alice))
	require.EqualValues(t, 1200, e.VisibleBalance(bob))

	require.NoError(t, e.HandleTradeSettlement(orb.TradeSettlement{
		TxID: string(receipt.TxID), PlayerA: alice, PlayerB: bob, DeltaA: -200, DeltaB: 200,
	}))
	require.NoError(t, e.HandleTradeSettlement(orb.TradeSettlement{
		TxID: string(receipt.CounterTxID), PlayerA: alice, PlayerB: bob, DeltaA: -200, DeltaB: 200,
	}))

	require.Equal(t, orb.StatusConfirmed, h.tx(t, receipt.TxID).Status)
	require.Equal(t, orb.StatusConfirmed, h.tx(t, receipt.CounterTxID).Status)
	require.EqualValues(t, 800, e.Inspect(alice).Confirmed)
	require.EqualValues(t, 1200, e.Inspect(bob).Confirmed)

	// duplicate settlement for a confirmed pair changes nothing
	require.NoError(t, e.HandleTradeSettlement(orb.TradeSettlement{
		TxID: string(receipt.CorrelationID), PlayerA: alice, PlayerB: bob, DeltaA: -200, DeltaB: 200,
	}))
	require.EqualValues(t, 800, e.Inspect(alice).Confirmed)
	require.EqualValues(t, 1200, e.Inspect(bob).Confirmed)
}

func TestTradeSettlementByCorrelationConfirmsBoth(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 250,
	})
	require.NoError(t, err)

	require.NoError(t, e.HandleTradeSettlement(orb.TradeSettlement{
		TxID: string(receipt.CorrelationID), PlayerA: alice, PlayerB: bob, DeltaA: -250, DeltaB: 250,
	}))
	require.EqualValues(t, 750, e.Inspect(alice).Confirmed)
	require.EqualValues(t, 250, e.Inspect(bob).Confirmed)
	require.Len(t, h.outbound.frames, 1)
	require.Equal(t, receipt.CorrelationID, h.outbound.frames[0].CorrelationID)
}

func TestTradeWithoutAcksExpiresBothSides(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.Start()

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 100,
	})
	require.NoError(t, err)

	h.clock.Advance(15 * time.Second)
	require.Equal(t, orb.StatusExpired, h.tx(t, receipt.TxID).Status)
	require.Equal(t, orb.StatusExpired, h.tx(t, receipt.CounterTxID).Status)
	require.EqualValues(t, 1000, e.VisibleBalance(alice))
	require.Zero(t, e.VisibleBalance(bob))
}

func TestTradeRequiresBothSidesAffordable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.ApplySnapshot(bob, 50, 1)

	_, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 10, CounterAmount: 100,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Zero(t, e.Inspect(alice).Pending)
	require.Zero(t, e.Inspect(bob).Pending)
	require.Empty(t, h.outbound.frames)
}

func TestCancelTradeSideRejectsPair(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 100,
	})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(receipt.CounterTxID))

	require.Equal(t, orb.ReasonCancelled, h.tx(t, receipt.TxID).Reason)
	require.Equal(t, orb.StatusRejected, h.tx(t, receipt.CounterTxID).Status)
	require.EqualValues(t, 1000, e.VisibleBalance(alice))

	err = e.Cancel(receipt.TxID)
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestActDispatchesFrameWithSequence(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 500, 1)

	receipt, err := e.Act(context.Background(), orb.Action{Type: orb.ActionPlaceBet, Player: alice, Amount: 200, Ref: "dice"})
	require.NoError(t, err)
	require.EqualValues(t, 300, receipt.Visible)
	require.EqualValues(t, 1, receipt.Sequence)

	receipt2, err := e.Act(context.Background(), orb.Action{Type: orb.ActionClaimIdleReward, Player: alice, Amount: 25})
	require.NoError(t, err)
	require.EqualValues(t, 2, receipt2.Sequence)
	require.EqualValues(t, 325, receipt2.Visible)

	require.Len(t, h.outbound.frames, 2)
	frame := h.outbound.frames[0]
	require.Equal(t, receipt.TxID, frame.TxID)
	require.Equal(t, orb.KindBet, frame.Kind)
	require.EqualValues(t, -200, frame.Delta)
	require.EqualValues(t, 1, frame.Sequence)
	require.Equal(t, "dice", frame.Ref)
	require.Equal(t, orb.KindIdleReward, h.outbound.frames[1].Kind)
}

func TestActSendFailureRejectsTransaction(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.outbound.err = errors.New("not connected")
	e := h.engine
	e.ApplySnapshot(alice, 500, 1)

	receipt, err := e.Act(context.Background(), orb.Action{Type: orb.ActionBuy, Player: alice, Amount: 200})
	require.Error(t, err)
	var env *errs.E
	require.ErrorAs(t, err, &env)
	require.Equal(t, errs.CodeUnavailable, env.Code)

	tx := h.tx(t, receipt.TxID)
	require.Equal(t, orb.StatusRejected, tx.Status)
	require.Equal(t, orb.ReasonSendFailed, tx.Reason)
	require.EqualValues(t, 500, e.VisibleBalance(alice))
}

func TestActValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine

	cases := []orb.Action{
		{Type: orb.ActionPlaceBet, Amount: 10},
		{Type: "emote", Player: alice, Amount: 10},
		{Type: orb.ActionPlaceBet, Player: alice, Amount: 0},
		{Type: orb.ActionProposeTrade, Player: alice, Amount: 10},
		{Type: orb.ActionProposeTrade, Player: alice, Counterparty: alice, Amount: 10},
		{Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 10, CounterAmount: 10},
	}
	for _, action := range cases {
		_, err := e.Act(context.Background(), action)
		require.Error(t, err, "%+v", action)
		var env *errs.E
		require.ErrorAs(t, err, &env)
		require.Equal(t, errs.CodeInvalid, env.Code)
	}
	require.Empty(t, h.outbound.frames)
}

func TestTimeoutSweepExpiresPending(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.Start()

	bet, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	h.clock.Advance(9 * time.Second)
	require.Equal(t, orb.StatusPending, h.tx(t, bet.ID).Status)

	h.clock.Advance(time.Second)
	tx := h.tx(t, bet.ID)
	require.Equal(t, orb.StatusExpired, tx.Status)
	require.Equal(t, orb.ReasonTimeout, tx.Reason)
	require.EqualValues(t, 1000, e.VisibleBalance(alice))

	timeouts := h.anomalies.ofType(orb.AnomalyTimeout)
	require.Len(t, timeouts, 1)
	require.Equal(t, 10*time.Second, timeouts[0].Age)
	require.Equal(t, orb.KindBet, timeouts[0].TxKind)
}

func TestStopCancelsSweep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.Start()
	e.Start()
	require.Equal(t, 1, h.clock.Pending())

	bet, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	e.Stop()
	require.Zero(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	require.Equal(t, orb.StatusPending, h.tx(t, bet.ID).Status)
}

func TestLateAckAfterExpiryFoldsAsAdminSync(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	bet, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Second)
	e.Sweep()
	require.EqualValues(t, 1000, e.VisibleBalance(alice))

	require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: alice, TxID: bet.ID, Delta: -100, Kind: "bet"}))
	require.EqualValues(t, 900, e.Inspect(alice).Confirmed)
	late := h.anomalies.ofType(orb.AnomalyLateAck)
	require.Len(t, late, 1)
	require.Equal(t, bet.ID, late[0].TxID)
}

func TestDuplicateAckIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	bet, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: alice, TxID: bet.ID, Delta: -100, Kind: "bet"}))
	}
	require.EqualValues(t, 900, e.Inspect(alice).Confirmed)
	require.Empty(t, h.anomalies.ofType(orb.AnomalyUnmatchedDelta))
}

func TestUnknownTxIDIsUnmatchedDelta(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: alice, TxID: "srv-42", Delta: 75, Kind: "refund"}))
	require.EqualValues(t, 1075, e.Inspect(alice).Confirmed)

	unmatched := h.anomalies.ofType(orb.AnomalyUnmatchedDelta)
	require.Len(t, unmatched, 1)
	require.Equal(t, orb.TransactionID("srv-42"), unmatched[0].TxID)
	require.Equal(t, orb.KindRefund, unmatched[0].TxKind)

	err := e.HandleBalanceDelta(orb.BalanceDelta{TxID: "srv-43", Delta: 5})
	require.True(t, errs.IsCanonical(err, errs.CanonicalUnknownTransaction))
}

func TestBalanceDeltaWithoutIDMatchesByKindAndAmount(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	first, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)

	require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: alice, Kind: "bet", Delta: -100}))
	require.Equal(t, orb.StatusConfirmed, h.tx(t, first.ID).Status)
	require.Equal(t, orb.StatusPending, h.tx(t, second.ID).Status)
	require.EqualValues(t, 900, e.Inspect(alice).Confirmed)
	require.EqualValues(t, 800, e.VisibleBalance(alice))
}

func TestBalanceDeltaOutsideWindowIsUnmatched(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	bet, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	h.clock.Advance(3 * time.Second)

	require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: alice, Kind: "bet", Delta: -100, CorrelationWindowMs: 1000}))
	require.Equal(t, orb.StatusPending, h.tx(t, bet.ID).Status)
	require.EqualValues(t, 900, e.Inspect(alice).Confirmed)
	require.Len(t, h.anomalies.ofType(orb.AnomalyUnmatchedDelta), 1)
}

func TestBalanceDeltaForTradeSideAcksPair(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 100,
	})
	require.NoError(t, err)

	require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: alice, TxID: receipt.TxID, Delta: -100, Kind: "trade"}))
	require.Equal(t, orb.StatusPending, h.tx(t, receipt.TxID).Status)
	require.NoError(t, e.HandleBalanceDelta(orb.BalanceDelta{Player: bob, TxID: receipt.CounterTxID, Delta: 100, Kind: "trade"}))
	require.Equal(t, orb.StatusConfirmed, h.tx(t, receipt.TxID).Status)
	require.EqualValues(t, 900, e.Inspect(alice).Confirmed)
	require.EqualValues(t, 100, e.Inspect(bob).Confirmed)
}

func TestGamblingResultConfirmsPendingOfSameKind(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	spin, err := e.Act(context.Background(), orb.Action{Type: orb.ActionSpin, Player: alice, Amount: 50})
	require.NoError(t, err)

	require.NoError(t, e.HandleGamblingResult(orb.GamblingResult{TxID: spin.TxID, Kind: "bet", Delta: -50}))
	require.Equal(t, orb.StatusConfirmed, h.tx(t, spin.TxID).Status)

	// payout referencing the settled bet is a server credit
	require.NoError(t, e.HandleGamblingResult(orb.GamblingResult{TxID: spin.TxID, Kind: "payout", Delta: 400}))
	require.EqualValues(t, 1350, e.Inspect(alice).Confirmed)

	// repeated bet result for the same tx is a duplicate
	require.NoError(t, e.HandleGamblingResult(orb.GamblingResult{TxID: spin.TxID, Kind: "bet", Delta: -50}))
	require.EqualValues(t, 1350, e.Inspect(alice).Confirmed)

	err = e.HandleGamblingResult(orb.GamblingResult{Kind: "jackpot", Delta: 1})
	require.Error(t, err)
}

func TestGamblingResultCannotSettleTradeSide(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)
	e.ApplySnapshot(bob, 0, 1)
	e.Start()

	receipt, err := e.Act(context.Background(), orb.Action{
		Type: orb.ActionProposeTrade, Player: alice, Counterparty: bob, Amount: 100,
	})
	require.NoError(t, err)

	err = e.HandleGamblingResult(orb.GamblingResult{TxID: receipt.TxID, Kind: "trade", Delta: -100})
	require.Error(t, err)
	var env *errs.E
	require.ErrorAs(t, err, &env)
	require.Equal(t, errs.CanonicalInvalidKind, env.Canonical)
	require.Equal(t, orb.StatusPending, h.tx(t, receipt.TxID).Status)

	h.clock.Advance(16 * time.Second)
	a := h.tx(t, receipt.TxID)
	b := h.tx(t, receipt.CounterTxID)
	require.Equal(t, orb.StatusExpired, a.Status)
	require.Equal(t, orb.StatusExpired, b.Status)
	require.EqualValues(t, 1000, e.VisibleBalance(alice))
	require.EqualValues(t, 0, e.VisibleBalance(bob))
}

func TestPurchaseAckServerSequences(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	buy, err := e.Act(context.Background(), orb.Action{Type: orb.ActionBuy, Player: alice, Amount: 300})
	require.NoError(t, err)

	require.NoError(t, e.HandlePurchaseAck(orb.PurchaseAck{TxID: buy.TxID, FinalBalance: 700}))
	tx := h.tx(t, buy.TxID)
	require.Equal(t, orb.StatusConfirmed, tx.Status)
	require.EqualValues(t, -300, tx.AppliedDelta)
	require.EqualValues(t, 700, e.Inspect(alice).Confirmed)

	require.NoError(t, e.HandlePurchaseAck(orb.PurchaseAck{TxID: buy.TxID, FinalBalance: 700}))
	require.EqualValues(t, 700, e.Inspect(alice).Confirmed)

	err = e.HandlePurchaseAck(orb.PurchaseAck{TxID: "nope", FinalBalance: 1})
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestActionRejectedRemovesPending(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	bet, err := e.Act(context.Background(), orb.Action{Type: orb.ActionPlaceBet, Player: alice, Amount: 400})
	require.NoError(t, err)
	require.NoError(t, e.Dispatch(orb.ActionRejected{TxID: bet.TxID, Reason: "table closed"}))

	tx := h.tx(t, bet.TxID)
	require.Equal(t, orb.StatusRejected, tx.Status)
	require.Equal(t, orb.ReasonServerRejected, tx.Reason)
	require.EqualValues(t, 1000, e.VisibleBalance(alice))
	require.NoError(t, e.Dispatch(&orb.ActionRejected{TxID: bet.TxID}))
}

func TestSnapshotWithoutSequenceUsesTimestamp(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine

	at := testStart.Add(-time.Minute)
	result, err := e.HandleRoomSnapshot(orb.RoomSnapshot{Player: alice, Balance: 10, At: at})
	require.NoError(t, err)
	require.Equal(t, orb.Applied, result)
	require.EqualValues(t, FromTimestamp(at), e.Inspect(alice).LastAppliedSequence)

	result, err = e.HandleRoomSnapshot(orb.RoomSnapshot{Player: alice, Balance: 20, At: at.Add(-time.Second)})
	require.NoError(t, err)
	require.Equal(t, orb.Discarded, result)

	result, err = e.HandleRoomSnapshot(orb.RoomSnapshot{Player: alice, Balance: 30})
	require.NoError(t, err)
	require.Equal(t, orb.Applied, result)
	require.EqualValues(t, 30, e.VisibleBalance(alice))
}

func TestSnapshotAtSequenceZeroIsOrdered(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine

	result, err := e.HandleRoomSnapshot(orb.RoomSnapshot{Player: alice, Balance: 100, Sequence: orb.SequenceOf(0)})
	require.NoError(t, err)
	require.Equal(t, orb.Applied, result)
	require.Zero(t, e.Inspect(alice).LastAppliedSequence)

	result, err = e.HandleRoomSnapshot(orb.RoomSnapshot{Player: alice, Balance: 500, Sequence: orb.SequenceOf(1)})
	require.NoError(t, err)
	require.Equal(t, orb.Applied, result)
	view := e.Inspect(alice)
	require.EqualValues(t, 1, view.LastAppliedSequence)
	require.EqualValues(t, 500, view.Visible)
}

func TestSnapshotKeepsPendingLayered(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	_, err := e.Begin(alice, orb.KindBet, -200)
	require.NoError(t, err)
	require.Equal(t, orb.Applied, e.ApplySnapshot(alice, 1500, 2))
	require.EqualValues(t, 1300, e.VisibleBalance(alice))
	require.Equal(t, 1, e.Inspect(alice).Pending)
}

func TestSubscribeReceivesInitialAndUpdates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 1)

	sub, err := e.Subscribe(context.Background(), alice)
	require.NoError(t, err)
	require.EqualValues(t, 1000, sub.Initial.Visible)

	_, err = e.Begin(alice, orb.KindBet, -250)
	require.NoError(t, err)

	select {
	case u := <-sub.Updates:
		require.EqualValues(t, 750, u.Visible)
		require.EqualValues(t, 1000, u.Confirmed)
		require.Equal(t, 1, u.Pending)
		require.Equal(t, testStart, u.At)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	e.Unsubscribe(sub.ID)
	_, err = e.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestClampedConfirmReportsAnomaly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 100, 1)

	bet, err := e.Begin(alice, orb.KindBet, -100)
	require.NoError(t, err)
	require.True(t, e.Confirm(bet.ID, ptr(-400)))
	require.Zero(t, e.Inspect(alice).Confirmed)
	require.Len(t, h.anomalies.ofType(orb.AnomalyClampedBalance), 1)
}

func TestJournalReceivesTerminalEntriesAndCheckpoints(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.ApplySnapshot(alice, 1000, 3)

	bet, err := e.Begin(alice, orb.KindBet, -100, WithExpectedServerDelta(-90))
	require.NoError(t, err)
	require.True(t, e.Confirm(bet.ID, ptr(-90)))

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	require.Len(t, h.journal.entries, 1)
	entry := h.journal.entries[0]
	require.Equal(t, string(bet.ID), entry.TxID)
	require.Equal(t, "confirmed", entry.Status)
	require.EqualValues(t, -90, entry.AppliedDelta)
	require.JSONEq(t, `{"expectedServerDelta":-90}`, string(entry.Metadata))

	require.Len(t, h.journal.checkpoints, 2)
	last := h.journal.checkpoints[1]
	require.EqualValues(t, 910, last.Confirmed)
	require.EqualValues(t, 3, last.LastAppliedSequence)
	require.Greater(t, last.Revision, h.journal.checkpoints[0].Revision)
}

func TestRestoreSeedsLedgers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	e := h.engine
	e.Restore([]journalstore.Checkpoint{{PlayerID: "alice", Confirmed: 4200, LastAppliedSequence: 9, Revision: 12}})

	view := e.Inspect(alice)
	require.EqualValues(t, 4200, view.Confirmed)
	require.EqualValues(t, 9, view.LastAppliedSequence)
	require.Equal(t, orb.Discarded, e.ApplySnapshot(alice, 1, 9))
	require.Equal(t, []orb.PlayerID{alice}, e.Players())
}

func TestDispatchRejectsUnknownEvents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.Error(t, h.engine.Dispatch(nil))
	_, err := h.engine.HandleRoomSnapshot(orb.RoomSnapshot{Balance: 1})
	require.Error(t, err)
}
