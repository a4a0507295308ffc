// Package ledger implements optimistic balance reconciliation for orb currency.
//
// An Engine hosts one BalanceLedger, Tracker and SnapshotGate per player. Every mutation runs
// under a single engine lock; balance updates, anomalies and journal records produced by a
// mutation are flushed in order after the lock is released.
package ledger

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/journalstore"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/bus/balancebus"
	"github.com/coachpo/orbledger/internal/infra/scheduler"
	"github.com/coachpo/orbledger/internal/observability"
)

// Config tunes engine timeouts and matching.
type Config struct {
	Timeout           time.Duration
	TradeTimeout      time.Duration
	SweepInterval     time.Duration
	CorrelationWindow time.Duration
	MatchTolerance    decimal.Decimal
	SequenceSource    SequenceSource
	ResolvedHistory   int
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		TradeTimeout:      15 * time.Second,
		SweepInterval:     time.Second,
		CorrelationWindow: 5 * time.Second,
		MatchTolerance:    decimal.Zero,
		SequenceSource:    SequenceServer,
		ResolvedHistory:   1024,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.TradeTimeout <= 0 {
		c.TradeTimeout = def.TradeTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = def.CorrelationWindow
	}
	if c.MatchTolerance.IsNegative() {
		c.MatchTolerance = decimal.Zero
	}
	if !c.SequenceSource.Valid() {
		c.SequenceSource = def.SequenceSource
	}
	if c.ResolvedHistory <= 0 {
		c.ResolvedHistory = def.ResolvedHistory
	}
	return c
}

// Outbound dispatches action frames to the authoritative server.
type Outbound interface {
	Send(ctx context.Context, frame orb.ActionFrame) error
}

// Journal receives terminal transactions and confirmed-state checkpoints. Calls must not block.
type Journal interface {
	Record(entry journalstore.Entry)
	Checkpoint(cp journalstore.Checkpoint)
}

// AnomalyHandler observes anomaly reports.
type AnomalyHandler func(orb.Anomaly)

// Subscription is a consumer's handle on a player's visible balance.
type Subscription struct {
	ID      balancebus.SubscriptionID
	Updates <-chan orb.BalanceUpdate
	Initial orb.BalanceUpdate
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler injects the clock and scheduler used for timestamps and sweeps.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sched = s
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l observability.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBus sets the bus balance updates are published on.
func WithBus(b balancebus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithJournal attaches a journal sink.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithOutbound attaches the transport used by Act.
func WithOutbound(o Outbound) Option {
	return func(e *Engine) { e.outbound = o }
}

// WithAnomalyHandler registers a callback for anomaly reports.
func WithAnomalyHandler(h AnomalyHandler) Option {
	return func(e *Engine) { e.anomalies = h }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

type session struct {
	ledger       *BalanceLedger
	tracker      *Tracker
	gate         *SnapshotGate
	clock        *LogicalClock
	checkpointed uint64
}

type effects struct {
	updates     map[orb.PlayerID]orb.BalanceUpdate
	order       []orb.PlayerID
	anomalies   []orb.Anomaly
	entries     []journalstore.Entry
	checkpoints map[orb.PlayerID]journalstore.Checkpoint
}

func newEffects() *effects {
	return &effects{
		updates:     make(map[orb.PlayerID]orb.BalanceUpdate),
		checkpoints: make(map[orb.PlayerID]journalstore.Checkpoint),
	}
}

// Engine reconciles the balances of any number of players.
type Engine struct {
	cfg       Config
	sched     scheduler.Scheduler
	logger    observability.Logger
	bus       balancebus.Bus
	ownsBus   bool
	journal   Journal
	outbound  Outbound
	anomalies AnomalyHandler
	newID     func() string
	metrics   *ledgerMetrics

	mu       sync.Mutex
	flushMu  sync.Mutex
	sessions map[orb.PlayerID]*session
	txIndex  map[orb.TransactionID]orb.PlayerID
	resolved *boundedIndex[orb.TransactionID, orb.Transaction]
	pairs    *boundedIndex[orb.CorrelationID, orb.Status]
	trades   *tradeBook
	batch    *effects

	sweepMu sync.Mutex
	sweep   scheduler.Handle
}

// NewEngine constructs an engine. Without WithBus it owns a private in-memory bus.
func NewEngine(cfg Config, opts ...Option) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		sched:    scheduler.NewReal(),
		logger:   observability.Log(),
		newID:    uuid.NewString,
		metrics:  newLedgerMetrics(),
		sessions: make(map[orb.PlayerID]*session),
		txIndex:  make(map[orb.TransactionID]orb.PlayerID),
		resolved: newBoundedIndex[orb.TransactionID, orb.Transaction](cfg.ResolvedHistory),
		pairs:    newBoundedIndex[orb.CorrelationID, orb.Status](cfg.ResolvedHistory),
		trades:   newTradeBook(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.bus == nil {
		e.bus = balancebus.NewMemoryBus(balancebus.MemoryConfig{})
		e.ownsBus = true
	}
	return e
}

// Config returns the normalised engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start schedules the periodic timeout sweep.
func (e *Engine) Start() {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweep != nil {
		return
	}
	e.sweep = e.sched.Every(e.cfg.SweepInterval, e.Sweep)
}

// Stop cancels the sweep and releases an engine-owned bus.
func (e *Engine) Stop() {
	e.sweepMu.Lock()
	if e.sweep != nil {
		e.sweep.Stop()
		e.sweep = nil
	}
	e.sweepMu.Unlock()
	if e.ownsBus {
		e.bus.Close()
	}
}

// VisibleBalance returns the balance consumers should display for player.
func (e *Engine) VisibleBalance(player orb.PlayerID) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[player]; ok {
		return s.ledger.VisibleBalance()
	}
	return 0
}

// Inspect returns a read-only view of player's ledger.
func (e *Engine) Inspect(player orb.PlayerID) orb.LedgerView {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := orb.LedgerView{Player: player}
	s, ok := e.sessions[player]
	if !ok {
		return view
	}
	view.Confirmed = s.ledger.Confirmed()
	view.Visible = s.ledger.VisibleBalance()
	view.LastAppliedSequence, _ = s.ledger.LastAppliedSequence()
	view.Pending = s.ledger.PendingCount()
	view.Clock = s.clock.Now()
	return view
}

// Transaction looks up a pending or recently resolved transaction.
func (e *Engine) Transaction(id orb.TransactionID) (orb.Transaction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if player, ok := e.txIndex[id]; ok {
		return e.sessions[player].tracker.Lookup(id)
	}
	return e.resolved.get(id)
}

// Players lists every player the engine currently hosts.
func (e *Engine) Players() []orb.PlayerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]orb.PlayerID, 0, len(e.sessions))
	for p := range e.sessions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers a consumer for player's balance updates.
func (e *Engine) Subscribe(ctx context.Context, player orb.PlayerID) (Subscription, error) {
	if player == "" {
		return Subscription{}, invalidRequest("ledger/subscribe", "player required")
	}
	// Same lock order as exec; waiting on flushMu lets an in-flight flush finish so no
	// update older than Initial reaches the channel.
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	id, ch, err := e.bus.Subscribe(ctx, player)
	if err != nil {
		return Subscription{}, err
	}
	initial := e.sessionLocked(player).ledger.Update()
	initial.At = e.sched.Now()
	return Subscription{ID: id, Updates: ch, Initial: initial}, nil
}

// Unsubscribe removes a consumer subscription.
func (e *Engine) Unsubscribe(id balancebus.SubscriptionID) {
	e.bus.Unsubscribe(id)
}

// Begin creates a pending transaction for player.
func (e *Engine) Begin(player orb.PlayerID, kind orb.Kind, delta int64, opts ...BeginOption) (orb.Transaction, error) {
	if player == "" {
		return orb.Transaction{}, invalidRequest("ledger/begin", "player required")
	}
	var tx orb.Transaction
	err := e.exec(func() error {
		var err error
		tx, err = e.sessionLocked(player).tracker.Begin(kind, delta, opts...)
		return err
	})
	return tx, err
}

// Confirm resolves a pending transaction with the actual server delta, or the predicted one when nil.
// It reports false when id is not pending.
func (e *Engine) Confirm(id orb.TransactionID, actual *int64) bool {
	ok := false
	_ = e.exec(func() error {
		ok = e.confirmLocked(id, actual)
		return nil
	})
	return ok
}

// ConfirmByKindAndAmount matches an id-less server delta against player's pending transactions.
func (e *Engine) ConfirmByKindAndAmount(player orb.PlayerID, kind orb.Kind, amount int64, within time.Duration) (orb.Transaction, bool) {
	var (
		tx orb.Transaction
		ok bool
	)
	_ = e.exec(func() error {
		if within <= 0 {
			within = e.cfg.CorrelationWindow
		}
		tx, ok = e.sessionLocked(player).tracker.ConfirmByKindAndAmount(kind, amount, within)
		return nil
	})
	return tx, ok
}

// Reject resolves a pending transaction without applying it. Rejecting a trade side rejects the pair.
func (e *Engine) Reject(id orb.TransactionID, reason orb.Reason) bool {
	ok := false
	_ = e.exec(func() error {
		ok = e.rejectLocked(id, reason)
		return nil
	})
	return ok
}

// Cancel rejects a pending transaction on behalf of its initiator.
func (e *Engine) Cancel(id orb.TransactionID) error {
	return e.exec(func() error {
		if !e.rejectLocked(id, orb.ReasonCancelled) {
			return unknownTransaction("ledger/cancel", id)
		}
		return nil
	})
}

// ApplySnapshot offers an authoritative balance to player's gate.
func (e *Engine) ApplySnapshot(player orb.PlayerID, value int64, sequence uint64) orb.ApplyResult {
	var result orb.ApplyResult
	_ = e.exec(func() error {
		result = e.applySnapshotLocked(player, value, sequence)
		return nil
	})
	return result
}

// Sweep expires transactions and trade pairs that outlived their timeouts.
func (e *Engine) Sweep() {
	_ = e.exec(func() error {
		e.sweepLocked(e.sched.Now())
		return nil
	})
}

// Restore seeds ledgers from persisted checkpoints. Existing pending transactions are untouched.
func (e *Engine) Restore(checkpoints []journalstore.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range checkpoints {
		if cp.PlayerID == "" {
			continue
		}
		s := e.sessionLocked(orb.PlayerID(cp.PlayerID))
		s.ledger.Restore(cp.Confirmed, cp.LastAppliedSequence, cp.Revision)
		s.checkpointed = cp.Revision
		if e.cfg.SequenceSource == SequenceLogical {
			s.clock.Seed(cp.LastAppliedSequence)
		}
	}
}

// Act begins the transactions for a local action and dispatches it to the server.
// Affordability failures return before anything is created or sent.
func (e *Engine) Act(ctx context.Context, action orb.Action) (orb.ActionReceipt, error) {
	var (
		receipt orb.ActionReceipt
		frame   orb.ActionFrame
	)
	err := e.exec(func() error {
		var err error
		receipt, frame, err = e.beginActionLocked(action)
		return err
	})
	if err != nil {
		return orb.ActionReceipt{}, err
	}
	if e.outbound == nil {
		return receipt, nil
	}
	if sendErr := e.outbound.Send(ctx, frame); sendErr != nil {
		e.logger.Warn("action dispatch failed",
			observability.F("player", action.Player),
			observability.F("txId", frame.TxID),
			observability.F("error", sendErr))
		_ = e.exec(func() error {
			e.rejectLocked(frame.TxID, orb.ReasonSendFailed)
			return nil
		})
		return receipt, errs.New("ledger/act", errs.CodeUnavailable,
			errs.WithHTTP(http.StatusServiceUnavailable),
			errs.WithMessage("action could not be dispatched"),
			errs.WithField("txId", string(frame.TxID)),
			errs.WithCause(sendErr))
	}
	return receipt, nil
}

func (e *Engine) beginActionLocked(action orb.Action) (orb.ActionReceipt, orb.ActionFrame, error) {
	if action.Player == "" {
		return orb.ActionReceipt{}, orb.ActionFrame{}, invalidRequest("ledger/act", "player required")
	}
	kind := action.Type.Kind()
	if kind == "" {
		return orb.ActionReceipt{}, orb.ActionFrame{}, invalidRequest("ledger/act", "unsupported action",
			errs.WithCanonicalCode(errs.CanonicalInvalidKind),
			errs.WithField("action", string(action.Type)))
	}
	if action.Type == orb.ActionProposeTrade {
		return e.beginTradeLocked(action)
	}
	if action.Amount <= 0 {
		return orb.ActionReceipt{}, orb.ActionFrame{}, invalidRequest("ledger/act", "amount must be positive",
			errs.WithCanonicalCode(errs.CanonicalInvalidAmount))
	}
	delta := action.Amount
	if action.Type.Debits() {
		delta = -delta
	}
	var opts []BeginOption
	if action.ExpectedServerDelta != nil {
		opts = append(opts, WithExpectedServerDelta(*action.ExpectedServerDelta))
	}
	s := e.sessionLocked(action.Player)
	tx, err := s.tracker.Begin(kind, delta, opts...)
	if err != nil {
		return orb.ActionReceipt{}, orb.ActionFrame{}, err
	}
	receipt := orb.ActionReceipt{TxID: tx.ID, Sequence: tx.Sequence, Visible: s.ledger.VisibleBalance()}
	return receipt, frameFor(action, tx), nil
}

// beginTradeLocked opens both sides of a trade or neither.
// Amount moves from the initiator to the counterparty, CounterAmount the other way.
func (e *Engine) beginTradeLocked(action orb.Action) (orb.ActionReceipt, orb.ActionFrame, error) {
	if action.Counterparty == "" || action.Counterparty == action.Player {
		return orb.ActionReceipt{}, orb.ActionFrame{}, invalidRequest("ledger/act", "trade requires a distinct counterparty")
	}
	if action.Amount < 0 || action.CounterAmount < 0 || action.Amount == action.CounterAmount {
		return orb.ActionReceipt{}, orb.ActionFrame{}, invalidRequest("ledger/act", "trade must move a non-zero net amount",
			errs.WithCanonicalCode(errs.CanonicalInvalidAmount))
	}
	deltaA := action.CounterAmount - action.Amount
	deltaB := -deltaA

	a := e.sessionLocked(action.Player)
	b := e.sessionLocked(action.Counterparty)
	if visible := a.ledger.VisibleBalance(); deltaA < 0 && visible+deltaA < 0 {
		return orb.ActionReceipt{}, orb.ActionFrame{}, insufficientBalance(action.Player, orb.KindTrade, visible, deltaA)
	}
	if visible := b.ledger.VisibleBalance(); deltaB < 0 && visible+deltaB < 0 {
		return orb.ActionReceipt{}, orb.ActionFrame{}, insufficientBalance(action.Counterparty, orb.KindTrade, visible, deltaB)
	}

	corr := orb.CorrelationID(e.newID())
	txA, err := a.tracker.Begin(orb.KindTrade, deltaA, WithCorrelation(corr))
	if err != nil {
		return orb.ActionReceipt{}, orb.ActionFrame{}, err
	}
	txB, err := b.tracker.Begin(orb.KindTrade, deltaB, WithCorrelation(corr))
	if err != nil {
		a.tracker.Reject(txA.ID, orb.ReasonCancelled)
		return orb.ActionReceipt{}, orb.ActionFrame{}, err
	}
	e.trades.open(&tradePair{
		id:        corr,
		createdAt: txA.CreatedAt,
		sides: []*tradeSide{
			{player: action.Player, txID: txA.ID},
			{player: action.Counterparty, txID: txB.ID},
		},
	})
	receipt := orb.ActionReceipt{
		TxID:          txA.ID,
		CounterTxID:   txB.ID,
		CorrelationID: corr,
		Sequence:      txA.Sequence,
		Visible:       a.ledger.VisibleBalance(),
	}
	return receipt, frameFor(action, txA), nil
}

func frameFor(action orb.Action, tx orb.Transaction) orb.ActionFrame {
	return orb.ActionFrame{
		Action:        action.Type,
		TxID:          tx.ID,
		CorrelationID: tx.CorrelationID,
		Player:        tx.Player,
		Kind:          tx.Kind,
		Delta:         tx.Delta,
		Sequence:      tx.Sequence,
		Ref:           action.Ref,
	}
}

func (e *Engine) confirmLocked(id orb.TransactionID, actual *int64) bool {
	player, ok := e.txIndex[id]
	if !ok {
		return false
	}
	if pair, idx := e.trades.lookup(string(id)); pair != nil {
		e.ackSideLocked(pair, idx, actual)
		return true
	}
	_, ok = e.sessions[player].tracker.Confirm(id, actual)
	return ok
}

func (e *Engine) rejectLocked(id orb.TransactionID, reason orb.Reason) bool {
	player, ok := e.txIndex[id]
	if !ok {
		return false
	}
	if pair, _ := e.trades.lookup(string(id)); pair != nil {
		e.rejectPairLocked(pair, orb.StatusRejected, reason)
		return true
	}
	_, ok = e.sessions[player].tracker.Reject(id, reason)
	return ok
}

func (e *Engine) applySnapshotLocked(player orb.PlayerID, value int64, sequence uint64) orb.ApplyResult {
	result, covered := e.sessionLocked(player).gate.Apply(value, sequence)
	for _, tx := range covered {
		if pair, idx := e.trades.lookup(string(tx.ID)); pair != nil && idx >= 0 {
			e.ackSideLocked(pair, idx, nil)
			continue
		}
		// orphaned side: nothing left to pair it with
		e.sessions[player].tracker.Confirm(tx.ID, nil)
	}
	return result
}

func (e *Engine) ackSideLocked(pair *tradePair, idx int, actual *int64) {
	side := pair.sides[idx]
	side.acked = true
	if actual != nil {
		side.actual = actual
	}
	if pair.complete() {
		e.confirmPairLocked(pair)
	}
}

func (e *Engine) confirmPairLocked(pair *tradePair) {
	e.trades.close(pair)
	for _, side := range pair.sides {
		if s, ok := e.sessions[side.player]; ok {
			s.tracker.Confirm(side.txID, side.actual)
		}
	}
	e.pairs.put(pair.id, orb.StatusConfirmed)
}

func (e *Engine) rejectPairLocked(pair *tradePair, status orb.Status, reason orb.Reason) {
	e.trades.close(pair)
	for _, side := range pair.sides {
		s, ok := e.sessions[side.player]
		if !ok {
			continue
		}
		if status == orb.StatusExpired {
			s.tracker.Expire(side.txID)
		} else {
			s.tracker.Reject(side.txID, reason)
		}
	}
	e.pairs.put(pair.id, status)
}

func (e *Engine) sweepLocked(now time.Time) {
	for _, pair := range e.trades.expired(now, e.cfg.TradeTimeout) {
		if !pair.anyAcked() {
			e.rejectPairLocked(pair, orb.StatusExpired, orb.ReasonTimeout)
			continue
		}
		age := now.Sub(pair.createdAt)
		for _, side := range pair.sides {
			e.logger.Warn("trade settled on one side only; rejecting both",
				observability.F("player", side.player),
				observability.F("txId", side.txID),
				observability.F("correlationId", pair.id),
				observability.F("acked", side.acked),
				observability.F("age", age.String()))
			e.anomalyRaised(orb.Anomaly{
				Type:   orb.AnomalySplitTrade,
				Player: side.player,
				TxID:   side.txID,
				TxKind: orb.KindTrade,
				Age:    age,
				Detail: "counterparty settlement missing before timeout",
				At:     now,
			})
		}
		e.rejectPairLocked(pair, orb.StatusRejected, orb.ReasonSplitTrade)
	}

	players := make([]orb.PlayerID, 0, len(e.sessions))
	for p := range e.sessions {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	for _, p := range players {
		e.sessions[p].tracker.SweepExpired(now, e.cfg.Timeout, e.cfg.TradeTimeout)
	}
}

func (e *Engine) sessionLocked(player orb.PlayerID) *session {
	if s, ok := e.sessions[player]; ok {
		return s
	}
	s := &session{clock: new(LogicalClock)}
	s.ledger = NewBalanceLedger(player, func(update orb.BalanceUpdate) {
		e.ledgerChanged(s, update)
	})
	s.tracker = &Tracker{
		ledger:    s.ledger,
		clock:     s.clock,
		now:       e.sched.Now,
		newID:     func() orb.TransactionID { return orb.TransactionID(e.newID()) },
		tolerance: e.cfg.MatchTolerance,
		logger:    e.logger,
		hooks:     e,
		resolved:  e.resolved,
	}
	s.gate = &SnapshotGate{
		ledger:  s.ledger,
		tracker: s.tracker,
		clock:   s.clock,
		source:  e.cfg.SequenceSource,
		logger:  e.logger,
		hooks:   e,
		now:     e.sched.Now,
	}
	e.sessions[player] = s
	return s
}

// exec runs fn under the engine lock and flushes the effects it produced, in order, outside it.
func (e *Engine) exec(fn func() error) error {
	e.mu.Lock()
	e.batch = newEffects()
	err := fn()
	batch := e.batch
	e.batch = nil
	e.flushMu.Lock()
	e.mu.Unlock()
	defer e.flushMu.Unlock()
	e.flush(batch)
	return err
}

func (e *Engine) flush(b *effects) {
	if b == nil {
		return
	}
	now := e.sched.Now()
	for _, player := range b.order {
		update := b.updates[player]
		update.At = now
		e.metrics.recordVisible(update)
		if err := e.bus.Publish(context.Background(), update); err != nil {
			e.logger.Debug("balance update not published",
				observability.F("player", player),
				observability.F("error", err))
		}
	}
	if e.anomalies != nil {
		for _, a := range b.anomalies {
			e.anomalies(a)
		}
	}
	if e.journal == nil {
		return
	}
	for _, entry := range b.entries {
		e.journal.Record(entry)
	}
	for _, player := range b.order {
		if cp, ok := b.checkpoints[player]; ok {
			cp.UpdatedAt = now
			e.journal.Checkpoint(cp)
		}
	}
}

func (e *Engine) ledgerChanged(s *session, update orb.BalanceUpdate) {
	if e.batch == nil {
		return
	}
	player := update.Player
	if _, seen := e.batch.updates[player]; !seen {
		e.batch.order = append(e.batch.order, player)
	}
	e.batch.updates[player] = update
	if rev := s.ledger.Revision(); rev != s.checkpointed {
		s.checkpointed = rev
		seq, _ := s.ledger.LastAppliedSequence()
		e.batch.checkpoints[player] = journalstore.Checkpoint{
			PlayerID:            string(player),
			Confirmed:           s.ledger.Confirmed(),
			LastAppliedSequence: seq,
			Revision:            rev,
		}
	}
}

func (e *Engine) transactionBegun(tx orb.Transaction) {
	e.txIndex[tx.ID] = tx.Player
	e.metrics.recordBegun(tx)
}

func (e *Engine) transactionResolved(tx orb.Transaction) {
	delete(e.txIndex, tx.ID)
	e.metrics.recordResolved(tx)
	if e.batch != nil {
		e.batch.entries = append(e.batch.entries, journalEntry(tx))
	}
}

func (e *Engine) anomalyRaised(a orb.Anomaly) {
	e.metrics.recordAnomaly(a)
	if e.batch != nil {
		e.batch.anomalies = append(e.batch.anomalies, a)
	}
}

func (e *Engine) deltaMismatch(tx orb.Transaction, _ int64) {
	e.metrics.recordMismatch(tx)
}

func (e *Engine) snapshotApplied(orb.PlayerID, uint64) {
	e.metrics.recordSnapshot(true)
}

func (e *Engine) snapshotDiscarded(orb.PlayerID, uint64, uint64) {
	e.metrics.recordSnapshot(false)
}
