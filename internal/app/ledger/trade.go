package ledger

import (
	"time"

	"github.com/coachpo/orbledger/internal/domain/orb"
)

type tradeSide struct {
	player orb.PlayerID
	txID   orb.TransactionID
	acked  bool
	actual *int64
}

type tradePair struct {
	id        orb.CorrelationID
	sides     []*tradeSide
	createdAt time.Time
}

func (p *tradePair) complete() bool {
	for _, s := range p.sides {
		if !s.acked {
			return false
		}
	}
	return true
}

func (p *tradePair) anyAcked() bool {
	for _, s := range p.sides {
		if s.acked {
			return true
		}
	}
	return false
}

// deltaFor picks the settlement delta addressed to side idx, matching by player id first.
func (p *tradePair) deltaFor(idx int, ev orb.TradeSettlement) *int64 {
	side := p.sides[idx]
	var v int64
	switch {
	case ev.PlayerA != "" && side.player == ev.PlayerA:
		v = ev.DeltaA
	case ev.PlayerB != "" && side.player == ev.PlayerB:
		v = ev.DeltaB
	case idx == 0:
		v = ev.DeltaA
	default:
		v = ev.DeltaB
	}
	if v == 0 {
		return nil
	}
	return &v
}

// tradeBook tracks open two-party trades by correlation id and by side transaction id.
type tradeBook struct {
	pairs  map[orb.CorrelationID]*tradePair
	bySide map[orb.TransactionID]orb.CorrelationID
}

func newTradeBook() *tradeBook {
	return &tradeBook{
		pairs:  make(map[orb.CorrelationID]*tradePair),
		bySide: make(map[orb.TransactionID]orb.CorrelationID),
	}
}

func (b *tradeBook) open(pair *tradePair) {
	b.pairs[pair.id] = pair
	for _, s := range pair.sides {
		b.bySide[s.txID] = pair.id
	}
}

// lookup resolves ref as either a correlation id or a side transaction id.
// The returned side index is -1 when ref names the whole pair.
func (b *tradeBook) lookup(ref string) (*tradePair, int) {
	if pair, ok := b.pairs[orb.CorrelationID(ref)]; ok {
		return pair, -1
	}
	if corr, ok := b.bySide[orb.TransactionID(ref)]; ok {
		pair := b.pairs[corr]
		for i, s := range pair.sides {
			if s.txID == orb.TransactionID(ref) {
				return pair, i
			}
		}
	}
	return nil, -1
}

func (b *tradeBook) close(pair *tradePair) {
	delete(b.pairs, pair.id)
	for _, s := range pair.sides {
		delete(b.bySide, s.txID)
	}
}

func (b *tradeBook) expired(now time.Time, timeout time.Duration) []*tradePair {
	var out []*tradePair
	for _, pair := range b.pairs {
		if now.Sub(pair.createdAt) >= timeout {
			out = append(out, pair)
		}
	}
	return out
}

func (b *tradeBook) size() int { return len(b.pairs) }
