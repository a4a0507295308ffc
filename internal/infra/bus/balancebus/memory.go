package balancebus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbledger/errs"
	"github.com/coachpo/orbledger/internal/domain/orb"
	"github.com/coachpo/orbledger/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the balance bus.
// A full subscriber buffer drops its oldest update, so slow consumers always converge on the latest value.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[orb.PlayerID]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan orb.BalanceUpdate
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed balance bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[orb.PlayerID]map[SubscriptionID]*subscriber)

	meter := otel.Meter("balancebus")
	bus.publishedCounter, _ = meter.Int64Counter("balancebus.updates.published",
		metric.WithDescription("Number of balance updates published to the bus"),
		metric.WithUnit("{update}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("balancebus.subscribers",
		metric.WithDescription("Number of active balance subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("balancebus.updates.dropped",
		metric.WithDescription("Number of stale updates dropped due to subscriber backpressure"),
		metric.WithUnit("{update}"))
	return bus
}

// Publish fans the update out to every subscriber of its player. It never blocks on consumers.
func (b *MemoryBus) Publish(ctx context.Context, update orb.BalanceUpdate) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if update.Player == "" {
		return errs.New("balancebus/publish", errs.CodeInvalid, errs.WithMessage("player required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("balancebus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.RLock()
	subMap := b.subscribers[update.Player]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), telemetry.EventTypeBalanceBroadcast)...))
	}
	if len(subs) == 0 {
		return nil
	}
	if len(subs) == 1 {
		b.deliver(ctx, subs[0], update)
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() {
			b.deliver(ctx, sub, update)
		})
	}
	p.Wait()
	return nil
}

// Subscribe registers for updates of the given player and returns a subscription ID and channel.
// The channel closes when ctx is cancelled, the subscription is removed or the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, player orb.PlayerID) (SubscriptionID, <-chan orb.BalanceUpdate, error) {
	if player == "" {
		return "", nil, errs.New("balancebus/subscribe", errs.CodeInvalid, errs.WithMessage("player required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("balancebus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ctx: ctx, cancel: cancel, ch: make(chan orb.BalanceUpdate, b.cfg.BufferSize)}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[player]; !ok {
		b.subscribers[player] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[player][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(player, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	var found *subscriber
	for _, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			found = sub
			break
		}
	}
	b.mu.RUnlock()
	if found != nil {
		found.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		all := make([]*subscriber, 0)
		for _, subs := range b.subscribers {
			for _, sub := range subs {
				all = append(all, sub)
			}
		}
		b.mu.Unlock()
		for _, sub := range all {
			sub.cancel()
		}
	})
}

func (b *MemoryBus) observe(player orb.PlayerID, id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	removed := false
	if subs := b.subscribers[player]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, player)
			}
		}
	}
	b.mu.Unlock()
	if removed && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	sub.close()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, update orb.BalanceUpdate) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- update:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	log.Printf("balancebus: subscriber buffer full; dropped oldest update player=%s", update.Player)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	select {
	case sub.ch <- update:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
