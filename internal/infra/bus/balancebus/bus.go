// Package balancebus fans visible balance updates out to per-player subscribers.
package balancebus

import (
	"context"

	"github.com/coachpo/orbledger/internal/domain/orb"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers balance updates to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, update orb.BalanceUpdate) error
	Subscribe(ctx context.Context, player orb.PlayerID) (SubscriptionID, <-chan orb.BalanceUpdate, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
