package balancebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbledger/internal/domain/orb"
)

func update(player orb.PlayerID, visible int64) orb.BalanceUpdate {
	return orb.BalanceUpdate{Player: player, Visible: visible, Confirmed: visible}
}

func recv(t *testing.T, ch <-chan orb.BalanceUpdate) orb.BalanceUpdate {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return orb.BalanceUpdate{}
}

func waitClosed(t *testing.T, ch <-chan orb.BalanceUpdate) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestPublishRoutesByPlayer(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	_, alice, err := bus.Subscribe(context.Background(), "alice")
	require.NoError(t, err)
	_, alice2, err := bus.Subscribe(context.Background(), "alice")
	require.NoError(t, err)
	_, bob, err := bus.Subscribe(context.Background(), "bob")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), update("alice", 100)))

	require.EqualValues(t, 100, recv(t, alice).Visible)
	require.EqualValues(t, 100, recv(t, alice2).Visible)
	select {
	case u := <-bob:
		t.Fatalf("bob received foreign update %+v", u)
	default:
	}
}

func TestFullBufferKeepsLatest(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	_, ch, err := bus.Subscribe(context.Background(), "alice")
	require.NoError(t, err)

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, bus.Publish(context.Background(), update("alice", v)))
	}

	first := recv(t, ch)
	second := recv(t, ch)
	require.EqualValues(t, 4, first.Visible)
	require.EqualValues(t, 5, second.Visible)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), "alice")
	require.NoError(t, err)
	bus.Unsubscribe(id)
	waitClosed(t, ch)

	require.NoError(t, bus.Publish(context.Background(), update("alice", 1)))
}

func TestContextCancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, "alice")
	require.NoError(t, err)
	cancel()
	waitClosed(t, ch)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background(), "alice")
	require.NoError(t, err)

	bus.Close()
	bus.Close()
	waitClosed(t, ch)

	require.Error(t, bus.Publish(context.Background(), update("alice", 1)))
	_, _, err = bus.Subscribe(context.Background(), "alice")
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	require.Error(t, bus.Publish(context.Background(), orb.BalanceUpdate{}))
	_, _, err := bus.Subscribe(context.Background(), "")
	require.Error(t, err)
}
