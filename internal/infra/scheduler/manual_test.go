package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualAfterFuncFiresOnceWhenDue(t *testing.T) {
	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	fired := 0
	m.AfterFunc(5*time.Second, func() { fired++ })

	m.Advance(4 * time.Second)
	require.Equal(t, 0, fired)

	m.Advance(time.Second)
	require.Equal(t, 1, fired)
	require.Equal(t, start.Add(5*time.Second), m.Now())

	m.Advance(time.Minute)
	require.Equal(t, 1, fired)
	require.Zero(t, m.Pending())
}

func TestManualEveryFiresPerInterval(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var seen []time.Time
	h := m.Every(time.Second, func() { seen = append(seen, m.Now()) })

	m.Advance(3500 * time.Millisecond)
	require.Len(t, seen, 3)
	require.Equal(t, time.Unix(2, 0), seen[1])

	require.True(t, h.Stop())
	require.False(t, h.Stop())
	m.Advance(5 * time.Second)
	require.Len(t, seen, 3)
}

func TestManualFiresInDueOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	m.AfterFunc(time.Second, func() { order = append(order, "early") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "mid") })

	m.Advance(10 * time.Second)
	require.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestManualCallbackMaySchedule(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := 0
	m.AfterFunc(time.Second, func() {
		fired++
		m.AfterFunc(time.Second, func() { fired++ })
	})

	m.Advance(3 * time.Second)
	require.Equal(t, 2, fired)
}

func TestRealEveryStops(t *testing.T) {
	ticks := make(chan struct{}, 8)
	h := NewReal().Every(5*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("expected at least one tick")
	}
	require.True(t, h.Stop())
	require.False(t, h.Stop())
}
