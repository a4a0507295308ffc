package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbledger/errs"
)

func TestPoolRunsQueuedTasksBeforeShutdown(t *testing.T) {
	p, err := NewPool(2, 16)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.EqualValues(t, 10, ran.Load())
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	var env *errs.E
	require.ErrorAs(t, err, &env)
	require.Equal(t, errs.CodeUnavailable, env.Code)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	p, err := NewPool(1, 4, WithErrorHandler(func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("kaboom") }))
	require.NoError(t, p.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.EqualError(t, seen[0], "boom")
	require.Contains(t, seen[1].Error(), "kaboom")
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	p.Close()
	p.Close()

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "pool closed")
}

func TestNewPoolRequiresWorkers(t *testing.T) {
	_, err := NewPool(0, 1)
	require.Error(t, err)
}
