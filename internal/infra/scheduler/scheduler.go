// Package scheduler provides injectable clocks and cancellable scheduled tasks.
package scheduler

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Handle cancels a scheduled task.
type Handle interface {
	// Stop prevents future executions. It reports whether the task was still scheduled.
	Stop() bool
}

// Scheduler runs callbacks after a delay or on a fixed period.
type Scheduler interface {
	Clock
	AfterFunc(d time.Duration, fn func()) Handle
	Every(interval time.Duration, fn func()) Handle
}

// Real is a Scheduler backed by the runtime timers.
type Real struct{}

// NewReal returns the wall-clock scheduler.
func NewReal() Real { return Real{} }

// Now returns time.Now.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc schedules fn once after d.
func (Real) AfterFunc(d time.Duration, fn func()) Handle {
	return &timerHandle{timer: time.AfterFunc(d, fn)}
}

// Every runs fn on a ticker until the handle is stopped.
func (Real) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	h := &tickerHandle{ticker: time.NewTicker(interval), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-h.ticker.C:
				fn()
			}
		}
	}()
	return h
}

type timerHandle struct {
	timer *time.Timer
}

func (h *timerHandle) Stop() bool { return h.timer.Stop() }

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Stop() bool {
	stopped := false
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
		stopped = true
	})
	return stopped
}
