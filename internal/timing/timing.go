// Package timing holds the small timer primitives shared by the engines:
// a debounced single-slot scheduler and a bumpable timeout.
package timing

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
)

// OnceDelayed runs at most one scheduled function at a time. Scheduling again
// cancels whatever was pending, so a burst of Schedule calls collapses into a
// single run delay after the last one.
type OnceDelayed struct {
	clock clock.Clock

	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
}

func NewOnceDelayed(c clock.Clock) *OnceDelayed {
	if c == nil {
		c = clock.Real()
	}
	return &OnceDelayed{clock: c}
}

func (d *OnceDelayed) Schedule(delay time.Duration, fn func()) {
	d.mu.Lock()
	d.timer.Stop()
	d.gen++
	gen := d.gen
	d.timer = nil
	ran := false
	d.mu.Unlock()

	t := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		current := gen == d.gen
		if current {
			d.timer = nil
			ran = true
		}
		d.mu.Unlock()
		if current {
			fn()
		}
	})

	d.mu.Lock()
	if gen == d.gen && !ran {
		d.timer = t
	}
	d.mu.Unlock()
}

// Cancel drops the pending function, if any.
func (d *OnceDelayed) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timer.Stop()
	d.timer = nil
	d.gen++
}

// Pending reports whether a function is scheduled and has not run yet.
func (d *OnceDelayed) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// BumpableTimeout calls onTimeout once the configured duration passes
// without a Bump. Clear disarms it for good.
type BumpableTimeout struct {
	delayed   *OnceDelayed
	timeout   time.Duration
	onTimeout func()

	mu      sync.Mutex
	cleared bool
}

func NewBumpableTimeout(c clock.Clock, timeout time.Duration, onTimeout func()) *BumpableTimeout {
	b := &BumpableTimeout{
		delayed:   NewOnceDelayed(c),
		timeout:   timeout,
		onTimeout: onTimeout,
	}
	b.delayed.Schedule(timeout, onTimeout)
	return b
}

func (b *BumpableTimeout) Bump() {
	b.mu.Lock()
	cleared := b.cleared
	b.mu.Unlock()
	if cleared {
		return
	}
	b.delayed.Schedule(b.timeout, b.onTimeout)
}

func (b *BumpableTimeout) Clear() {
	b.mu.Lock()
	b.cleared = true
	b.mu.Unlock()
	b.delayed.Cancel()
}
