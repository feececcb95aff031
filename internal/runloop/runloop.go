// Package runloop provides the single logical thread of control for the sync
// core. Transport callbacks, timers and UI-triggered commands are all posted
// onto one queue and executed by one goroutine, so the reconcilers mutate
// shared state without locking. It also provides a cancel-on-restart debounce
// timer used for typing indicators, the post-join settle delay and
// reconnection backoff.
package runloop

import (
	"sync"
	"time"
)

// Loop executes posted closures serially on a dedicated goroutine.
type Loop struct {
	ch       chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop and starts its goroutine.
func New() *Loop {
	l := &Loop{
		ch:   make(chan func(), 1024),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.ch:
			f()
		}
	}
}

// Post schedules f to run on the loop goroutine. Closures posted after Stop
// are silently dropped, which is what lets torn-down components guarantee
// that no stale callback fires into them.
func (l *Loop) Post(f func()) {
	select {
	case <-l.done:
	case l.ch <- f:
	}
}

// Sync posts a barrier and waits for the loop to reach it. It returns false
// if the loop has been stopped. Intended for shutdown paths and tests.
func (l *Loop) Sync() bool {
	ch := make(chan struct{})
	select {
	case <-l.done:
		return false
	case l.ch <- func() { close(ch) }:
	}
	select {
	case <-l.done:
		return false
	case <-ch:
		return true
	}
}

// Stop terminates the loop goroutine. Queued closures that have not run yet
// are discarded. Safe to call multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Debounce is a trailing-edge timer bound to a Loop. Setting it while a
// previous timer for the same purpose is pending always cancels that timer
// first, so at most one expiry is ever outstanding.
type Debounce struct {
	loop  *Loop
	mu    sync.Mutex
	timer *time.Timer
}

// NewDebounce creates a Debounce that delivers expirations onto the loop.
func NewDebounce(loop *Loop) *Debounce {
	return &Debounce{loop: loop}
}

// Set arms the timer to post f onto the loop after delay, cancelling any
// pending expiry.
func (d *Debounce) Set(delay time.Duration, f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() {
		d.loop.Post(f)
	})
}

// Stop cancels any pending expiry. An expiry whose closure is already queued
// on the loop is not recalled; callers guard against that with generation
// checks.
func (d *Debounce) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
