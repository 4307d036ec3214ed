// Package track buffers open-pixel and link-click hits and folds them into stored post stats.
package track

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period after the last hit before a queue flushes.
const DefaultDelay = 10 * time.Second

// Timer is a cancellable scheduled call.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the debounce contract can be tested without waiting.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// State is the debouncer state.
type State int

// Debouncer states.
const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Debouncer runs fn once after a quiet period. Every Touch cancels the pending run and re-arms it,
// so under continuous load the run is deferred until hits stop.
type Debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu       sync.Mutex
	state    State
	deadline time.Time
	timer    Timer
	gen      uint64
	stopped  bool
}

// NewDebouncer creates an idle debouncer.
func NewDebouncer(clock Clock, delay time.Duration, fn func()) *Debouncer {
	if clock == nil {
		clock = realClock{}
	}
	return &Debouncer{clock: clock, delay: delay, fn: fn}
}

// Touch moves the debouncer to Pending with a fresh deadline.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.state = Pending
	d.deadline = d.clock.Now().Add(d.delay)
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// State returns the current state and, when Pending, the deadline.
func (d *Debouncer) State() (State, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.deadline
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A Touch after this timer was scheduled supersedes it.
	if gen != d.gen || d.state != Pending {
		d.mu.Unlock()
		return
	}
	d.state = Idle
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Flush cancels any pending run and runs fn now if something was pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	d.state = Idle
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Stop cancels any pending run and ignores further touches.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	d.state = Idle
	d.timer = nil
	d.stopped = true
}
