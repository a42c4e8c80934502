// Package throttle coalesces bursts of progress updates.
package throttle

import (
	"sync"
	"time"
)

// Debouncer delivers at most one payload per interval. Payloads scheduled in
// between replace each other and the latest one is flushed when the trailing
// timer fires. A stale payload is never flushed after a newer one.
type Debouncer[T any] struct {
	interval time.Duration
	flush    func(T)

	mu      sync.Mutex
	pending T
	has     bool
	seq     uint64
	timer   *time.Timer
	stopped bool

	flushMu  sync.Mutex
	flushSeq uint64
}

func NewDebouncer[T any](interval time.Duration, flush func(T)) *Debouncer[T] {
	if interval <= 0 {
		interval = time.Second
	}
	return &Debouncer[T]{interval: interval, flush: flush}
}

// Schedule records v as the pending payload and arms the trailing timer if
// it is not already running.
func (d *Debouncer[T]) Schedule(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = v
	d.has = true
	d.seq++
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.fire)
	}
}

// FlushNow cancels the timer and delivers the pending payload, if any,
// before returning.
func (d *Debouncer[T]) FlushNow() bool {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	v, seq, ok := d.takeLocked()
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.deliver(v, seq)
	return true
}

// Stop drops any pending payload. Later calls to Schedule are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	var zero T
	d.pending = zero
	d.has = false
}

func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	d.timer = nil
	v, seq, ok := d.takeLocked()
	d.mu.Unlock()
	if ok {
		d.deliver(v, seq)
	}
}

func (d *Debouncer[T]) takeLocked() (T, uint64, bool) {
	var zero T
	if !d.has {
		return zero, 0, false
	}
	v := d.pending
	d.pending = zero
	d.has = false
	return v, d.seq, true
}

func (d *Debouncer[T]) deliver(v T, seq uint64) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if seq <= d.flushSeq {
		return
	}
	d.flushSeq = seq
	d.flush(v)
}
