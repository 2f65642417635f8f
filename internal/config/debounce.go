package config

import (
	"sync"
	"time"
)

// Debouncer batches rapid events into a single action after a quiet period.
// Thread-safe for concurrent triggers.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64         // invalidates stale timer fires
	wg       sync.WaitGroup // tracks in-flight actions for shutdown
}

// NewDebouncer creates a debouncer that calls action once the duration has
// passed since the last trigger.
func NewDebouncer(duration time.Duration, action func()) *Debouncer {
	return &Debouncer{
		duration: duration,
		action:   action,
	}
}

// Trigger schedules the action to run after the debounce duration. Repeated
// calls reset the timer so the action fires once after the last trigger.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
	}

	d.seq++
	currentSeq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != currentSeq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		// Unlock before the callback so a panicking action cannot leave
		// the mutex held.
		d.mu.Unlock()

		d.action()
	})
}

// Cancel stops any pending action. It does not wait for an action that is
// already executing.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// CancelAndWait stops any pending action and blocks until an in-flight
// action completes. Used during shutdown.
func (d *Debouncer) CancelAndWait() {
	d.Cancel()
	d.wg.Wait()
}
