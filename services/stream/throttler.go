// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"sync"
	"time"
)

// DefaultThrottleWindow is the minimum spacing between consumer-visible
// phase emissions.
const DefaultThrottleWindow = 500 * time.Millisecond

// Throttler coalesces a high-frequency phase sequence down to at most one
// emission per window.
//
// Description:
//
//	If a window has elapsed since the last emission, Notify emits
//	immediately and resets the clock. Otherwise the phase is stored as
//	pending and a single timer is armed for the remaining window time;
//	when it fires, the latest pending phase is emitted. Intermediate
//	values inside a window are dropped — only the most recent survives.
//
//	This protects the rendering path only. Callers that need every event
//	(command-history bookkeeping) must record before throttling.
//
// Thread Safety: Throttler is safe for concurrent use. The emit callback
// is invoked without the internal lock held and never after Stop returns
// a pending flush (a timer already in flight may race Stop by design of
// time.AfterFunc; the stopped flag suppresses its emission).
type Throttler struct {
	mu      sync.Mutex
	window  time.Duration
	emit    func(Phase)
	last    time.Time
	pending *Phase
	timer   *time.Timer
	stopped bool

	// now is swappable for tests.
	now func() time.Time
}

// NewThrottler creates a throttler that forwards to emit. A non-positive
// window falls back to DefaultThrottleWindow.
func NewThrottler(window time.Duration, emit func(Phase)) *Throttler {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttler{
		window: window,
		emit:   emit,
		now:    time.Now,
	}
}

// Notify offers a phase to the consumer. Calls arbitrarily often; the
// consumer sees at most one phase per window.
func (t *Throttler) Notify(phase Phase) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := t.now()
	elapsed := now.Sub(t.last)
	if t.last.IsZero() || elapsed >= t.window {
		t.last = now
		t.pending = nil
		t.mu.Unlock()
		t.emit(phase)
		return
	}

	// Inside the window: coalesce to the latest value and make sure one
	// flush is armed for the remainder.
	p := phase
	t.pending = &p
	if t.timer == nil {
		t.timer = time.AfterFunc(t.window-elapsed, t.flush)
	}
	t.mu.Unlock()
}

// flush emits the pending phase when the window expires.
func (t *Throttler) flush() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped || t.pending == nil {
		t.mu.Unlock()
		return
	}
	phase := *t.pending
	t.pending = nil
	t.last = t.now()
	t.mu.Unlock()
	t.emit(phase)
}

// Stop cancels any pending flush. After Stop, no further emissions occur.
// Must be called on teardown so a dangling timer cannot fire after the
// consumer has gone away.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
