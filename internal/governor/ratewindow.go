// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// GOVERNOR: Sliding one-minute rate window for backend calls
package governor

import (
	"sync"
	"time"
)

// windowSpan is the rate window length. The per-minute quota is defined over
// a rolling 60 seconds, not calendar minutes.
const windowSpan = time.Minute

// RateWindow is a sliding one-minute counter of backend calls.
// Invariant: Count() never exceeds the configured maximum because callers
// gate on Allow() before Record().
type RateWindow struct {
	mu    sync.Mutex
	max   int
	calls []time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// NewRateWindow creates a rate window with the given per-minute maximum.
func NewRateWindow(max int) *RateWindow {
	if max <= 0 {
		max = DefaultMaxRequestsPerMinute
	}
	return &RateWindow{
		max:   max,
		calls: make([]time.Time, 0, max),
		now:   time.Now,
	}
}

// Allow reports whether another backend call fits in the current window.
// It does not consume a slot; Record does.
func (w *RateWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return len(w.calls) < w.max
}

// Record consumes a slot for a backend call that is about to be made.
// Returns false without consuming when the window is already full, so a
// racing caller cannot push the count past the maximum.
func (w *RateWindow) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	if len(w.calls) >= w.max {
		return false
	}
	w.calls = append(w.calls, w.now())
	return true
}

// Count returns the number of calls in the current window.
func (w *RateWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return len(w.calls)
}

// Max returns the configured per-minute maximum.
func (w *RateWindow) Max() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}

// SetMax updates the maximum at runtime (config reload).
func (w *RateWindow) SetMax(max int) {
	if max <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.max = max
}

// Reset discards all recorded calls.
func (w *RateWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = w.calls[:0]
}

// pruneLocked drops calls older than the window (must hold lock).
func (w *RateWindow) pruneLocked() {
	cutoff := w.now().Add(-windowSpan)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = w.calls[i:]
	}
}
