// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// GOVERNOR: Consecutive-rejection tracking and suppression backoff
package governor

import (
	"sync"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// RejectionRecord tracks consecutive rejections for one signature.
type RejectionRecord struct {
	Signature        trigger.Signature
	ConsecutiveCount int
	LastRejectedAt   time.Time
	// TotalAccepted/TotalRejected survive resets and feed the trend surface.
	TotalAccepted int
	TotalRejected int
}

// RejectionTracker records user accept/reject feedback per signature and
// computes suppression windows. Suppression is never permanent: the window
// grows exponentially with rejections past the threshold but is capped, and
// any acceptance clears the consecutive count.
type RejectionTracker struct {
	mu        sync.Mutex
	records   map[trigger.Signature]*RejectionRecord
	threshold int
	base      time.Duration
	max       time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// NewRejectionTracker creates a tracker.
// threshold is the consecutive-rejection count beyond which suppression
// starts; base is the first window, doubling per extra rejection up to max.
func NewRejectionTracker(threshold int, base, max time.Duration) *RejectionTracker {
	if threshold <= 0 {
		threshold = DefaultRejectionThreshold
	}
	if base <= 0 {
		base = DefaultSuppressionBase
	}
	if max < base {
		max = DefaultSuppressionMax
	}
	if max < base {
		max = base
	}
	return &RejectionTracker{
		records:   make(map[trigger.Signature]*RejectionRecord),
		threshold: threshold,
		base:      base,
		max:       max,
		now:       time.Now,
	}
}

// RecordRejection increments the consecutive count for a signature.
func (t *RejectionTracker) RecordRejection(sig trigger.Signature) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recordLocked(sig)
	rec.ConsecutiveCount++
	rec.TotalRejected++
	rec.LastRejectedAt = t.now()
}

// RecordAcceptance resets the consecutive count for a signature.
// Acceptance of any suggestion for the signature ends its suppression.
func (t *RejectionTracker) RecordAcceptance(sig trigger.Signature) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recordLocked(sig)
	rec.ConsecutiveCount = 0
	rec.TotalAccepted++
}

// Suppressed reports whether the signature is currently inside a suppression
// window, and when that window ends.
func (t *RejectionTracker) Suppressed(sig trigger.Signature) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[sig]
	if !ok || rec.ConsecutiveCount <= t.threshold {
		return false, time.Time{}
	}

	until := rec.LastRejectedAt.Add(t.windowFor(rec.ConsecutiveCount))
	if t.now().Before(until) {
		return true, until
	}
	return false, time.Time{}
}

// windowFor returns the suppression window for a consecutive count past the
// threshold: base * 2^(count-threshold-1), capped at max.
func (t *RejectionTracker) windowFor(count int) time.Duration {
	over := count - t.threshold - 1
	if over < 0 {
		over = 0
	}
	if over > 16 {
		over = 16 // avoid shift overflow; the cap dominates long before this
	}
	window := t.base << uint(over)
	if window > t.max || window <= 0 {
		window = t.max
	}
	return window
}

// Consecutive returns the current consecutive-rejection count per signature,
// keyed by wire name, for the statistics surface. Signatures with zero
// consecutive rejections are omitted.
func (t *RejectionTracker) Consecutive() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.records))
	for sig, rec := range t.records {
		if rec.ConsecutiveCount > 0 {
			out[sig.String()] = rec.ConsecutiveCount
		}
	}
	return out
}

// Totals returns lifetime accept/reject totals per signature wire name.
func (t *RejectionTracker) Totals() map[string][2]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][2]int, len(t.records))
	for sig, rec := range t.records {
		out[sig.String()] = [2]int{rec.TotalAccepted, rec.TotalRejected}
	}
	return out
}

// SetPolicy updates the threshold and window bounds at runtime (config
// reload). Existing accept/reject counts are kept.
func (t *RejectionTracker) SetPolicy(threshold int, base, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if threshold > 0 {
		t.threshold = threshold
	}
	if base > 0 {
		t.base = base
	}
	if max >= t.base {
		t.max = max
	}
}

// Clear wipes all rejection state (extension restart or explicit clear).
func (t *RejectionTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[trigger.Signature]*RejectionRecord)
}

// recordLocked returns the record for a signature, creating it if needed
// (must hold lock).
func (t *RejectionTracker) recordLocked(sig trigger.Signature) *RejectionRecord {
	rec, ok := t.records[sig]
	if !ok {
		rec = &RejectionRecord{Signature: sig}
		t.records[sig] = rec
	}
	return rec
}
