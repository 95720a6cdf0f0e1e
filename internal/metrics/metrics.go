// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics accumulates governor counters for the statistics surface.
package metrics

import (
	"sync"
	"time"
)

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator accumulates counts from the governor and exposes them as a
// consistent read-only snapshot. Writers and readers may run concurrently;
// readers always see a copy taken under the lock, never torn state.
type Aggregator struct {
	mu sync.RWMutex

	totalRequests   int
	totalHits       int
	patternHits     int
	apiCalls        int
	backendFailures int
	rateLimited     int
	debounced       int
	cooldownDrops   int
	superseded      int
	suppressed      int
	inFlightDrops   int

	totalResponse time.Duration
	responseCount int

	lastTriggerTime time.Time
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Snapshot is the read-only statistics view polled by status surfaces.
type Snapshot struct {
	// Cache
	MemoryCacheSize  int `json:"memory_cache_size"`
	PatternCacheSize int `json:"pattern_cache_size"`

	// Request accounting
	TotalRequests int     `json:"total_requests"`
	TotalHits     int     `json:"total_hits"`
	PatternHits   int     `json:"pattern_hits"`
	HitRate       float64 `json:"hit_rate"`
	APICalls      int     `json:"api_calls"`

	// Governor decisions
	BackendFailures  int `json:"backend_failures"`
	RateLimitedCount int `json:"rate_limited_count"`
	DebouncedCount   int `json:"debounced_count"`
	CooldownDrops    int `json:"cooldown_drops"`
	SupersededCount  int `json:"superseded_count"`
	SuppressedCount  int `json:"suppressed_count"`
	InFlightDrops    int `json:"in_flight_drops"`

	// Rate window
	RequestsThisMinute   int `json:"requests_this_minute"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`

	// Rejection tracking
	ConsecutiveRejections map[string]int `json:"consecutive_rejections,omitempty"`

	// Liveness
	AvgResponseMs     int64     `json:"avg_response_ms"`
	LastTriggerTime   time.Time `json:"last_trigger_time"`
	HasPendingRequest bool      `json:"has_pending_request"`
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordTrigger notes a trigger event that passed classification.
func (a *Aggregator) RecordTrigger(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastTriggerTime = at
}

// RecordRequest counts a request that reached the cache-or-backend stage.
func (a *Aggregator) RecordRequest() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
}

// RecordHit counts a cache hit. patternTier marks pattern-tier fallbacks.
func (a *Aggregator) RecordHit(patternTier bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalHits++
	if patternTier {
		a.patternHits++
	}
}

// RecordAPICall counts a backend call and its observed latency.
func (a *Aggregator) RecordAPICall(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiCalls++
	a.totalResponse += latency
	a.responseCount++
}

// RecordBackendFailure counts a failed or timed-out backend call.
func (a *Aggregator) RecordBackendFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backendFailures++
}

// RecordRateLimited counts a trigger dropped by the rate window.
func (a *Aggregator) RecordRateLimited() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rateLimited++
}

// RecordDebounced counts a trigger collapsed by the debounce window.
func (a *Aggregator) RecordDebounced() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.debounced++
}

// RecordCooldownDrop counts a trigger dropped by the cooldown window.
func (a *Aggregator) RecordCooldownDrop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cooldownDrops++
}

// RecordSuperseded counts a pending request canceled by a newer trigger.
func (a *Aggregator) RecordSuperseded() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.superseded++
}

// RecordInFlightDrop counts a trigger dropped because a request was already
// in flight for its document (drop policy only).
func (a *Aggregator) RecordInFlightDrop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlightDrops++
}

// RecordSuppressed counts a trigger dropped by rejection suppression.
func (a *Aggregator) RecordSuppressed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.suppressed++
}

// Reset zeroes all counters.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests = 0
	a.totalHits = 0
	a.patternHits = 0
	a.apiCalls = 0
	a.backendFailures = 0
	a.rateLimited = 0
	a.debounced = 0
	a.cooldownDrops = 0
	a.superseded = 0
	a.suppressed = 0
	a.inFlightDrops = 0
	a.totalResponse = 0
	a.responseCount = 0
	a.lastTriggerTime = time.Time{}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot returns the current counters. Cache sizes, rate-window state and
// rejection counts live in their owning components; the governor fills those
// fields in before handing the snapshot to callers.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		TotalRequests:    a.totalRequests,
		TotalHits:        a.totalHits,
		PatternHits:      a.patternHits,
		APICalls:         a.apiCalls,
		BackendFailures:  a.backendFailures,
		RateLimitedCount: a.rateLimited,
		DebouncedCount:   a.debounced,
		CooldownDrops:    a.cooldownDrops,
		SupersededCount:  a.superseded,
		SuppressedCount:  a.suppressed,
		InFlightDrops:    a.inFlightDrops,
		LastTriggerTime:  a.lastTriggerTime,
	}

	// hitRate is defined as 0 when no requests have been made.
	if a.totalRequests > 0 {
		s.HitRate = float64(a.totalHits) / float64(a.totalRequests)
	}
	if a.responseCount > 0 {
		s.AvgResponseMs = (a.totalResponse / time.Duration(a.responseCount)).Milliseconds()
	}

	return s
}
