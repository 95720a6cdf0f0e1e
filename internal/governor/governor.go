// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// GOVERNOR: Request governance pipeline for inline completion triggers
package governor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-assist/internal/backend"
	"github.com/jeranaias/rigrun-assist/internal/cache"
	"github.com/jeranaias/rigrun-assist/internal/metrics"
	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// =============================================================================
// GOVERNOR
// =============================================================================

// Governor owns the decision pipeline between editor triggers and the model
// backend. Every trigger passes its gates in a fixed order:
//
//	enabled -> classifier -> debounce -> cooldown -> in-flight ->
//	rate window -> suppression -> cache -> backend
//
// The governor is the only writer of the cache and the rate window, so the
// editor-facing surface stays consistent no matter how many documents fire
// concurrently.
type Governor struct {
	mu sync.Mutex

	cfg     Config
	backend backend.Completer
	cache   *cache.SuggestionCache
	agg     *metrics.Aggregator
	window  *RateWindow
	tracker *RejectionTracker

	// limiter smooths call bursts below the sliding window. Its burst equals
	// the per-minute maximum and refills at that rate; a call that finds the
	// bucket empty is declined as rate-limited without consuming a window
	// slot.
	limiter *rate.Limiter

	// sem bounds concurrent backend calls. Swapped wholesale on config
	// reload; in-flight holders release into the channel they acquired from.
	sem chan struct{}

	docs    map[string]*docState
	enabled bool
	closed  bool

	// now is replaceable for tests.
	now func() time.Time
}

// docState is the per-document governance state.
type docState struct {
	// debounce is the pending burst-collapse timer, nil when none.
	debounce *time.Timer
	// debounceSeq identifies the current timer arm. A timer whose sequence
	// no longer matches was replaced after it fired but before it ran, and
	// must not proceed; its trigger was already resolved as debounced.
	debounceSeq uint64
	// debouncedDeliver resolves the waiting trigger if a newer one replaces
	// it inside the debounce window.
	debouncedDeliver func(Result)
	debouncedSig     trigger.Signature

	// pendingID is the in-flight backend request, "" when none.
	pendingID     string
	pendingCancel context.CancelFunc

	// generation invalidates stale responses: it is bumped whenever a
	// pending request is superseded or the document closes, and every
	// completion compares its captured generation before applying.
	generation uint64

	// lastCompleted drives the cooldown window. Only successful backend
	// calls advance it; cache hits and failures do not.
	lastCompleted time.Time
}

// New creates a governor wired to a backend, cache, and metrics aggregator.
func New(cfg Config, completer backend.Completer, sc *cache.SuggestionCache, agg *metrics.Aggregator) *Governor {
	cfg = cfg.Normalize()
	if sc == nil {
		sc = cache.New(0, true)
	}
	if agg == nil {
		agg = metrics.New()
	}
	return &Governor{
		cfg:     cfg,
		backend: completer,
		cache:   sc,
		agg:     agg,
		window:  NewRateWindow(cfg.MaxRequestsPerMinute),
		tracker: NewRejectionTracker(cfg.RejectionThreshold, cfg.SuppressionBase, cfg.SuppressionMax),
		limiter: newBurstLimiter(cfg.MaxRequestsPerMinute),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		docs:    make(map[string]*docState),
		enabled: true,
		now:     time.Now,
	}
}

// newBurstLimiter builds the smoothing limiter for a per-minute maximum.
func newBurstLimiter(maxPerMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(maxPerMinute)/60.0), maxPerMinute)
}

// =============================================================================
// TRIGGER PIPELINE
// =============================================================================

// Trigger feeds an editor event into the pipeline. The call returns
// immediately; deliver is invoked exactly once, later, with the resolution.
// deliver may be nil when the caller does not care, and is never invoked
// while governor locks are held.
func (g *Governor) Trigger(ev trigger.Event, deliver func(Result)) {
	at := ev.Timestamp
	if at.IsZero() {
		at = g.now()
	}
	g.agg.RecordTrigger(at)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeClosed})
		return
	}
	if !g.enabled {
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeDisabled})
		return
	}
	strategy := g.cfg.Strategy
	debounce := g.cfg.Debounce
	g.mu.Unlock()

	// Classifier gate. The rate-window strategy skips classification and
	// treats every trigger as generic.
	sig := trigger.SignatureGeneric
	if strategy == StrategySmart {
		decision := trigger.Classify(ev)
		if !decision.ShouldTrigger {
			emit(deliver, Result{Outcome: OutcomeNoTrigger, Signature: decision.Signature})
			return
		}
		sig = decision.Signature
	}

	g.mu.Lock()
	ds := g.docLocked(ev.DocumentID)

	// Debounce gate: a newer trigger inside the window replaces the waiting
	// one, so only the last event of a typing burst ever fires.
	var replaced func(Result)
	var replacedSig trigger.Signature
	if ds.debounce != nil {
		ds.debounce.Stop()
		replaced = ds.debouncedDeliver
		replacedSig = ds.debouncedSig
		g.agg.RecordDebounced()
	}
	ds.debounceSeq++
	seq := ds.debounceSeq
	ds.debouncedDeliver = deliver
	ds.debouncedSig = sig
	ds.debounce = time.AfterFunc(debounce, func() {
		g.fire(ev, sig, seq, deliver)
	})
	g.mu.Unlock()

	if replaced != nil {
		emit(replaced, Result{Outcome: OutcomeDebounced, Signature: replacedSig})
	}
}

// fire runs the post-debounce gates and, when they all pass, dispatches the
// backend request.
func (g *Governor) fire(ev trigger.Event, sig trigger.Signature, seq uint64, deliver func(Result)) {
	g.mu.Lock()
	// Plain lookup: CloseDocument deletes the state and resolves the waiting
	// trigger itself, so a raced timer must stay silent.
	ds, ok := g.docs[ev.DocumentID]
	if !ok || ds.debounceSeq != seq {
		// A newer trigger replaced this arm after the timer fired; that
		// trigger already resolved this one as debounced.
		g.mu.Unlock()
		return
	}
	if g.closed {
		// Close saw this timer in flight and left its resolution to us.
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeClosed, Signature: sig})
		return
	}
	ds.debounce = nil
	ds.debouncedDeliver = nil

	// Cooldown gate: silent drop inside the spacing window after the last
	// completed call for this document.
	if !ds.lastCompleted.IsZero() && g.now().Sub(ds.lastCompleted) < g.cfg.Cooldown {
		g.agg.RecordCooldownDrop()
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeCooldown, Signature: sig})
		return
	}

	// In-flight gate: one pending request per document.
	if ds.pendingID != "" {
		if g.cfg.Supersede == PolicyDrop {
			g.agg.RecordInFlightDrop()
			g.mu.Unlock()
			emit(deliver, Result{Outcome: OutcomeInFlightDrop, Signature: sig})
			return
		}
		// Supersede: cancel the stale request and invalidate its response.
		ds.pendingCancel()
		ds.pendingID = ""
		ds.pendingCancel = nil
		ds.generation++
	}

	// Rate gate. Allow does not consume a slot; the slot is consumed just
	// before the backend call so cache hits and cancelled requests never
	// count against the window.
	if !g.window.Allow() {
		g.agg.RecordRateLimited()
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeRateLimited, Signature: sig})
		return
	}

	// Suppression gate: signatures the user keeps rejecting back off.
	if suppressed, _ := g.tracker.Suppressed(sig); suppressed {
		g.agg.RecordSuppressed()
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeSuppressed, Signature: sig})
		return
	}

	// Past every gate: this is a real request.
	g.agg.RecordRequest()

	prompt := BuildPrompt(ev)
	key := cache.NewKey(ev.DocumentID, prompt)
	if hit := g.cache.Lookup(key, sig); hit != nil {
		g.agg.RecordHit(hit.Confidence == cache.ConfidencePattern)
		g.mu.Unlock()
		emit(deliver, Result{
			Outcome:    OutcomeSuggestion,
			Suggestion: hit.Entry.SuggestionText,
			Signature:  sig,
			FromCache:  true,
			Confidence: hit.Confidence,
		})
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
	ds.pendingID = id
	ds.pendingCancel = cancel
	gen := ds.generation
	req := backend.CompletionRequest{
		Prompt:     prompt,
		MaxTokens:  g.cfg.MaxTokens,
		LanguageID: ev.LanguageID,
	}
	sem := g.sem
	limiter := g.limiter
	g.mu.Unlock()

	go g.call(ctx, cancel, sem, limiter, ev.DocumentID, id, gen, sig, key, req, deliver)
}

// call performs one backend request and applies the response if it is still
// current. Runs on its own goroutine.
func (g *Governor) call(ctx context.Context, cancel context.CancelFunc, sem chan struct{}, limiter *rate.Limiter, docID, id string, gen uint64, sig trigger.Signature, key cache.Key, req backend.CompletionRequest, deliver func(Result)) {
	defer cancel()

	// Concurrency bound. Cancellation while queued means the request never
	// made a backend call and never consumed a rate slot.
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		g.resolve(docID, id, gen, sig, key, "", ctx.Err(), 0, false, deliver)
		return
	}
	defer func() { <-sem }()

	// Burst gate: an empty token bucket declines the call before it can
	// consume a window slot.
	if !limiter.Allow() {
		g.agg.RecordRateLimited()
		g.clearPending(docID, id)
		emit(deliver, Result{Outcome: OutcomeRateLimited, Signature: sig, RequestID: id})
		return
	}

	// The slot is consumed here, at call time, never at trigger time.
	if !g.window.Record() {
		g.agg.RecordRateLimited()
		g.clearPending(docID, id)
		emit(deliver, Result{Outcome: OutcomeRateLimited, Signature: sig, RequestID: id})
		return
	}

	start := g.now()
	resp, err := g.backend.Complete(ctx, req)
	elapsed := g.now().Sub(start)

	if err != nil {
		g.resolve(docID, id, gen, sig, key, "", err, elapsed, true, deliver)
		return
	}
	g.resolve(docID, id, gen, sig, key, resp.Text, nil, elapsed, true, deliver)
}

// resolve applies a finished backend request: staleness check, cache write,
// cooldown bookkeeping, and delivery.
func (g *Governor) resolve(docID, id string, gen uint64, sig trigger.Signature, key cache.Key, text string, err error, elapsed time.Duration, called bool, deliver func(Result)) {
	g.mu.Lock()

	if called {
		g.agg.RecordAPICall(elapsed)
	}

	if g.closed {
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeClosed, Signature: sig, RequestID: id})
		return
	}

	// Plain lookup: a closed document must not be resurrected here.
	ds, ok := g.docs[docID]
	stale := !ok || ds.generation != gen || ds.pendingID != id
	if !stale {
		ds.pendingID = ""
		ds.pendingCancel = nil
	}

	// A stale response is discarded whole: no cache write, no cooldown
	// update, no suggestion.
	if stale || errors.Is(err, context.Canceled) {
		g.agg.RecordSuperseded()
		g.mu.Unlock()
		emit(deliver, Result{Outcome: OutcomeSuperseded, Signature: sig, RequestID: id})
		return
	}

	if err != nil {
		g.agg.RecordBackendFailure()
		g.mu.Unlock()
		log.Printf("assist: backend request %s failed: %v", id, err)
		emit(deliver, Result{Outcome: OutcomeBackendFailure, Signature: sig, RequestID: id})
		return
	}

	g.cache.Store(key, text, sig)
	ds.lastCompleted = g.now()
	g.mu.Unlock()

	emit(deliver, Result{
		Outcome:    OutcomeSuggestion,
		Suggestion: text,
		Signature:  sig,
		RequestID:  id,
	})
}

// clearPending drops the pending marker for a request if it is still current.
func (g *Governor) clearPending(docID, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ds, ok := g.docs[docID]; ok && ds.pendingID == id {
		ds.pendingID = ""
		ds.pendingCancel = nil
	}
}

// docLocked returns the state for a document, creating it if needed (must
// hold lock).
func (g *Governor) docLocked(documentID string) *docState {
	ds, ok := g.docs[documentID]
	if !ok {
		ds = &docState{}
		g.docs[documentID] = ds
	}
	return ds
}

// emit invokes a delivery callback when one was provided.
func emit(deliver func(Result), r Result) {
	if deliver != nil {
		deliver(r)
	}
}

// =============================================================================
// FEEDBACK AND LIFECYCLE
// =============================================================================

// RecordAcceptance records that the user accepted a suggestion for a
// signature, ending any suppression window for it.
func (g *Governor) RecordAcceptance(sig trigger.Signature) {
	g.tracker.RecordAcceptance(sig)
}

// RecordRejection records that the user rejected or ignored a suggestion for
// a signature.
func (g *Governor) RecordRejection(sig trigger.Signature) {
	g.tracker.RecordRejection(sig)
}

// FeedbackTotals returns lifetime accept/reject totals per signature.
func (g *Governor) FeedbackTotals() map[string][2]int {
	return g.tracker.Totals()
}

// ClearCache empties both cache tiers.
func (g *Governor) ClearCache() {
	g.cache.Clear()
}

// ClearDocumentCache drops the memory-tier entries for one document. The
// pattern tier is document-independent and survives.
func (g *Governor) ClearDocumentCache(documentID string) {
	g.cache.ClearDocument(documentID)
}

// CloseDocument cancels any pending request for a document and drops its
// cache entries and governance state.
func (g *Governor) CloseDocument(documentID string) {
	g.mu.Lock()
	var waiting func(Result)
	ds, ok := g.docs[documentID]
	if ok {
		if ds.debounce != nil {
			ds.debounce.Stop()
			waiting = ds.debouncedDeliver
			ds.debouncedDeliver = nil
		}
		if ds.pendingCancel != nil {
			ds.pendingCancel()
		}
		ds.generation++
		delete(g.docs, documentID)
	}
	g.mu.Unlock()

	emit(waiting, Result{Outcome: OutcomeClosed})
	g.cache.ClearDocument(documentID)
}

// Enabled reports whether the governor is accepting triggers.
func (g *Governor) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetEnabled toggles the governor. Disabling does not cancel in-flight
// requests; their responses still land and are cached.
func (g *Governor) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// ToggleEnabled flips the enabled state and returns the new value.
func (g *Governor) ToggleEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = !g.enabled
	return g.enabled
}

// Config returns a copy of the active configuration.
func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// UpdateConfig applies a new configuration at runtime. Pending requests keep
// the limits they started under.
func (g *Governor) UpdateConfig(cfg Config) {
	cfg = cfg.Normalize()

	g.mu.Lock()
	prev := g.cfg
	g.cfg = cfg
	if cfg.MaxConcurrent != prev.MaxConcurrent {
		g.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	if cfg.MaxRequestsPerMinute != prev.MaxRequestsPerMinute {
		g.limiter = newBurstLimiter(cfg.MaxRequestsPerMinute)
	}
	g.mu.Unlock()

	g.window.SetMax(cfg.MaxRequestsPerMinute)
	g.tracker.SetPolicy(cfg.RejectionThreshold, cfg.SuppressionBase, cfg.SuppressionMax)
}

// Statistics returns the merged observability snapshot: aggregator counters
// plus live cache, rate-window, and suppression state.
func (g *Governor) Statistics() metrics.Snapshot {
	snap := g.agg.Snapshot()

	cs := g.cache.Stats()
	snap.MemoryCacheSize = cs.MemoryEntries
	snap.PatternCacheSize = cs.PatternEntries

	snap.RequestsThisMinute = g.window.Count()
	snap.MaxRequestsPerMinute = g.window.Max()
	snap.ConsecutiveRejections = g.tracker.Consecutive()

	g.mu.Lock()
	for _, ds := range g.docs {
		if ds.pendingID != "" {
			snap.HasPendingRequest = true
			break
		}
	}
	g.mu.Unlock()

	return snap
}

// ResetStatistics zeroes the aggregator counters. Live cache and rate-window
// state is left alone.
func (g *Governor) ResetStatistics() {
	g.agg.Reset()
}

// Close shuts the governor down: pending timers are stopped, in-flight
// requests are cancelled, and later triggers resolve to OutcomeClosed.
func (g *Governor) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	var replaced []func(Result)
	for _, ds := range g.docs {
		if ds.debounce != nil {
			// When Stop returns false the timer already fired; its fire call
			// sees closed and resolves the trigger itself. The doc states are
			// kept so that raced stale timers still fail their seq check.
			if ds.debounce.Stop() {
				if ds.debouncedDeliver != nil {
					replaced = append(replaced, ds.debouncedDeliver)
					ds.debouncedDeliver = nil
				}
				ds.debounceSeq++
			}
		}
		if ds.pendingCancel != nil {
			ds.pendingCancel()
		}
		ds.generation++
	}
	g.mu.Unlock()

	for _, deliver := range replaced {
		emit(deliver, Result{Outcome: OutcomeClosed})
	}
}
