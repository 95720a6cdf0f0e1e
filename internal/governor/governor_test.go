// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-assist/internal/backend"
	"github.com/jeranaias/rigrun-assist/internal/cache"
	"github.com/jeranaias/rigrun-assist/internal/metrics"
	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// testConfig returns a config with fast windows so the tests run in
// milliseconds instead of editor-scale seconds.
func testConfig() Config {
	return Config{
		Debounce:             10 * time.Millisecond,
		Cooldown:             time.Millisecond,
		MaxRequestsPerMinute: 100,
		MaxConcurrent:        4,
		RequestTimeout:       2 * time.Second,
		RejectionThreshold:   3,
		SuppressionBase:      time.Minute,
		SuppressionMax:       5 * time.Minute,
		MaxTokens:            64,
	}
}

// countingBackend returns instant completions and counts calls.
func countingBackend(calls *atomic.Int64) backend.Completer {
	return backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		calls.Add(1)
		return backend.CompletionResponse{Text: "suggestion-text", Model: "test"}, nil
	})
}

// funcDeclEvent is an event the classifier accepts as a function declaration.
func funcDeclEvent(docID string) trigger.Event {
	return trigger.Event{
		DocumentID: docID,
		TextBefore: "function add(a, b) {",
		TextAfter:  "}",
		LanguageID: "javascript",
	}
}

// await receives one result or fails the test.
func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

// deliverTo returns a delivery callback feeding a channel.
func deliverTo(ch chan Result) func(Result) {
	return func(r Result) { ch <- r }
}

// TestGovernorDebounceCollapsesBurst verifies that a burst of triggers for
// one document produces exactly one backend call, resolved from the last
// event of the burst.
func TestGovernorDebounceCollapsesBurst(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)
	defer g.Close()

	ch := make(chan Result, 3)
	for i := 0; i < 3; i++ {
		g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	}

	results := []Result{await(t, ch), await(t, ch), await(t, ch)}
	var debounced, suggestions int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeDebounced:
			debounced++
		case OutcomeSuggestion:
			suggestions++
			assert.Equal(t, "suggestion-text", r.Suggestion)
		default:
			t.Fatalf("unexpected outcome %s", r.Outcome)
		}
	}
	assert.Equal(t, 2, debounced)
	assert.Equal(t, 1, suggestions)
	assert.Equal(t, int64(1), calls.Load())

	snap := g.Statistics()
	assert.Equal(t, 2, snap.DebouncedCount)
	assert.Equal(t, 1, snap.APICalls)
}

// TestGovernorCacheHit verifies the identical prompt twice yields one backend
// call and a cache hit, and that the hit rate reflects it.
func TestGovernorCacheHit(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	first := await(t, ch)
	require.Equal(t, OutcomeSuggestion, first.Outcome)
	assert.False(t, first.FromCache)

	// Past the (1ms) cooldown, the same context hits the cache exactly.
	time.Sleep(5 * time.Millisecond)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	second := await(t, ch)
	require.Equal(t, OutcomeSuggestion, second.Outcome)
	assert.True(t, second.FromCache)
	assert.Equal(t, cache.ConfidenceExact, second.Confidence)
	assert.Equal(t, first.Suggestion, second.Suggestion)
	assert.Equal(t, int64(1), calls.Load())

	snap := g.Statistics()
	assert.Equal(t, 2, snap.TotalRequests)
	assert.Equal(t, 1, snap.TotalHits)
	assert.InDelta(t, 0.5, snap.HitRate, 1e-9)
	assert.Equal(t, 1, snap.MemoryCacheSize)
}

// TestGovernorCooldownDrops verifies triggers inside the cooldown window are
// dropped silently.
func TestGovernorCooldownDrops(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 500 * time.Millisecond

	var calls atomic.Int64
	g := New(cfg, countingBackend(&calls), nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	require.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)

	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	assert.Equal(t, OutcomeCooldown, await(t, ch).Outcome)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, g.Statistics().CooldownDrops)
}

// TestGovernorRateWindowExhaustion verifies the per-minute cap: once the
// window is full, triggers resolve as rate-limited and the observable count
// stays at the maximum.
func TestGovernorRateWindowExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerMinute = 3

	// Pattern reuse stays off here: all four documents share a signature, and
	// pattern-tier hits would satisfy them without ever touching the window.
	var calls atomic.Int64
	g := New(cfg, countingBackend(&calls), cache.New(16, false), nil)
	defer g.Close()

	docs := []string{"doc-1", "doc-2", "doc-3", "doc-4"}
	ch := make(chan Result, 1)
	for i, doc := range docs {
		g.Trigger(funcDeclEvent(doc), deliverTo(ch))
		r := await(t, ch)
		if i < 3 {
			require.Equal(t, OutcomeSuggestion, r.Outcome, "call %d", i)
		} else {
			require.Equal(t, OutcomeRateLimited, r.Outcome)
		}
	}

	assert.Equal(t, int64(3), calls.Load())
	snap := g.Statistics()
	assert.Equal(t, 3, snap.RequestsThisMinute)
	assert.Equal(t, 3, snap.MaxRequestsPerMinute)
	assert.Equal(t, 1, snap.RateLimitedCount)
}

// TestGovernorBurstLimiterDeclines verifies an empty token bucket declines the
// call as rate-limited before a window slot is consumed.
func TestGovernorBurstLimiterDeclines(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), cache.New(16, false), nil)
	defer g.Close()

	// A bucket holding one token, refilling too slowly to matter.
	g.mu.Lock()
	g.limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	g.mu.Unlock()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	require.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)

	g.Trigger(funcDeclEvent("doc-2"), deliverTo(ch))
	assert.Equal(t, OutcomeRateLimited, await(t, ch).Outcome)
	assert.Equal(t, int64(1), calls.Load())

	snap := g.Statistics()
	assert.Equal(t, 1, snap.RequestsThisMinute, "a declined call consumes no window slot")
	assert.Equal(t, 1, snap.RateLimitedCount)
	assert.False(t, snap.HasPendingRequest)
}

// TestGovernorCacheHitConsumesNoSlot verifies cache hits never count against
// the rate window; only actual backend calls consume slots.
func TestGovernorCacheHitConsumesNoSlot(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	require.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)
	require.Equal(t, 1, g.Statistics().RequestsThisMinute)

	time.Sleep(5 * time.Millisecond)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	r := await(t, ch)
	require.Equal(t, OutcomeSuggestion, r.Outcome)
	assert.True(t, r.FromCache)
	assert.Equal(t, 1, g.Statistics().RequestsThisMinute)
	assert.Equal(t, int64(1), calls.Load())
}

// TestGovernorSupersede verifies a newer trigger cancels the pending request
// and the stale response is discarded without touching the cache.
func TestGovernorSupersede(t *testing.T) {
	var calls atomic.Int64
	started := make(chan struct{}, 2)
	completer := backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		n := calls.Add(1)
		started <- struct{}{}
		if n == 1 {
			// First request outlives its cancellation and still returns
			// text, which must be discarded whole.
			<-ctx.Done()
			return backend.CompletionResponse{Text: "stale"}, nil
		}
		return backend.CompletionResponse{Text: "fresh"}, nil
	})

	g := New(testConfig(), completer, nil, nil)
	defer g.Close()

	chA := make(chan Result, 1)
	chB := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(chA))
	<-started

	g.Trigger(funcDeclEvent("doc-1"), deliverTo(chB))
	a := await(t, chA)
	assert.Equal(t, OutcomeSuperseded, a.Outcome)
	assert.Empty(t, a.Suggestion)

	<-started
	b := await(t, chB)
	require.Equal(t, OutcomeSuggestion, b.Outcome)
	assert.Equal(t, "fresh", b.Suggestion)

	// Both requests share one cache key; only the fresh text may land in it.
	time.Sleep(5 * time.Millisecond)
	chC := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(chC))
	c := await(t, chC)
	require.Equal(t, OutcomeSuggestion, c.Outcome)
	assert.True(t, c.FromCache)
	assert.Equal(t, "fresh", c.Suggestion)
	assert.Equal(t, int64(2), calls.Load())

	snap := g.Statistics()
	assert.Equal(t, 1, snap.SupersededCount)
	assert.Equal(t, 1, snap.MemoryCacheSize)
	assert.False(t, snap.HasPendingRequest)
}

// TestGovernorDropPolicy verifies the drop policy keeps the pending request
// and rejects the newcomer.
func TestGovernorDropPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Supersede = PolicyDrop

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	completer := backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		started <- struct{}{}
		select {
		case <-release:
			return backend.CompletionResponse{Text: "kept"}, nil
		case <-ctx.Done():
			return backend.CompletionResponse{}, ctx.Err()
		}
	})

	g := New(cfg, completer, nil, nil)
	defer g.Close()

	chA := make(chan Result, 1)
	chB := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(chA))
	<-started

	g.Trigger(funcDeclEvent("doc-1"), deliverTo(chB))
	assert.Equal(t, OutcomeInFlightDrop, await(t, chB).Outcome)

	close(release)
	a := await(t, chA)
	require.Equal(t, OutcomeSuggestion, a.Outcome)
	assert.Equal(t, "kept", a.Suggestion)
	assert.Equal(t, 1, g.Statistics().InFlightDrops)
}

// TestGovernorSuppression verifies consecutive rejections past the threshold
// suppress a signature and one acceptance lifts the suppression.
func TestGovernorSuppression(t *testing.T) {
	cfg := testConfig()
	cfg.RejectionThreshold = 1

	var calls atomic.Int64
	g := New(cfg, countingBackend(&calls), nil, nil)
	defer g.Close()

	g.RecordRejection(trigger.SignatureFunctionDecl)
	g.RecordRejection(trigger.SignatureFunctionDecl)

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	assert.Equal(t, OutcomeSuppressed, await(t, ch).Outcome)
	assert.Equal(t, int64(0), calls.Load())

	// Other signatures are unaffected.
	g.Trigger(trigger.Event{
		DocumentID: "doc-2",
		TextBefore: "// TODO: handle nil input",
		LanguageID: "go",
	}, deliverTo(ch))
	require.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)

	g.RecordAcceptance(trigger.SignatureFunctionDecl)
	g.Trigger(funcDeclEvent("doc-3"), deliverTo(ch))
	assert.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)

	snap := g.Statistics()
	assert.Equal(t, 1, snap.SuppressedCount)
	assert.Empty(t, snap.ConsecutiveRejections)
}

// TestGovernorDisabled verifies the enable toggle short-circuits the
// pipeline.
func TestGovernorDisabled(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)
	defer g.Close()

	g.SetEnabled(false)
	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	assert.Equal(t, OutcomeDisabled, await(t, ch).Outcome)
	assert.Equal(t, int64(0), calls.Load())

	assert.True(t, g.ToggleEnabled())
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	assert.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)
}

// TestGovernorNoTrigger verifies contexts the classifier declines never reach
// the backend.
func TestGovernorNoTrigger(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(trigger.Event{DocumentID: "doc-1", TextBefore: "x := 1\n"}, deliverTo(ch))
	assert.Equal(t, OutcomeNoTrigger, await(t, ch).Outcome)
	assert.Equal(t, int64(0), calls.Load())
}

// TestGovernorRateWindowStrategy verifies the legacy strategy skips the
// classifier and triggers on generic contexts.
func TestGovernorRateWindowStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyRateWindow

	var calls atomic.Int64
	g := New(cfg, countingBackend(&calls), nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(trigger.Event{DocumentID: "doc-1", TextBefore: "x := 1\n"}, deliverTo(ch))
	r := await(t, ch)
	require.Equal(t, OutcomeSuggestion, r.Outcome)
	assert.Equal(t, trigger.SignatureGeneric, r.Signature)
	assert.Equal(t, int64(1), calls.Load())
}

// TestGovernorBackendFailure verifies failures degrade to "no suggestion"
// and leave no cache entry behind.
func TestGovernorBackendFailure(t *testing.T) {
	var calls atomic.Int64
	completer := backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		calls.Add(1)
		return backend.CompletionResponse{}, backend.ErrUnavailable
	})

	g := New(testConfig(), completer, nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	r := await(t, ch)
	assert.Equal(t, OutcomeBackendFailure, r.Outcome)
	assert.Empty(t, r.Suggestion)

	// Failures are not cached and do not start a cooldown; the retry calls
	// the backend again.
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	assert.Equal(t, OutcomeBackendFailure, await(t, ch).Outcome)
	assert.Equal(t, int64(2), calls.Load())

	snap := g.Statistics()
	assert.Equal(t, 2, snap.BackendFailures)
	assert.Equal(t, 0, snap.MemoryCacheSize)
}

// TestGovernorTimeout verifies a hung backend resolves as a failure once the
// request timeout fires.
func TestGovernorTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond

	completer := backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		<-ctx.Done()
		return backend.CompletionResponse{}, backend.ErrTimeout
	})

	g := New(cfg, completer, nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	assert.Equal(t, OutcomeBackendFailure, await(t, ch).Outcome)
	assert.Equal(t, 1, g.Statistics().BackendFailures)
}

// TestGovernorCloseDocument verifies closing a document cancels its pending
// request and drops its cache entries.
func TestGovernorCloseDocument(t *testing.T) {
	started := make(chan struct{}, 1)
	completer := backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
		started <- struct{}{}
		<-ctx.Done()
		return backend.CompletionResponse{}, ctx.Err()
	})

	g := New(testConfig(), completer, nil, nil)
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	<-started

	g.CloseDocument("doc-1")
	assert.Equal(t, OutcomeSuperseded, await(t, ch).Outcome)
	assert.False(t, g.Statistics().HasPendingRequest)
}

// TestGovernorClose verifies shutdown resolves waiting triggers and rejects
// later ones.
func TestGovernorClose(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	g.Close()
	assert.Equal(t, OutcomeClosed, await(t, ch).Outcome)

	g.Trigger(funcDeclEvent("doc-2"), deliverTo(ch))
	assert.Equal(t, OutcomeClosed, await(t, ch).Outcome)
	assert.Equal(t, int64(0), calls.Load())
}

// TestGovernorUpdateConfig verifies runtime reconfiguration reaches the rate
// window.
func TestGovernorUpdateConfig(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), nil, nil)
	defer g.Close()

	cfg := testConfig()
	cfg.MaxRequestsPerMinute = 7
	g.UpdateConfig(cfg)

	assert.Equal(t, 7, g.Statistics().MaxRequestsPerMinute)
	assert.Equal(t, 7, g.Config().MaxRequestsPerMinute)
}

// TestGovernorStatisticsReset verifies counter reset leaves live state alone.
func TestGovernorStatisticsReset(t *testing.T) {
	var calls atomic.Int64
	g := New(testConfig(), countingBackend(&calls), metricsCache(), metrics.New())
	defer g.Close()

	ch := make(chan Result, 1)
	g.Trigger(funcDeclEvent("doc-1"), deliverTo(ch))
	require.Equal(t, OutcomeSuggestion, await(t, ch).Outcome)

	g.ResetStatistics()
	snap := g.Statistics()
	assert.Equal(t, 0, snap.TotalRequests)
	assert.Equal(t, 0, snap.APICalls)
	assert.Equal(t, 1, snap.MemoryCacheSize, "cache survives a counter reset")
	assert.Equal(t, 1, snap.RequestsThisMinute, "rate window survives a counter reset")
}

func metricsCache() *cache.SuggestionCache {
	return cache.New(16, true)
}
