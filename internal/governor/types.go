// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// GOVERNOR: Outcome, policy, and configuration types
package governor

import (
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/cache"
	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// ============================================================================
// OUTCOME TYPE
// ============================================================================

// Outcome classifies how the governor resolved a trigger.
// Every trigger resolves to exactly one outcome; none of them is an error
// from the editor's point of view.
type Outcome int

const (
	// OutcomeSuggestion means a suggestion was produced (cache or backend).
	OutcomeSuggestion Outcome = iota
	// OutcomeNoTrigger means the classifier declined the context.
	OutcomeNoTrigger
	// OutcomeDisabled means the governor is toggled off.
	OutcomeDisabled
	// OutcomeDebounced means a newer trigger for the document replaced this
	// one inside the debounce window.
	OutcomeDebounced
	// OutcomeCooldown means the trigger arrived inside the per-document
	// cooldown window and was dropped silently.
	OutcomeCooldown
	// OutcomeInFlightDrop means a request was already pending for the
	// document and the drop policy is active.
	OutcomeInFlightDrop
	// OutcomeRateLimited means the one-minute rate window was exhausted.
	OutcomeRateLimited
	// OutcomeSuppressed means consecutive rejections for the signature put
	// it inside a suppression window.
	OutcomeSuppressed
	// OutcomeSuperseded means a newer trigger canceled this request before
	// its response was applied.
	OutcomeSuperseded
	// OutcomeBackendFailure means the backend call failed or timed out;
	// degraded to "no suggestion".
	OutcomeBackendFailure
	// OutcomeClosed means the governor or the document shut down before
	// this trigger was resolved.
	OutcomeClosed
)

// String returns the human-readable name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuggestion:
		return "suggestion"
	case OutcomeNoTrigger:
		return "no-trigger"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeDebounced:
		return "debounced"
	case OutcomeCooldown:
		return "cooldown"
	case OutcomeInFlightDrop:
		return "in-flight-drop"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeBackendFailure:
		return "backend-failure"
	case OutcomeClosed:
		return "closed"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

// HasSuggestion reports whether the outcome carries suggestion text.
func (o Outcome) HasSuggestion() bool {
	return o == OutcomeSuggestion
}

// ============================================================================
// RESULT TYPE
// ============================================================================

// Result is what the editor boundary receives for a trigger. The governor
// never returns errors across this boundary; failures degrade to an outcome
// with empty suggestion text.
type Result struct {
	// Outcome classifies the resolution.
	Outcome Outcome
	// Suggestion is the completion text; empty unless Outcome carries one.
	Suggestion string
	// Signature is the trigger signature the result belongs to.
	Signature trigger.Signature
	// FromCache reports whether the suggestion came from the cache.
	FromCache bool
	// Confidence is meaningful only for cache hits; pattern-tier hits are
	// tagged lower-confidence for the consuming UI.
	Confidence cache.Confidence
	// RequestID identifies the backend request, when one was made.
	RequestID string
}

// String returns a short summary of the result.
func (r Result) String() string {
	if r.Outcome == OutcomeSuggestion {
		src := "backend"
		if r.FromCache {
			src = "cache/" + r.Confidence.String()
		}
		return fmt.Sprintf("suggestion (%s, %s, %d bytes)", r.Signature, src, len(r.Suggestion))
	}
	return r.Outcome.String()
}

// ============================================================================
// POLICY TYPES
// ============================================================================

// SupersedePolicy selects how a new trigger treats an in-flight request for
// the same document.
type SupersedePolicy int

const (
	// PolicySupersede cancels the stale pending request; its eventual
	// response is discarded.
	PolicySupersede SupersedePolicy = iota
	// PolicyDrop keeps the pending request and drops the new trigger.
	PolicyDrop
)

// String returns the configuration name of the policy.
func (p SupersedePolicy) String() string {
	switch p {
	case PolicySupersede:
		return "supersede"
	case PolicyDrop:
		return "drop"
	default:
		return fmt.Sprintf("SupersedePolicy(%d)", p)
	}
}

// ParseSupersedePolicy maps a configuration string to a policy.
// Unknown values fall back to PolicySupersede.
func ParseSupersedePolicy(s string) SupersedePolicy {
	if s == "drop" {
		return PolicyDrop
	}
	return PolicySupersede
}

// Strategy selects the trigger-gating strategy. The legacy rate-limited
// provider and the smart-trigger provider are one governor with a strategy
// switch, not two code paths.
type Strategy int

const (
	// StrategySmart gates triggers through the pattern classifier.
	StrategySmart Strategy = iota
	// StrategyRateWindow treats every trigger as generic and relies on the
	// debounce/cooldown/rate gates alone.
	StrategyRateWindow
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategySmart:
		return "smart"
	case StrategyRateWindow:
		return "rate-window"
	default:
		return fmt.Sprintf("Strategy(%d)", s)
	}
}

// ParseStrategy maps a configuration string to a strategy.
// Unknown values fall back to StrategySmart.
func ParseStrategy(s string) Strategy {
	if s == "rate-window" {
		return StrategyRateWindow
	}
	return StrategySmart
}

// ============================================================================
// CONFIG
// ============================================================================

// Default tuning. The observed editor defaults: 1s debounce, 2s cooldown,
// 20 calls per minute.
const (
	DefaultDebounce             = 1000 * time.Millisecond
	DefaultCooldown             = 2000 * time.Millisecond
	DefaultMaxRequestsPerMinute = 20
	DefaultMaxConcurrent        = 4
	DefaultRequestTimeout       = 10 * time.Second
	DefaultRejectionThreshold   = 3
	DefaultSuppressionBase      = 30 * time.Second
	DefaultSuppressionMax       = 5 * time.Minute
	DefaultMaxTokens            = 256
)

// Config tunes the governor. Zero values are replaced by defaults in
// Normalize.
type Config struct {
	// Debounce is the burst-collapsing window per document.
	Debounce time.Duration
	// Cooldown is the minimum spacing after a completed backend call for
	// the same document.
	Cooldown time.Duration
	// MaxRequestsPerMinute caps backend calls in any rolling 60s window.
	MaxRequestsPerMinute int
	// MaxConcurrent bounds concurrent backend calls across documents.
	MaxConcurrent int
	// RequestTimeout bounds a single backend call; timeouts degrade to
	// "no suggestion" exactly like failures.
	RequestTimeout time.Duration
	// Supersede selects the in-flight policy.
	Supersede SupersedePolicy
	// Strategy selects classifier gating vs. rate-window-only gating.
	Strategy Strategy
	// RejectionThreshold is the consecutive-rejection count beyond which a
	// signature enters a suppression window.
	RejectionThreshold int
	// SuppressionBase is the first suppression window; it doubles per
	// additional consecutive rejection, capped at SuppressionMax.
	SuppressionBase time.Duration
	// SuppressionMax caps the suppression window so no signature is ever
	// suppressed permanently.
	SuppressionMax time.Duration
	// MaxTokens is passed through to the backend.
	MaxTokens int
}

// Normalize fills zero fields with defaults and clamps nonsense values.
func (c Config) Normalize() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RejectionThreshold <= 0 {
		c.RejectionThreshold = DefaultRejectionThreshold
	}
	if c.SuppressionBase <= 0 {
		c.SuppressionBase = DefaultSuppressionBase
	}
	if c.SuppressionMax < c.SuppressionBase {
		c.SuppressionMax = DefaultSuppressionMax
	}
	if c.SuppressionMax < c.SuppressionBase {
		c.SuppressionMax = c.SuppressionBase
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}
