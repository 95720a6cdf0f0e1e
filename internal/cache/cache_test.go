// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

func TestFingerprintNormalization(t *testing.T) {
	// Whitespace differences collapse to the same fingerprint.
	a := Fingerprint("func add(a, b int) int {")
	b := Fingerprint("func  add(a,   b int) int {\n")
	assert.Equal(t, a, b, "whitespace variants should share a fingerprint")

	c := Fingerprint("func sub(a, b int) int {")
	assert.NotEqual(t, a, c, "different prompts must not collide")
}

func TestExactHitIncrementsCounters(t *testing.T) {
	sc := New(10, false)
	key := NewKey("doc-1", "prompt text")

	require.Nil(t, sc.Lookup(key, trigger.SignatureFunctionDecl))

	sc.Store(key, "return a + b", trigger.SignatureFunctionDecl)

	hit := sc.Lookup(key, trigger.SignatureFunctionDecl)
	require.NotNil(t, hit)
	assert.Equal(t, ConfidenceExact, hit.Confidence)
	assert.Equal(t, "return a + b", hit.Entry.SuggestionText)

	stats := sc.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.MemoryEntries)
	assert.Equal(t, 1, stats.PatternEntries)
}

func TestPatternTierFallback(t *testing.T) {
	sc := New(10, true)
	sc.Store(NewKey("doc-1", "original prompt"), "suggestion", trigger.SignatureTodoComment)

	// Different document and prompt, same signature: pattern-tier hit.
	hit := sc.Lookup(NewKey("doc-2", "different prompt"), trigger.SignatureTodoComment)
	require.NotNil(t, hit)
	assert.Equal(t, ConfidencePattern, hit.Confidence)

	// Pattern reuse disabled: same lookup misses.
	sc.SetPatternReuse(false)
	assert.Nil(t, sc.Lookup(NewKey("doc-2", "different prompt"), trigger.SignatureTodoComment))
}

func TestPatternTierSkipsGeneric(t *testing.T) {
	sc := New(10, true)
	sc.Store(NewKey("doc-1", "p"), "s", trigger.SignatureGeneric)

	assert.Equal(t, 0, sc.Stats().PatternEntries)
	assert.Nil(t, sc.Lookup(NewKey("doc-2", "q"), trigger.SignatureGeneric))
}

func TestClearDocumentScoping(t *testing.T) {
	sc := New(10, true)
	sc.Store(NewKey("doc-a", "prompt 1"), "s1", trigger.SignatureFunctionDecl)
	sc.Store(NewKey("doc-a", "prompt 2"), "s2", trigger.SignatureTryBlock)
	sc.Store(NewKey("doc-b", "prompt 3"), "s3", trigger.SignatureFunctionDecl)

	sc.ClearDocument("doc-a")

	// doc-a entries gone, doc-b untouched.
	assert.Nil(t, lookupExact(sc, "doc-a", "prompt 1"))
	assert.Nil(t, lookupExact(sc, "doc-a", "prompt 2"))
	require.NotNil(t, lookupExact(sc, "doc-b", "prompt 3"))

	// Pattern tier is untouched by document clears.
	assert.Equal(t, 2, sc.Stats().PatternEntries)
}

// lookupExact performs a lookup with pattern fallback suppressed.
func lookupExact(sc *SuggestionCache, doc, prompt string) *Hit {
	return sc.Lookup(NewKey(doc, prompt), trigger.SignatureGeneric)
}

func TestLRUEviction(t *testing.T) {
	sc := New(3, false)
	for i := 0; i < 3; i++ {
		sc.Store(NewKey("doc", fmt.Sprintf("prompt-%d", i)), "s", trigger.SignatureGeneric)
	}

	// Touch prompt-0 so prompt-1 becomes the eviction candidate.
	require.NotNil(t, sc.Lookup(NewKey("doc", "prompt-0"), trigger.SignatureGeneric))

	sc.Store(NewKey("doc", "prompt-3"), "s", trigger.SignatureGeneric)

	assert.Equal(t, 3, sc.Len(), "cache must stay bounded")
	assert.Nil(t, sc.Lookup(NewKey("doc", "prompt-1"), trigger.SignatureGeneric), "LRU entry should be evicted")
	assert.NotNil(t, sc.Lookup(NewKey("doc", "prompt-0"), trigger.SignatureGeneric))
	assert.NotNil(t, sc.Lookup(NewKey("doc", "prompt-3"), trigger.SignatureGeneric))
}

func TestClearResetsEverything(t *testing.T) {
	sc := New(10, true)
	sc.Store(NewKey("doc", "p"), "s", trigger.SignatureFunctionDecl)
	sc.Lookup(NewKey("doc", "p"), trigger.SignatureFunctionDecl)

	sc.Clear()

	stats := sc.Stats()
	assert.Equal(t, 0, stats.MemoryEntries)
	assert.Equal(t, 0, stats.PatternEntries)
	assert.Equal(t, 0, stats.Hits)
	assert.Equal(t, 0, stats.Misses)
}
