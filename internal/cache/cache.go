// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the two-tier suggestion cache for the governor.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-assist/internal/trigger"
)

// =============================================================================
// KEYS AND ENTRIES
// =============================================================================

// Key identifies a memory-tier entry: document identity plus an exact
// fingerprint of the normalized prompt text.
type Key struct {
	DocumentID  string
	Fingerprint string
}

// String returns the flattened form of the key.
func (k Key) String() string {
	return k.DocumentID + "#" + k.Fingerprint
}

// NewKey builds a memory-tier key from a document and raw prompt text.
// The prompt is NFC-normalized and whitespace-collapsed before hashing so
// that editor-level rewrites of equivalent text land on the same entry.
func NewKey(documentID, prompt string) Key {
	return Key{DocumentID: documentID, Fingerprint: Fingerprint(prompt)}
}

// Fingerprint returns the SHA-256 fingerprint of the normalized prompt.
func Fingerprint(prompt string) string {
	normalized := norm.NFC.String(prompt)
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Entry is a cached suggestion.
type Entry struct {
	Key             Key
	SuggestionText  string
	SourceSignature trigger.Signature
	CreatedAt       time.Time
	HitCount        int
}

// Confidence indicates which tier produced a hit.
type Confidence int

const (
	// ConfidenceExact marks a memory-tier (exact fingerprint) hit.
	ConfidenceExact Confidence = iota
	// ConfidencePattern marks a pattern-tier fallback hit. Consumers should
	// present these as tentative.
	ConfidencePattern
)

// String returns the human-readable name of the confidence level.
func (c Confidence) String() string {
	switch c {
	case ConfidenceExact:
		return "exact"
	case ConfidencePattern:
		return "pattern"
	default:
		return fmt.Sprintf("Confidence(%d)", c)
	}
}

// Hit is a cache lookup result.
type Hit struct {
	Entry      Entry
	Confidence Confidence
}

// Stats holds cache statistics for the metrics surface.
type Stats struct {
	MemoryEntries  int
	PatternEntries int
	Hits           int
	Misses         int
}

// =============================================================================
// SUGGESTION CACHE
// =============================================================================

// SuggestionCache is the two-tier suggestion cache.
// The memory tier evicts least-recently-used entries beyond maxEntries;
// the pattern tier holds at most one entry per signature.
type SuggestionCache struct {
	mu sync.RWMutex

	memory      map[string]*Entry
	accessOrder []string // LRU order for the memory tier, oldest first
	maxEntries  int

	pattern map[trigger.Signature]*Entry

	patternReuse bool

	hits   int
	misses int
}

// New creates a suggestion cache.
// maxEntries bounds the memory tier (default 200 when <= 0). patternReuse
// enables pattern-tier fallback hits.
func New(maxEntries int, patternReuse bool) *SuggestionCache {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &SuggestionCache{
		memory:       make(map[string]*Entry),
		accessOrder:  make([]string, 0, maxEntries),
		maxEntries:   maxEntries,
		pattern:      make(map[trigger.Signature]*Entry),
		patternReuse: patternReuse,
	}
}

// SetPatternReuse toggles pattern-tier fallback at runtime.
func (c *SuggestionCache) SetPatternReuse(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patternReuse = enabled
}

// Lookup searches the memory tier for an exact match, then falls back to the
// pattern tier when enabled. Returns nil on a miss.
func (c *SuggestionCache) Lookup(key Key, signature trigger.Signature) *Hit {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.memory[key.String()]; ok {
		entry.HitCount++
		c.touchLocked(key.String())
		c.hits++
		return &Hit{Entry: *entry, Confidence: ConfidenceExact}
	}

	if c.patternReuse && signature != trigger.SignatureGeneric {
		if entry, ok := c.pattern[signature]; ok {
			entry.HitCount++
			c.hits++
			return &Hit{Entry: *entry, Confidence: ConfidencePattern}
		}
	}

	c.misses++
	return nil
}

// Store inserts a suggestion into both tiers. The pattern tier keeps the most
// recent suggestion per signature; generic signatures stay out of it.
func (c *SuggestionCache) Store(key Key, suggestion string, signature trigger.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		Key:             key,
		SuggestionText:  suggestion,
		SourceSignature: signature,
		CreatedAt:       time.Now(),
	}

	flat := key.String()
	if _, exists := c.memory[flat]; !exists && len(c.memory) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.memory[flat] = entry
	c.touchLocked(flat)

	if signature != trigger.SignatureGeneric {
		patternEntry := *entry
		c.pattern[signature] = &patternEntry
	}
}

// Clear removes all entries from both tiers and resets hit/miss counters.
func (c *SuggestionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory = make(map[string]*Entry)
	c.accessOrder = c.accessOrder[:0]
	c.pattern = make(map[trigger.Signature]*Entry)
	c.hits = 0
	c.misses = 0
}

// ClearDocument removes all memory-tier entries scoped to a document.
// Entries for other documents and the pattern tier are untouched.
func (c *SuggestionCache) ClearDocument(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for flat, entry := range c.memory {
		if entry.Key.DocumentID == documentID {
			delete(c.memory, flat)
			c.removeFromOrderLocked(flat)
		}
	}
}

// Len returns the number of memory-tier entries.
func (c *SuggestionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.memory)
}

// Stats returns a snapshot of cache statistics.
func (c *SuggestionCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		MemoryEntries:  len(c.memory),
		PatternEntries: len(c.pattern),
		Hits:           c.hits,
		Misses:         c.misses,
	}
}

// =============================================================================
// LRU INTERNALS
// =============================================================================

// touchLocked moves a key to the most-recently-used position (must hold lock).
func (c *SuggestionCache) touchLocked(flat string) {
	c.removeFromOrderLocked(flat)
	c.accessOrder = append(c.accessOrder, flat)
}

// removeFromOrderLocked deletes a key from the LRU order (must hold lock).
func (c *SuggestionCache) removeFromOrderLocked(flat string) {
	for i, k := range c.accessOrder {
		if k == flat {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
}

// evictOldestLocked removes the least-recently-used entry (must hold lock).
func (c *SuggestionCache) evictOldestLocked() {
	if len(c.accessOrder) == 0 {
		return
	}
	oldest := c.accessOrder[0]
	c.accessOrder = c.accessOrder[1:]
	delete(c.memory, oldest)
}
