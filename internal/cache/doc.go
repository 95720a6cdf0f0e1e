// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the two-tier suggestion cache for the governor.
//
// The memory tier is an LRU cache keyed by an exact fingerprint of
// (document identity, normalized prompt text). The pattern tier is keyed by
// the coarse trigger signature and serves as a lower-confidence fallback when
// the exact tier misses and pattern reuse is enabled.
//
// # Key Types
//
//   - SuggestionCache: the two-tier cache, safe for concurrent use
//   - Entry: a cached suggestion with hit counting
//   - Confidence: ConfidenceExact or ConfidencePattern, attached to hits
//
// Only the governor writes to the cache; readers get copies, never interior
// pointers.
package cache
