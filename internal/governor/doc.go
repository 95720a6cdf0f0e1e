// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package governor decides, for every completion opportunity, whether to call
// the model backend at all.
//
// Every trigger passes four gates in order: debounce (only the last event of
// a burst proceeds), cooldown (minimum spacing after the previous backend
// call for the document), in-flight uniqueness (one pending request per
// document; a newer trigger supersedes or is dropped, per policy), and the
// one-minute rate window. Only then does the governor consult the suggestion
// cache and, on a miss, call the backend.
//
// # Key Types
//
//   - Governor: the request governor, one instance per assistant session
//   - Config: debounce/cooldown/rate-limit/suppression tuning
//   - Result: outcome delivered to the editor boundary, never an error
//   - RateWindow: sliding one-minute counter of backend calls
//   - RejectionTracker: per-signature consecutive-rejection suppression
//
// # Concurrency
//
// Documents are independent: triggers for different documents may be in
// flight concurrently, bounded by MaxConcurrent. Within one document a
// generation counter decides whether an eventual backend response is still
// current; stale responses are discarded without touching the cache or the
// editor.
//
// The governor is the only writer to the cache and the rate window.
package governor
