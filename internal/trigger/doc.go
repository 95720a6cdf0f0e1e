// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger classifies editor events into completion trigger signatures.
//
// Every keystroke-driven completion opportunity arrives as an Event snapshot
// of the text around the cursor. Classify maps the snapshot to a coarse
// Signature plus a yes/no "worth calling the model" decision:
//
//	decision := trigger.Classify(ev)
//	if decision.ShouldTrigger {
//	    // hand off to the governor
//	}
//
// # Key Types
//
//   - Event: per-keystroke editor snapshot, never persisted
//   - Signature: coarse classification of the trigger context
//   - Decision: ShouldTrigger flag plus the derived Signature
//
// Classification is pure and total: no I/O, no side effects, and no panics
// for any input including empty documents and end-of-file cursors.
package trigger
