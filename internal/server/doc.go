// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the assist governor to the editor extension over a
// local HTTP API.
//
// The server binds to loopback only and rejects non-loopback peers as defense
// in depth. A trigger request blocks until the governor resolves it, so the
// extension receives exactly one response per trigger, whether that is a
// suggestion, a cache hit, or a drop.
//
// # Endpoints
//
//   - POST /v1/assist/trigger        - Feed an editor trigger, await the resolution
//   - POST /v1/assist/feedback       - Record suggestion acceptance/rejection
//   - POST /v1/assist/document-close - Release per-document state
//   - GET  /health                   - Health check
//   - GET  /stats                    - Governor statistics snapshot
//   - POST /stats/reset              - Zero the statistics counters
//   - POST /cache/clear              - Clear both cache tiers
//   - POST /cache/clear-document     - Clear one document's cache entries
//   - POST /toggle                   - Flip the enabled state
//   - GET  /telemetry/snapshots      - Recent persisted statistics snapshots
//
// # Key Types
//
//   - Server: HTTP server with router and middleware
//   - TriggerRequest/TriggerResponse: the trigger wire format
//
// # Usage
//
//	srv := server.NewServer("127.0.0.1:7432", gov).
//		WithTelemetry(store).
//		WithBackendName("ollama")
//	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
//		log.Fatal(err)
//	}
package server
