// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry persists governor statistics to a local SQLite database.
//
// Snapshots of the statistics surface are written on an interval, and
// accept/reject feedback events are written as they arrive, so hit rates and
// suppression behavior can be inspected across sessions.
//
// # Key Types
//
//   - Store: SQLite-backed snapshot and feedback persistence
//   - Flusher: periodic snapshot writer with retention pruning
//
// # Privacy
//
// Telemetry is local-only and does not transmit any data. Prompt and
// suggestion text is never stored - only counters and timings.
package telemetry
