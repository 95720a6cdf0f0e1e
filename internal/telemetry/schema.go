// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// TELEMETRY: SQLite schema for the local statistics store
package telemetry

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// SQLite schema for the local telemetry store
const Schema = `
-- Metadata table for schema version
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- Snapshots table: periodic statistics snapshots from the governor
CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at INTEGER NOT NULL,          -- Unix timestamp
    total_requests INTEGER NOT NULL,
    total_hits INTEGER NOT NULL,
    pattern_hits INTEGER NOT NULL,
    hit_rate REAL NOT NULL,
    api_calls INTEGER NOT NULL,
    backend_failures INTEGER NOT NULL,
    rate_limited INTEGER NOT NULL,
    debounced INTEGER NOT NULL,
    cooldown_drops INTEGER NOT NULL,
    superseded INTEGER NOT NULL,
    suppressed INTEGER NOT NULL,
    in_flight_drops INTEGER NOT NULL,
    avg_response_ms INTEGER NOT NULL,
    memory_cache_size INTEGER NOT NULL,
    pattern_cache_size INTEGER NOT NULL,
    requests_this_minute INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);

-- Feedback table: per-signature accept/reject events
CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recorded_at INTEGER NOT NULL,       -- Unix timestamp
    signature TEXT NOT NULL,
    accepted INTEGER NOT NULL           -- 1 = accepted, 0 = rejected
);

CREATE INDEX IF NOT EXISTS idx_feedback_signature ON feedback(signature);
CREATE INDEX IF NOT EXISTS idx_feedback_recorded_at ON feedback(recorded_at);
`

// InitMetadata seeds the metadata table
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`
