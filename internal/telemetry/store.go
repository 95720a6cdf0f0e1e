// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-assist/internal/metrics"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists statistics snapshots and accept/reject feedback to a local
// SQLite database. Nothing in this package leaves the machine.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the telemetry database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed metadata: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SnapshotRow is a persisted statistics snapshot.
type SnapshotRow struct {
	TakenAt  time.Time
	Snapshot metrics.Snapshot
}

// SaveSnapshot persists one statistics snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, at time.Time, snap metrics.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			taken_at, total_requests, total_hits, pattern_hits, hit_rate,
			api_calls, backend_failures, rate_limited, debounced,
			cooldown_drops, superseded, suppressed, in_flight_drops,
			avg_response_ms, memory_cache_size, pattern_cache_size,
			requests_this_minute
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(),
		snap.TotalRequests, snap.TotalHits, snap.PatternHits, snap.HitRate,
		snap.APICalls, snap.BackendFailures, snap.RateLimitedCount, snap.DebouncedCount,
		snap.CooldownDrops, snap.SupersededCount, snap.SuppressedCount, snap.InFlightDrops,
		snap.AvgResponseMs, snap.MemoryCacheSize, snap.PatternCacheSize,
		snap.RequestsThisMinute,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT taken_at, total_requests, total_hits, pattern_hits, hit_rate,
			api_calls, backend_failures, rate_limited, debounced,
			cooldown_drops, superseded, suppressed, in_flight_drops,
			avg_response_ms, memory_cache_size, pattern_cache_size,
			requests_this_minute
		FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var takenAt int64
		if err := rows.Scan(
			&takenAt,
			&r.Snapshot.TotalRequests, &r.Snapshot.TotalHits, &r.Snapshot.PatternHits, &r.Snapshot.HitRate,
			&r.Snapshot.APICalls, &r.Snapshot.BackendFailures, &r.Snapshot.RateLimitedCount, &r.Snapshot.DebouncedCount,
			&r.Snapshot.CooldownDrops, &r.Snapshot.SupersededCount, &r.Snapshot.SuppressedCount, &r.Snapshot.InFlightDrops,
			&r.Snapshot.AvgResponseMs, &r.Snapshot.MemoryCacheSize, &r.Snapshot.PatternCacheSize,
			&r.Snapshot.RequestsThisMinute,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		r.TakenAt = time.Unix(takenAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneSnapshotsBefore deletes snapshots older than the cutoff.
func (s *Store) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE taken_at < ?`, cutoff.Unix())
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return nil
}

// =============================================================================
// FEEDBACK
// =============================================================================

// RecordFeedback persists one accept/reject event for a signature.
func (s *Store) RecordFeedback(ctx context.Context, signature string, accepted bool, at time.Time) error {
	acceptedInt := 0
	if accepted {
		acceptedInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (recorded_at, signature, accepted) VALUES (?, ?, ?)`,
		at.Unix(), signature, acceptedInt,
	)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

// FeedbackTotals returns lifetime [accepted, rejected] totals per signature.
func (s *Store) FeedbackTotals(ctx context.Context) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature,
			SUM(CASE WHEN accepted = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN accepted = 0 THEN 1 ELSE 0 END)
		FROM feedback GROUP BY signature`)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	out := make(map[string][2]int)
	for rows.Next() {
		var sig string
		var accepted, rejected int
		if err := rows.Scan(&sig, &accepted, &rejected); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out[sig] = [2]int{accepted, rejected}
	}
	return out, rows.Err()
}
