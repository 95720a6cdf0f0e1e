// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// TELEMETRY: Periodic snapshot persistence
package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/jeranaias/rigrun-assist/internal/metrics"
)

// retentionWindow is how long persisted snapshots are kept.
const retentionWindow = 30 * 24 * time.Hour

// Flusher periodically persists a statistics snapshot to the store.
type Flusher struct {
	store    *Store
	snapshot func() metrics.Snapshot
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewFlusher creates a flusher. snapshot is called once per interval from
// the flusher goroutine.
func NewFlusher(store *Store, snapshot func() metrics.Snapshot, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Flusher{
		store:    store,
		snapshot: snapshot,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the flush loop.
func (f *Flusher) Start() {
	go f.run()
}

// Stop ends the flush loop after persisting one final snapshot.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Flusher) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flush()
		case <-f.stop:
			f.flush()
			return
		}
	}
}

func (f *Flusher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	if err := f.store.SaveSnapshot(ctx, now, f.snapshot()); err != nil {
		log.Printf("assist: telemetry flush failed: %v", err)
		return
	}
	if err := f.store.PruneSnapshotsBefore(ctx, now.Add(-retentionWindow)); err != nil {
		log.Printf("assist: telemetry prune failed: %v", err)
	}
}
