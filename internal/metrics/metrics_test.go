// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHitRateExact(t *testing.T) {
	a := New()

	// No requests: hit rate is defined as zero, never a division by zero.
	assert.Equal(t, 0.0, a.Snapshot().HitRate)

	for i := 0; i < 8; i++ {
		a.RecordRequest()
	}
	for i := 0; i < 2; i++ {
		a.RecordHit(false)
	}

	s := a.Snapshot()
	assert.Equal(t, 8, s.TotalRequests)
	assert.Equal(t, 2, s.TotalHits)
	assert.Equal(t, 0.25, s.HitRate)
}

func TestAvgResponse(t *testing.T) {
	a := New()
	a.RecordAPICall(100 * time.Millisecond)
	a.RecordAPICall(300 * time.Millisecond)

	s := a.Snapshot()
	assert.Equal(t, 2, s.APICalls)
	assert.Equal(t, int64(200), s.AvgResponseMs)
}

func TestDecisionCounters(t *testing.T) {
	a := New()
	a.RecordRateLimited()
	a.RecordDebounced()
	a.RecordDebounced()
	a.RecordCooldownDrop()
	a.RecordSuperseded()
	a.RecordSuppressed()
	a.RecordBackendFailure()

	s := a.Snapshot()
	assert.Equal(t, 1, s.RateLimitedCount)
	assert.Equal(t, 2, s.DebouncedCount)
	assert.Equal(t, 1, s.CooldownDrops)
	assert.Equal(t, 1, s.SupersededCount)
	assert.Equal(t, 1, s.SuppressedCount)
	assert.Equal(t, 1, s.BackendFailures)

	a.Reset()
	assert.Equal(t, Snapshot{}, a.Snapshot())
}

// TestConcurrentReadsAndWrites exercises the aggregator under concurrent
// access; run with -race to verify no torn reads.
func TestConcurrentReadsAndWrites(t *testing.T) {
	a := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.RecordRequest()
				a.RecordHit(j%2 == 0)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := a.Snapshot()
				// Hits can never exceed requests in any observed snapshot.
				assert.LessOrEqual(t, s.TotalHits, s.TotalRequests)
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	assert.Equal(t, 800, s.TotalRequests)
	assert.Equal(t, 800, s.TotalHits)
}
