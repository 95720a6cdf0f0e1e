// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRateWindowSlides verifies the window is a rolling 60 seconds, not a
// calendar minute.
func TestRateWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewRateWindow(3)
	w.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, w.Record(), "call %d should fit", i)
		now = now.Add(time.Second)
	}
	assert.False(t, w.Allow())
	assert.Equal(t, 3, w.Count())

	// 61 seconds after the first call, the first slot has expired.
	now = time.Unix(1000, 0).Add(61 * time.Second)
	assert.True(t, w.Allow())
	assert.Equal(t, 2, w.Count())
}

// TestRateWindowRecordAtCapacity verifies Record refuses to push the count
// past the maximum.
func TestRateWindowRecordAtCapacity(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewRateWindow(2)
	w.now = func() time.Time { return now }

	require.True(t, w.Record())
	require.True(t, w.Record())
	assert.False(t, w.Record())
	assert.Equal(t, 2, w.Count())
}

// TestRateWindowSetMax verifies runtime reconfiguration.
func TestRateWindowSetMax(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewRateWindow(1)
	w.now = func() time.Time { return now }

	require.True(t, w.Record())
	assert.False(t, w.Allow())

	w.SetMax(2)
	assert.True(t, w.Allow())
	assert.Equal(t, 2, w.Max())

	// Lowering below the current count blocks new calls but never evicts
	// recorded ones.
	require.True(t, w.Record())
	w.SetMax(1)
	assert.False(t, w.Allow())
	assert.Equal(t, 2, w.Count())
}

// TestRateWindowReset verifies Reset empties the window.
func TestRateWindowReset(t *testing.T) {
	w := NewRateWindow(2)
	require.True(t, w.Record())
	w.Reset()
	assert.Equal(t, 0, w.Count())
	assert.True(t, w.Allow())
}
