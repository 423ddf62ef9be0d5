// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(ts uint64) SynchronizedReading {
	return SynchronizedReading{CommonTimestampNs: ts, ProvidersActive: 1}
}

func TestRingAppendAndSnapshot(t *testing.T) {
	r := NewRing(4)
	assert.Equal(t, 0, r.Len())

	r.Append(reading(1))
	r.Append(reading(2))
	r.Append(reading(3))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, uint64(1), snap[0].CommonTimestampNs)
	assert.Equal(t, uint64(3), snap[2].CommonTimestampNs)
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := NewRing(3)
	for ts := uint64(1); ts <= 10; ts++ {
		r.Append(reading(ts))
		assert.LessOrEqual(t, r.Len(), 3)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(3)
	for ts := uint64(1); ts <= 5; ts++ {
		r.Append(reading(ts))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	// oldest dropped, insertion order kept across the wrap
	assert.Equal(t, uint64(3), snap[0].CommonTimestampNs)
	assert.Equal(t, uint64(4), snap[1].CommonTimestampNs)
	assert.Equal(t, uint64(5), snap[2].CommonTimestampNs)
}

func TestRingLatest(t *testing.T) {
	r := NewRing(2)

	_, ok := r.Latest()
	assert.False(t, ok)

	r.Append(reading(7))
	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), latest.CommonTimestampNs)

	r.Append(reading(8))
	r.Append(reading(9))
	latest, ok = r.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(9), latest.CommonTimestampNs)
}

func TestRingReset(t *testing.T) {
	r := NewRing(2)
	r.Append(reading(1))
	r.Append(reading(2))
	r.Append(reading(3))

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
	_, ok := r.Latest()
	assert.False(t, ok)
}

func TestRingSnapshotIsACopy(t *testing.T) {
	r := NewRing(2)
	r.Append(reading(1))

	snap := r.Snapshot()
	snap[0].CommonTimestampNs = 999

	fresh := r.Snapshot()
	assert.Equal(t, uint64(1), fresh[0].CommonTimestampNs)
}
