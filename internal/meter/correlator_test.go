// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"testing"

	"github.com/codegreen-project/nemb/internal/coordinator"
	"github.com/codegreen-project/nemb/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticSamples builds readings at t = k*1e6 ns with E = k*0.5 J
func syntheticSamples(n int) []coordinator.SynchronizedReading {
	out := make([]coordinator.SynchronizedReading, 0, n+1)
	for k := 0; k <= n; k++ {
		out = append(out, coordinator.SynchronizedReading{
			CommonTimestampNs: uint64(k) * 1_000_000,
			TotalEnergy:       device.EnergyFromJoules(float64(k) * 0.5),
			TotalPower:        device.PowerFromWatts(500),
			ProvidersActive:   1,
		})
	}
	return out
}

func TestInterpolateAtMidpoint(t *testing.T) {
	samples := syntheticSamples(100)

	energy, power, ok := interpolateAt(samples, 43_500_000)
	require.True(t, ok)
	assert.InDelta(t, 21.75, energy, 1e-9)
	assert.InDelta(t, 500.0, power, 1e-9)
}

func TestInterpolateAtExactSample(t *testing.T) {
	samples := syntheticSamples(100)

	energy, _, ok := interpolateAt(samples, 40_000_000)
	require.True(t, ok)
	assert.InDelta(t, 20.0, energy, 1e-9)
}

func TestInterpolateBeforeFirstSample(t *testing.T) {
	samples := syntheticSamples(10)[2:] // first sample at t=2ms

	energy, _, ok := interpolateAt(samples, 0)
	require.True(t, ok)
	// clamps to the first sample's energy
	assert.InDelta(t, 1.0, energy, 1e-9)
}

func TestInterpolateAfterLastSample(t *testing.T) {
	samples := syntheticSamples(10)

	energy, _, ok := interpolateAt(samples, 99_000_000)
	require.True(t, ok)
	// clamps to the last sample's energy
	assert.InDelta(t, 5.0, energy, 1e-9)
}

func TestInterpolateEmptySnapshot(t *testing.T) {
	_, _, ok := interpolateAt(nil, 1000)
	assert.False(t, ok)
}

func TestCorrelateOrderPreserving(t *testing.T) {
	samples := syntheticSamples(100)
	markers := []Marker{
		{Name: "start", TimestampNs: 10_000_000},
		{Name: "mid", TimestampNs: 43_500_000},
		{Name: "end", TimestampNs: 80_000_000},
	}

	out := correlate(samples, markers)
	require.Len(t, out, 3)
	assert.Equal(t, "start", out[0].Name)
	assert.Equal(t, "mid", out[1].Name)
	assert.Equal(t, "end", out[2].Name)

	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i].CumulativeEnergyJoules, out[i-1].CumulativeEnergyJoules)
	}
	assert.InDelta(t, 21.75, out[1].CumulativeEnergyJoules, 1e-9)
}

func TestCorrelateSkipsInvalidReadings(t *testing.T) {
	samples := syntheticSamples(10)
	// splice in an empty reading (all providers failed at that instant)
	samples = append(samples, coordinator.SynchronizedReading{
		CommonTimestampNs: 20_000_000,
		ProvidersActive:   0,
	})

	out := correlate(samples, []Marker{{Name: "m", TimestampNs: 9_500_000}})
	require.Len(t, out, 1)
	assert.InDelta(t, 4.75, out[0].CumulativeEnergyJoules, 1e-9)
}

func TestCorrelateIntervalMatchesPerSampleDeltas(t *testing.T) {
	samples := syntheticSamples(100)
	m1 := Marker{Name: "a", TimestampNs: 20_000_000}
	m2 := Marker{Name: "b", TimestampNs: 60_000_000}

	out := correlate(samples, []Marker{m1, m2})
	require.Len(t, out, 2)

	// energy between markers equals the sum of per-sample deltas over
	// the interval (0.5 J per 1 ms sample)
	got := out[1].CumulativeEnergyJoules - out[0].CumulativeEnergyJoules
	assert.InDelta(t, 20.0, got, 1e-9)
}

func TestPerProviderEnergyAt(t *testing.T) {
	samples := []coordinator.SynchronizedReading{
		{
			CommonTimestampNs: 1_000_000,
			ProvidersActive:   2,
			ProviderReadings: []device.EnergyReading{
				{ProviderID: "cpu", TimestampNs: 1, AggregateEnergy: device.EnergyFromJoules(1)},
				{ProviderID: "gpu", TimestampNs: 1, AggregateEnergy: device.EnergyFromJoules(2)},
			},
		},
		{
			CommonTimestampNs: 2_000_000,
			ProvidersActive:   2,
			ProviderReadings: []device.EnergyReading{
				{ProviderID: "cpu", TimestampNs: 2, AggregateEnergy: device.EnergyFromJoules(3)},
				{ProviderID: "gpu", TimestampNs: 2, AggregateEnergy: device.EnergyFromJoules(5)},
			},
		},
	}

	per := perProviderEnergyAt(samples, 2_500_000)
	assert.InDelta(t, 3.0, per["cpu"], 1e-9)
	assert.InDelta(t, 5.0, per["gpu"], 1e-9)

	per = perProviderEnergyAt(samples, 500_000)
	assert.InDelta(t, 1.0, per["cpu"], 1e-9)
}

func TestMarkerLogSortsByTimestamp(t *testing.T) {
	l := newMarkerLog()
	l.add("b", 200)
	l.add("a", 100)
	l.add("c", 300)

	sorted := l.snapshotSorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].Name)
	assert.Equal(t, "b", sorted[1].Name)
	assert.Equal(t, "c", sorted[2].Name)
}

func TestMarkerLogStableForEqualTimestamps(t *testing.T) {
	l := newMarkerLog()
	l.add("first", 100)
	l.add("second", 100)

	sorted := l.snapshotSorted()
	assert.Equal(t, "first", sorted[0].Name)
	assert.Equal(t, "second", sorted[1].Name)
}

func TestMarkerLogReset(t *testing.T) {
	l := newMarkerLog()
	l.add("x", 1)
	require.Equal(t, 1, l.len())

	l.reset()
	assert.Equal(t, 0, l.len())
	assert.Empty(t, l.snapshotSorted())
}
