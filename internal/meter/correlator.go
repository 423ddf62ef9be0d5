// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"sort"

	"github.com/codegreen-project/nemb/internal/coordinator"
)

// CorrelatedCheckpoint maps a marker to interpolated cumulative energy and
// instantaneous power.
type CorrelatedCheckpoint struct {
	Name                    string
	TimestampNs             uint64
	CumulativeEnergyJoules  float64
	InstantaneousPowerWatts float64
}

// validReadings filters a ring snapshot down to samples that carry data.
// The snapshot is already ordered by common timestamp.
func validReadings(snapshot []coordinator.SynchronizedReading) []coordinator.SynchronizedReading {
	out := snapshot[:0:0]
	for _, sr := range snapshot {
		if sr.Valid() {
			out = append(out, sr)
		}
	}
	return out
}

// interpolateAt brackets tsNs in the snapshot and linearly interpolates
// total energy and power. Markers before the first sample clamp to the
// first sample's values, markers after the last clamp to the last's.
func interpolateAt(readings []coordinator.SynchronizedReading, tsNs uint64) (energyJ, powerW float64, ok bool) {
	if len(readings) == 0 {
		return 0, 0, false
	}

	// first reading at or after the marker
	hi := sort.Search(len(readings), func(i int) bool {
		return readings[i].CommonTimestampNs >= tsNs
	})

	if hi == 0 {
		first := readings[0]
		return first.TotalEnergy.Joules(), first.TotalPower.Watts(), true
	}
	if hi == len(readings) {
		last := readings[len(readings)-1]
		return last.TotalEnergy.Joules(), last.TotalPower.Watts(), true
	}

	lo := readings[hi-1]
	up := readings[hi]
	span := up.CommonTimestampNs - lo.CommonTimestampNs
	if span == 0 {
		return up.TotalEnergy.Joules(), up.TotalPower.Watts(), true
	}

	alpha := float64(tsNs-lo.CommonTimestampNs) / float64(span)
	energyJ = lo.TotalEnergy.Joules() + alpha*(up.TotalEnergy.Joules()-lo.TotalEnergy.Joules())
	powerW = lo.TotalPower.Watts() + alpha*(up.TotalPower.Watts()-lo.TotalPower.Watts())
	return energyJ, powerW, true
}

// perProviderEnergyAt returns each provider's aggregate cumulative energy
// at the sample nearest below tsNs (or the first sample when the marker
// precedes the buffer). Per-component attribution is at sample resolution.
func perProviderEnergyAt(readings []coordinator.SynchronizedReading, tsNs uint64) map[string]float64 {
	if len(readings) == 0 {
		return nil
	}

	hi := sort.Search(len(readings), func(i int) bool {
		return readings[i].CommonTimestampNs >= tsNs
	})
	idx := hi - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(readings) {
		idx = len(readings) - 1
	}

	out := make(map[string]float64, len(readings[idx].ProviderReadings))
	for _, r := range readings[idx].ProviderReadings {
		out[r.ProviderID] = r.AggregateEnergy.Joules()
	}
	return out
}

// correlate maps every marker to its interpolated checkpoint. Output is
// ordered by marker timestamp.
func correlate(snapshot []coordinator.SynchronizedReading, markers []Marker) []CorrelatedCheckpoint {
	readings := validReadings(snapshot)

	out := make([]CorrelatedCheckpoint, 0, len(markers))
	for _, m := range markers {
		energyJ, powerW, ok := interpolateAt(readings, m.TimestampNs)
		if !ok {
			continue
		}
		out = append(out, CorrelatedCheckpoint{
			Name:                    m.Name,
			TimestampNs:             m.TimestampNs,
			CumulativeEnergyJoules:  energyJ,
			InstantaneousPowerWatts: powerW,
		})
	}
	return out
}
