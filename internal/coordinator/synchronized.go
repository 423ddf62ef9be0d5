// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"math"

	"github.com/codegreen-project/nemb/internal/device"
)

// SynchronizedReading is the atomic snapshot of all providers at one
// logical instant, the coordinator's unit of output.
type SynchronizedReading struct {
	CommonTimestampNs uint64

	ProviderReadings []device.EnergyReading

	TotalEnergy device.Energy
	TotalPower  device.Power

	ProvidersActive int
	ProvidersFailed int

	TemporalAlignmentValid bool
	CrossValidationPassed  bool
	MaxProviderDeviation   float64

	Outlier            bool
	UncertaintyPercent float64
	Confidence         float64
}

// Valid reports whether the snapshot carries at least one provider sample.
func (s *SynchronizedReading) Valid() bool {
	return s.ProvidersActive > 0
}

// crossValidate computes the maximum fractional deviation from the mean
// over powers of providers measuring an overlapping physical quantity.
// Returns (0, true) with fewer than two participants.
func crossValidate(powersW []float64, threshold float64) (maxDeviation float64, passed bool) {
	if len(powersW) < 2 {
		return 0, true
	}

	var sum float64
	for _, p := range powersW {
		sum += p
	}
	mean := sum / float64(len(powersW))
	if mean == 0 {
		return 0, true
	}

	for _, p := range powersW {
		if dev := math.Abs(p-mean) / mean; dev > maxDeviation {
			maxDeviation = dev
		}
	}
	return maxDeviation, maxDeviation <= threshold
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var varSum float64
	for _, v := range values {
		d := v - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(values)))
}
