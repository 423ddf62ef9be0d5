// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpu holds the GPU provider family. GPUs expose instantaneous
// power, not cumulative energy; energy is obtained by trapezoidal
// integration of the provider's own power samples.
package gpu

import (
	"sync"

	"github.com/codegreen-project/nemb/internal/device"
)

// maxPowerHistory bounds the per-device sample history; the oldest half is
// discarded when the bound is exceeded.
const maxPowerHistory = 10_000

type powerSample struct {
	tsNs    uint64
	powerUw float64
}

// PowerIntegrator accumulates energy from a stream of timestamped power
// samples using the trapezoidal rule. Safe for concurrent use.
type PowerIntegrator struct {
	mu       sync.Mutex
	samples  []powerSample
	energyUj float64
	last     powerSample
	primed   bool
}

func NewPowerIntegrator() *PowerIntegrator {
	return &PowerIntegrator{
		samples: make([]powerSample, 0, maxPowerHistory),
	}
}

// Add folds one power sample into the accumulated energy and returns the
// new cumulative value. Samples that move backwards in time are dropped.
func (pi *PowerIntegrator) Add(tsNs uint64, power device.Power) device.Energy {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	sample := powerSample{tsNs: tsNs, powerUw: power.MicroWatts()}

	if pi.primed {
		if tsNs <= pi.last.tsNs {
			return device.Energy(pi.energyUj)
		}
		dtSec := float64(tsNs-pi.last.tsNs) / 1e9
		// uW * s == uJ
		pi.energyUj += (pi.last.powerUw + sample.powerUw) / 2 * dtSec
	}

	pi.last = sample
	pi.primed = true

	pi.samples = append(pi.samples, sample)
	if len(pi.samples) > maxPowerHistory {
		half := len(pi.samples) / 2
		pi.samples = append(pi.samples[:0], pi.samples[half:]...)
	}

	return device.Energy(pi.energyUj)
}

// Energy returns the accumulated energy.
func (pi *PowerIntegrator) Energy() device.Energy {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return device.Energy(pi.energyUj)
}

// LastPower returns the most recent power sample, or 0 before any sample.
func (pi *PowerIntegrator) LastPower() device.Power {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return device.Power(pi.last.powerUw)
}

// SampleCount returns the retained history length.
func (pi *PowerIntegrator) SampleCount() int {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return len(pi.samples)
}

// Reset clears all accumulated state.
func (pi *PowerIntegrator) Reset() {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.samples = pi.samples[:0]
	pi.energyUj = 0
	pi.last = powerSample{}
	pi.primed = false
}
