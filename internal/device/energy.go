// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
)

// Energy represents energy usage as an uint64 MicroJoule count.
// Use Joules and MicroJoules to get the value in the desired unit.
type Energy uint64

// EnergyFromJoules converts a float joule value to Energy, clamping
// negatives to zero.
func EnergyFromJoules(j float64) Energy {
	if j <= 0 {
		return 0
	}
	return Energy(j * 1_000_000)
}

// Joules returns the underlying energy value as Joules
func (e Energy) Joules() float64 {
	return float64(e) / 1_000_000
}

func (e Energy) MicroJoules() uint64 {
	return uint64(e)
}

func (e Energy) String() string {
	return fmt.Sprintf("%fJ", e.Joules())
}

// Power represents power usage as a float64 MicroWatt count.
// Use Watts and MicroWatts to get the value in the desired unit.
type Power float64

const (
	MicroWatt Power = 1.0
	MilliWatt       = 1000 * MicroWatt
	Watt            = 1000 * MilliWatt
)

// PowerFromWatts converts a float watt value to Power.
func PowerFromWatts(w float64) Power {
	return Power(w) * Watt
}

func (p Power) MicroWatts() float64 {
	return float64(p)
}

func (p Power) MilliWatts() float64 {
	return float64(p / MilliWatt)
}

func (p Power) Watts() float64 {
	return float64(p / Watt)
}

func (p Power) String() string {
	return fmt.Sprintf("%fW", p.Watts())
}
