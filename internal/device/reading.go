// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

// Zone names a physically distinct energy domain reported by a provider.
type Zone = string

const (
	ZonePackage Zone = "package"
	ZonePP0     Zone = "pp0" // Power Plane 0 - processor cores
	ZonePP1     Zone = "pp1" // Power Plane 1 - uncore (e.g., integrated GPU)
	ZoneDRAM    Zone = "dram"
	ZonePSys    Zone = "psys"
	ZoneSoC     Zone = "soc"
)

// SourceKind classifies how a provider obtains its values.
type SourceKind int

const (
	SourceHardwareCounter SourceKind = iota // cumulative energy register
	SourceHardwarePower                     // instantaneous power sensor
	SourceIntegrated                        // energy integrated from power samples
)

func (s SourceKind) String() string {
	switch s {
	case SourceHardwareCounter:
		return "hardware_counter"
	case SourceHardwarePower:
		return "hardware_power"
	case SourceIntegrated:
		return "integrated"
	default:
		return "unknown"
	}
}

// HardwareClass groups providers by the hardware they measure.
type HardwareClass string

const (
	ClassCPU      HardwareClass = "cpu"
	ClassGPU      HardwareClass = "gpu"
	ClassSoC      HardwareClass = "soc"
	ClassPlatform HardwareClass = "platform"
)

// EnergyReading is a single timestamped sample from one provider.
// DomainEnergy values are cumulative since provider initialization and
// non-decreasing per domain. A reading with an empty ProviderID or a zero
// TimestampNs denotes failure.
type EnergyReading struct {
	ProviderID  string
	TimestampNs uint64

	DomainEnergy map[Zone]Energy
	DomainPower  map[Zone]Power

	AggregateEnergy Energy
	AggregatePower  Power

	Confidence         float64
	UncertaintyPercent float64
	Source             SourceKind
}

// Valid reports whether the reading carries a usable sample.
func (r *EnergyReading) Valid() bool {
	return r != nil && r.ProviderID != "" && r.TimestampNs != 0
}

// ProviderSpec is the immutable descriptor of a provider.
type ProviderSpec struct {
	Name                   string
	HardwareClass          HardwareClass
	Vendor                 string
	Domains                []Zone
	EnergyResolutionJoules float64
	UpdateIntervalNs       uint64
	CounterBits            uint
	SupportsPowerLimiting  bool
}

// AggregateEnergy rolls up per-domain cumulative energies without double
// counting. psys covers the whole platform and wins when present; package
// already contains pp0+pp1; otherwise the remaining leaf domains are
// disjoint and are summed.
func AggregateEnergy(domains map[Zone]Energy) Energy {
	if e, ok := domains[ZonePSys]; ok {
		return e
	}
	if e, ok := domains[ZonePackage]; ok {
		return e
	}
	var total Energy
	for _, e := range domains {
		total += e
	}
	return total
}

// AggregatePower applies the same roll-up rule to per-domain powers.
func AggregatePower(domains map[Zone]Power) Power {
	if p, ok := domains[ZonePSys]; ok {
		return p
	}
	if p, ok := domains[ZonePackage]; ok {
		return p
	}
	var total Power
	for _, p := range domains {
		total += p
	}
	return total
}
