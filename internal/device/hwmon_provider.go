// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	armSoCProviderName = "arm-soc"

	// hwmon energy inputs are integer micro-joules
	hwmonJoulesPerRaw = 1e-6
)

// hwmon chips that expose the SoC energy counter through the system
// management interface
var armEnergyChipNames = map[string]bool{
	"scmi_energy": true,
	"arm_energy":  true,
}

// armSoCProvider reads a monotonically increasing micro-joule counter from
// an SCMI hardware-monitor node. Single soc domain.
type armSoCProvider struct {
	logger      *slog.Logger
	ts          Timestamper
	sysfsPath   string
	readTimeout time.Duration

	mu          sync.Mutex
	initialized bool
	chipName    string
	reader      *SensorReader
	counters    *CounterSet

	prevEnergy Energy
	prevTsNs   uint64
}

type ARMSoCOptionFn func(*armSoCProvider)

// WithSoCSysfsPath overrides the sysfs mount point (for testing).
func WithSoCSysfsPath(path string) ARMSoCOptionFn {
	return func(p *armSoCProvider) {
		p.sysfsPath = path
	}
}

// WithSoCReadTimeout bounds each sensor read.
func WithSoCReadTimeout(d time.Duration) ARMSoCOptionFn {
	return func(p *armSoCProvider) {
		p.readTimeout = d
	}
}

// NewARMSoCProvider creates the ARM SoC energy provider.
func NewARMSoCProvider(logger *slog.Logger, ts Timestamper, opts ...ARMSoCOptionFn) *armSoCProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &armSoCProvider{
		logger:      logger.With("service", "arm-soc"),
		ts:          ts,
		sysfsPath:   defaultSysfsPath,
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *armSoCProvider) Name() string {
	return armSoCProviderName
}

// findEnergyNode scans hwmon chips for a recognized name exposing
// energy1_input.
func (p *armSoCProvider) findEnergyNode() (chip, path string, err error) {
	base := filepath.Join(p.sysfsPath, "class", "hwmon")
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", "", fmt.Errorf("failed to read hwmon directory %s: %w", base, err)
	}

	for _, entry := range entries {
		chipDir := filepath.Join(base, entry.Name())
		nameBytes, err := os.ReadFile(filepath.Join(chipDir, "name"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(nameBytes))
		if !armEnergyChipNames[name] {
			continue
		}

		energyPath := filepath.Join(chipDir, "energy1_input")
		if _, err := os.Stat(energyPath); err != nil {
			continue
		}
		return name, energyPath, nil
	}
	return "", "", fmt.Errorf("no SoC energy hwmon chip found under %s", base)
}

func (p *armSoCProvider) Available() bool {
	_, _, err := p.findEnergyNode()
	return err == nil
}

func (p *armSoCProvider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	chip, path, err := p.findEnergyNode()
	if err != nil {
		return err
	}

	reader, err := OpenSensor(path)
	if err != nil {
		return err
	}

	p.chipName = chip
	p.reader = reader
	p.counters = NewCounterSet(p.logger)
	p.counters.Register(NewCounter(ZoneSoC, 64, hwmonJoulesPerRaw, "uJ"))

	if _, err := p.readLocked(); err != nil {
		_ = reader.Close()
		p.reader = nil
		p.counters = nil
		return fmt.Errorf("baseline read: %w", err)
	}

	p.initialized = true
	p.logger.Info("ARM SoC provider initialized", "chip", chip, "path", path)
	return nil
}

func (p *armSoCProvider) readLocked() (*EnergyReading, error) {
	raw, err := p.reader.ReadU64(p.readTimeout)
	if err != nil {
		return &EnergyReading{}, err
	}
	tsNs := p.ts.Now()

	accumulated, err := p.counters.BulkUpdate(map[string]uint64{ZoneSoC: raw})
	if err != nil {
		return &EnergyReading{}, err
	}

	energy := Energy(accumulated[ZoneSoC])
	reading := &EnergyReading{
		ProviderID:         armSoCProviderName,
		TimestampNs:        tsNs,
		DomainEnergy:       map[Zone]Energy{ZoneSoC: energy},
		DomainPower:        map[Zone]Power{},
		AggregateEnergy:    energy,
		Source:             SourceHardwareCounter,
		Confidence:         0.95,
		UncertaintyPercent: 1.0,
	}

	if p.prevTsNs != 0 && tsNs > p.prevTsNs && energy >= p.prevEnergy {
		dt := float64(tsNs-p.prevTsNs) / 1e9
		power := Power(float64(energy-p.prevEnergy) / dt)
		reading.DomainPower[ZoneSoC] = power
		reading.AggregatePower = power
	}

	p.prevEnergy = energy
	p.prevTsNs = tsNs
	return reading, nil
}

func (p *armSoCProvider) Reading() (*EnergyReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return &EnergyReading{}, fmt.Errorf("ARM SoC provider not initialized")
	}
	return p.readLocked()
}

func (p *armSoCProvider) Spec() ProviderSpec {
	return ProviderSpec{
		Name:                   armSoCProviderName,
		HardwareClass:          ClassSoC,
		Vendor:                 "arm",
		Domains:                []Zone{ZoneSoC},
		EnergyResolutionJoules: hwmonJoulesPerRaw,
		UpdateIntervalNs:       uint64(10 * time.Millisecond),
		CounterBits:            64,
		SupportsPowerLimiting:  false,
	}
}

func (p *armSoCProvider) SelfTest() bool {
	r1, err := p.Reading()
	if err != nil || !r1.Valid() {
		return false
	}
	time.Sleep(100 * time.Millisecond)
	r2, err := p.Reading()
	if err != nil || !r2.Valid() {
		return false
	}
	return r2.AggregateEnergy >= r1.AggregateEnergy
}

func (p *armSoCProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.reader != nil {
		err = p.reader.Close()
		p.reader = nil
	}
	p.counters = nil
	p.prevEnergy = 0
	p.prevTsNs = 0
	p.initialized = false
	return err
}

func init() {
	Register(armSoCProviderName, func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return NewARMSoCProvider(logger, ts), nil
	})
}
