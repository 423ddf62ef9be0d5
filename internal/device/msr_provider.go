// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// AMD RAPL model-specific registers (Family 17h+)
const (
	AMDMSRPowerUnit       = 0xC0010299 // scaling factors, energy unit in bits 12:8
	AMDMSRPkgEnergyStatus = 0xC001029B // package energy counter, low 32 bits

	amdMSRProviderName = "amd-msr"

	amdMinFamily = 0x17

	defaultMSRDevicePath = "/dev/cpu/%d/msr"
)

// amdMSRProvider reads the AMD package energy counter directly through the
// msr device. The energy unit is queried from the power-unit register at
// startup, never hard-coded.
type amdMSRProvider struct {
	logger     *slog.Logger
	ts         Timestamper
	devicePath string
	procPath   string

	mu          sync.Mutex
	initialized bool
	msrFile     *os.File
	cpuID       int
	unitJoules  float64
	counters    *CounterSet

	prevEnergy Energy
	prevTsNs   uint64
}

type AMDMSROptionFn func(*amdMSRProvider)

// WithMSRDevicePath overrides the msr device path template (for testing).
func WithMSRDevicePath(path string) AMDMSROptionFn {
	return func(p *amdMSRProvider) {
		p.devicePath = path
	}
}

// WithMSRProcPath overrides the procfs mount point (for testing).
func WithMSRProcPath(path string) AMDMSROptionFn {
	return func(p *amdMSRProvider) {
		p.procPath = path
	}
}

// NewAMDMSRProvider creates the AMD native RAPL provider.
func NewAMDMSRProvider(logger *slog.Logger, ts Timestamper, opts ...AMDMSROptionFn) *amdMSRProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &amdMSRProvider{
		logger:     logger.With("service", "amd-msr"),
		ts:         ts,
		devicePath: defaultMSRDevicePath,
		procPath:   procfs.DefaultMountPoint,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *amdMSRProvider) Name() string {
	return amdMSRProviderName
}

// Available requires an AMD Family 17h+ CPU and at least one msr device.
func (p *amdMSRProvider) Available() bool {
	if !p.isAMDZen() {
		return false
	}
	cpus, err := p.findCPUs()
	return err == nil && len(cpus) > 0
}

func (p *amdMSRProvider) isAMDZen() bool {
	fs, err := procfs.NewFS(p.procPath)
	if err != nil {
		return false
	}
	infos, err := fs.CPUInfo()
	if err != nil || len(infos) == 0 {
		return false
	}

	info := infos[0]
	if info.VendorID != "AuthenticAMD" {
		return false
	}
	family, err := strconv.Atoi(info.CPUFamily)
	if err != nil {
		return false
	}
	return family >= amdMinFamily
}

func (p *amdMSRProvider) findCPUs() ([]int, error) {
	cpuDir := filepath.Dir(filepath.Dir(p.devicePath))
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read CPU directory %s: %w", cpuDir, err)
	}

	var cpuIDs []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cpuID, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf(p.devicePath, cpuID)); err == nil {
			cpuIDs = append(cpuIDs, cpuID)
		}
	}
	sort.Ints(cpuIDs)
	return cpuIDs, nil
}

func (p *amdMSRProvider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	cpuIDs, err := p.findCPUs()
	if err != nil {
		return err
	}
	if len(cpuIDs) == 0 {
		return fmt.Errorf("no CPUs with msr access found")
	}

	cpuID := cpuIDs[0]
	msrPath := fmt.Sprintf(p.devicePath, cpuID)
	file, err := os.OpenFile(msrPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open msr device %s: %w", msrPath, err)
	}

	unit, err := readAMDEnergyUnit(file)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to read energy unit from CPU %d: %w", cpuID, err)
	}

	p.msrFile = file
	p.cpuID = cpuID
	p.unitJoules = unit
	p.counters = NewCounterSet(p.logger)
	p.counters.Register(NewCounter(ZonePackage, 32, unit, "raw"))

	if _, err := p.readLocked(); err != nil {
		_ = file.Close()
		p.msrFile = nil
		p.counters = nil
		return fmt.Errorf("baseline read: %w", err)
	}

	p.initialized = true
	p.logger.Info("AMD MSR provider initialized",
		"cpu", cpuID, "energy_unit_joules", unit)
	return nil
}

func (p *amdMSRProvider) readLocked() (*EnergyReading, error) {
	raw, err := readMSR(p.msrFile, AMDMSRPkgEnergyStatus)
	if err != nil {
		return &EnergyReading{}, err
	}
	tsNs := p.ts.Now()

	// energy counter occupies the low 32 bits
	accumulated, err := p.counters.BulkUpdate(map[string]uint64{
		ZonePackage: raw & 0xFFFFFFFF,
	})
	if err != nil {
		return &EnergyReading{}, err
	}

	energy := EnergyFromJoules(float64(accumulated[ZonePackage]) * p.unitJoules)
	reading := &EnergyReading{
		ProviderID:         amdMSRProviderName,
		TimestampNs:        tsNs,
		DomainEnergy:       map[Zone]Energy{ZonePackage: energy},
		DomainPower:        map[Zone]Power{},
		AggregateEnergy:    energy,
		Source:             SourceHardwareCounter,
		Confidence:         0.95,
		UncertaintyPercent: 1.0,
	}

	if p.prevTsNs != 0 && tsNs > p.prevTsNs && energy >= p.prevEnergy {
		dt := float64(tsNs-p.prevTsNs) / 1e9
		power := Power(float64(energy-p.prevEnergy) / dt)
		reading.DomainPower[ZonePackage] = power
		reading.AggregatePower = power
	}

	p.prevEnergy = energy
	p.prevTsNs = tsNs
	return reading, nil
}

func (p *amdMSRProvider) Reading() (*EnergyReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return &EnergyReading{}, fmt.Errorf("AMD MSR provider not initialized")
	}
	return p.readLocked()
}

func (p *amdMSRProvider) Spec() ProviderSpec {
	return ProviderSpec{
		Name:                   amdMSRProviderName,
		HardwareClass:          ClassCPU,
		Vendor:                 "amd",
		Domains:                []Zone{ZonePackage},
		EnergyResolutionJoules: p.unitJoules,
		UpdateIntervalNs:       uint64(time.Millisecond),
		CounterBits:            32,
		SupportsPowerLimiting:  false,
	}
}

func (p *amdMSRProvider) SelfTest() bool {
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

func (p *amdMSRProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.msrFile != nil {
		err = p.msrFile.Close()
		p.msrFile = nil
	}
	p.counters = nil
	p.prevEnergy = 0
	p.prevTsNs = 0
	p.initialized = false
	return err
}

// readMSR reads a 64-bit model-specific register at the given offset.
func readMSR(f *os.File, offset uint32) (uint64, error) {
	if f == nil {
		return 0, fmt.Errorf("msr device not open")
	}
	if _, err := f.Seek(int64(offset), 0); err != nil {
		return 0, fmt.Errorf("failed to seek to msr 0x%x: %w", offset, err)
	}
	var value uint64
	if err := binary.Read(f, binary.LittleEndian, &value); err != nil {
		return 0, fmt.Errorf("failed to read msr 0x%x: %w", offset, err)
	}
	return value, nil
}

// readAMDEnergyUnit reads the power-unit register; the energy unit is
// 2^-(bits 12:8) joules per raw count.
func readAMDEnergyUnit(f *os.File) (float64, error) {
	powerUnit, err := readMSR(f, AMDMSRPowerUnit)
	if err != nil {
		return 0, err
	}
	energyUnitBits := (powerUnit >> 8) & 0x1F
	return 1.0 / float64(uint64(1)<<energyUnitBits), nil
}

func init() {
	Register(amdMSRProviderName, func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return NewAMDMSRProvider(logger, ts), nil
	})
}
