// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codegreen-project/nemb/internal/device"
)

const (
	amdProviderName = "amd-gpu"

	rocmSmiCmd = "rocm-smi"

	// PCI vendor id for AMD, used by the detection-only sysfs fallback
	amdPCIVendor = "0x1002"

	amdDefaultPollInterval = 50 * time.Millisecond
)

// rocm-smi power keys vary across versions
var rocmPowerKeys = []string{
	"Average Graphics Package Power (W)",
	"Current Socket Graphics Package Power (W)",
}

// smiRunner abstracts the rocm-smi invocation for testability.
type smiRunner interface {
	Power() ([]byte, error)
}

type execSmiRunner struct{}

func (execSmiRunner) Power() ([]byte, error) {
	return exec.Command(rocmSmiCmd, "--showpower", "--json").Output()
}

type amdDevice struct {
	card  string // rocm-smi card key, e.g. "card0"
	index int

	integrator *PowerIntegrator
	health     *DeviceHealth
}

// AMDProvider measures AMD GPUs through the ROCm system management
// interface. Like the NVIDIA provider it integrates power samples on its
// own poll loop; each device becomes a domain gpu{i}.
type AMDProvider struct {
	logger        *slog.Logger
	ts            device.Timestamper
	runner        smiRunner
	sysfsPath     string
	pollInterval  time.Duration
	failureBudget int

	mu          sync.Mutex
	initialized bool
	devices     []*amdDevice
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

type AMDOptionFn func(*AMDProvider)

// WithSmiRunner substitutes the rocm-smi invocation (for testing).
func WithSmiRunner(r smiRunner) AMDOptionFn {
	return func(p *AMDProvider) {
		p.runner = r
	}
}

// WithAMDSysfsPath overrides the sysfs mount point used for PCI detection.
func WithAMDSysfsPath(path string) AMDOptionFn {
	return func(p *AMDProvider) {
		p.sysfsPath = path
	}
}

// WithAMDPollInterval sets the internal integration period.
func WithAMDPollInterval(d time.Duration) AMDOptionFn {
	return func(p *AMDProvider) {
		p.pollInterval = d
	}
}

// WithAMDFailureBudget sets the consecutive-failure run after which a
// device is marked unavailable.
func WithAMDFailureBudget(n int) AMDOptionFn {
	return func(p *AMDProvider) {
		p.failureBudget = n
	}
}

// NewAMDProvider creates the AMD GPU provider.
func NewAMDProvider(logger *slog.Logger, ts device.Timestamper, opts ...AMDOptionFn) *AMDProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMDProvider{
		logger:        logger.With("service", "amd-gpu"),
		ts:            ts,
		runner:        execSmiRunner{},
		sysfsPath:     "/sys",
		pollInterval:  amdDefaultPollInterval,
		failureBudget: DefaultFailureBudget,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AMDProvider) Name() string {
	return amdProviderName
}

// Available reports whether an AMD GPU is present. rocm-smi is
// authoritative; the sysfs PCI scan detects hardware that rocm-smi cannot
// serve (no power reading, so Init will still fail).
func (p *AMDProvider) Available() bool {
	if powers, err := p.readPowers(); err == nil && len(powers) > 0 {
		return true
	}
	return p.detectPCIDevices() > 0
}

// detectPCIDevices counts display-class PCI functions with the AMD vendor id.
func (p *AMDProvider) detectPCIDevices() int {
	base := filepath.Join(p.sysfsPath, "bus", "pci", "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}

	count := 0
	for _, entry := range entries {
		dir := filepath.Join(base, entry.Name())
		vendor, err := os.ReadFile(filepath.Join(dir, "vendor"))
		if err != nil || strings.TrimSpace(string(vendor)) != amdPCIVendor {
			continue
		}
		class, err := os.ReadFile(filepath.Join(dir, "class"))
		// display controllers are class 0x03xxxx
		if err != nil || !strings.HasPrefix(strings.TrimSpace(string(class)), "0x03") {
			continue
		}
		count++
	}
	return count
}

// readPowers invokes rocm-smi and extracts watts per card.
func (p *AMDProvider) readPowers() (map[string]float64, error) {
	out, err := p.runner.Power()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rocmSmiCmd, err)
	}

	var cards map[string]map[string]string
	if err := json.Unmarshal(out, &cards); err != nil {
		return nil, fmt.Errorf("parse %s output: %w", rocmSmiCmd, err)
	}

	powers := make(map[string]float64, len(cards))
	for card, fields := range cards {
		for _, key := range rocmPowerKeys {
			if v, ok := fields[key]; ok {
				if watts, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					powers[card] = watts
				}
				break
			}
		}
	}
	if len(powers) == 0 {
		return nil, fmt.Errorf("no power field in %s output", rocmSmiCmd)
	}
	return powers, nil
}

func (p *AMDProvider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	powers, err := p.readPowers()
	if err != nil {
		if n := p.detectPCIDevices(); n > 0 {
			return fmt.Errorf("%d AMD GPU(s) detected via PCI but no power source: %w", n, err)
		}
		return err
	}

	cards := make([]string, 0, len(powers))
	for card := range powers {
		cards = append(cards, card)
	}
	sort.Strings(cards)

	tsNs := p.ts.Now()
	p.devices = make([]*amdDevice, 0, len(cards))
	for i, card := range cards {
		d := &amdDevice{
			card:       card,
			index:      i,
			integrator: NewPowerIntegrator(),
			health:     NewDeviceHealth(p.failureBudget),
		}
		d.integrator.Add(tsNs, device.PowerFromWatts(powers[card]))
		p.devices = append(p.devices, d)
	}

	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.pollLoop(p.stopCh)

	p.initialized = true
	p.logger.Info("AMD GPU provider initialized",
		"devices", len(p.devices), "poll_interval", p.pollInterval)
	return nil
}

func (p *AMDProvider) pollLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *AMDProvider) pollOnce() {
	powers, err := p.readPowers()

	p.mu.Lock()
	defer p.mu.Unlock()

	tsNs := p.ts.Now()
	for _, d := range p.devices {
		if !d.health.Available() {
			continue
		}
		watts, ok := 0.0, false
		if err == nil {
			watts, ok = powers[d.card]
		}
		if !ok {
			if d.health.RecordFailure() {
				p.logger.Warn("GPU device marked unavailable",
					"card", d.card, "consecutive_failures", d.health.Failures())
			}
			continue
		}
		d.health.RecordSuccess()
		d.integrator.Add(tsNs, device.PowerFromWatts(watts))
	}
}

func (p *AMDProvider) Reading() (*device.EnergyReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return &device.EnergyReading{}, fmt.Errorf("AMD GPU provider not initialized")
	}

	domainEnergy := make(map[device.Zone]device.Energy)
	domainPower := make(map[device.Zone]device.Power)
	for _, d := range p.devices {
		if !d.health.Available() {
			continue
		}
		zone := fmt.Sprintf("gpu%d", d.index)
		domainEnergy[zone] = d.integrator.Energy()
		domainPower[zone] = d.integrator.LastPower()
	}

	if len(domainEnergy) == 0 {
		return &device.EnergyReading{}, nil
	}

	reading := &device.EnergyReading{
		ProviderID:         amdProviderName,
		TimestampNs:        p.ts.Now(),
		DomainEnergy:       domainEnergy,
		DomainPower:        domainPower,
		Source:             device.SourceIntegrated,
		Confidence:         0.97,
		UncertaintyPercent: 3.0,
	}
	for _, e := range domainEnergy {
		reading.AggregateEnergy += e
	}
	for _, pw := range domainPower {
		reading.AggregatePower += pw
	}
	return reading, nil
}

func (p *AMDProvider) Spec() device.ProviderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	domains := make([]device.Zone, 0, len(p.devices))
	for _, d := range p.devices {
		domains = append(domains, fmt.Sprintf("gpu%d", d.index))
	}
	return device.ProviderSpec{
		Name:                   amdProviderName,
		HardwareClass:          device.ClassGPU,
		Vendor:                 "amd",
		Domains:                domains,
		EnergyResolutionJoules: 1e-3,
		UpdateIntervalNs:       uint64(p.pollInterval),
		CounterBits:            0,
		SupportsPowerLimiting:  false,
	}
}

func (p *AMDProvider) SelfTest() bool {
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

func (p *AMDProvider) Shutdown() error {
	p.mu.Lock()

	if !p.initialized {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	p.initialized = false
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = nil
	return nil
}

func init() {
	device.Register(amdProviderName, func(logger *slog.Logger, ts device.Timestamper) (device.Provider, error) {
		return NewAMDProvider(logger, ts), nil
	})
}
