// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/codegreen-project/nemb/internal/device"
	"github.com/codegreen-project/nemb/internal/device/gpu"
)

const (
	providerName = "nvidia-gpu"

	// integration runs on the provider's own poll loop, independent of
	// the coordinator's sampling rate
	defaultPollInterval = 50 * time.Millisecond
)

// nvmlDevice is one discovered GPU with its integrator and health state.
type nvmlDevice struct {
	index  int
	uuid   string
	name   string
	handle nvmlDeviceHandle

	integrator *gpu.PowerIntegrator
	health     *gpu.DeviceHealth
}

// Provider measures NVIDIA GPUs through NVML. Power is sampled in
// milliwatts per device; energy is the trapezoidal integral of those
// samples. Each device becomes a domain gpu{i}.
type Provider struct {
	logger        *slog.Logger
	ts            device.Timestamper
	lib           nvmlLib
	pollInterval  time.Duration
	failureBudget int

	mu          sync.Mutex
	initialized bool
	devices     []*nvmlDevice
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

type OptionFn func(*Provider)

// WithNvmlLib substitutes the NVML implementation (for testing).
func WithNvmlLib(lib nvmlLib) OptionFn {
	return func(p *Provider) {
		p.lib = lib
	}
}

// WithPollInterval sets the internal integration period.
func WithPollInterval(d time.Duration) OptionFn {
	return func(p *Provider) {
		p.pollInterval = d
	}
}

// WithFailureBudget sets the consecutive-failure run after which a device
// is marked unavailable.
func WithFailureBudget(n int) OptionFn {
	return func(p *Provider) {
		p.failureBudget = n
	}
}

// NewProvider creates the NVIDIA GPU provider.
func NewProvider(logger *slog.Logger, ts device.Timestamper, opts ...OptionFn) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		logger:        logger.With("service", "nvidia-gpu"),
		ts:            ts,
		lib:           newRealNvmlLib(),
		pollInterval:  defaultPollInterval,
		failureBudget: gpu.DefaultFailureBudget,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return len(p.devices) > 0
	}

	if ret := p.lib.Init(); ret != nvml.SUCCESS {
		return false
	}
	count, ret := p.lib.DeviceGetCount()
	_ = p.lib.Shutdown()
	return ret == nvml.SUCCESS && count > 0
}

// Init initializes NVML exactly once for the provider's lifetime, discovers
// devices, takes a baseline power sample, and starts the poll loop.
func (p *Provider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if ret := p.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %s", p.lib.ErrorString(ret))
	}

	count, ret := p.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = p.lib.Shutdown()
		return fmt.Errorf("failed to get device count: %s", p.lib.ErrorString(ret))
	}
	if count == 0 {
		_ = p.lib.Shutdown()
		return fmt.Errorf("no NVIDIA devices found")
	}

	p.devices = make([]*nvmlDevice, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := p.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			p.logger.Warn("failed to get device handle", "index", i, "error", p.lib.ErrorString(ret))
			continue
		}

		uuid, ret := handle.GetUUID()
		if ret != nvml.SUCCESS {
			uuid = fmt.Sprintf("gpu-%d", i)
		}
		name, ret := handle.GetName()
		if ret != nvml.SUCCESS {
			name = "unknown"
		}

		p.devices = append(p.devices, &nvmlDevice{
			index:      i,
			uuid:       uuid,
			name:       name,
			handle:     handle,
			integrator: gpu.NewPowerIntegrator(),
			health:     gpu.NewDeviceHealth(p.failureBudget),
		})
	}

	if len(p.devices) == 0 {
		_ = p.lib.Shutdown()
		return fmt.Errorf("no usable NVIDIA devices")
	}

	p.pollLocked()

	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.pollLoop(p.stopCh)

	p.initialized = true
	p.logger.Info("NVIDIA provider initialized",
		"devices", len(p.devices), "poll_interval", p.pollInterval)
	return nil
}

func (p *Provider) pollLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.pollLocked()
			p.mu.Unlock()
		}
	}
}

// pollLocked samples power on every device and feeds the integrators.
func (p *Provider) pollLocked() {
	tsNs := p.ts.Now()
	for _, d := range p.devices {
		if !d.health.Available() {
			continue
		}
		mw, ret := d.handle.GetPowerUsage()
		if ret != nvml.SUCCESS {
			if d.health.RecordFailure() {
				p.logger.Warn("GPU device marked unavailable",
					"index", d.index, "uuid", d.uuid,
					"consecutive_failures", d.health.Failures())
			}
			continue
		}
		d.health.RecordSuccess()
		d.integrator.Add(tsNs, device.Power(mw)*device.MilliWatt)
	}
}

func (p *Provider) Reading() (*device.EnergyReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return &device.EnergyReading{}, fmt.Errorf("NVIDIA provider not initialized")
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
		ProviderID:         providerName,
		TimestampNs:        p.ts.Now(),
		DomainEnergy:       domainEnergy,
		DomainPower:        domainPower,
		Source:             device.SourceIntegrated,
		Confidence:         0.98,
		UncertaintyPercent: 2.0,
	}

	// GPU domains are disjoint: plain sums
	for _, e := range domainEnergy {
		reading.AggregateEnergy += e
	}
	for _, pw := range domainPower {
		reading.AggregatePower += pw
	}
	return reading, nil
}

func (p *Provider) Spec() device.ProviderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	domains := make([]device.Zone, 0, len(p.devices))
	for _, d := range p.devices {
		domains = append(domains, fmt.Sprintf("gpu%d", d.index))
	}
	return device.ProviderSpec{
		Name:                   providerName,
		HardwareClass:          device.ClassGPU,
		Vendor:                 "nvidia",
		Domains:                domains,
		EnergyResolutionJoules: 1e-3, // milliwatt sampling granularity
		UpdateIntervalNs:       uint64(p.pollInterval),
		CounterBits:            0, // no hardware counter, integrated
		SupportsPowerLimiting:  true,
	}
}

func (p *Provider) SelfTest() bool {
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

func (p *Provider) Shutdown() error {
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
	if ret := p.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", p.lib.ErrorString(ret))
	}
	return nil
}

func init() {
	device.Register(providerName, func(logger *slog.Logger, ts device.Timestamper) (device.Provider, error) {
		return NewProvider(logger, ts), nil
	})
}
