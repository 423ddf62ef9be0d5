// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs/sysfs"
)

const (
	raplProviderName = "cpu-rapl"

	// powercap exposes integer micro-joules; the factor is fixed by the
	// interface, never hard-coded per CPU model
	powercapJoulesPerRaw = 1e-6

	defaultSysfsPath   = "/sys"
	defaultReadTimeout = 10 * time.Millisecond
)

// powercapZoneNames maps powercap zone names to the canonical domain names.
var powercapZoneNames = map[string]Zone{
	"package": ZonePackage,
	"core":    ZonePP0,
	"uncore":  ZonePP1,
	"dram":    ZoneDRAM,
	"psys":    ZonePSys,
}

// powercapDomain resolves a sysfs zone name, with or without a socket
// suffix ("package" and "package-0" are the same domain).
func powercapDomain(name string) (Zone, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if domain, ok := powercapZoneNames[name]; ok {
		return domain, true
	}
	if idx := strings.LastIndex(name, "-"); idx > 0 {
		base, suffix := name[:idx], name[idx+1:]
		if _, err := strconv.Atoi(suffix); err == nil {
			if domain, ok := powercapZoneNames[base]; ok {
				return domain, true
			}
		}
	}
	return "", false
}

// raplZone is one powercap node: a (domain, socket) pair with its own
// counter and non-blocking reader.
type raplZone struct {
	domain  Zone
	index   int
	counter *Counter
	reader  *SensorReader
}

// raplProvider reads the Linux powercap interface for Intel and AMD Zen
// CPUs. Multi-socket zones of the same domain are summed after wrap-safe
// accumulation per socket.
type raplProvider struct {
	logger      *slog.Logger
	ts          Timestamper
	sysfsPath   string
	readTimeout time.Duration

	mu          sync.Mutex
	initialized bool
	zones       []*raplZone
	counters    *CounterSet

	prevEnergy map[Zone]Energy
	prevTsNs   uint64
}

type RaplOptionFn func(*raplProvider)

// WithRaplSysfsPath overrides the sysfs mount point (for testing).
func WithRaplSysfsPath(path string) RaplOptionFn {
	return func(p *raplProvider) {
		p.sysfsPath = path
	}
}

// WithRaplReadTimeout bounds each per-domain sensor read.
func WithRaplReadTimeout(d time.Duration) RaplOptionFn {
	return func(p *raplProvider) {
		p.readTimeout = d
	}
}

// NewRaplProvider creates a CPU RAPL provider over powercap sysfs.
func NewRaplProvider(logger *slog.Logger, ts Timestamper, opts ...RaplOptionFn) *raplProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &raplProvider{
		logger:      logger.With("service", "rapl"),
		ts:          ts,
		sysfsPath:   defaultSysfsPath,
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *raplProvider) Name() string {
	return raplProviderName
}

func (p *raplProvider) Available() bool {
	fs, err := sysfs.NewFS(p.sysfsPath)
	if err != nil {
		return false
	}
	zones, err := sysfs.GetRaplZones(fs)
	return err == nil && len(zones) > 0
}

func (p *raplProvider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	fs, err := sysfs.NewFS(p.sysfsPath)
	if err != nil {
		return fmt.Errorf("sysfs filesystem: %w", err)
	}

	sysZones, err := sysfs.GetRaplZones(fs)
	if err != nil {
		return fmt.Errorf("failed to read rapl zones: %w", err)
	}

	counters := NewCounterSet(p.logger)
	var zones []*raplZone
	for _, sz := range sysZones {
		domain, ok := powercapDomain(sz.Name)
		if !ok {
			p.logger.Debug("skipping non-standard rapl zone", "name", sz.Name, "path", sz.Path)
			continue
		}

		reader, err := OpenSensor(filepath.Join(sz.Path, "energy_uj"))
		if err != nil {
			p.logger.Warn("rapl zone not readable", "zone", domain, "index", sz.Index, "error", err)
			continue
		}

		counter := NewCounterWithMax(counterKey(domain, sz.Index), sz.MaxMicrojoules, powercapJoulesPerRaw, "uJ")
		counters.Register(counter)
		zones = append(zones, &raplZone{
			domain:  domain,
			index:   sz.Index,
			counter: counter,
			reader:  reader,
		})
	}

	if len(zones) == 0 {
		return fmt.Errorf("no readable RAPL zones found under %s", p.sysfsPath)
	}

	p.zones = zones
	p.counters = counters

	// baseline read so the first coordinator sample yields deltas
	if _, err := p.readLocked(); err != nil {
		p.shutdownLocked()
		return fmt.Errorf("baseline read: %w", err)
	}

	p.initialized = true
	p.logger.Info("RAPL provider initialized", "zones", len(zones), "domains", p.domainsLocked())
	return nil
}

func counterKey(domain Zone, index int) string {
	return fmt.Sprintf("%s:%d", domain, index)
}

// readLocked reads every zone through the non-blocking reader and feeds the
// counter set as one bulk update at a single timestamp.
func (p *raplProvider) readLocked() (*EnergyReading, error) {
	raws := make(map[string]uint64, len(p.zones))
	failed := 0
	for _, z := range p.zones {
		raw, err := z.reader.ReadU64(p.readTimeout)
		if err != nil {
			failed++
			p.logger.Debug("rapl zone read failed", "zone", z.domain, "index", z.index, "error", err)
			continue
		}
		raws[z.counter.Name()] = raw
	}

	tsNs := p.ts.Now()

	if len(raws) == 0 {
		return &EnergyReading{}, fmt.Errorf("all %d RAPL zones failed to read", len(p.zones))
	}

	accumulated, err := p.counters.BulkUpdate(raws)
	if err != nil {
		return &EnergyReading{}, err
	}

	domainEnergy := make(map[Zone]Energy, len(p.zones))
	for _, z := range p.zones {
		domainEnergy[z.domain] += Energy(accumulated[z.counter.Name()])
	}

	reading := &EnergyReading{
		ProviderID:         raplProviderName,
		TimestampNs:        tsNs,
		DomainEnergy:       domainEnergy,
		DomainPower:        make(map[Zone]Power, len(domainEnergy)),
		Source:             SourceHardwareCounter,
		Confidence:         0.95,
		UncertaintyPercent: 1.0,
	}
	if failed > 0 {
		reading.Confidence = 0.7
		reading.UncertaintyPercent = 3.0
	}

	// power is the energy delta over the previous reading
	if p.prevTsNs != 0 && tsNs > p.prevTsNs {
		dt := float64(tsNs-p.prevTsNs) / 1e9
		for domain, energy := range domainEnergy {
			if prev, ok := p.prevEnergy[domain]; ok && energy >= prev {
				// uJ / s == uW
				reading.DomainPower[domain] = Power(float64(energy-prev) / dt)
			}
		}
	}

	reading.AggregateEnergy = AggregateEnergy(domainEnergy)
	reading.AggregatePower = AggregatePower(reading.DomainPower)

	p.prevEnergy = domainEnergy
	p.prevTsNs = tsNs
	return reading, nil
}

func (p *raplProvider) Reading() (*EnergyReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return &EnergyReading{}, fmt.Errorf("RAPL provider not initialized")
	}
	return p.readLocked()
}

func (p *raplProvider) domainsLocked() []Zone {
	seen := map[Zone]bool{}
	var domains []Zone
	for _, z := range p.zones {
		if !seen[z.domain] {
			seen[z.domain] = true
			domains = append(domains, z.domain)
		}
	}
	return domains
}

func (p *raplProvider) Spec() ProviderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProviderSpec{
		Name:                   raplProviderName,
		HardwareClass:          ClassCPU,
		Vendor:                 "intel/amd",
		Domains:                p.domainsLocked(),
		EnergyResolutionJoules: powercapJoulesPerRaw,
		UpdateIntervalNs:       uint64(time.Millisecond),
		CounterBits:            32,
		SupportsPowerLimiting:  true,
	}
}

// SelfTest takes two readings at least 100ms apart and passes iff both are
// valid and cumulative energy did not decrease.
func (p *raplProvider) SelfTest() bool {
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

func (p *raplProvider) shutdownLocked() {
	for _, z := range p.zones {
		_ = z.reader.Close()
	}
	p.zones = nil
	p.counters = nil
	p.prevEnergy = nil
	p.prevTsNs = 0
	p.initialized = false
}

func (p *raplProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdownLocked()
	return nil
}

func init() {
	Register(raplProviderName, func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return NewRaplProvider(logger, ts), nil
	})
}
