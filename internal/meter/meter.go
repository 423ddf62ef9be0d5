// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

// Package meter is the user-visible facade: it owns the coordinator,
// records checkpoints, and correlates them with the sampled energy stream.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codegreen-project/nemb/internal/clock"
	"github.com/codegreen-project/nemb/internal/coordinator"
	"github.com/codegreen-project/nemb/internal/device"
	"github.com/codegreen-project/nemb/internal/store"
	"golang.org/x/sync/singleflight"

	// provider registration
	_ "github.com/codegreen-project/nemb/internal/device/gpu"
	_ "github.com/codegreen-project/nemb/internal/device/gpu/nvidia"
)

// Config holds the facade-level measurement options.
type Config struct {
	Mode                     coordinator.Mode
	SampleInterval           time.Duration // 0 derives from Mode
	RingCapacity             int
	TargetUncertaintyPercent float64
	EnableCrossValidation    bool
	EnableOutlierDetection   bool
	EnableNoiseFiltering     bool // turns on EMA smoothing
	ForceClockSource         string
	StartTimeout             time.Duration
	StorePath                string // empty disables session persistence
}

// DefaultConfig returns balanced-mode defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                     coordinator.ModeBalanced,
		TargetUncertaintyPercent: 1.0,
		EnableCrossValidation:    true,
		StartTimeout:             5 * time.Second,
	}
}

// Meter measures energy for the current host and attributes it to named
// checkpoints. It exclusively owns its coordinator.
type Meter struct {
	logger *slog.Logger
	cfg    Config

	clk   *clock.Clock
	coord *coordinator.Coordinator

	markers *markerLog

	sessionMu  sync.Mutex
	sessions   map[uint64]*session
	sessionSeq atomic.Uint64

	readGroup singleflight.Group

	store store.Store
}

type OptionFn func(*opts)

type opts struct {
	logger    *slog.Logger
	providers []device.Provider
	store     store.Store
}

// WithLogger sets the logger for the Meter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *opts) {
		o.logger = logger
	}
}

// WithProviders bypasses hardware detection and uses the given providers
// (for testing).
func WithProviders(providers ...device.Provider) OptionFn {
	return func(o *opts) {
		// non-nil even when called with no providers, so detection is skipped
		o.providers = append([]device.Provider{}, providers...)
	}
}

// WithStore sets the session record store.
func WithStore(s store.Store) OptionFn {
	return func(o *opts) {
		o.store = s
	}
}

// New constructs a Meter: initializes the precision clock, discovers
// providers, and configures (but does not start) the coordinator. It fails
// only when the clock cannot be initialized.
func New(cfg Config, applyOpts ...OptionFn) (*Meter, error) {
	o := opts{
		logger: slog.Default(),
	}
	for _, apply := range applyOpts {
		apply(&o)
	}
	logger := o.logger.With("service", "meter")

	clkOpts := []clock.OptionFn{clock.WithLogger(o.logger)}
	if cfg.ForceClockSource != "" {
		clkOpts = append(clkOpts, clock.WithForcedSource(clock.ParseSource(cfg.ForceClockSource)))
	}
	clk, err := clock.New(clkOpts...)
	if err != nil {
		return nil, fmt.Errorf("precision clock unavailable: %w", err)
	}

	coordCfg := coordinator.ConfigForMode(cfg.Mode)
	if cfg.SampleInterval > 0 {
		coordCfg.SampleInterval = cfg.SampleInterval
	}
	if cfg.RingCapacity > 0 {
		coordCfg.RingCapacity = cfg.RingCapacity
	}
	if cfg.StartTimeout > 0 {
		coordCfg.StartTimeout = cfg.StartTimeout
	}
	coordCfg.EnableCrossValidation = cfg.EnableCrossValidation
	coordCfg.EnableOutlierFilter = cfg.EnableOutlierDetection
	coordCfg.EnableEMASmoothing = cfg.EnableNoiseFiltering

	coord := coordinator.New(coordCfg, clk, coordinator.WithLogger(o.logger))

	providers := o.providers
	if providers == nil {
		providers = device.Detect(o.logger, clk)
	}
	for _, p := range providers {
		if err := coord.AddProvider(p); err != nil {
			return nil, err
		}
	}

	if o.store == nil && cfg.StorePath != "" {
		s, err := store.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			logger.Warn("session store unavailable", "path", cfg.StorePath, "error", err)
		} else {
			o.store = s
		}
	}

	return &Meter{
		logger:   logger,
		cfg:      cfg,
		clk:      clk,
		coord:    coord,
		markers:  newMarkerLog(),
		sessions: make(map[uint64]*session),
		store:    o.store,
	}, nil
}

// Name implements service.Service.
func (m *Meter) Name() string {
	return "meter"
}

// Init implements service.Initializer by starting the coordinator.
func (m *Meter) Init() error {
	return m.Start()
}

// Run implements service.Runner; measurement happens on the coordinator's
// own threads, so Run only waits for cancellation.
func (m *Meter) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Start launches the sampling pipeline. Fails when no provider is active.
func (m *Meter) Start() error {
	return m.coord.Start()
}

// Stop halts sampling and shuts providers down.
func (m *Meter) Stop() error {
	return m.coord.Stop()
}

// Shutdown implements service.Shutdowner. The session store stays open so
// sessions can still be finalized after the pipeline stops; Close releases
// it.
func (m *Meter) Shutdown() error {
	return m.Stop()
}

// Close releases the session store, if any.
func (m *Meter) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// IsAvailable reports whether at least one provider is active.
func (m *Meter) IsAvailable() bool {
	return m.coord.ActiveCount() > 0
}

// Providers lists provider names.
func (m *Meter) Providers() []string {
	return m.coord.ProviderNames()
}

// Coordinator exposes the owned coordinator to exporters. The provider set
// cannot be mutated through it once running.
func (m *Meter) Coordinator() *coordinator.Coordinator {
	return m.coord
}

// MarkCheckpoint records a named marker at the current instant. The hot
// path is one clock read and one short mutex append.
func (m *Meter) MarkCheckpoint(name string) {
	m.markers.add(name, m.clk.Now())
}

// CorrelatedCheckpoints maps every marker recorded so far to interpolated
// cumulative energy and power.
func (m *Meter) CorrelatedCheckpoints() []CorrelatedCheckpoint {
	return correlate(m.coord.Snapshot(), m.markers.snapshotSorted())
}

// EnergyBetween returns the joules consumed between two markers by name,
// using the first occurrence of first and the first occurrence of second
// that follows it.
func (m *Meter) EnergyBetween(first, second string) (float64, error) {
	checkpoints := m.CorrelatedCheckpoints()

	var a, b *CorrelatedCheckpoint
	for i := range checkpoints {
		switch {
		case a == nil && checkpoints[i].Name == first:
			a = &checkpoints[i]
		case a != nil && b == nil && checkpoints[i].Name == second:
			b = &checkpoints[i]
		}
	}
	if a == nil || b == nil {
		return 0, fmt.Errorf("markers %q and %q not correlated", first, second)
	}
	return b.CumulativeEnergyJoules - a.CumulativeEnergyJoules, nil
}

// ReadInstant returns an aggregate snapshot of the latest synchronized
// reading. Concurrent callers share one computation.
func (m *Meter) ReadInstant() device.EnergyReading {
	v, _, _ := m.readGroup.Do("instant", func() (any, error) {
		return m.buildInstant(), nil
	})
	return v.(device.EnergyReading)
}

func (m *Meter) buildInstant() device.EnergyReading {
	latest, ok := m.coord.Latest()
	if !ok || !latest.Valid() {
		return device.EnergyReading{}
	}

	reading := device.EnergyReading{
		ProviderID:         "system",
		TimestampNs:        latest.CommonTimestampNs,
		DomainEnergy:       make(map[device.Zone]device.Energy),
		DomainPower:        make(map[device.Zone]device.Power),
		AggregateEnergy:    latest.TotalEnergy,
		AggregatePower:     latest.TotalPower,
		Confidence:         latest.Confidence,
		UncertaintyPercent: latest.UncertaintyPercent,
		Source:             device.SourceIntegrated,
	}
	for _, pr := range latest.ProviderReadings {
		for zone, e := range pr.DomainEnergy {
			if _, exists := reading.DomainEnergy[zone]; !exists {
				reading.DomainEnergy[zone] = e
			}
		}
		for zone, p := range pr.DomainPower {
			if _, exists := reading.DomainPower[zone]; !exists {
				reading.DomainPower[zone] = p
			}
		}
	}
	return reading
}

// SelfTest never panics or returns an error; false means the pipeline is
// not producing trustworthy data.
func (m *Meter) SelfTest() bool {
	return m.coord.SelfTest()
}

// Reset clears markers and open sessions; the coordinator must be stopped
// to also clear the ring.
func (m *Meter) Reset() {
	m.markers.reset()
	m.sessionMu.Lock()
	m.sessions = make(map[uint64]*session)
	m.sessionMu.Unlock()
	if m.coord.State() == coordinator.StateStopped {
		_ = m.coord.Reset()
	}
}

// Diagnostics returns a flat description of the measurement pipeline.
func (m *Meter) Diagnostics() map[string]string {
	d := map[string]string{
		"target.uncertainty_percent": strconv.FormatFloat(m.cfg.TargetUncertaintyPercent, 'f', 2, 64),

		"clock.source":        m.clk.SourceName(),
		"clock.resolution_ns": strconv.FormatFloat(m.clk.ResolutionNs(), 'f', -1, 64),
		"coordinator.state":   m.coord.State().String(),
		"sample.interval":     m.coord.Interval().String(),
		"sample.count":        strconv.FormatUint(m.coord.SampleCount(), 10),
		"ring.utilization":    strconv.FormatFloat(m.coord.RingUtilization(), 'f', 4, 64),
		"markers.count":       strconv.Itoa(m.markers.len()),
		"providers":           strings.Join(m.coord.ProviderNames(), ","),
	}

	if freq := m.clk.FrequencyHz(); freq != 0 {
		d["clock.tsc_freq_hz"] = strconv.FormatUint(freq, 10)
	}

	for _, st := range m.coord.ProviderStats() {
		prefix := "provider." + st.Name
		d[prefix+".failed"] = strconv.FormatBool(st.Failed)
		d[prefix+".errors"] = strconv.FormatUint(st.TotalErrors, 10)
		d[prefix+".invalid"] = strconv.FormatUint(st.TotalInvalid, 10)
		d[prefix+".restarts"] = strconv.FormatUint(st.Restarts, 10)
	}

	if latest, ok := m.coord.Latest(); ok {
		d["latest.valid"] = strconv.FormatBool(latest.Valid())
		d["latest.cross_validation"] = strconv.FormatBool(latest.CrossValidationPassed)
		d["latest.alignment"] = strconv.FormatBool(latest.TemporalAlignmentValid)
		d["latest.confidence"] = strconv.FormatFloat(latest.Confidence, 'f', 3, 64)
		d["latest.power_watts"] = strconv.FormatFloat(latest.TotalPower.Watts(), 'f', 3, 64)
	}
	return d
}
