// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns the provider set, runs the background sampling
// thread, and produces time-aligned synchronized readings into a bounded
// ring buffer.
package coordinator

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codegreen-project/nemb/internal/device"
	"k8s.io/utils/clock"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateConfigured State = iota // providers may be added/removed
	StateRunning                 // sampling thread alive, provider set frozen
	StateStopped                 // threads joined, providers shut down
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// failure budgets per provider; see the error taxonomy
const (
	errorFailureBudget   = 3 // exception-typed failures
	invalidFailureBudget = 5 // invalid-reading failures
)

// emaAlpha is the smoothing factor for optional aggregate-power smoothing.
const emaAlpha = 0.1

// outlierWindow is the sliding window length for optional outlier flagging.
const outlierWindow = 10

// managedProvider wraps a provider with its health accounting. The inner
// mutex decouples health-state updates from the coordinator's structural
// lock: the sampling thread touches only non-failed providers and the
// health thread only failed ones, so the provider itself is never called
// concurrently.
type managedProvider struct {
	provider device.Provider
	spec     device.ProviderSpec

	mu                 sync.Mutex
	failed             bool
	consecutiveErrors  int
	consecutiveInvalid int
	totalErrors        uint64
	totalInvalid       uint64
	restarts           uint64
}

func (mp *managedProvider) isFailed() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.failed
}

// Coordinator owns a set of providers behind a reader-writer guard, a
// sampling goroutine and a provider-health goroutine.
type Coordinator struct {
	logger *slog.Logger
	cfg    Config
	clk    clock.WithTicker
	ts     device.Timestamper

	mu        sync.RWMutex // guards state and the provider set
	state     State
	providers []*managedProvider

	ring   *Ring
	stopCh chan struct{}
	wg     sync.WaitGroup

	samples atomic.Uint64

	// sampling-thread private state
	lastCommonNs uint64
	emaPowerW    float64
	emaPrimed    bool
	powerWindow  []float64
}

// New creates a coordinator in the Configured state. ts is the measurement
// clock used for timestamps; the scheduling clock comes from options.
func New(cfg Config, ts device.Timestamper, applyOpts ...OptionFn) *Coordinator {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Coordinator{
		logger:      opts.logger.With("service", "coordinator"),
		cfg:         cfg,
		clk:         opts.clock,
		ts:          ts,
		state:       StateConfigured,
		ring:        NewRing(cfg.RingCapacity),
		powerWindow: make([]float64, 0, outlierWindow),
	}
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AddProvider registers a provider. Only allowed in the Configured state.
func (c *Coordinator) AddProvider(p device.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConfigured {
		return fmt.Errorf("cannot add provider in state %s", c.state)
	}
	c.providers = append(c.providers, &managedProvider{
		provider: p,
		spec:     p.Spec(),
	})
	return nil
}

// RemoveProvider drops a provider by name. Only allowed in Configured.
func (c *Coordinator) RemoveProvider(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConfigured {
		return fmt.Errorf("cannot remove provider in state %s", c.state)
	}
	for i, mp := range c.providers {
		if mp.provider.Name() == name {
			c.providers = append(c.providers[:i], c.providers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("provider %q not registered", name)
}

// ProviderNames lists registered providers in registration order.
func (c *Coordinator) ProviderNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.providers))
	for i, mp := range c.providers {
		names[i] = mp.provider.Name()
	}
	return names
}

// ProviderSpecs returns the specs of all registered providers.
func (c *Coordinator) ProviderSpecs() []device.ProviderSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]device.ProviderSpec, len(c.providers))
	for i, mp := range c.providers {
		specs[i] = mp.spec
	}
	return specs
}

// ActiveCount returns the number of non-failed providers.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	active := 0
	for _, mp := range c.providers {
		if !mp.isFailed() {
			active++
		}
	}
	return active
}

// Start initializes every provider, requires at least one active within the
// start timeout, freezes the provider set and spawns the sampling and
// health threads. Starting twice is a fatal error.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		return fmt.Errorf("coordinator already running")
	case StateStopped:
		return fmt.Errorf("coordinator stopped; call Reset before restarting")
	}

	if len(c.providers) == 0 {
		return fmt.Errorf("no providers registered")
	}

	active := c.initProvidersLocked()
	if active == 0 {
		return fmt.Errorf("no provider became active within %s", c.cfg.StartTimeout)
	}

	// refresh specs now that providers have discovered their hardware
	for _, mp := range c.providers {
		if !mp.isFailed() {
			mp.spec = mp.provider.Spec()
		}
	}

	c.stopCh = make(chan struct{})
	c.state = StateRunning

	c.wg.Add(1)
	go c.runSampler(c.stopCh)

	if c.cfg.AutoRestartFailedProviders {
		c.wg.Add(1)
		go c.runHealth(c.stopCh)
	}

	c.logger.Info("coordinator started",
		"providers", len(c.providers),
		"active", active,
		"sample_interval", c.cfg.SampleInterval,
		"ring_capacity", c.ring.Capacity())
	return nil
}

// initProvidersLocked initializes providers concurrently and waits up to
// the start timeout for them to finish. Providers whose Init returns an
// error are marked failed. A provider still initializing when the deadline
// passes is not counted as active and is not marked failed; it stays in the
// set while its Init keeps running.
func (c *Coordinator) initProvidersLocked() int {
	var initWg sync.WaitGroup
	var activeCount atomic.Int64

	for _, mp := range c.providers {
		initWg.Add(1)
		go func(mp *managedProvider) {
			defer initWg.Done()
			if err := mp.provider.Init(); err != nil {
				c.logger.Warn("provider initialization failed",
					"provider", mp.provider.Name(), "error", err)
				mp.mu.Lock()
				mp.failed = true
				mp.mu.Unlock()
				return
			}
			activeCount.Add(1)
		}(mp)
	}

	done := make(chan struct{})
	go func() {
		initWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-c.clk.After(c.cfg.StartTimeout):
		c.logger.Warn("provider initialization deadline exceeded",
			"timeout", c.cfg.StartTimeout)
	}
	return int(activeCount.Load())
}

// Stop sets the shutdown flag, joins both threads and shuts providers
// down. Idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.state = StateStopped
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mp := range c.providers {
		if err := mp.provider.Shutdown(); err != nil {
			c.logger.Warn("provider shutdown failed",
				"provider", mp.provider.Name(), "error", err)
		}
	}
	c.logger.Info("coordinator stopped", "samples", c.samples.Load())
	return nil
}

// Reset returns a stopped coordinator to Configured, clearing the ring, the
// smoothing and outlier state, and each provider's failed flag and
// consecutive-failure runs. Lifetime error, invalid and restart counts are
// kept.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return fmt.Errorf("cannot reset a running coordinator")
	}

	c.ring.Reset()
	c.samples.Store(0)
	c.lastCommonNs = 0
	c.emaPowerW = 0
	c.emaPrimed = false
	c.powerWindow = c.powerWindow[:0]
	for _, mp := range c.providers {
		mp.mu.Lock()
		mp.failed = false
		mp.consecutiveErrors = 0
		mp.consecutiveInvalid = 0
		mp.mu.Unlock()
	}
	c.state = StateConfigured
	return nil
}

// Snapshot copies out the ring buffer contents in insertion order.
func (c *Coordinator) Snapshot() []SynchronizedReading {
	return c.ring.Snapshot()
}

// Latest returns the most recent synchronized reading.
func (c *Coordinator) Latest() (SynchronizedReading, bool) {
	return c.ring.Latest()
}

// SampleCount returns the number of sampling iterations completed.
func (c *Coordinator) SampleCount() uint64 {
	return c.samples.Load()
}

// runSampler is the sampling thread: a deadline-corrected loop at the
// configured interval. When an iteration overruns the period it yields
// once and re-reads the clock instead of sleeping.
func (c *Coordinator) runSampler(stopCh <-chan struct{}) {
	defer c.wg.Done()

	period := c.cfg.SampleInterval
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		iterStart := c.clk.Now()
		c.sampleOnce()

		elapsed := c.clk.Since(iterStart)
		if sleep := period - elapsed; sleep > 0 {
			select {
			case <-stopCh:
				return
			case <-c.clk.After(sleep):
			}
		} else {
			runtime.Gosched()
		}
	}
}

// runHealth is the provider-recovery thread.
func (c *Coordinator) runHealth(stopCh <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-c.clk.After(c.cfg.ProviderRestartInterval):
			c.healthOnce()
		}
	}
}

// healthOnce attempts re-initialization of every failed provider. The
// sampling thread has released failed providers, so touching them here
// cannot race with a reading.
func (c *Coordinator) healthOnce() {
	c.mu.RLock()
	providers := c.providers
	c.mu.RUnlock()

	for _, mp := range providers {
		if !mp.isFailed() {
			continue
		}

		_ = mp.provider.Shutdown()
		if err := mp.provider.Init(); err != nil {
			c.logger.Debug("provider restart failed",
				"provider", mp.provider.Name(), "error", err)
			continue
		}

		mp.mu.Lock()
		mp.failed = false
		mp.consecutiveErrors = 0
		mp.consecutiveInvalid = 0
		mp.restarts++
		mp.mu.Unlock()
		c.logger.Info("provider restored", "provider", mp.provider.Name())
	}
}

// sampleOnce performs one sampling iteration: poll every active provider
// sequentially, build a synchronized reading, validate, and append it to
// the ring.
func (c *Coordinator) sampleOnce() {
	c.mu.RLock()
	providers := c.providers
	c.mu.RUnlock()

	readings := make([]device.EnergyReading, 0, len(providers))
	classes := make([]device.HardwareClass, 0, len(providers))
	failedCount := 0

	for _, mp := range providers {
		if mp.isFailed() {
			failedCount++
			continue
		}

		reading, err := mp.provider.Reading()

		mp.mu.Lock()
		switch {
		case err != nil:
			mp.consecutiveErrors++
			mp.totalErrors++
			c.logger.Warn("provider read error",
				"provider", mp.provider.Name(), "error", err,
				"consecutive", mp.consecutiveErrors)
			if mp.consecutiveErrors >= errorFailureBudget {
				mp.failed = true
				failedCount++
				c.logger.Warn("provider marked failed",
					"provider", mp.provider.Name(), "reason", "errors")
			}
		case !reading.Valid():
			mp.consecutiveInvalid++
			mp.totalInvalid++
			if mp.consecutiveInvalid >= invalidFailureBudget {
				mp.failed = true
				failedCount++
				c.logger.Warn("provider marked failed",
					"provider", mp.provider.Name(), "reason", "invalid readings")
			}
		default:
			mp.consecutiveErrors = 0
			mp.consecutiveInvalid = 0
			readings = append(readings, *reading)
			classes = append(classes, mp.spec.HardwareClass)
		}
		mp.mu.Unlock()
	}

	sr := c.buildSynchronized(readings, classes, failedCount)
	c.ring.Append(sr)
	c.samples.Add(1)
}

// buildSynchronized assembles and validates one synchronized reading.
func (c *Coordinator) buildSynchronized(readings []device.EnergyReading, classes []device.HardwareClass, failedCount int) SynchronizedReading {
	sr := SynchronizedReading{
		ProviderReadings:       readings,
		ProvidersActive:        len(readings),
		ProvidersFailed:        failedCount,
		TemporalAlignmentValid: true,
		CrossValidationPassed:  true,
	}

	if len(readings) == 0 {
		// keep the ring ordering invariant even while empty
		sr.CommonTimestampNs = c.ts.Now()
		c.lastCommonNs = sr.CommonTimestampNs
		return sr
	}

	// common instant is the newest per-provider timestamp
	minTs, maxTs := readings[0].TimestampNs, readings[0].TimestampNs
	for _, r := range readings[1:] {
		if r.TimestampNs < minTs {
			minTs = r.TimestampNs
		}
		if r.TimestampNs > maxTs {
			maxTs = r.TimestampNs
		}
	}
	sr.CommonTimestampNs = maxTs
	if sr.CommonTimestampNs < c.lastCommonNs {
		sr.CommonTimestampNs = c.lastCommonNs
	}
	c.lastCommonNs = sr.CommonTimestampNs

	sr.TemporalAlignmentValid = maxTs-minTs <= uint64(c.cfg.TemporalAlignmentTolerance.Nanoseconds())

	// aggregate across providers without double counting: all CPU-class
	// providers overlap on the package, so only the first contributes;
	// GPU and SoC domains are disjoint
	var confidenceSum float64
	cpuCounted := false
	var cpuPowersW []float64
	for i, r := range readings {
		confidenceSum += r.Confidence
		if r.UncertaintyPercent > sr.UncertaintyPercent {
			sr.UncertaintyPercent = r.UncertaintyPercent
		}

		if classes[i] == device.ClassCPU {
			cpuPowersW = append(cpuPowersW, r.AggregatePower.Watts())
			if cpuCounted {
				continue
			}
			cpuCounted = true
		}
		sr.TotalEnergy += r.AggregateEnergy
		sr.TotalPower += r.AggregatePower
	}
	sr.Confidence = confidenceSum / float64(len(readings))

	if c.cfg.EnableCrossValidation {
		sr.MaxProviderDeviation, sr.CrossValidationPassed =
			crossValidate(cpuPowersW, c.cfg.CrossValidationThreshold)
	}

	if !sr.TemporalAlignmentValid {
		sr.Confidence /= 2
	}
	if !sr.CrossValidationPassed {
		sr.Confidence /= 2
	}

	if c.cfg.EnableEMASmoothing {
		w := sr.TotalPower.Watts()
		if !c.emaPrimed {
			c.emaPowerW = w
			c.emaPrimed = true
		} else {
			c.emaPowerW = emaAlpha*w + (1-emaAlpha)*c.emaPowerW
		}
		sr.TotalPower = device.PowerFromWatts(c.emaPowerW)
	}

	if c.cfg.EnableOutlierFilter {
		w := sr.TotalPower.Watts()
		if len(c.powerWindow) == outlierWindow {
			mean, stddev := meanStddev(c.powerWindow)
			if stddev > 0 && (w > mean+2*stddev || w < mean-2*stddev) {
				sr.Outlier = true
				sr.Confidence *= 0.7
				if sr.UncertaintyPercent < 3.0 {
					sr.UncertaintyPercent = 3.0
				}
			}
			c.powerWindow = c.powerWindow[1:]
		}
		c.powerWindow = append(c.powerWindow, w)
	}

	return sr
}

// SelfTest exercises the pipeline. When running it checks that the latest
// reading is valid; otherwise it runs each provider's own self test and
// passes if any does.
func (c *Coordinator) SelfTest() bool {
	c.mu.RLock()
	state := c.state
	providers := c.providers
	c.mu.RUnlock()

	if state == StateRunning {
		latest, ok := c.Latest()
		return ok && latest.Valid()
	}

	for _, mp := range providers {
		if mp.provider.Init() != nil {
			continue
		}
		if mp.provider.SelfTest() {
			return true
		}
	}
	return false
}

// ProviderStats describes per-provider health for diagnostics.
type ProviderStats struct {
	Name         string
	Failed       bool
	TotalErrors  uint64
	TotalInvalid uint64
	Restarts     uint64
}

func (c *Coordinator) ProviderStats() []ProviderStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ProviderStats, len(c.providers))
	for i, mp := range c.providers {
		mp.mu.Lock()
		stats[i] = ProviderStats{
			Name:         mp.provider.Name(),
			Failed:       mp.failed,
			TotalErrors:  mp.totalErrors,
			TotalInvalid: mp.totalInvalid,
			Restarts:     mp.restarts,
		}
		mp.mu.Unlock()
	}
	return stats
}

// RingUtilization returns stored / capacity.
func (c *Coordinator) RingUtilization() float64 {
	return float64(c.ring.Len()) / float64(c.ring.Capacity())
}

// Interval exposes the configured sampling interval.
func (c *Coordinator) Interval() time.Duration {
	return c.cfg.SampleInterval
}
