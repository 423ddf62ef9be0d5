// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codegreen-project/nemb/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTS is a deterministic measurement clock
type fakeTS struct {
	ns atomic.Uint64
}

func (f *fakeTS) Now() uint64 {
	return f.ns.Add(1_000_000)
}

// fakeProvider is a scriptable provider
type fakeProvider struct {
	mu sync.Mutex

	name    string
	class   device.HardwareClass
	initErr error

	// readFn produces the next reading; called with the read count
	readFn func(n int) (*device.EnergyReading, error)

	reads     int
	inits     int
	shutdowns int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeProvider) Reading() (*device.EnergyReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.readFn(f.reads)
}

func (f *fakeProvider) Spec() device.ProviderSpec {
	return device.ProviderSpec{
		Name:          f.name,
		HardwareClass: f.class,
		Domains:       []device.Zone{device.ZonePackage},
	}
}

func (f *fakeProvider) SelfTest() bool  { return true }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeProvider) setInitErr(err error) {
	f.mu.Lock()
	f.initErr = err
	f.mu.Unlock()
}

// steadyReading builds a readFn yielding a constant power and growing energy
func steadyReading(name string, watts float64, ts *fakeTS) func(int) (*device.EnergyReading, error) {
	return func(n int) (*device.EnergyReading, error) {
		power := device.PowerFromWatts(watts)
		energy := device.EnergyFromJoules(float64(n) * watts * 0.001)
		return &device.EnergyReading{
			ProviderID:   name,
			TimestampNs:  ts.Now(),
			DomainEnergy: map[device.Zone]device.Energy{device.ZonePackage: energy},
			DomainPower:  map[device.Zone]device.Power{device.ZonePackage: power},

			AggregateEnergy: energy,
			AggregatePower:  power,
			Confidence:      0.95,
			Source:          device.SourceHardwareCounter,
		}, nil
	}
}

func newTestCoordinator(cfg Config, ts device.Timestamper) *Coordinator {
	return New(cfg, ts)
}

func TestStateMachine(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	c := newTestCoordinator(cfg, ts)

	assert.Equal(t, StateConfigured, c.State())

	// start with no providers is fatal
	assert.Error(t, c.Start())

	p := &fakeProvider{name: "cpu", class: device.ClassCPU}
	p.readFn = steadyReading("cpu", 10, ts)
	require.NoError(t, c.AddProvider(p))

	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())

	// provider set is frozen while running
	assert.Error(t, c.AddProvider(&fakeProvider{name: "late"}))
	assert.Error(t, c.RemoveProvider("cpu"))
	assert.Error(t, c.Start())

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, p.shutdowns)

	// stopped coordinators need a reset before restarting
	assert.Error(t, c.Start())
	require.NoError(t, c.Reset())
	assert.Equal(t, StateConfigured, c.State())
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
}

func TestStartFailsWhenAllProvidersFail(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.StartTimeout = 100 * time.Millisecond
	c := newTestCoordinator(cfg, ts)

	p := &fakeProvider{name: "broken", class: device.ClassCPU, initErr: fmt.Errorf("no hardware")}
	require.NoError(t, c.AddProvider(p))

	assert.Error(t, c.Start())
	assert.Equal(t, StateConfigured, c.State())
}

func TestSamplingProducesOrderedReadings(t *testing.T) {
	ts := &fakeTS{}
	c := newTestCoordinator(DefaultConfig(), ts)

	p := &fakeProvider{name: "cpu", class: device.ClassCPU}
	p.readFn = steadyReading("cpu", 20, ts)
	require.NoError(t, c.AddProvider(p))
	require.NoError(t, p.Init())

	for i := 0; i < 50; i++ {
		c.sampleOnce()
	}

	snap := c.Snapshot()
	require.Len(t, snap, 50)
	for i := 1; i < len(snap); i++ {
		assert.GreaterOrEqual(t, snap[i].CommonTimestampNs, snap[i-1].CommonTimestampNs)
	}
	assert.Equal(t, uint64(50), c.SampleCount())
}

func TestCrossValidationRejection(t *testing.T) {
	// two overlapping CPU providers reporting 10 W and 12 W with a 5%
	// threshold: deviation |12-11|/11 ~ 0.0909 fails validation
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.EnableCrossValidation = true
	cfg.CrossValidationThreshold = 0.05
	// the two fake providers timestamp independently; keep them aligned
	cfg.TemporalAlignmentTolerance = 10 * time.Millisecond
	c := newTestCoordinator(cfg, ts)

	p1 := &fakeProvider{name: "cpu-a", class: device.ClassCPU}
	p1.readFn = steadyReading("cpu-a", 10, ts)
	p2 := &fakeProvider{name: "cpu-b", class: device.ClassCPU}
	p2.readFn = steadyReading("cpu-b", 12, ts)
	require.NoError(t, c.AddProvider(p1))
	require.NoError(t, c.AddProvider(p2))

	c.sampleOnce()

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.False(t, latest.CrossValidationPassed)
	assert.InDelta(t, 0.0909, latest.MaxProviderDeviation, 0.001)
	// halved confidence stays at or below 0.5
	assert.LessOrEqual(t, latest.Confidence, 0.5)
}

func TestCrossValidationWithinThreshold(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.TemporalAlignmentTolerance = 10 * time.Millisecond
	c := newTestCoordinator(cfg, ts)

	p1 := &fakeProvider{name: "cpu-a", class: device.ClassCPU}
	p1.readFn = steadyReading("cpu-a", 10.0, ts)
	p2 := &fakeProvider{name: "cpu-b", class: device.ClassCPU}
	p2.readFn = steadyReading("cpu-b", 10.2, ts)
	require.NoError(t, c.AddProvider(p1))
	require.NoError(t, c.AddProvider(p2))

	c.sampleOnce()

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.True(t, latest.CrossValidationPassed)
}

func TestTemporalAlignmentViolation(t *testing.T) {
	// per-provider timestamps 150us apart with a 100us tolerance
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.TemporalAlignmentTolerance = 100 * time.Microsecond
	cfg.EnableCrossValidation = false
	c := newTestCoordinator(cfg, ts)

	base := uint64(1_000_000_000)
	mk := func(name string, tsNs uint64) func(int) (*device.EnergyReading, error) {
		return func(n int) (*device.EnergyReading, error) {
			return &device.EnergyReading{
				ProviderID:      name,
				TimestampNs:     tsNs,
				AggregateEnergy: 1000,
				Confidence:      1.0,
			}, nil
		}
	}

	p1 := &fakeProvider{name: "cpu", class: device.ClassCPU, readFn: mk("cpu", base)}
	p2 := &fakeProvider{name: "gpu", class: device.ClassGPU, readFn: mk("gpu", base+150_000)}
	require.NoError(t, c.AddProvider(p1))
	require.NoError(t, c.AddProvider(p2))

	c.sampleOnce()

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.False(t, latest.TemporalAlignmentValid)
	assert.InDelta(t, 0.5, latest.Confidence, 1e-9) // halved from 1.0
	// common instant is the newest provider timestamp
	assert.Equal(t, base+150_000, latest.CommonTimestampNs)
}

func TestAggregationSkipsOverlappingCPUs(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.EnableCrossValidation = false
	cfg.TemporalAlignmentTolerance = 10 * time.Millisecond
	c := newTestCoordinator(cfg, ts)

	p1 := &fakeProvider{name: "cpu-a", class: device.ClassCPU}
	p1.readFn = steadyReading("cpu-a", 10, ts)
	p2 := &fakeProvider{name: "cpu-b", class: device.ClassCPU}
	p2.readFn = steadyReading("cpu-b", 10, ts)
	p3 := &fakeProvider{name: "gpu", class: device.ClassGPU}
	p3.readFn = steadyReading("gpu", 5, ts)
	require.NoError(t, c.AddProvider(p1))
	require.NoError(t, c.AddProvider(p2))
	require.NoError(t, c.AddProvider(p3))

	c.sampleOnce()

	latest, ok := c.Latest()
	require.True(t, ok)
	// one CPU (overlapping package) + the disjoint GPU
	assert.InDelta(t, 15.0, latest.TotalPower.Watts(), 1e-9)
	assert.Equal(t, 3, latest.ProvidersActive)
}

func TestProviderFailureAndRecovery(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	c := newTestCoordinator(cfg, ts)

	good := steadyReading("flaky", 10, ts)
	p := &fakeProvider{name: "flaky", class: device.ClassCPU}
	p.readFn = func(n int) (*device.EnergyReading, error) {
		return &device.EnergyReading{}, nil // invalid, no error
	}
	require.NoError(t, c.AddProvider(p))

	// four invalid readings: still active
	for i := 0; i < invalidFailureBudget-1; i++ {
		c.sampleOnce()
	}
	assert.Equal(t, 1, c.ActiveCount())

	// fifth invalid reading crosses the budget
	c.sampleOnce()
	assert.Equal(t, 0, c.ActiveCount())

	// subsequent synchronized readings exclude the provider
	c.sampleOnce()
	latest, ok := c.Latest()
	require.True(t, ok)
	assert.False(t, latest.Valid())
	assert.Equal(t, 0, latest.ProvidersActive)
	assert.Equal(t, 1, latest.ProvidersFailed)

	// the health pass restores it once reads succeed again
	p.mu.Lock()
	p.readFn = good
	p.mu.Unlock()
	c.healthOnce()
	assert.Equal(t, 1, c.ActiveCount())

	c.sampleOnce()
	latest, ok = c.Latest()
	require.True(t, ok)
	assert.True(t, latest.Valid())
}

func TestProviderInvalidRunResetBySuccess(t *testing.T) {
	ts := &fakeTS{}
	c := newTestCoordinator(DefaultConfig(), ts)

	good := steadyReading("flaky", 10, ts)
	p := &fakeProvider{name: "flaky", class: device.ClassCPU}
	p.readFn = func(n int) (*device.EnergyReading, error) {
		if n <= 4 {
			return &device.EnergyReading{}, nil
		}
		return good(n)
	}
	require.NoError(t, c.AddProvider(p))

	for i := 0; i < 10; i++ {
		c.sampleOnce()
	}
	// four invalid reads then success: never marked failed
	assert.Equal(t, 1, c.ActiveCount())
}

func TestProviderErrorBudget(t *testing.T) {
	ts := &fakeTS{}
	c := newTestCoordinator(DefaultConfig(), ts)

	p := &fakeProvider{name: "dying", class: device.ClassCPU}
	p.readFn = func(n int) (*device.EnergyReading, error) {
		return nil, fmt.Errorf("read exploded")
	}
	require.NoError(t, c.AddProvider(p))

	for i := 0; i < errorFailureBudget; i++ {
		c.sampleOnce()
	}
	assert.Equal(t, 0, c.ActiveCount())
}

func TestEMASmoothing(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.EnableEMASmoothing = true
	cfg.EnableCrossValidation = false
	c := newTestCoordinator(cfg, ts)

	watts := []float64{10, 100}
	p := &fakeProvider{name: "cpu", class: device.ClassCPU}
	p.readFn = func(n int) (*device.EnergyReading, error) {
		w := watts[(n-1)%len(watts)]
		r, _ := steadyReading("cpu", w, ts)(n)
		return r, nil
	}
	require.NoError(t, c.AddProvider(p))

	c.sampleOnce() // primes EMA at 10
	c.sampleOnce() // raw 100 -> smoothed 0.1*100 + 0.9*10 = 19

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.InDelta(t, 19.0, latest.TotalPower.Watts(), 1e-9)
}

func TestOutlierFlagging(t *testing.T) {
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.EnableOutlierFilter = true
	cfg.EnableCrossValidation = false
	c := newTestCoordinator(cfg, ts)

	p := &fakeProvider{name: "cpu", class: device.ClassCPU}
	p.readFn = func(n int) (*device.EnergyReading, error) {
		w := 10.0 + 0.1*float64(n%3) // small jitter so sigma > 0
		if n == outlierWindow+1 {
			w = 500.0 // spike
		}
		r, _ := steadyReading("cpu", w, ts)(n)
		return r, nil
	}
	require.NoError(t, c.AddProvider(p))

	for i := 0; i < outlierWindow; i++ {
		c.sampleOnce()
	}
	c.sampleOnce() // the spike

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.True(t, latest.Outlier)
	assert.GreaterOrEqual(t, latest.UncertaintyPercent, 3.0)
	// flagged low-confidence but not dropped
	assert.True(t, latest.Valid())
}

func TestCrossValidateHelper(t *testing.T) {
	dev, ok := crossValidate([]float64{10, 12}, 0.05)
	assert.False(t, ok)
	assert.InDelta(t, 1.0/11.0, dev, 1e-9)

	dev, ok = crossValidate([]float64{10}, 0.05)
	assert.True(t, ok)
	assert.Zero(t, dev)

	_, ok = crossValidate([]float64{10, 10}, 0.05)
	assert.True(t, ok)
}

func TestRunningCoordinatorEndToEnd(t *testing.T) {
	// real scheduling clock, short interval
	ts := &fakeTS{}
	cfg := DefaultConfig()
	cfg.SampleInterval = time.Millisecond
	cfg.ProviderRestartInterval = 10 * time.Millisecond
	c := newTestCoordinator(cfg, ts)

	p := &fakeProvider{name: "cpu", class: device.ClassCPU}
	p.readFn = steadyReading("cpu", 25, ts)
	require.NoError(t, c.AddProvider(p))

	require.NoError(t, c.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop())

	// roughly one sample per interval; allow generous slack
	count := c.SampleCount()
	assert.Greater(t, count, uint64(5))

	snap := c.Snapshot()
	require.NotEmpty(t, snap)
	for i := 1; i < len(snap); i++ {
		assert.GreaterOrEqual(t, snap[i].CommonTimestampNs, snap[i-1].CommonTimestampNs)
	}

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.True(t, latest.Valid())
	assert.InDelta(t, 25.0, latest.TotalPower.Watts(), 1e-9)
}
