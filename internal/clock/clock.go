// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides monotonic nanosecond timestamps from the best
// available hardware source. Source selection tries the invariant TSC first,
// then the raw and adjusted monotonic kernel clocks, then the realtime clock.
package clock

import (
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"golang.org/x/sys/unix"
)

// Source identifies the timestamp source a Clock was initialized with.
type Source int

const (
	SourceAuto Source = iota
	SourceTSC
	SourceMonotonicRaw
	SourceMonotonic
	SourceRealtime
)

func (s Source) String() string {
	switch s {
	case SourceTSC:
		return "tsc"
	case SourceMonotonicRaw:
		return "monotonic_raw"
	case SourceMonotonic:
		return "monotonic"
	case SourceRealtime:
		return "realtime"
	default:
		return "auto"
	}
}

// ParseSource maps a config string to a Source. Unknown strings map to
// SourceAuto.
func ParseSource(s string) Source {
	switch s {
	case "tsc":
		return SourceTSC
	case "monotonic_raw":
		return SourceMonotonicRaw
	case "monotonic":
		return SourceMonotonic
	case "realtime":
		return SourceRealtime
	default:
		return SourceAuto
	}
}

const (
	// worst acceptable quantization; init fails beyond this
	maxResolutionNs = 1e6

	calibrationSleep = 100 * time.Millisecond

	// sanity bounds for a calibrated TSC frequency
	minTSCFreqHz = 100_000_000
	maxTSCFreqHz = 10_000_000_000
)

// Clock produces monotonic 64-bit nanosecond timestamps. Now is wait-free
// once New has returned.
type Clock struct {
	source       Source
	resolutionNs float64

	// TSC state, valid only when source == SourceTSC
	tscBase   uint64
	tscFreqHz uint64

	clockID int32 // kernel clock id for the POSIX sources
}

type OptionFn func(*options)

type options struct {
	forced Source
	logger *slog.Logger
}

// WithForcedSource pins the clock to one source instead of probing.
func WithForcedSource(s Source) OptionFn {
	return func(o *options) {
		o.forced = s
	}
}

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *options) {
		o.logger = logger
	}
}

// New selects and calibrates a timestamp source. It fails only when no
// source produces a finite resolution better than 1 ms.
func New(applyOpts ...OptionFn) (*Clock, error) {
	opts := options{
		forced: SourceAuto,
		logger: slog.Default(),
	}
	for _, apply := range applyOpts {
		apply(&opts)
	}
	logger := opts.logger.With("service", "clock")

	candidates := []Source{SourceTSC, SourceMonotonicRaw, SourceMonotonic, SourceRealtime}
	if opts.forced != SourceAuto {
		candidates = []Source{opts.forced}
	}

	var lastErr error
	for _, src := range candidates {
		c, err := initSource(src)
		if err != nil {
			logger.Debug("clock source unavailable", "source", src.String(), "error", err)
			lastErr = err
			continue
		}

		c.resolutionNs = measureResolution(c)
		if c.resolutionNs >= maxResolutionNs {
			lastErr = fmt.Errorf("source %s resolution %.0fns worse than 1ms", src, c.resolutionNs)
			continue
		}

		logger.Info("clock initialized",
			"source", c.source.String(),
			"resolution_ns", c.resolutionNs,
			"tsc_freq_hz", c.tscFreqHz)
		return c, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no clock source available")
	}
	return nil, fmt.Errorf("clock initialization failed: %w", lastErr)
}

func initSource(src Source) (*Clock, error) {
	switch src {
	case SourceTSC:
		return initTSC()
	case SourceMonotonicRaw:
		return initPosix(src, unix.CLOCK_MONOTONIC_RAW)
	case SourceMonotonic:
		return initPosix(src, unix.CLOCK_MONOTONIC)
	case SourceRealtime:
		return initPosix(src, unix.CLOCK_REALTIME)
	default:
		return nil, fmt.Errorf("unknown clock source %d", src)
	}
}

func initPosix(src Source, clockID int32) (*Clock, error) {
	c := &Clock{source: src, clockID: clockID}
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return nil, fmt.Errorf("clock_gettime(%d): %w", clockID, err)
	}
	return c, nil
}

// initTSC verifies the invariant-TSC CPUID bit and calibrates the counter
// frequency against CLOCK_MONOTONIC_RAW around a 100 ms sleep.
func initTSC() (*Clock, error) {
	if !hasInvariantTSC() {
		return nil, fmt.Errorf("invariant TSC not supported")
	}

	refStart, err := posixNowNs(unix.CLOCK_MONOTONIC_RAW)
	if err != nil {
		return nil, fmt.Errorf("TSC calibration reference: %w", err)
	}
	tscStart := rdtsc()

	time.Sleep(calibrationSleep)

	tscEnd := rdtsc()
	refEnd, err := posixNowNs(unix.CLOCK_MONOTONIC_RAW)
	if err != nil {
		return nil, fmt.Errorf("TSC calibration reference: %w", err)
	}

	refDelta := refEnd - refStart
	if refDelta == 0 || tscEnd <= tscStart {
		return nil, fmt.Errorf("TSC calibration produced no progress")
	}

	freq := mulDiv(tscEnd-tscStart, 1e9, refDelta)
	if freq < minTSCFreqHz || freq > maxTSCFreqHz {
		return nil, fmt.Errorf("calibrated TSC frequency %d Hz out of range", freq)
	}

	return &Clock{
		source:    SourceTSC,
		tscBase:   tscStart,
		tscFreqHz: freq,
	}, nil
}

// Now returns a monotonic nanosecond timestamp. It never fails after New.
func (c *Clock) Now() uint64 {
	if c.source == SourceTSC {
		return mulDiv(rdtsc()-c.tscBase, 1e9, c.tscFreqHz)
	}

	var ts unix.Timespec
	// the clock id was validated in New; on the vanishingly unlikely error
	// the previous-read semantics of Timespec yield 0, never a panic
	_ = unix.ClockGettime(c.clockID, &ts)
	return uint64(ts.Nano())
}

// ResolutionNs returns the measured quantization of the source in ns.
func (c *Clock) ResolutionNs() float64 {
	return c.resolutionNs
}

// SourceName returns the active source name.
func (c *Clock) SourceName() string {
	return c.source.String()
}

// FrequencyHz returns the calibrated TSC frequency, 0 for kernel sources.
func (c *Clock) FrequencyHz() uint64 {
	return c.tscFreqHz
}

func posixNowNs(clockID int32) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Nano()), nil
}

// measureResolution estimates the quantization by taking the smallest
// positive delta observed between consecutive reads.
func measureResolution(c *Clock) float64 {
	const samples = 128

	best := uint64(1 << 62)
	prev := c.Now()
	for i := 0; i < samples; i++ {
		cur := c.Now()
		if cur > prev && cur-prev < best {
			best = cur - prev
		}
		prev = cur
	}

	if best == 1<<62 {
		// the clock never advanced during sampling
		return maxResolutionNs
	}
	return float64(best)
}

// mulDiv computes a*b/c with a 128-bit intermediate.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		// quotient would overflow 64 bits; saturate
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
