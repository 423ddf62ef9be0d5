// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Mode presets trade sampling overhead against attribution accuracy.
type Mode string

const (
	ModeAccuracy    Mode = "accuracy"     // 1 ms sampling
	ModeBalanced    Mode = "balanced"     // 10 ms sampling
	ModeLowOverhead Mode = "low_overhead" // 100 ms sampling
)

// SampleInterval returns the sampling period the mode implies.
func (m Mode) SampleInterval() time.Duration {
	switch m {
	case ModeAccuracy:
		return time.Millisecond
	case ModeLowOverhead:
		return 100 * time.Millisecond
	default:
		return 10 * time.Millisecond
	}
}

// Config holds the coordinator's recognized options.
type Config struct {
	SampleInterval             time.Duration
	RingCapacity               int
	TemporalAlignmentTolerance time.Duration
	CrossValidationThreshold   float64
	EnableCrossValidation      bool
	AutoRestartFailedProviders bool
	ProviderRestartInterval    time.Duration
	EnableOutlierFilter        bool
	EnableEMASmoothing         bool
	StartTimeout               time.Duration
}

// DefaultConfig returns the balanced-mode defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:             ModeBalanced.SampleInterval(),
		RingCapacity:               100_000,
		TemporalAlignmentTolerance: 100 * time.Microsecond,
		CrossValidationThreshold:   0.05,
		EnableCrossValidation:      true,
		AutoRestartFailedProviders: true,
		ProviderRestartInterval:    5 * time.Second,
		EnableOutlierFilter:        false,
		EnableEMASmoothing:         false,
		StartTimeout:               5 * time.Second,
	}
}

// ConfigForMode returns defaults with the mode's sampling interval applied.
func ConfigForMode(m Mode) Config {
	cfg := DefaultConfig()
	cfg.SampleInterval = m.SampleInterval()
	return cfg
}

type Opts struct {
	logger *slog.Logger
	clock  clock.WithTicker
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the Coordinator
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the scheduling clock, allowing tests to control time
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}
