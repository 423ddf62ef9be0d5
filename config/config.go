// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Meter struct {
		Mode                   string        `yaml:"mode"`
		SampleInterval         time.Duration `yaml:"sampleInterval"`
		RingCapacity           int           `yaml:"ringCapacity"`
		ClockSource            string        `yaml:"clockSource"`
		EnableCrossValidation  bool          `yaml:"enableCrossValidation"`
		EnableOutlierDetection bool          `yaml:"enableOutlierDetection"`
		EnableNoiseFiltering   bool          `yaml:"enableNoiseFiltering"`
		StartTimeout           time.Duration `yaml:"startTimeout"`
		StorePath              string        `yaml:"storePath"`
	}

	Stdout struct {
		Enabled bool `yaml:"enabled"`
	}

	Prometheus struct {
		Enabled         bool     `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     Stdout     `yaml:"stdout"`
		Prometheus Prometheus `yaml:"prometheus"`
	}

	Web struct {
		ListenAddress string `yaml:"listenAddress"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Meter    Meter    `yaml:"meter"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	MeterModeFlag            = "meter.mode"
	MeterSampleIntervalFlag  = "meter.sample-interval"
	MeterRingCapacityFlag    = "meter.ring-capacity"
	MeterClockSourceFlag     = "meter.clock-source"
	MeterCrossValidationFlag = "meter.cross-validation"
	MeterOutlierFlag         = "meter.outlier-detection"
	MeterNoiseFilterFlag     = "meter.noise-filtering"
	MeterStorePathFlag       = "meter.store"

	ExporterStdoutFlag     = "exporter.stdout"
	ExporterPrometheusFlag = "exporter.prometheus"

	WebListenFlag = "web.listen-address"
)

var validModes = map[string]bool{
	"accuracy":     true,
	"balanced":     true,
	"low_overhead": true,
}

var validClockSources = map[string]bool{
	"":              true,
	"tsc":           true,
	"monotonic_raw": true,
	"monotonic":     true,
	"realtime":      true,
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Meter: Meter{
			Mode:                  "balanced",
			RingCapacity:          100_000,
			EnableCrossValidation: true,
			StartTimeout:          5 * time.Second,
		},
		Exporter: Exporter{
			Stdout:     Stdout{Enabled: true},
			Prometheus: Prometheus{Enabled: false, DebugCollectors: []string{"go"}},
		},
		Web: Web{
			ListenAddress: ":28282",
		},
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns a ConfigUpdaterFn that applies parsed flags over the config, as
// command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// Measurement
	mode := app.Flag(MeterModeFlag, "Sampling mode: accuracy (1ms), balanced (10ms), low_overhead (100ms)").Default("balanced").Enum("accuracy", "balanced", "low_overhead")
	sampleInterval := app.Flag(MeterSampleIntervalFlag, "Explicit sampling interval, overrides the mode").Duration()
	ringCapacity := app.Flag(MeterRingCapacityFlag, "Capacity of the synchronized-reading ring buffer").Default("100000").Int()
	clockSource := app.Flag(MeterClockSourceFlag, "Force the timestamp source: tsc, monotonic_raw, monotonic").Default("").Enum("", "tsc", "monotonic_raw", "monotonic", "realtime")
	crossValidation := app.Flag(MeterCrossValidationFlag, "Cross-validate overlapping providers").Default("true").Bool()
	outlier := app.Flag(MeterOutlierFlag, "Flag 2-sigma power outliers as low confidence").Default("false").Bool()
	noiseFilter := app.Flag(MeterNoiseFilterFlag, "Smooth aggregate power with an EMA").Default("false").Bool()
	storePath := app.Flag(MeterStorePathFlag, "Path of the sqlite session store; empty disables persistence").Default("").String()

	// Exporters
	stdoutEnabled := app.Flag(ExporterStdoutFlag, "Periodically print readings to stdout").Default("true").Bool()
	promEnabled := app.Flag(ExporterPrometheusFlag, "Serve Prometheus metrics").Default("false").Bool()
	listenAddr := app.Flag(WebListenFlag, "Web server listen address").Default(":28282").String()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[MeterModeFlag] {
			cfg.Meter.Mode = *mode
		}
		if flagsSet[MeterSampleIntervalFlag] {
			cfg.Meter.SampleInterval = *sampleInterval
		}
		if flagsSet[MeterRingCapacityFlag] {
			cfg.Meter.RingCapacity = *ringCapacity
		}
		if flagsSet[MeterClockSourceFlag] {
			cfg.Meter.ClockSource = *clockSource
		}
		if flagsSet[MeterCrossValidationFlag] {
			cfg.Meter.EnableCrossValidation = *crossValidation
		}
		if flagsSet[MeterOutlierFlag] {
			cfg.Meter.EnableOutlierDetection = *outlier
		}
		if flagsSet[MeterNoiseFilterFlag] {
			cfg.Meter.EnableNoiseFiltering = *noiseFilter
		}
		if flagsSet[MeterStorePathFlag] {
			cfg.Meter.StorePath = *storePath
		}
		if flagsSet[ExporterStdoutFlag] {
			cfg.Exporter.Stdout.Enabled = *stdoutEnabled
		}
		if flagsSet[ExporterPrometheusFlag] {
			cfg.Exporter.Prometheus.Enabled = *promEnabled
		}
		if flagsSet[WebListenFlag] {
			cfg.Web.ListenAddress = *listenAddr
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Meter.Mode = strings.TrimSpace(c.Meter.Mode)
	c.Meter.ClockSource = strings.TrimSpace(c.Meter.ClockSource)
	c.Web.ListenAddress = strings.TrimSpace(c.Web.ListenAddress)
}

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}

	if !validModes[c.Meter.Mode] {
		errs = append(errs, fmt.Sprintf("invalid meter mode: %s", c.Meter.Mode))
	}

	if !validClockSources[c.Meter.ClockSource] {
		errs = append(errs, fmt.Sprintf("invalid clock source: %s", c.Meter.ClockSource))
	}

	if c.Meter.SampleInterval < 0 {
		errs = append(errs, "sample interval cannot be negative")
	}

	if c.Meter.RingCapacity <= 0 {
		errs = append(errs, "ring capacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config marshal failed: %v", err)
	}
	return string(bytes)
}
