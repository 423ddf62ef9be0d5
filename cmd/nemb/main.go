// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/codegreen-project/nemb/config"
	"github.com/codegreen-project/nemb/internal/coordinator"
	"github.com/codegreen-project/nemb/internal/exporter/prometheus"
	"github.com/codegreen-project/nemb/internal/exporter/stdout"
	"github.com/codegreen-project/nemb/internal/logger"
	"github.com/codegreen-project/nemb/internal/meter"
	"github.com/codegreen-project/nemb/internal/server"
	"github.com/codegreen-project/nemb/internal/service"
	"github.com/codegreen-project/nemb/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := kingpin.New("nemb", "Native energy measurement backend")
	app.Version(version.Info().Version)

	configFile := app.Flag("config", "Path to the YAML config file").Default("").String()
	updateConfig := config.RegisterFlags(app)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.FromFile(*configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := updateConfig(cfg); err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log.Info("starting nemb",
		"version", version.Info().Version,
		"go", version.Info().GoVersion,
		"mode", cfg.Meter.Mode)

	m, err := meter.New(meter.Config{
		Mode:                   coordinator.Mode(cfg.Meter.Mode),
		SampleInterval:         cfg.Meter.SampleInterval,
		RingCapacity:           cfg.Meter.RingCapacity,
		ForceClockSource:       cfg.Meter.ClockSource,
		EnableCrossValidation:  cfg.Meter.EnableCrossValidation,
		EnableOutlierDetection: cfg.Meter.EnableOutlierDetection,
		EnableNoiseFiltering:   cfg.Meter.EnableNoiseFiltering,
		StartTimeout:           cfg.Meter.StartTimeout,
		StorePath:              cfg.Meter.StorePath,
	}, meter.WithLogger(log))
	if err != nil {
		return err
	}

	services := []service.Service{m}

	if cfg.Exporter.Prometheus.Enabled {
		apiServer := server.NewAPIServer(
			server.WithLogger(log),
			server.WithListenAddress(cfg.Web.ListenAddress),
		)
		promExporter := prometheus.NewExporter(
			m.Coordinator(),
			apiServer,
			prometheus.WithLogger(log),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
		)
		services = append(services, apiServer, promExporter)
	}

	if cfg.Exporter.Stdout.Enabled {
		services = append(services, stdout.NewExporter(
			m.Coordinator(),
			stdout.WithLogger(log),
		))
	}

	services = append(services, service.NewSignalHandler(os.Interrupt, syscall.SIGTERM))

	if err := service.Init(log, services); err != nil {
		return err
	}

	// the whole run is one measurement session
	sessionID := m.StartSession("nemb-run")
	started := time.Now()

	runErr := service.Run(context.Background(), log, services)

	if diff, err := m.EndSession(sessionID); err == nil && diff.Valid {
		log.Info("session complete",
			"duration", time.Since(started).Round(time.Millisecond),
			"energy_joules", fmt.Sprintf("%.3f", diff.EnergyJoules),
			"average_power_watts", fmt.Sprintf("%.3f", diff.AveragePowerWatts))
	}
	if err := m.Close(); err != nil {
		log.Warn("failed to close session store", "error", err)
	}
	return runErr
}
