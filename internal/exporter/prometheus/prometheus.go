// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/codegreen-project/nemb/internal/exporter/prometheus/collector"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIRegistry is where the exporter mounts its metrics handler.
type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors enables additional runtime collectors by name
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		for _, name := range names {
			o.debugCollectors[name] = true
		}
	}
}

// Exporter serves the measurement pipeline as Prometheus metrics.
type Exporter struct {
	logger          *slog.Logger
	provider        collector.ReadingProvider
	server          APIRegistry
	registry        *prom.Registry
	debugCollectors map[string]bool
}

// NewExporter creates a Prometheus exporter over the coordinator's output.
func NewExporter(provider collector.ReadingProvider, s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:          opts.logger.With("service", "prometheus"),
		provider:        provider,
		server:          s,
		registry:        prom.NewRegistry(),
		debugCollectors: opts.debugCollectors,
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown debug collector %q", name)
	}
}

func (e *Exporter) Init() error {
	for name, enabled := range e.debugCollectors {
		if !enabled {
			continue
		}
		c, err := collectorForName(name)
		if err != nil {
			return err
		}
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register %s collector: %w", name, err)
		}
	}

	if err := e.registry.Register(collector.NewEnergyCollector(e.provider, e.logger)); err != nil {
		return fmt.Errorf("failed to register energy collector: %w", err)
	}

	return e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
}
