// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/codegreen-project/nemb/internal/coordinator"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// ReadingProvider is the slice of the coordinator the exporter consumes.
type ReadingProvider interface {
	Latest() (coordinator.SynchronizedReading, bool)
}

// Exporter periodically prints the latest synchronized reading.
type Exporter struct {
	logger   *slog.Logger
	provider ReadingProvider
	out      io.WriteCloser
	interval time.Duration
}

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 2 * time.Second,
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

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(provider ReadingProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		provider: provider,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Name() string {
	return "stdout"
}

func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			latest, ok := e.provider.Latest()
			if !ok || !latest.Valid() {
				continue
			}
			write(e.out, &latest)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, sr *coordinator.SynchronizedReading) {
	rows := [][]string{}
	for _, r := range sr.ProviderReadings {
		for zone, energy := range r.DomainEnergy {
			rows = append(rows, []string{
				r.ProviderID,
				zone,
				r.DomainPower[zone].String(),
				energy.String(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		return rows[i][1] < rows[j][1]
	})

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Provider", "Zone", "Power(W)", "Absolute(J)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}
