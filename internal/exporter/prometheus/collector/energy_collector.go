// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"

	"github.com/codegreen-project/nemb/internal/coordinator"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nemb"

// ReadingProvider is the slice of the coordinator the collector consumes.
type ReadingProvider interface {
	Latest() (coordinator.SynchronizedReading, bool)
	SampleCount() uint64
	RingUtilization() float64
}

// EnergyCollector exposes the latest synchronized reading as Prometheus
// metrics. All series come from a single snapshot so they are mutually
// consistent.
type EnergyCollector struct {
	provider ReadingProvider
	logger   *slog.Logger

	joulesDesc     *prometheus.Desc
	wattsDesc      *prometheus.Desc
	confidenceDesc *prometheus.Desc
	activeDesc     *prometheus.Desc
	failedDesc     *prometheus.Desc
	samplesDesc    *prometheus.Desc
	ringDesc       *prometheus.Desc
}

// NewEnergyCollector creates a collector over the coordinator's output.
func NewEnergyCollector(provider ReadingProvider, logger *slog.Logger) *EnergyCollector {
	labels := []string{"provider", "zone"}
	return &EnergyCollector{
		provider: provider,
		logger:   logger.With("service", "energy-collector"),

		joulesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "zone", "joules_total"),
			"Cumulative energy of a zone in joules since provider initialization",
			labels, nil),
		wattsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "zone", "watts"),
			"Power of a zone in watts",
			labels, nil),
		confidenceDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "reading", "confidence"),
			"Confidence of the latest synchronized reading (0-1)",
			nil, nil),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "providers", "active"),
			"Number of providers contributing to the latest reading",
			nil, nil),
		failedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "providers", "failed"),
			"Number of providers currently marked failed",
			nil, nil),
		samplesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sampling", "iterations_total"),
			"Sampling iterations completed",
			nil, nil),
		ringDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "utilization_ratio"),
			"Fill ratio of the synchronized-reading ring buffer",
			nil, nil),
	}
}

func (c *EnergyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.joulesDesc
	ch <- c.wattsDesc
	ch <- c.confidenceDesc
	ch <- c.activeDesc
	ch <- c.failedDesc
	ch <- c.samplesDesc
	ch <- c.ringDesc
}

func (c *EnergyCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.samplesDesc, prometheus.CounterValue,
		float64(c.provider.SampleCount()))
	ch <- prometheus.MustNewConstMetric(c.ringDesc, prometheus.GaugeValue,
		c.provider.RingUtilization())

	latest, ok := c.provider.Latest()
	if !ok {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.confidenceDesc, prometheus.GaugeValue, latest.Confidence)
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(latest.ProvidersActive))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.GaugeValue, float64(latest.ProvidersFailed))

	for _, r := range latest.ProviderReadings {
		for zone, energy := range r.DomainEnergy {
			ch <- prometheus.MustNewConstMetric(c.joulesDesc, prometheus.CounterValue,
				energy.Joules(), r.ProviderID, zone)
		}
		for zone, power := range r.DomainPower {
			ch <- prometheus.MustNewConstMetric(c.wattsDesc, prometheus.GaugeValue,
				power.Watts(), r.ProviderID, zone)
		}
	}
}
