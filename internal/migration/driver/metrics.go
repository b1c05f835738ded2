// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package driver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marykdb/maryk-sub012/core/migration"
)

const metricsNamespace = "maryk_migration"

// Collector is a prometheus.Collector that collects metrics about
// schema migrations.
type Collector struct {
	steps   *prometheus.CounterVec
	results *prometheus.CounterVec
	running prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "steps_total",
				Help:      "The number of phase handler invocations by phase and outcome.",
			}, []string{"phase", "outcome"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "results_total",
				Help:      "The number of schema migrations ended by result.",
			}, []string{"result"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active",
				Help:      "The number of schema migrations running.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.steps.Describe(ch)
	c.results.Describe(ch)
	c.running.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.steps.Collect(ch)
	c.results.Collect(ch)
	c.running.Collect(ch)
}

func (c *Collector) recordStep(phase migration.Phase, outcome migration.Outcome) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(phase.String(), outcome.String()).Inc()
}

func (c *Collector) recordResult(status ResultStatus) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(string(status)).Inc()
}

func (c *Collector) active(delta float64) {
	if c == nil {
		return
	}
	c.running.Add(delta)
}
