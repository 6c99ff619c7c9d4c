// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bulk

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "kubeagle"
	metricsSubsystem = "bulk"
)

// Metrics holds all Prometheus metrics for the bulk fix orchestrator.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// GenerationsTotal counts finished generations by status.
	GenerationsTotal *prometheus.CounterVec

	// GenerationsInFlight is a gauge of generations currently running.
	GenerationsInFlight prometheus.Gauge

	// GenerationDurationSeconds measures wall time per generation.
	GenerationDurationSeconds prometheus.Histogram

	// AppliesTotal counts apply attempts by outcome.
	AppliesTotal *prometheus.CounterVec

	// CacheHitsTotal counts generations served from the result cache.
	CacheHitsTotal prometheus.Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide bulk metrics, registering
// them on the default Prometheus registry on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			GenerationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: metricsSubsystem,
					Name:      "generations_total",
					Help:      "Total finished fix generations by status",
				},
				[]string{"status"},
			),

			GenerationsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: metricsSubsystem,
					Name:      "generations_in_flight",
					Help:      "Fix generations currently running",
				},
			),

			GenerationDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: metricsSubsystem,
					Name:      "generation_duration_seconds",
					Help:      "Wall time per fix generation",
					Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
				},
			),

			AppliesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: metricsSubsystem,
					Name:      "applies_total",
					Help:      "Total apply attempts by outcome",
				},
				[]string{"outcome"},
			),

			CacheHitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: metricsSubsystem,
					Name:      "cache_hits_total",
					Help:      "Generations served from the result cache",
				},
			),
		}
	})
	return defaultMetrics
}
