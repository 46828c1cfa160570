package metrics

/*
rxspeed — link quality measurement tool in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     atomic.Bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Run metrics
	RunsTotal     *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec

	// Latency metrics
	LatencySeconds      prometheus.Histogram
	LatencySamplesTotal *prometheus.CounterVec

	// Throughput metrics
	TransferBytesTotal *prometheus.CounterVec
	TransferUnitsTotal *prometheus.CounterVec
	CurrentRate        *prometheus.GaugeVec
	FallbackTotal      prometheus.Counter
	DigestMismatches   prometheus.Counter

	// Worker metrics
	WorkerPanics *prometheus.CounterVec

	// Endpoint server metrics
	ServerRequestsTotal *prometheus.CounterVec
	ServerBytesTotal    *prometheus.CounterVec
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled.Store(true)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	phaseBuckets := []float64{.1, .25, .5, 1, 2, 4, 6, 8, 10, 15, 30, 60}

	return &Metrics{
		RunsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_runs_total",
				Help: "Total number of speed test runs by terminal status",
			},
			[]string{"status"},
		),
		PhaseDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rxspeed_phase_duration_seconds",
				Help:    "Wall time spent in each measurement phase",
				Buckets: phaseBuckets,
			},
			[]string{"phase"},
		),

		LatencySeconds: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rxspeed_latency_seconds",
				Help:    "Round-trip time of successful latency samples",
				Buckets: buckets,
			},
		),
		LatencySamplesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_latency_samples_total",
				Help: "Total number of latency samples by outcome",
			},
			[]string{"status"},
		),

		TransferBytesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_transfer_bytes_total",
				Help: "Total bytes moved by completed transfer units",
			},
			[]string{"direction"},
		),
		TransferUnitsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_transfer_units_total",
				Help: "Total number of transfer units by outcome",
			},
			[]string{"direction", "status"},
		),
		CurrentRate: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rxspeed_rate_mbps",
				Help: "Most recent rate sample in megabits per second",
			},
			[]string{"direction"},
		),
		FallbackTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "rxspeed_upload_fallback_total",
				Help: "Number of upload phases resolved by simulation",
			},
		),
		DigestMismatches: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "rxspeed_upload_digest_mismatch_total",
				Help: "Upload units whose echoed payload digest did not match",
			},
		),

		WorkerPanics: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_worker_panics_total",
				Help: "Total number of panics recovered by a transfer worker",
			},
			[]string{"direction"},
		),

		ServerRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_server_requests_total",
				Help: "Requests handled by the measurement endpoint server",
			},
			[]string{"endpoint", "code"},
		),
		ServerBytesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxspeed_server_bytes_total",
				Help: "Bytes served or received by the measurement endpoint server",
			},
			[]string{"endpoint"},
		),
	}
}

// Handler returns the /metrics handler for the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !IsMetricsEnabled() {
		return nil
	}

	// Only start once
	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())

		metricsServer = &http.Server{
			Addr:    addr,
			Handler: mux,
		}

		go func() {
			logrus.Infof("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("Metrics server error: %v", err)
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		logrus.Info("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// IncRun counts a finished run by status (success, failed, cancelled).
func (m *Metrics) IncRun(status string) {
	if !IsMetricsEnabled() {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

// ObservePhase records how long a phase took.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	if !IsMetricsEnabled() {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// ObserveLatencySample records one latency sample. Only successful samples enter the histogram.
func (m *Metrics) ObserveLatencySample(seconds float64, ok bool) {
	if !IsMetricsEnabled() {
		return
	}
	if !ok {
		m.LatencySamplesTotal.WithLabelValues("dropped").Inc()
		return
	}
	m.LatencySamplesTotal.WithLabelValues("ok").Inc()
	m.LatencySeconds.Observe(seconds)
}

// AddTransferBytes counts the bytes of a completed transfer unit.
func (m *Metrics) AddTransferBytes(direction string, n int64) {
	if !IsMetricsEnabled() || n <= 0 {
		return
	}
	m.TransferBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// IncTransferUnit counts a transfer unit by outcome (ok or an error kind).
func (m *Metrics) IncTransferUnit(direction, status string) {
	if !IsMetricsEnabled() {
		return
	}
	m.TransferUnitsTotal.WithLabelValues(direction, status).Inc()
}

// SetRate publishes the latest rate sample.
func (m *Metrics) SetRate(direction string, mbps float64) {
	if !IsMetricsEnabled() {
		return
	}
	m.CurrentRate.WithLabelValues(direction).Set(mbps)
}

// IncFallback counts an upload phase resolved by the fallback simulator.
func (m *Metrics) IncFallback() {
	if !IsMetricsEnabled() {
		return
	}
	m.FallbackTotal.Inc()
}

// IncDigestMismatch counts an upload unit whose echoed digest differed from the payload's.
func (m *Metrics) IncDigestMismatch() {
	if !IsMetricsEnabled() {
		return
	}
	m.DigestMismatches.Inc()
}

// IncWorkerPanic counts a panic recovered inside a transfer worker.
func (m *Metrics) IncWorkerPanic(direction string) {
	if !IsMetricsEnabled() {
		return
	}
	m.WorkerPanics.WithLabelValues(direction).Inc()
}

// ObserveServerRequest records one request handled by the endpoint server.
func (m *Metrics) ObserveServerRequest(endpoint string, code int, bytes int64) {
	if !IsMetricsEnabled() {
		return
	}
	m.ServerRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	if bytes > 0 {
		m.ServerBytesTotal.WithLabelValues(endpoint).Add(float64(bytes))
	}
}
