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

package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/rxspeed/internal/client"
	"github.com/x-stp/rxspeed/internal/metrics"
)

// ThroughputConfig configures one throughput phase.
type ThroughputConfig struct {
	Direction Direction
	// Target is the resource fetched (download) or the endpoint posted to (upload).
	Target string
	// Duration is the phase window; no new unit starts after it elapsed.
	Duration time.Duration
	// Parallelism is the number of concurrent workers.
	Parallelism int
	// SampleInterval is the rate sampler tick.
	SampleInterval time.Duration
	// PayloadBytes is the upload unit size; ignored for download.
	PayloadBytes int
	// BandwidthLimitMbps caps the phase's aggregate rate; 0 disables the cap.
	BandwidthLimitMbps float64
	// UnitTimeout bounds one transfer unit.
	UnitTimeout time.Duration
	// Retries is how many structural upload failures a worker retries before the phase falls back.
	Retries int
	// Fallback synthesizes the upload result when the channel is unusable. Nil disables fallback
	// and the structural error is returned instead.
	Fallback *FallbackSimulator
	// Client overrides the shared HTTP client.
	Client *http.Client
}

// ThroughputResult is the outcome of one phase. Mbps is total bytes over total elapsed time
// at phase end, never an average of the intermediate samples.
type ThroughputResult struct {
	Direction     Direction     `json:"direction"`
	Mbps          float64       `json:"mbps"`
	Bytes         int64         `json:"bytes"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	Units         int           `json:"units"`
	Workers       int           `json:"workers"`
	FailedWorkers int           `json:"failed_workers"`
	Samples       int64         `json:"samples"`
	// Simulated marks a result produced by the fallback simulator instead of a measurement.
	Simulated bool `json:"simulated"`
	// FallbackCause is the error that triggered the fallback, if any.
	FallbackCause string `json:"fallback_cause,omitempty"`
}

// ThroughputEngine runs N concurrent transfer workers against a deadline, accumulates their
// bytes in a shared TransferCounter and drives a RateSampler. It is used for both directions.
type ThroughputEngine struct {
	cfg      ThroughputConfig
	transfer Transfer
	counter  TransferCounter
	now      func() time.Time
	log      *logrus.Entry

	mu      sync.Mutex // serializes Measure; the counter is per-phase state.
	workers []*transferWorker
}

// NewThroughputEngine validates cfg, fills defaults and builds the transfer unit for cfg.Direction.
// For upload the random payload is generated here, once per phase.
func NewThroughputEngine(cfg ThroughputConfig) (*ThroughputEngine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = client.GetHTTPClient()
	}
	limiter := newBandwidthLimiter(cfg.BandwidthLimitMbps)

	var t Transfer
	switch cfg.Direction {
	case Download:
		t = &downloadTransfer{client: httpClient, target: cfg.Target, buster: newCacheBuster(), limiter: limiter}
	case Upload:
		ut, err := newUploadTransfer(httpClient, cfg.Target, cfg.PayloadBytes, limiter)
		if err != nil {
			return nil, err
		}
		t = ut
	default:
		return nil, fmt.Errorf("%w: unknown direction %d", ErrInvalidConfig, cfg.Direction)
	}
	return newEngine(cfg, t), nil
}

func newEngine(cfg ThroughputConfig, t Transfer) *ThroughputEngine {
	return &ThroughputEngine{
		cfg:      cfg,
		transfer: t,
		now:      time.Now,
		log:      logrus.WithField("phase", cfg.Direction.Phase().String()),
	}
}

func (cfg *ThroughputConfig) normalize() error {
	if cfg.Target == "" {
		return fmt.Errorf("%w: %s target is empty", ErrInvalidConfig, cfg.Direction)
	}
	if err := validateURL(cfg.Target); err != nil {
		return fmt.Errorf("%w: %s target: %v", ErrInvalidConfig, cfg.Direction, err)
	}
	if cfg.Duration < 0 || cfg.Parallelism < 0 || cfg.PayloadBytes < 0 || cfg.BandwidthLimitMbps < 0 || cfg.Retries < 0 {
		return fmt.Errorf("%w: negative %s setting", ErrInvalidConfig, cfg.Direction)
	}
	if math.IsNaN(cfg.BandwidthLimitMbps) || math.IsInf(cfg.BandwidthLimitMbps, 0) {
		return fmt.Errorf("%w: %s bandwidth limit must be finite", ErrInvalidConfig, cfg.Direction)
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDownloadDuration
		if cfg.Direction == Upload {
			cfg.Duration = DefaultUploadDurationCap
		}
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Parallelism > MaxParallelism {
		return fmt.Errorf("%w: parallelism %d exceeds %d", ErrInvalidConfig, cfg.Parallelism, MaxParallelism)
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.PayloadBytes == 0 {
		cfg.PayloadBytes = DefaultUploadPayloadBytes
	}
	if cfg.PayloadBytes > MaxUploadPayloadBytes {
		return fmt.Errorf("%w: upload payload %d exceeds %d bytes", ErrInvalidConfig, cfg.PayloadBytes, MaxUploadPayloadBytes)
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = DefaultUnitTimeout
	}
	return nil
}

// Measure runs the phase and returns its result. onSample receives a rate sample every
// SampleInterval until all workers have joined.
//
// Errors: a cancelled ctx yields the partial result together with ErrRunCancelled. A structural
// upload failure falls back to the simulator when one is configured; otherwise the partial
// result is returned with the structural error. Fatal errors return a nil result.
func (e *ThroughputEngine) Measure(ctx context.Context, onSample SampleFunc) (*ThroughputResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := e.cfg.Direction
	m := metrics.GetMetrics()
	if onSample == nil {
		onSample = func(RateSample) {}
	}
	emit := func(s RateSample) {
		m.SetRate(dir.String(), s.Mbps)
		onSample(s)
	}

	e.counter.Reset()
	start := e.now()
	deadline := start.Add(e.cfg.Duration)
	e.log.WithFields(logrus.Fields{
		"target":      e.cfg.Target,
		"parallelism": e.cfg.Parallelism,
		"duration":    e.cfg.Duration,
	}).Infof("[Throughput] %s phase started", dir)

	sampler := NewRateSampler(e.cfg.SampleInterval, func() (int64, time.Duration) {
		return e.counter.Load(), e.now().Sub(start)
	}, emit)
	sampler.now = e.now
	sampler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	e.workers = make([]*transferWorker, e.cfg.Parallelism)
	for i := range e.workers {
		w := &transferWorker{
			id:          i,
			transfer:    e.transfer,
			counter:     &e.counter,
			deadline:    deadline,
			unitTimeout: e.cfg.UnitTimeout,
			now:         e.now,
			log:         e.log.WithField("worker", i),
		}
		if dir == Upload {
			w.retries = e.cfg.Retries
		}
		e.workers[i] = w
		g.Go(func() error { return w.run(gctx) })
	}
	werr := g.Wait()
	// The sampler stops on join, not at the deadline, so no partial tick races the final figure.
	sampler.Stop()

	res := e.result(start)
	res.Samples = sampler.Emitted()

	switch {
	case werr != nil && IsFatal(werr):
		return nil, werr
	case ctx.Err() != nil:
		return res, fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
	}

	if dir == Upload {
		cause := werr
		if cause == nil && res.Bytes == 0 && res.FailedWorkers == res.Workers {
			cause = NewError(KindStructural, "upload phase", errors.New("no upload unit made progress"))
		}
		if cause != nil {
			if e.cfg.Fallback == nil {
				return res, cause
			}
			return e.simulate(ctx, res, cause, onSample)
		}
	}

	e.log.WithFields(logrus.Fields{
		"mbps":    res.Mbps,
		"bytes":   res.Bytes,
		"elapsed": res.Elapsed,
		"units":   res.Units,
	}).Infof("[Throughput] %s phase finished", dir)
	return res, nil
}

// result computes the final figure from the counter total and the actual elapsed time.
func (e *ThroughputEngine) result(start time.Time) *ThroughputResult {
	elapsed := e.now().Sub(start)
	total := e.counter.Load()
	res := &ThroughputResult{
		Direction: e.cfg.Direction,
		Bytes:     total,
		Elapsed:   elapsed,
		Mbps:      Mbps(total, elapsed),
		Workers:   len(e.workers),
	}
	for _, w := range e.workers {
		res.Units += w.units
		if w.failed {
			res.FailedWorkers++
		}
	}
	return res
}

func (e *ThroughputEngine) simulate(ctx context.Context, measured *ThroughputResult, cause error, onSample SampleFunc) (*ThroughputResult, error) {
	e.log.Warnf("[Throughput] upload channel unusable (%v), simulating result", cause)
	metrics.GetMetrics().IncFallback()
	start := e.now()
	mbps := e.cfg.Fallback.Simulate(ctx, onSample)
	return &ThroughputResult{
		Direction:     Upload,
		Mbps:          mbps,
		Bytes:         measured.Bytes,
		Elapsed:       e.now().Sub(start),
		Units:         measured.Units,
		Workers:       measured.Workers,
		FailedWorkers: measured.FailedWorkers,
		Samples:       measured.Samples + int64(e.cfg.Fallback.Ticks),
		Simulated:     true,
		FallbackCause: cause.Error(),
	}, nil
}
