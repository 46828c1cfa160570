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
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/x-stp/rxspeed/internal/client"
	"github.com/x-stp/rxspeed/internal/metrics"
)

// LatencyConfig configures MeasureLatency.
type LatencyConfig struct {
	// Target is the URL probed with header-only round-trips.
	Target string
	// Samples is the number of serial round-trips (DefaultPingSampleCount when zero).
	Samples int
	// InterSampleDelay is waited after every sample regardless of its outcome.
	// Zero means DefaultPingInterSampleDelay; use a negative value for no delay.
	InterSampleDelay time.Duration
	// Timeout bounds a single round-trip (DefaultPingTimeout when zero).
	Timeout time.Duration
	// Client overrides the shared HTTP client.
	Client *http.Client
}

// LatencySample is the outcome of one round-trip.
type LatencySample struct {
	Seq   int           `json:"seq"`
	RTT   time.Duration `json:"rtt_ns"`
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
}

// LatencyResult reduces the surviving samples. MeanMs is the arithmetic mean of successful
// samples only; when none succeeded NoData is set and every statistic is 0.
type LatencyResult struct {
	MeanMs   float64         `json:"mean_ms"`
	MinMs    float64         `json:"min_ms"`
	MaxMs    float64         `json:"max_ms"`
	JitterMs float64         `json:"jitter_ms"`
	OK       int             `json:"ok"`
	Failed   int             `json:"failed"`
	NoData   bool            `json:"no_data"`
	Samples  []LatencySample `json:"samples"`
}

// latencyProbe holds the pieces of MeasureLatency that tests replace.
type latencyProbe struct {
	cfg       LatencyConfig
	roundTrip func(ctx context.Context, target string) error
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	log       *logrus.Entry
}

// MeasureLatency performs cfg.Samples serial minimal round-trips against cfg.Target, each with
// a unique cache-defeating query parameter, and returns the mean of the successful ones.
// A failed sample is dropped, not retried. The only errors returned are invalid configuration
// and cancellation; all samples failing is reported through LatencyResult.NoData.
func MeasureLatency(ctx context.Context, cfg LatencyConfig) (*LatencyResult, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = client.GetHTTPClient()
	}
	p := &latencyProbe{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
		log:   logrus.WithField("phase", PhaseLatency.String()),
	}
	buster := newCacheBuster()
	p.roundTrip = func(ctx context.Context, target string) error {
		return headRoundTrip(ctx, httpClient, buster, target)
	}
	return p.run(ctx)
}

func (cfg *LatencyConfig) normalize() error {
	if cfg.Target == "" {
		return fmt.Errorf("%w: latency target is empty", ErrInvalidConfig)
	}
	if err := validateURL(cfg.Target); err != nil {
		return fmt.Errorf("%w: latency target: %v", ErrInvalidConfig, err)
	}
	if cfg.Samples < 0 {
		return fmt.Errorf("%w: latency sample count %d is negative", ErrInvalidConfig, cfg.Samples)
	}
	if cfg.Samples == 0 {
		cfg.Samples = DefaultPingSampleCount
	}
	if cfg.InterSampleDelay == 0 {
		cfg.InterSampleDelay = DefaultPingInterSampleDelay
	}
	if cfg.InterSampleDelay < 0 {
		cfg.InterSampleDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPingTimeout
	}
	return nil
}

func (p *latencyProbe) run(ctx context.Context) (*LatencyResult, error) {
	res := &LatencyResult{Samples: make([]LatencySample, 0, p.cfg.Samples)}
	m := metrics.GetMetrics()

	for i := 0; i < p.cfg.Samples; i++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
		}

		sampleCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		start := p.now()
		err := p.roundTrip(sampleCtx, p.cfg.Target)
		rtt := p.now().Sub(start)
		cancel()

		s := LatencySample{Seq: i, RTT: rtt, OK: err == nil}
		if err != nil {
			// Dropped: a failed sample never counts toward the mean.
			s.RTT = 0
			s.Error = err.Error()
			res.Failed++
			p.log.WithField("seq", i).Debugf("[Latency] sample dropped: %v", err)
		} else {
			res.OK++
		}
		res.Samples = append(res.Samples, s)
		m.ObserveLatencySample(rtt.Seconds(), err == nil)

		if err := p.sleep(ctx, p.cfg.InterSampleDelay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRunCancelled, err)
		}
	}

	res.reduce()
	p.log.WithFields(logrus.Fields{
		"mean_ms": res.MeanMs,
		"ok":      res.OK,
		"failed":  res.Failed,
	}).Info("[Latency] measurement finished")
	return res, nil
}

// reduce fills the summary statistics from Samples.
func (r *LatencyResult) reduce() {
	var (
		sum      float64
		jitter   float64
		prev     float64
		havePrev bool
	)
	r.MinMs, r.MaxMs = math.Inf(1), 0
	for _, s := range r.Samples {
		if !s.OK {
			continue
		}
		ms := durationMs(s.RTT)
		sum += ms
		r.MinMs = math.Min(r.MinMs, ms)
		r.MaxMs = math.Max(r.MaxMs, ms)
		if havePrev {
			jitter += math.Abs(ms - prev)
		}
		prev, havePrev = ms, true
	}
	if r.OK == 0 {
		r.MeanMs, r.MinMs, r.MaxMs, r.JitterMs = 0, 0, 0, 0
		r.NoData = true
		return
	}
	r.MeanMs = sum / float64(r.OK)
	if r.OK > 1 {
		r.JitterMs = jitter / float64(r.OK-1)
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// headRoundTrip issues one HEAD request and returns once the response headers arrived.
// Any HTTP status counts as a completed round-trip; only transport failures drop the sample.
func headRoundTrip(ctx context.Context, httpClient *http.Client, buster *cacheBuster, target string) error {
	u, err := buster.URL(target)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Cache-Control", "no-store")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
