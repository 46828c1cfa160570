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
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"
)

// RunConfig holds every option of a run. For the pause and retry settings zero selects the
// default and a negative value disables the pause or retry entirely.
type RunConfig struct {
	PingTarget           string        `json:"ping_target"`
	PingSampleCount      int           `json:"ping_sample_count"`
	PingInterSampleDelay time.Duration `json:"ping_inter_sample_delay"`
	PingTimeout          time.Duration `json:"ping_timeout"`

	DownloadTarget      string        `json:"download_target"`
	DownloadDuration    time.Duration `json:"download_duration"`
	DownloadParallelism int           `json:"download_parallelism"`

	UploadTarget       string        `json:"upload_target"`
	UploadPayloadBytes int           `json:"upload_payload_bytes"`
	UploadDurationCap  time.Duration `json:"upload_duration_cap"`
	// UploadParallelism defaults to DownloadParallelism.
	UploadParallelism int `json:"upload_parallelism"`
	// UploadRetries is how many structural failures an upload worker retries before the
	// phase falls back to simulation.
	UploadRetries int `json:"upload_retries"`

	SampleInterval     time.Duration `json:"sample_interval"`
	UnitTimeout        time.Duration `json:"unit_timeout"`
	BandwidthLimitMbps float64       `json:"bandwidth_limit_mbps"`

	// DisableFallback reports an unusable upload channel as a measured partial result
	// instead of simulating one.
	DisableFallback  bool          `json:"disable_fallback"`
	FallbackTicks    int           `json:"fallback_ticks"`
	FallbackInterval time.Duration `json:"fallback_interval"`
	FallbackMinMbps  float64       `json:"fallback_min_mbps"`
	FallbackMaxMbps  float64       `json:"fallback_max_mbps"`

	PostLatencyPause  time.Duration `json:"post_latency_pause"`
	PostDownloadPause time.Duration `json:"post_download_pause"`
	PreUploadPause    time.Duration `json:"pre_upload_pause"`

	// Client overrides the shared HTTP client for every phase.
	Client *http.Client `json:"-"`
}

// DefaultRunConfig returns a configuration with every option set to its default.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		PingTarget:           DefaultPingTarget,
		PingSampleCount:      DefaultPingSampleCount,
		PingInterSampleDelay: DefaultPingInterSampleDelay,
		PingTimeout:          DefaultPingTimeout,
		DownloadTarget:       DefaultDownloadTarget,
		DownloadDuration:     DefaultDownloadDuration,
		DownloadParallelism:  DefaultParallelism,
		UploadTarget:         DefaultUploadTarget,
		UploadPayloadBytes:   DefaultUploadPayloadBytes,
		UploadDurationCap:    DefaultUploadDurationCap,
		UploadParallelism:    DefaultParallelism,
		UploadRetries:        DefaultUploadRetries,
		SampleInterval:       DefaultSampleInterval,
		UnitTimeout:          DefaultUnitTimeout,
		FallbackTicks:        DefaultFallbackTicks,
		FallbackInterval:     DefaultFallbackInterval,
		FallbackMinMbps:      DefaultFallbackMinMbps,
		FallbackMaxMbps:      DefaultFallbackMaxMbps,
		PostLatencyPause:     DefaultPostLatencyPause,
		PostDownloadPause:    DefaultPostDownloadPause,
		PreUploadPause:       DefaultPreUploadPause,
	}
}

// Validate fills zero values with defaults and rejects invalid settings. Every failure wraps
// ErrInvalidConfig. Validate is idempotent.
func (c *RunConfig) Validate() error {
	targets := []struct {
		name string
		val  *string
		def  string
	}{
		{"ping target", &c.PingTarget, DefaultPingTarget},
		{"download target", &c.DownloadTarget, DefaultDownloadTarget},
		{"upload target", &c.UploadTarget, DefaultUploadTarget},
	}
	for _, t := range targets {
		if *t.val == "" {
			*t.val = t.def
		}
		if err := validateURL(*t.val); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, t.name, err)
		}
	}

	if c.PingSampleCount < 0 {
		return fmt.Errorf("%w: ping sample count %d is negative", ErrInvalidConfig, c.PingSampleCount)
	}
	if c.PingSampleCount == 0 {
		c.PingSampleCount = DefaultPingSampleCount
	}
	if c.PingTimeout < 0 || c.DownloadDuration < 0 || c.UploadDurationCap < 0 ||
		c.SampleInterval < 0 || c.UnitTimeout < 0 || c.FallbackInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	setDuration(&c.PingTimeout, DefaultPingTimeout)
	setDuration(&c.DownloadDuration, DefaultDownloadDuration)
	setDuration(&c.UploadDurationCap, DefaultUploadDurationCap)
	setDuration(&c.SampleInterval, DefaultSampleInterval)
	setDuration(&c.UnitTimeout, DefaultUnitTimeout)

	if c.DownloadParallelism < 0 || c.UploadParallelism < 0 {
		return fmt.Errorf("%w: parallelism must not be negative", ErrInvalidConfig)
	}
	if c.DownloadParallelism == 0 {
		c.DownloadParallelism = DefaultParallelism
	}
	if c.UploadParallelism == 0 {
		c.UploadParallelism = c.DownloadParallelism
	}
	if c.DownloadParallelism > MaxParallelism || c.UploadParallelism > MaxParallelism {
		return fmt.Errorf("%w: parallelism exceeds %d", ErrInvalidConfig, MaxParallelism)
	}

	if c.UploadPayloadBytes < 0 || c.UploadPayloadBytes > MaxUploadPayloadBytes {
		return fmt.Errorf("%w: upload payload %d bytes out of range", ErrInvalidConfig, c.UploadPayloadBytes)
	}
	if c.UploadPayloadBytes == 0 {
		c.UploadPayloadBytes = DefaultUploadPayloadBytes
	}
	if c.BandwidthLimitMbps < 0 || math.IsNaN(c.BandwidthLimitMbps) || math.IsInf(c.BandwidthLimitMbps, 0) {
		return fmt.Errorf("%w: bandwidth limit %g must be finite and not negative", ErrInvalidConfig, c.BandwidthLimitMbps)
	}

	if c.FallbackTicks < 0 || c.FallbackMinMbps < 0 || c.FallbackMaxMbps < 0 {
		return fmt.Errorf("%w: negative fallback setting", ErrInvalidConfig)
	}
	if c.FallbackTicks == 0 {
		c.FallbackTicks = DefaultFallbackTicks
	}
	setDuration(&c.FallbackInterval, DefaultFallbackInterval)
	if c.FallbackMinMbps == 0 && c.FallbackMaxMbps == 0 {
		c.FallbackMinMbps, c.FallbackMaxMbps = DefaultFallbackMinMbps, DefaultFallbackMaxMbps
	}
	if c.FallbackMaxMbps < c.FallbackMinMbps {
		return fmt.Errorf("%w: fallback range [%g, %g] is empty", ErrInvalidConfig, c.FallbackMinMbps, c.FallbackMaxMbps)
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// resolvePause maps the zero-means-default, negative-means-none convention to a wait.
func resolvePause(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

func (c *RunConfig) uploadRetries() int {
	switch {
	case c.UploadRetries == 0:
		return DefaultUploadRetries
	case c.UploadRetries < 0:
		return 0
	default:
		return c.UploadRetries
	}
}

// LatencyConfig returns the latency phase settings of c.
func (c *RunConfig) LatencyConfig() LatencyConfig {
	return LatencyConfig{
		Target:           c.PingTarget,
		Samples:          c.PingSampleCount,
		InterSampleDelay: c.PingInterSampleDelay,
		Timeout:          c.PingTimeout,
		Client:           c.Client,
	}
}

// DownloadConfig returns the download phase settings of c.
func (c *RunConfig) DownloadConfig() ThroughputConfig {
	return ThroughputConfig{
		Direction:          Download,
		Target:             c.DownloadTarget,
		Duration:           c.DownloadDuration,
		Parallelism:        c.DownloadParallelism,
		SampleInterval:     c.SampleInterval,
		BandwidthLimitMbps: c.BandwidthLimitMbps,
		UnitTimeout:        c.UnitTimeout,
		Client:             c.Client,
	}
}

// UploadConfig returns the upload phase settings of c, with a fallback simulator attached
// unless DisableFallback is set.
func (c *RunConfig) UploadConfig() (ThroughputConfig, error) {
	cfg := ThroughputConfig{
		Direction:          Upload,
		Target:             c.UploadTarget,
		Duration:           c.UploadDurationCap,
		Parallelism:        c.UploadParallelism,
		SampleInterval:     c.SampleInterval,
		PayloadBytes:       c.UploadPayloadBytes,
		BandwidthLimitMbps: c.BandwidthLimitMbps,
		UnitTimeout:        c.UnitTimeout,
		Retries:            c.uploadRetries(),
		Client:             c.Client,
	}
	if !c.DisableFallback {
		sim, err := NewFallbackSimulator(c.FallbackTicks, c.FallbackInterval, c.FallbackMinMbps, c.FallbackMaxMbps)
		if err != nil {
			return ThroughputConfig{}, err
		}
		cfg.Fallback = sim
	}
	return cfg, nil
}

// validateURL accepts absolute http and https URLs only.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
