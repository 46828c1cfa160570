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

// Package config loads rxspeed's YAML configuration, applies RXSPEED_* environment overrides
// and converts the result into a core.RunConfig.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/x-stp/rxspeed/internal/core"
)

const (
	defaultLogLevel     = "info"
	defaultGaugeMaxMbps = 100.0
	defaultServerAddr   = ":8080"
	// defaultServerMaxDownload caps /download?size= on the endpoint server.
	defaultServerMaxDownload = 1 << 30
	// defaultServerDownloadSize is served when /download has no size parameter.
	defaultServerDownloadSize = 25_000_000
)

// Duration accepts "250ms"-style strings or a bare number of seconds.
// A negative value disables the pause or delay it configures.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		parsed, err := parseDuration(raw)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return 0, nil
	case "none", "off":
		return -1, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return Duration(parsed), nil
}

// Size is a byte count written as a bare integer or a humanized string ("2MiB", "25 MB").
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar")
	}
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*s = Size(n)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func parseSize(raw string) (Size, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return Size(n), nil
}

// String renders the size in IEC units.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

type Config struct {
	Ping     PingConfig     `yaml:"ping"`
	Download DownloadConfig `yaml:"download"`
	Upload   UploadConfig   `yaml:"upload"`
	Sampling SamplingConfig `yaml:"sampling"`
	Pacing   PacingConfig   `yaml:"pacing"`
	Client   ClientConfig   `yaml:"client"`
	Output   OutputConfig   `yaml:"output"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Live     LiveConfig     `yaml:"live"`
	Log      LogConfig      `yaml:"log"`
}

type PingConfig struct {
	Target           string   `yaml:"target"`
	Samples          int      `yaml:"samples"`
	InterSampleDelay Duration `yaml:"inter_sample_delay"`
	Timeout          Duration `yaml:"timeout"`
}

type DownloadConfig struct {
	Target      string   `yaml:"target"`
	Duration    Duration `yaml:"duration"`
	Parallelism int      `yaml:"parallelism"`
}

type UploadConfig struct {
	Target      string         `yaml:"target"`
	Payload     Size           `yaml:"payload"`
	DurationCap Duration       `yaml:"duration_cap"`
	Parallelism int            `yaml:"parallelism"`
	Retries     int            `yaml:"retries"`
	Fallback    FallbackConfig `yaml:"fallback"`
}

type FallbackConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Ticks    int      `yaml:"ticks"`
	Interval Duration `yaml:"interval"`
	MinMbps  float64  `yaml:"min_mbps"`
	MaxMbps  float64  `yaml:"max_mbps"`
}

func (f FallbackConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

type SamplingConfig struct {
	Interval    Duration `yaml:"interval"`
	UnitTimeout Duration `yaml:"unit_timeout"`
	// BandwidthLimit caps each throughput phase, e.g. "100m" (Mbps) or "1g".
	BandwidthLimit string `yaml:"bandwidth_limit"`
}

type PacingConfig struct {
	PostLatency  Duration `yaml:"post_latency"`
	PostDownload Duration `yaml:"post_download"`
	PreUpload    Duration `yaml:"pre_upload"`
}

type ClientConfig struct {
	// SocketBuffer sets SO_RCVBUF/SO_SNDBUF on measurement sockets (Linux only).
	SocketBuffer Size `yaml:"socket_buffer"`
}

type OutputConfig struct {
	JSON         bool    `yaml:"json"`
	TracePath    string  `yaml:"trace_path"`
	TraceGzip    bool    `yaml:"trace_gzip"`
	GaugeMaxMbps float64 `yaml:"gauge_max_mbps"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	RejectUpload bool   `yaml:"reject_upload"`
	DownloadSize Size   `yaml:"download_size"`
	MaxDownload  Size   `yaml:"max_download"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func (m MetricsConfig) IsEnabled() bool {
	return m.Addr != ""
}

type LiveConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.setDefaults()
	return c
}

// LoadConfig reads path, fills defaults and validates. An empty path yields Default().
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Ping.Target == "" {
		c.Ping.Target = core.DefaultPingTarget
	}
	if c.Ping.Samples == 0 {
		c.Ping.Samples = core.DefaultPingSampleCount
	}
	if c.Ping.InterSampleDelay == 0 {
		c.Ping.InterSampleDelay = Duration(core.DefaultPingInterSampleDelay)
	}
	if c.Ping.Timeout == 0 {
		c.Ping.Timeout = Duration(core.DefaultPingTimeout)
	}

	if c.Download.Target == "" {
		c.Download.Target = core.DefaultDownloadTarget
	}
	if c.Download.Duration == 0 {
		c.Download.Duration = Duration(core.DefaultDownloadDuration)
	}
	if c.Download.Parallelism == 0 {
		c.Download.Parallelism = core.DefaultParallelism
	}

	if c.Upload.Target == "" {
		c.Upload.Target = core.DefaultUploadTarget
	}
	if c.Upload.Payload == 0 {
		c.Upload.Payload = Size(core.DefaultUploadPayloadBytes)
	}
	if c.Upload.DurationCap == 0 {
		c.Upload.DurationCap = Duration(core.DefaultUploadDurationCap)
	}
	if c.Upload.Parallelism == 0 {
		c.Upload.Parallelism = c.Download.Parallelism
	}
	if c.Upload.Retries == 0 {
		c.Upload.Retries = core.DefaultUploadRetries
	}
	if c.Upload.Fallback.Ticks == 0 {
		c.Upload.Fallback.Ticks = core.DefaultFallbackTicks
	}
	if c.Upload.Fallback.Interval == 0 {
		c.Upload.Fallback.Interval = Duration(core.DefaultFallbackInterval)
	}
	if c.Upload.Fallback.MinMbps == 0 && c.Upload.Fallback.MaxMbps == 0 {
		c.Upload.Fallback.MinMbps = core.DefaultFallbackMinMbps
		c.Upload.Fallback.MaxMbps = core.DefaultFallbackMaxMbps
	}

	if c.Sampling.Interval == 0 {
		c.Sampling.Interval = Duration(core.DefaultSampleInterval)
	}
	if c.Sampling.UnitTimeout == 0 {
		c.Sampling.UnitTimeout = Duration(core.DefaultUnitTimeout)
	}

	if c.Pacing.PostLatency == 0 {
		c.Pacing.PostLatency = Duration(core.DefaultPostLatencyPause)
	}
	if c.Pacing.PostDownload == 0 {
		c.Pacing.PostDownload = Duration(core.DefaultPostDownloadPause)
	}
	if c.Pacing.PreUpload == 0 {
		c.Pacing.PreUpload = Duration(core.DefaultPreUploadPause)
	}

	if c.Output.GaugeMaxMbps == 0 {
		c.Output.GaugeMaxMbps = defaultGaugeMaxMbps
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Server.DownloadSize == 0 {
		c.Server.DownloadSize = defaultServerDownloadSize
	}
	if c.Server.MaxDownload == 0 {
		c.Server.MaxDownload = defaultServerMaxDownload
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

// Validate checks the configuration. Measurement settings are checked by converting to a
// core.RunConfig and validating that, so both layers agree on what is valid.
func (c *Config) Validate() error {
	if _, err := ParseBandwidthMbps(c.Sampling.BandwidthLimit); err != nil {
		return fmt.Errorf("sampling.bandwidth_limit: %w", err)
	}
	if c.Output.GaugeMaxMbps < 0 {
		return fmt.Errorf("output.gauge_max_mbps must be positive")
	}
	if c.Client.SocketBuffer < 0 {
		return fmt.Errorf("client.socket_buffer must not be negative")
	}
	if c.Server.DownloadSize > c.Server.MaxDownload {
		return fmt.Errorf("server.download_size %s exceeds server.max_download %s", c.Server.DownloadSize, c.Server.MaxDownload)
	}
	rc, err := c.RunConfig()
	if err != nil {
		return err
	}
	return rc.Validate()
}

// RunConfig converts the file configuration into the engine's run configuration.
func (c *Config) RunConfig() (*core.RunConfig, error) {
	limit, err := ParseBandwidthMbps(c.Sampling.BandwidthLimit)
	if err != nil {
		return nil, err
	}
	return &core.RunConfig{
		PingTarget:           c.Ping.Target,
		PingSampleCount:      c.Ping.Samples,
		PingInterSampleDelay: c.Ping.InterSampleDelay.Duration(),
		PingTimeout:          c.Ping.Timeout.Duration(),
		DownloadTarget:       c.Download.Target,
		DownloadDuration:     c.Download.Duration.Duration(),
		DownloadParallelism:  c.Download.Parallelism,
		UploadTarget:         c.Upload.Target,
		UploadPayloadBytes:   int(c.Upload.Payload),
		UploadDurationCap:    c.Upload.DurationCap.Duration(),
		UploadParallelism:    c.Upload.Parallelism,
		UploadRetries:        c.Upload.Retries,
		SampleInterval:       c.Sampling.Interval.Duration(),
		UnitTimeout:          c.Sampling.UnitTimeout.Duration(),
		BandwidthLimitMbps:   limit,
		DisableFallback:      !c.Upload.Fallback.IsEnabled(),
		FallbackTicks:        c.Upload.Fallback.Ticks,
		FallbackInterval:     c.Upload.Fallback.Interval.Duration(),
		FallbackMinMbps:      c.Upload.Fallback.MinMbps,
		FallbackMaxMbps:      c.Upload.Fallback.MaxMbps,
		PostLatencyPause:     c.Pacing.PostLatency.Duration(),
		PostDownloadPause:    c.Pacing.PostDownload.Duration(),
		PreUploadPause:       c.Pacing.PreUpload.Duration(),
	}, nil
}

// ParseBandwidthMbps parses a bandwidth such as "500k", "100m" or "1g" (SI, bits per second)
// into Mbps. A bare number is taken as Mbps. Empty or "0" disables the cap.
func ParseBandwidthMbps(s string) (float64, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "bps"), "bit"))
	// humanize reads SI prefixes case-sensitively; "m" would be milli.
	prefixed := false
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k':
			prefixed = true
		case 'm', 'g', 't':
			s, prefixed = s[:n-1]+strings.ToUpper(s[n-1:]), true
		}
	}
	v, unit, err := humanize.ParseSI(s)
	if err != nil || unit != "" {
		return 0, fmt.Errorf("invalid bandwidth %q", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bandwidth must be finite: %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("bandwidth cannot be negative: %q", raw)
	}
	if prefixed {
		return v / 1e6, nil
	}
	return v, nil
}
