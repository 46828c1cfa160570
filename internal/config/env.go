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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RXSPEED_"

// LoadEnvFile loads KEY=value pairs from path into the process environment without overriding
// variables that are already set. A missing file is not an error unless required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

func envString(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func envInt(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func envDuration(dst func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func envSize(dst func(c *Config) *Size) func(*Config, string) error {
	return func(c *Config, v string) error {
		s, err := parseSize(v)
		if err != nil {
			return err
		}
		*dst(c) = s
		return nil
	}
}

func envBool(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{"PING_TARGET", envString(func(c *Config) *string { return &c.Ping.Target })},
	{"PING_SAMPLES", envInt(func(c *Config) *int { return &c.Ping.Samples })},
	{"PING_TIMEOUT", envDuration(func(c *Config) *Duration { return &c.Ping.Timeout })},
	{"DOWNLOAD_TARGET", envString(func(c *Config) *string { return &c.Download.Target })},
	{"DOWNLOAD_DURATION", envDuration(func(c *Config) *Duration { return &c.Download.Duration })},
	{"DOWNLOAD_PARALLELISM", envInt(func(c *Config) *int { return &c.Download.Parallelism })},
	{"UPLOAD_TARGET", envString(func(c *Config) *string { return &c.Upload.Target })},
	{"UPLOAD_PAYLOAD", envSize(func(c *Config) *Size { return &c.Upload.Payload })},
	{"UPLOAD_DURATION", envDuration(func(c *Config) *Duration { return &c.Upload.DurationCap })},
	{"UPLOAD_PARALLELISM", envInt(func(c *Config) *int { return &c.Upload.Parallelism })},
	{"UPLOAD_RETRIES", envInt(func(c *Config) *int { return &c.Upload.Retries })},
	{"UPLOAD_FALLBACK", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Upload.Fallback.Enabled = &b
		return nil
	}},
	{"SAMPLE_INTERVAL", envDuration(func(c *Config) *Duration { return &c.Sampling.Interval })},
	{"BANDWIDTH_LIMIT", envString(func(c *Config) *string { return &c.Sampling.BandwidthLimit })},
	{"SOCKET_BUFFER", envSize(func(c *Config) *Size { return &c.Client.SocketBuffer })},
	{"TRACE", envString(func(c *Config) *string { return &c.Output.TracePath })},
	{"JSON", envBool(func(c *Config) *bool { return &c.Output.JSON })},
	{"SERVER_ADDR", envString(func(c *Config) *string { return &c.Server.Addr })},
	{"METRICS_ADDR", envString(func(c *Config) *string { return &c.Metrics.Addr })},
	{"LIVE_ADDR", envString(func(c *Config) *string { return &c.Live.Addr })},
	{"LOG_LEVEL", envString(func(c *Config) *string { return &c.Log.Level })},
}

// ApplyEnv overrides c from RXSPEED_* variables found through lookup (os.LookupEnv when nil)
// and revalidates. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	c.setDefaults()
	return c.Validate()
}
