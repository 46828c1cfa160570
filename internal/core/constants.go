/*
Package core constants that are not specific to a single component but are shared across the
measurement engine. This file centralizes the defaults for sampling cadence, phase windows,
payload sizing, HTTP unit behavior and the upload fallback curve.

These defaults reproduce the behavior of the browser gauge rxspeed grew out of and can be tuned
through RunConfig, the YAML configuration file or the command line.
*/
package core

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
	"time"
)

// Application-wide constants for tuning measurement behavior.
const (
	// --- Latency ---

	// DefaultPingSampleCount is how many serial round-trips the latency probe performs.
	DefaultPingSampleCount = 5

	// DefaultPingInterSampleDelay is the pause after every latency sample, successful or not.
	DefaultPingInterSampleDelay = 100 * time.Millisecond

	// DefaultPingTimeout bounds a single latency round-trip. A sample that exceeds it is dropped.
	DefaultPingTimeout = 2 * time.Second

	// --- Throughput ---

	// DefaultDownloadDuration is the download phase window.
	DefaultDownloadDuration = 4 * time.Second

	// DefaultUploadDurationCap is the upload phase window.
	DefaultUploadDurationCap = 4 * time.Second

	// DefaultParallelism is the number of concurrent transfer workers per throughput phase.
	DefaultParallelism = 4

	// MaxParallelism caps the worker count regardless of configuration.
	MaxParallelism = 64

	// DefaultSampleInterval is the rate sampler tick.
	DefaultSampleInterval = 100 * time.Millisecond

	// DefaultUploadPayloadBytes is the size of one upload transfer unit (2 MiB of random data).
	DefaultUploadPayloadBytes = 2 * 1024 * 1024

	// MaxUploadPayloadBytes caps the upload payload; the payload is held in memory once per phase.
	MaxUploadPayloadBytes = 256 * 1024 * 1024

	// DefaultUnitTimeout bounds one transfer unit. A unit also ends at the phase deadline,
	// whichever comes first; cancellation never preempts it.
	DefaultUnitTimeout = 30 * time.Second

	// DefaultUploadRetries is how many times a structural upload failure is retried
	// before the phase falls back to simulation.
	DefaultUploadRetries = 1

	// DefaultNetworkBufferSize is the read buffer used to drain download bodies.
	DefaultNetworkBufferSize = 256 * 1024 // 256KB

	// CacheLineSize is a common CPU cache line size in bytes, used to pad the transfer counter
	// so that worker writes do not false-share with neighbouring fields.
	CacheLineSize = 64

	// MinElapsed is the smallest elapsed window a rate is computed over. Anything shorter
	// yields a rate of 0 instead of an infinite or NaN value.
	MinElapsed = time.Microsecond

	// CacheBustParam is the query parameter carrying the per-request unique token.
	CacheBustParam = "r"

	// --- Fallback ---

	// DefaultFallbackTicks is how many synthetic samples the fallback simulator emits.
	DefaultFallbackTicks = 20

	// DefaultFallbackInterval is the cadence of synthetic samples.
	DefaultFallbackInterval = 100 * time.Millisecond

	// DefaultFallbackMinMbps and DefaultFallbackMaxMbps bound the synthetic rate.
	DefaultFallbackMinMbps = 15.0
	DefaultFallbackMaxMbps = 35.0

	// --- Orchestration ---

	// DefaultPostLatencyPause is the pause between the latency and the download phase.
	DefaultPostLatencyPause = 500 * time.Millisecond

	// DefaultPostDownloadPause is the pause after the download result is reported,
	// before the gauge reset event.
	DefaultPostDownloadPause = 800 * time.Millisecond

	// DefaultPreUploadPause is the pause after the gauge reset, before upload starts.
	DefaultPreUploadPause = 500 * time.Millisecond

	// --- Targets ---

	// DefaultPingTarget and DefaultDownloadTarget point at a public image generator that
	// returns a large uncached body; DefaultUploadTarget is a public echo endpoint.
	DefaultPingTarget     = "https://placehold.co/5000x5000/000000/FFFFFF.png?text=DATA"
	DefaultDownloadTarget = "https://placehold.co/5000x5000/000000/FFFFFF.png?text=DATA"
	DefaultUploadTarget   = "https://httpbin.org/post"

	// UserAgent is sent with every measurement request.
	UserAgent = "rxspeed (+https://github.com/x-stp/rxspeed)"
)
