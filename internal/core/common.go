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
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase is the measurement stage of a run. Exactly one phase is active at a time and
// phases advance strictly in declaration order; Failed may be entered from any non-terminal phase.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseLatency
	PhaseDownload
	PhaseUpload
	PhaseComplete
	PhaseFailed
)

var phaseNames = [...]string{"idle", "latency", "download", "upload", "complete", "failed"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// MarshalText renders the phase by name in JSON output and log fields.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// canTransition implements the run state machine:
// Idle -> Latency -> Download -> Upload -> Complete, plus any non-terminal -> Failed.
func (p Phase) canTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	return next == p+1
}

// Direction selects what a throughput phase measures.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return "Direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// MarshalText renders the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Phase returns the run phase that measures this direction.
func (d Direction) Phase() Phase {
	if d == Upload {
		return PhaseUpload
	}
	return PhaseDownload
}

// RateSample is an instantaneous throughput estimate. Samples are produced continuously during
// the download and upload phases and handed to observers; they are never persisted by core.
type RateSample struct {
	Timestamp time.Time     `json:"timestamp"`  // Wall clock with monotonic reading.
	Elapsed   time.Duration `json:"elapsed_ns"` // Time since the phase started.
	Mbps      float64       `json:"mbps"`       // Always >= 0.
	Simulated bool          `json:"simulated,omitempty"`
	Reset     bool          `json:"reset,omitempty"` // Non-scoring gauge reset between phases.
}

// SampleFunc receives rate samples. It is called from the sampler goroutine and must not block for long.
type SampleFunc func(RateSample)

// RunResult is created once per run and is immutable after the run completes.
type RunResult struct {
	RunID        string  `json:"run_id"`
	PingMs       float64 `json:"ping_ms"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`

	// PingOK is false when every latency sample failed; PingMs is then 0 and means "no data".
	PingOK bool `json:"ping_ok"`
	// DownloadOK is false when no download byte was received; DownloadMbps is then 0 and means "no data".
	DownloadOK bool `json:"download_ok"`
	// UploadSimulated marks an upload value synthesized by the fallback simulator.
	UploadSimulated bool `json:"upload_simulated"`
	// Success is true for every run that reached PhaseComplete.
	Success bool `json:"success"`

	Latency  *LatencyResult    `json:"latency,omitempty"`
	Download *ThroughputResult `json:"download,omitempty"`
	Upload   *ThroughputResult `json:"upload,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Mbps converts a byte count over an elapsed window into megabits per second:
// (bytes * 8) / (seconds * 1e6). A window shorter than MinElapsed, a non-positive byte
// count or a non-finite result all yield 0.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	if bytes <= 0 || elapsed < MinElapsed {
		return 0
	}
	v := float64(bytes*8) / (elapsed.Seconds() * 1_000_000)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// cacheBuster produces unique query tokens for one run: a run-scoped uuid prefix and a
// per-request sequence number.
type cacheBuster struct {
	prefix string
	seq    atomic.Uint64
}

func newCacheBuster() *cacheBuster {
	return &cacheBuster{prefix: uuid.NewString()[:8]}
}

// URL returns target with CacheBustParam set to a token never handed out before.
func (c *cacheBuster) URL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", target, err)
	}
	q := u.Query()
	q.Set(CacheBustParam, c.prefix+"-"+strconv.FormatUint(c.seq.Add(1), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
