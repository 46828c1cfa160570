package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/x-stp/rxspeed/internal/core"
)

func TestResolveTracePath(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	dir := t.TempDir()

	got := resolveTracePath(dir, "http://host:9000/download", false, at)
	if want := filepath.Join(dir, "rxspeed_host_9000_20250304T050607Z.csv"); got != want {
		t.Errorf("directory: got %q, want %q", got, want)
	}
	file := filepath.Join(dir, "mine.csv")
	if got := resolveTracePath(file, "http://host/download", true, at); got != file {
		t.Errorf("file: got %q, want %q", got, file)
	}
	sub := filepath.Join(dir, "new") + string(os.PathSeparator)
	if got := resolveTracePath(sub, "http://host/download", true, at); !strings.HasSuffix(got, ".csv.gz") {
		t.Errorf("trailing separator: got %q", got)
	}
}

func TestFormatThroughput(t *testing.T) {
	if got := formatThroughput(nil); got != "no data" {
		t.Errorf("nil = %q", got)
	}
	if got := formatThroughput(&core.ThroughputResult{Workers: 4, FailedWorkers: 4}); got != "no data" {
		t.Errorf("no units = %q", got)
	}
	sim := formatThroughput(&core.ThroughputResult{Mbps: 12, Simulated: true, FallbackCause: "rejected"})
	if !strings.Contains(sim, "simulated") || !strings.Contains(sim, "12.00 Mbps") {
		t.Errorf("simulated = %q", sim)
	}
	partial := formatThroughput(&core.ThroughputResult{Direction: core.Upload, Mbps: 3.2, Bytes: 400_000, Elapsed: time.Second, Workers: 2, FailedWorkers: 2})
	if !strings.Contains(partial, "3.20 Mbps") {
		t.Errorf("partial upload without a completed unit = %q", partial)
	}
	got := formatThroughput(&core.ThroughputResult{Mbps: 80, Bytes: 1 << 20, Elapsed: time.Second, Units: 3, Workers: 4, FailedWorkers: 1})
	if !strings.Contains(got, "80.00 Mbps") || !strings.Contains(got, "3/4 workers") {
		t.Errorf("measured = %q", got)
	}
}

func TestFormatLatency(t *testing.T) {
	if got := formatLatency(&core.LatencyResult{NoData: true}); got != "no data" {
		t.Errorf("no data = %q", got)
	}
	got := formatLatency(&core.LatencyResult{MeanMs: 12.34, MinMs: 10, MaxMs: 15, JitterMs: 1, OK: 9, Failed: 1})
	if !strings.HasPrefix(got, "12.3 ms") || !strings.Contains(got, "9/10 ok") {
		t.Errorf("latency = %q", got)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf, 100)
	obs := p.Observer()

	obs.OnPhase("r", core.PhaseLatency)
	obs.OnPhase("r", core.PhaseDownload)
	obs.OnSample("r", core.PhaseDownload, core.RateSample{Mbps: 50})
	obs.OnSample("r", core.PhaseUpload, core.RateSample{Mbps: 5, Simulated: true})
	obs.OnResult(&core.RunResult{RunID: "r"})

	out := buf.String()
	if !strings.Contains(out, "Measuring latency") {
		t.Errorf("missing latency header in %q", out)
	}
	if !strings.Contains(out, "[###############---------------]") {
		t.Errorf("missing half gauge in %q", out)
	}
	if !strings.Contains(out, "(simulated)") {
		t.Errorf("missing simulated mark in %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("status line not terminated: %q", out)
	}
}

func TestTitleCase(t *testing.T) {
	if got := titleCase("download"); got != "Download" {
		t.Errorf("titleCase = %q", got)
	}
	if got := titleCase(""); got != "" {
		t.Errorf("titleCase empty = %q", got)
	}
}
