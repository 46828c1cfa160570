package main

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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/x-stp/rxspeed/internal/client"
	"github.com/x-stp/rxspeed/internal/config"
	"github.com/x-stp/rxspeed/internal/core"
	rxio "github.com/x-stp/rxspeed/internal/io"
	"github.com/x-stp/rxspeed/internal/live"
	"github.com/x-stp/rxspeed/internal/util"
)

// Flags shared by the measuring commands
var (
	baseTarget     string
	jsonOutput     bool
	parallelism    int
	bandwidthLimit string
	socketBuffer   string
	noFallback     bool
)

// Flags specific to the run command
var (
	tracePath string
	traceGzip bool
	liveAddr  string
	gaugeMax  float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Measure latency, download and upload in sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyMeasureFlags(cmd); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return runSpeedTest(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round-trip latency only",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyMeasureFlags(cmd); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return runPing(ctx, cmd.OutOrStdout())
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Measure download throughput only",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyMeasureFlags(cmd); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return runThroughput(ctx, core.Download, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Measure upload throughput only",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyMeasureFlags(cmd); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return runThroughput(ctx, core.Upload, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, pingCmd, downloadCmd, uploadCmd} {
		c.Flags().StringVarP(&baseTarget, "target", "t", "", "Endpoint base URL; sets the /ping, /download and /upload targets")
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	}
	for _, c := range []*cobra.Command{runCmd, downloadCmd, uploadCmd} {
		c.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "Transfer workers per throughput phase (0 keeps the configured value)")
		c.Flags().StringVar(&bandwidthLimit, "bandwidth-limit", "", "Cap each throughput phase, e.g. 100m or 1g (bits per second)")
		c.Flags().StringVar(&socketBuffer, "socket-buffer", "", "Socket send/receive buffer size, e.g. 4MiB (Linux only)")
	}
	for _, c := range []*cobra.Command{runCmd, uploadCmd} {
		c.Flags().BoolVar(&noFallback, "no-fallback", false, "Report the measured partial upload instead of simulating one")
	}

	runCmd.Flags().StringVar(&tracePath, "trace", "", "Write every rate sample to this CSV file (a directory gets a generated name)")
	runCmd.Flags().BoolVar(&traceGzip, "trace-gzip", false, "Gzip the trace file")
	runCmd.Flags().StringVar(&liveAddr, "live-addr", "", "Stream run events over WebSocket on this address, e.g. :8081")
	runCmd.Flags().Float64Var(&gaugeMax, "gauge-max", 0, "Full-scale value of the progress gauge in Mbps")
}

// applyMeasureFlags layers the command-line flags that were set on top of cfg and revalidates.
func applyMeasureFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if baseTarget != "" {
		base := strings.TrimRight(baseTarget, "/")
		cfg.Ping.Target = base + "/ping"
		cfg.Download.Target = base + "/download"
		cfg.Upload.Target = base + "/upload"
	}
	if flags.Changed("json") {
		cfg.Output.JSON = jsonOutput
	}
	if flags.Changed("parallelism") {
		cfg.Download.Parallelism = parallelism
		cfg.Upload.Parallelism = parallelism
	}
	if flags.Changed("bandwidth-limit") {
		cfg.Sampling.BandwidthLimit = bandwidthLimit
	}
	if flags.Changed("socket-buffer") {
		n, err := humanize.ParseBytes(socketBuffer)
		if err != nil {
			return fmt.Errorf("invalid --socket-buffer %q: %w", socketBuffer, err)
		}
		cfg.Client.SocketBuffer = config.Size(n)
	}
	if flags.Changed("no-fallback") && noFallback {
		disabled := false
		cfg.Upload.Fallback.Enabled = &disabled
	}
	if flags.Changed("trace") {
		cfg.Output.TracePath = tracePath
	}
	if flags.Changed("trace-gzip") {
		cfg.Output.TraceGzip = traceGzip
	}
	if flags.Changed("live-addr") {
		cfg.Live.Addr = liveAddr
	}
	if flags.Changed("gauge-max") {
		cfg.Output.GaugeMaxMbps = gaugeMax
	}
	return cfg.Validate()
}

// runConfig builds the engine configuration and sizes the shared HTTP client for it.
func runConfig() (*core.RunConfig, error) {
	rc, err := cfg.RunConfig()
	if err != nil {
		return nil, err
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	client.ConfigureSaturationMode(max(rc.DownloadParallelism, rc.UploadParallelism), int(cfg.Client.SocketBuffer))
	return rc, nil
}

// runSpeedTest is the handler for the 'run' command.
func runSpeedTest(ctx context.Context, stdout, stderr io.Writer) error {
	rc, err := runConfig()
	if err != nil {
		return err
	}

	var observers []core.Observer
	if !cfg.Output.JSON {
		observers = append(observers, newProgressPrinter(stderr, cfg.Output.GaugeMaxMbps).Observer())
	}

	if cfg.Output.TracePath != "" {
		path := resolveTracePath(cfg.Output.TracePath, rc.DownloadTarget, cfg.Output.TraceGzip, time.Now())
		trace, err := rxio.NewTraceWriter(ctx, path, cfg.Output.TraceGzip)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer func() {
			if err := trace.Close(); err != nil {
				logrus.Warnf("Failed to close trace %s: %v", trace.Path(), err)
				return
			}
			logrus.Infof("Wrote %d samples to %s", trace.Rows(), trace.Path())
		}()
		observers = append(observers, trace.Observer())
	}

	if cfg.Live.Addr != "" {
		hub := live.NewHub()
		liveCtx, cancelLive := context.WithCancel(ctx)
		defer cancelLive()
		go func() {
			if err := hub.ListenAndServe(liveCtx, cfg.Live.Addr); err != nil {
				logrus.Errorf("Live server error: %v", err)
			}
		}()
		observers = append(observers, hub.Observer())
	}

	result, err := core.RunSpeedTest(ctx, rc, observers...)
	if err != nil {
		if errors.Is(err, core.ErrRunCancelled) {
			return fmt.Errorf("interrupted: %w", err)
		}
		return err
	}
	if cfg.Output.JSON {
		return writeJSON(stdout, result)
	}
	printRunSummary(stdout, result)
	return nil
}

// runPing is the handler for the 'ping' command.
func runPing(ctx context.Context, stdout io.Writer) error {
	rc, err := runConfig()
	if err != nil {
		return err
	}
	lat, err := core.MeasureLatency(ctx, rc.LatencyConfig())
	if err != nil {
		return err
	}
	if cfg.Output.JSON {
		return writeJSON(stdout, lat)
	}
	fmt.Fprintf(stdout, "Ping:     %s\n", formatLatency(lat))
	return nil
}

// runThroughput is the handler for the 'download' and 'upload' commands.
func runThroughput(ctx context.Context, dir core.Direction, stdout, stderr io.Writer) error {
	rc, err := runConfig()
	if err != nil {
		return err
	}
	tc := rc.DownloadConfig()
	if dir == core.Upload {
		if tc, err = rc.UploadConfig(); err != nil {
			return err
		}
	}
	engine, err := core.NewThroughputEngine(tc)
	if err != nil {
		return err
	}

	var onSample core.SampleFunc
	var printer *progressPrinter
	if !cfg.Output.JSON {
		printer = newProgressPrinter(stderr, cfg.Output.GaugeMaxMbps)
		onSample = printer.sampler(dir.Phase())
	}
	res, err := engine.Measure(ctx, onSample)
	if printer != nil {
		printer.done()
	}
	if res == nil {
		return err
	}
	if err != nil {
		// Partial result of an unusable channel or an interrupted phase.
		logrus.Warnf("%s phase ended early: %v", dir, err)
	}
	if cfg.Output.JSON {
		return writeJSON(stdout, res)
	}
	fmt.Fprintf(stdout, "%-9s %s\n", titleCase(dir.String())+":", formatThroughput(res))
	return err
}

// resolveTracePath returns path, or a generated file name inside it when path is a directory.
func resolveTracePath(path, target string, gzip bool, at time.Time) string {
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(os.PathSeparator)) {
		return filepath.Join(path, util.TraceFilename(target, at, gzip))
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, util.TraceFilename(target, at, gzip))
	}
	return path
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRunSummary(w io.Writer, res *core.RunResult) {
	fmt.Fprintf(w, "\n--- rxspeed %s ---\n", res.RunID)
	fmt.Fprintf(w, "Ping:     %s\n", formatLatency(res.Latency))
	fmt.Fprintf(w, "Download: %s\n", formatThroughput(res.Download))
	fmt.Fprintf(w, "Upload:   %s\n", formatThroughput(res.Upload))
	fmt.Fprintf(w, "Duration: %v\n", res.Duration.Round(time.Millisecond))
}

func formatLatency(lat *core.LatencyResult) string {
	if lat == nil || lat.NoData {
		return "no data"
	}
	return fmt.Sprintf("%.1f ms (min %.1f, max %.1f, jitter %.1f, %d/%d ok)",
		lat.MeanMs, lat.MinMs, lat.MaxMs, lat.JitterMs, lat.OK, lat.OK+lat.Failed)
}

func formatThroughput(res *core.ThroughputResult) string {
	if res == nil {
		return "no data"
	}
	if res.Simulated {
		return fmt.Sprintf("%s (simulated: %s)", util.FormatMbps(res.Mbps), res.FallbackCause)
	}
	if res.Bytes == 0 {
		return "no data"
	}
	return fmt.Sprintf("%s (%s in %v, %d units, %d/%d workers ok)",
		util.FormatMbps(res.Mbps), util.FormatBytes(res.Bytes), res.Elapsed.Round(time.Millisecond),
		res.Units, res.Workers-res.FailedWorkers, res.Workers)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
