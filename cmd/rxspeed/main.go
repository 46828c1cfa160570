/*
Package main is the entry point for the rxspeed command-line application.

rxspeed measures the quality of a network link against an HTTP measurement endpoint:
round-trip latency, parallel download throughput and parallel upload throughput. When the
upload channel is unusable the upload figure is synthesized and flagged as simulated.

Subcommands:
  - `run`: the full sequence (latency, download, upload) with a live gauge.
  - `ping`, `download`, `upload`: a single phase.
  - `serve`: a measurement endpoint (/ping, /download, /upload) to test against.
  - `version`: print the build version.

Configuration is layered: built-in defaults, then an optional YAML file (--config), then
RXSPEED_* environment variables (optionally loaded from --env-file), then command-line flags.
Prometheus metrics are served when --metrics-addr is set. Runs stop cleanly on SIGINT/SIGTERM.
*/
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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/x-stp/rxspeed/internal/config"
	"github.com/x-stp/rxspeed/internal/metrics"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Global flags (persistent across commands)
var (
	configPath  string
	envFile     string
	logLevel    string
	debug       bool
	metricsAddr string
)

// cfg is the effective configuration, resolved in PersistentPreRunE.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "rxspeed",
	Short:         "rxspeed - measure link latency, download and upload throughput",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return loadConfiguration(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metrics.IsMetricsEnabled() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := metrics.ShutdownMetricsServer(ctx); err != nil {
				logrus.Warnf("Metrics server shutdown: %v", err)
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rxspeed version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "rxspeed", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Load RXSPEED_* variables from this file if it exists")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfiguration resolves cfg from file, environment and persistent flags, then sets up
// logging and metrics.
func loadConfiguration(cmd *cobra.Command) error {
	if err := config.LoadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := loaded.ApplyEnv(nil); err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if debug {
		loaded.Log.Level = "debug"
	}
	if cmd.Flags().Changed("metrics-addr") {
		loaded.Metrics.Addr = metricsAddr
	}
	cfg = loaded

	if err := setupLogging(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Metrics.IsEnabled() {
		metrics.EnableMetrics()
		if err := metrics.StartMetricsServer(cfg.Metrics.Addr); err != nil {
			logrus.Warnf("Failed to start metrics server: %v", err)
		}
	}
	return nil
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
