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
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/x-stp/rxspeed/internal/metrics"
	"github.com/x-stp/rxspeed/internal/server"
)

// Flags specific to the serve command
var (
	serveAddr    string
	rejectUpload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a measurement endpoint (/ping, /download, /upload)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveAddr
		}
		if cmd.Flags().Changed("reject-upload") {
			cfg.Server.RejectUpload = rejectUpload
		}
		exposeMetrics := !cfg.Metrics.IsEnabled()
		if exposeMetrics {
			// Serve this process's metrics on the endpoint listener itself.
			metrics.EnableMetrics()
		}
		srv, err := server.New(server.Options{
			Addr:                cfg.Server.Addr,
			RejectUpload:        cfg.Server.RejectUpload,
			DefaultDownloadSize: int64(cfg.Server.DownloadSize),
			MaxDownloadSize:     int64(cfg.Server.MaxDownload),
			ExposeMetrics:       exposeMetrics,
		})
		if err != nil {
			return err
		}
		if cfg.Server.RejectUpload {
			logrus.Warn("Rejecting every upload with 403")
		}
		ctx, stop := signalContext()
		defer stop()
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().BoolVar(&rejectUpload, "reject-upload", false, "Answer every upload with 403 to exercise the client fallback")
}
