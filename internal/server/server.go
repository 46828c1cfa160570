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

// Package server implements the measurement endpoint rxspeed runs against: a latency target,
// a sized random download and an upload sink that echoes the payload digest.
package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/x-stp/rxspeed/internal/core"
	"github.com/x-stp/rxspeed/internal/metrics"
)

const (
	// DefaultDownloadSize is served by /download without a size parameter.
	DefaultDownloadSize = 25_000_000
	// MaxDownloadSize caps /download?size=.
	MaxDownloadSize = 1 << 30
	// blockSize is the random block /download repeats.
	blockSize = 1 << 20

	shutdownTimeout = 3 * time.Second
)

// Options configures a Server. Zero sizes select the defaults.
type Options struct {
	Addr string
	// RejectUpload answers every upload with 403, emulating a blocked upload channel.
	RejectUpload        bool
	DefaultDownloadSize int64
	MaxDownloadSize     int64
	// ExposeMetrics mounts /metrics on the same listener.
	ExposeMetrics bool
}

type Server struct {
	opts   Options
	block  []byte
	server *http.Server
	log    *logrus.Entry
}

// uploadReceipt is the /upload response body.
type uploadReceipt struct {
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest"`
}

func New(opts Options) (*Server, error) {
	if opts.DefaultDownloadSize <= 0 {
		opts.DefaultDownloadSize = DefaultDownloadSize
	}
	if opts.MaxDownloadSize <= 0 {
		opts.MaxDownloadSize = MaxDownloadSize
	}
	if opts.DefaultDownloadSize > opts.MaxDownloadSize {
		return nil, fmt.Errorf("default download size %d exceeds maximum %d", opts.DefaultDownloadSize, opts.MaxDownloadSize)
	}
	block := make([]byte, blockSize)
	if _, err := rand.Read(block); err != nil {
		return nil, fmt.Errorf("generate download block: %w", err)
	}
	return &Server{
		opts:  opts,
		block: block,
		log:   logrus.WithField("component", "server"),
	}, nil
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/upload", s.handleUpload)
	if s.opts.ExposeMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return withCORS(mux)
}

// Serve accepts connections on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log.Infof("[Server] serving measurement endpoints on %s", ln.Addr())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on Options.Addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+core.PayloadDigestHeader)
		h.Set("Access-Control-Expose-Headers", core.PayloadDigestHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.fail(w, "/ping", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
	metrics.GetMetrics().ObserveServerRequest("/ping", http.StatusNoContent, 0)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.fail(w, "/download", http.StatusMethodNotAllowed)
		return
	}
	size := s.opts.DefaultDownloadSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.fail(w, "/download", http.StatusBadRequest)
			return
		}
		size = min(n, s.opts.MaxDownloadSize)
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		metrics.GetMetrics().ObserveServerRequest("/download", http.StatusOK, 0)
		return
	}

	var written int64
	for written < size {
		chunk := s.block[:min(int64(len(s.block)), size-written)]
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			s.log.Debugf("[Server] download aborted after %d of %d bytes: %v", written, size, err)
			break
		}
	}
	metrics.GetMetrics().ObserveServerRequest("/download", http.StatusOK, written)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, "/upload", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.RejectUpload {
		s.fail(w, "/upload", http.StatusForbidden)
		return
	}

	hasher := xxh3.New()
	n, err := io.Copy(hasher, r.Body)
	if err != nil {
		s.log.Debugf("[Server] upload body read failed after %d bytes: %v", n, err)
		s.fail(w, "/upload", http.StatusBadRequest)
		return
	}
	digest := strconv.FormatUint(hasher.Sum64(), 16)
	if claimed := r.Header.Get(core.PayloadDigestHeader); claimed != "" && claimed != digest {
		s.log.Warnf("[Server] upload digest mismatch: client %s, received %s", claimed, digest)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(core.PayloadDigestHeader, digest)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(uploadReceipt{Bytes: n, Digest: digest})
	metrics.GetMetrics().ObserveServerRequest("/upload", http.StatusOK, n)
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, code int) {
	http.Error(w, http.StatusText(code), code)
	metrics.GetMetrics().ObserveServerRequest(endpoint, code, 0)
}
