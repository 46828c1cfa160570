package client

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

/*
Package client provides the configurable HTTP client used for every measurement request.
It includes support for connection pooling, timeouts, socket buffer sizing and a "saturation" mode
that opens enough connections for the parallel throughput workers to fill the link.

The package manages a shared global HTTP client instance that can be configured once and then retrieved by multiple
parts of the application. This promotes reuse of TCP connections and consistent client behavior.
*/

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTP client-specific constants.
const (
	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete.
	DialTimeout = 5 * time.Second
	// KeepAliveTimeout is the interval between keep-alive probes for active network connections.
	KeepAliveTimeout = 60 * time.Second
	// RequestTimeout bounds a whole request including the body. Measurement units carry their
	// own shorter deadline, so this only catches requests made without one.
	RequestTimeout = 60 * time.Second
	// MaxIdleConnsPerHost is the maximum number of idle (keep-alive) connections to keep per-host.
	MaxIdleConnsPerHost = 64 // Default value, can be overridden by Config.
)

var (
	defaultDialTimeout      = DialTimeout
	defaultKeepAliveTimeout = KeepAliveTimeout
	// defaultIdleConnTimeout is the maximum amount of time an idle (keep-alive) connection will remain
	// idle before closing itself.
	defaultIdleConnTimeout = 90 * time.Second
	defaultMaxIdleConns    = 128
	// defaultMaxConnsPerHost controls the maximum number of connections per host (includes dial, active, and idle).
	defaultMaxConnsPerHost = 128
	defaultRequestTimeout  = RequestTimeout

	// sharedClient is the global HTTP client instance used by the application.
	// It is lazily initialized on first use or when explicitly configured.
	sharedClient *http.Client
	// sharedClientLock protects access to sharedClient and clientInitialized.
	sharedClientLock sync.RWMutex
	// clientInitialized indicates whether the sharedClient has been initialized.
	clientInitialized bool
)

// Config holds configuration parameters for the HTTP client.
// A zero-value Config will result in default settings being used.
type Config struct {
	// DialTimeout is the maximum duration for establishing a new connection.
	DialTimeout time.Duration
	// KeepAliveTimeout specifies the keep-alive period for an active network connection.
	KeepAliveTimeout time.Duration
	// IdleConnTimeout is the maximum amount of time an idle (keep-alive) connection
	// will remain idle before closing itself.
	IdleConnTimeout time.Duration
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts.
	MaxIdleConns int
	// MaxIdleConnsPerHost is the maximum number of idle (keep-alive) connections to keep per host.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost controls the maximum number of connections per host, including connections in the dialing,
	// active, and idle states. On limit violation, dials will block.
	MaxConnsPerHost int
	// RequestTimeout is the timeout for the entire HTTP request, including reading the response body.
	RequestTimeout time.Duration
	// SocketBufferBytes sets SO_RCVBUF and SO_SNDBUF on every dialed socket where the
	// platform supports it. Zero keeps the kernel's autotuning.
	SocketBufferBytes int
	// EnableCompression lets the transport negotiate gzip. Off by default: a compressed body
	// would make the byte counts of a throughput phase meaningless.
	EnableCompression bool
}

// DefaultConfig returns a new Config struct populated with default HTTP client settings.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:         defaultDialTimeout,
		KeepAliveTimeout:    defaultKeepAliveTimeout,
		IdleConnTimeout:     defaultIdleConnTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		RequestTimeout:      defaultRequestTimeout,
	}
}

// NewHTTPClient builds a client from config without touching the shared instance.
// A nil config uses DefaultConfig; zero fields are filled with defaults.
func NewHTTPClient(config *Config) *http.Client {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = defaultIdleConnTimeout
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = MaxIdleConnsPerHost
	}
	if c.MaxConnsPerHost == 0 {
		c.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}

	dialer := &net.Dialer{
		Timeout:   c.DialTimeout,
		KeepAlive: c.KeepAliveTimeout,
	}
	if c.SocketBufferBytes > 0 {
		dialer.Control = socketBufferControl(c.SocketBufferBytes)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          c.MaxIdleConns,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		MaxConnsPerHost:       c.MaxConnsPerHost,
		IdleConnTimeout:       c.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    !c.EnableCompression,
		// Parallel workers need parallel TCP streams; HTTP/2 would multiplex them onto one.
		ForceAttemptHTTP2: false,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.RequestTimeout,
	}
}

// InitHTTPClient initializes or reconfigures the shared global HTTP client with the provided configuration.
// If a nil config is provided, it uses the default configuration obtained from DefaultConfig().
// This function is thread-safe.
func InitHTTPClient(config *Config) {
	next := NewHTTPClient(config)

	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	// If we're reinitializing an existing client, close idle connections on the old transport.
	if sharedClient != nil {
		if oldTransport, ok := sharedClient.Transport.(*http.Transport); ok && oldTransport != nil {
			oldTransport.CloseIdleConnections()
		}
	}
	sharedClient = next
	clientInitialized = true
}

// GetHTTPClient returns the shared global HTTP client instance.
// If the client has not been initialized, it will be initialized with default settings.
// This function is thread-safe.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		// Double-check under the write lock so concurrent first callers build one client.
		sharedClientLock.Lock()
		if !clientInitialized {
			sharedClient = NewHTTPClient(nil)
			clientInitialized = true
		}
		sharedClientLock.Unlock()
		sharedClientLock.RLock()
	}
	client := sharedClient
	sharedClientLock.RUnlock()
	return client
}

// ConfigureSaturationMode sizes the shared client's connection pool for the given number of
// parallel transfer workers and applies socketBuffer (bytes, zero for kernel default) to
// every connection. Each worker keeps its own TCP stream, with headroom for a latency probe.
// This function is thread-safe.
func ConfigureSaturationMode(parallelism, socketBuffer int) {
	if parallelism < 1 {
		parallelism = 1
	}
	conns := parallelism*2 + 2
	InitHTTPClient(&Config{
		DialTimeout:         3 * time.Second,
		KeepAliveTimeout:    120 * time.Second,
		IdleConnTimeout:     120 * time.Second,
		MaxIdleConns:        max(conns, defaultMaxIdleConns),
		MaxIdleConnsPerHost: conns,
		MaxConnsPerHost:     conns,
		RequestTimeout:      defaultRequestTimeout,
		SocketBufferBytes:   socketBuffer,
	})
}
