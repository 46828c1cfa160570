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

import (
	"net/http"
	"testing"
)

func resetShared() {
	sharedClientLock.Lock()
	sharedClient = nil
	clientInitialized = false
	sharedClientLock.Unlock()
}

func TestInitHTTPClientFillsDefaults(t *testing.T) {
	resetShared()

	InitHTTPClient(&Config{})
	c := GetHTTPClient()

	tr, ok := c.Transport.(*http.Transport)
	if !ok || tr == nil {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxIdleConns == 0 {
		t.Fatalf("expected MaxIdleConns defaulted, got %d", tr.MaxIdleConns)
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Fatalf("expected MaxIdleConnsPerHost defaulted, got %d", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost == 0 {
		t.Fatalf("expected MaxConnsPerHost defaulted, got %d", tr.MaxConnsPerHost)
	}
	if !tr.DisableCompression {
		t.Fatal("expected compression disabled by default")
	}
	if c.Timeout != RequestTimeout {
		t.Fatalf("expected request timeout %v, got %v", RequestTimeout, c.Timeout)
	}
}

func TestNewHTTPClientDoesNotTouchShared(t *testing.T) {
	resetShared()

	c := NewHTTPClient(&Config{EnableCompression: true})
	if c == nil {
		t.Fatal("NewHTTPClient returned nil")
	}
	if tr := c.Transport.(*http.Transport); tr.DisableCompression {
		t.Fatal("expected compression enabled")
	}
	sharedClientLock.RLock()
	initialized := clientInitialized
	sharedClientLock.RUnlock()
	if initialized {
		t.Fatal("NewHTTPClient initialized the shared client")
	}
}

func TestConfigureSaturationModeSizesPool(t *testing.T) {
	resetShared()

	ConfigureSaturationMode(16, 0)
	c := GetHTTPClient()

	tr, ok := c.Transport.(*http.Transport)
	if !ok || tr == nil {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxConnsPerHost < 16 {
		t.Fatalf("expected at least one connection per worker, got %d", tr.MaxConnsPerHost)
	}
	if tr.MaxIdleConnsPerHost < 16 {
		t.Fatalf("expected idle pool to cover every worker, got %d", tr.MaxIdleConnsPerHost)
	}
	if tr.ForceAttemptHTTP2 {
		t.Fatal("expected HTTP/2 disabled so workers use separate streams")
	}
}

func TestGetHTTPClientLazyInit(t *testing.T) {
	resetShared()

	a := GetHTTPClient()
	b := GetHTTPClient()
	if a == nil || a != b {
		t.Fatalf("expected one shared client, got %p and %p", a, b)
	}
}
