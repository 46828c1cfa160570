package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/x-stp/rxspeed/internal/core"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestPing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		req, _ := http.NewRequest(method, ts.URL+"/ping?r=abc", nil)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("%s /ping: %v", method, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s /ping status = %d, want 204", method, resp.StatusCode)
		}
		if resp.Header.Get("Cache-Control") != "no-store" {
			t.Fatalf("%s /ping is cacheable", method)
		}
	}
}

func TestDownloadSizes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{DefaultDownloadSize: 4096, MaxDownloadSize: 3 << 20})
	tests := []struct {
		query string
		want  int64
	}{
		{"", 4096},
		{"?size=0", 0},
		{"?size=1500000", 1500000},
		{"?size=99999999", 3 << 20},
	}
	for _, tt := range tests {
		resp, err := ts.Client().Get(ts.URL + "/download" + tt.query)
		if err != nil {
			t.Fatalf("GET /download%s: %v", tt.query, err)
		}
		n, err := io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read /download%s: %v", tt.query, err)
		}
		if n != tt.want || resp.ContentLength != tt.want {
			t.Fatalf("/download%s: read %d, content-length %d, want %d", tt.query, n, resp.ContentLength, tt.want)
		}
	}

	resp, err := ts.Client().Get(ts.URL + "/download?size=-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative size status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadEchoesDigest(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	payload := bytes.Repeat([]byte("rxspeed"), 10000)
	want := strconv.FormatUint(xxh3.Hash(payload), 16)

	resp, err := ts.Client().Post(ts.URL+"/upload", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get(core.PayloadDigestHeader); got != want {
		t.Fatalf("digest header = %q, want %q", got, want)
	}
	var receipt uploadReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Bytes != int64(len(payload)) || receipt.Digest != want {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestRejectUploadAndMethods(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{RejectUpload: true})
	resp, err := ts.Client().Post(ts.URL+"/upload", "application/octet-stream", bytes.NewReader(make([]byte, 1024)))
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("rejected upload status = %d, want 403", resp.StatusCode)
	}

	resp, err = ts.Client().Get(ts.URL + "/upload")
	if err != nil {
		t.Fatalf("GET /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /upload status = %d, want 405", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/upload", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS origin header")
	}
}

func TestNewRejectsInconsistentSizes(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{DefaultDownloadSize: 10, MaxDownloadSize: 5}); err == nil {
		t.Fatal("New accepted default size above maximum")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func runConfig(ts *httptest.Server) *core.RunConfig {
	return &core.RunConfig{
		PingTarget:           ts.URL + "/ping",
		PingSampleCount:      3,
		PingInterSampleDelay: -1,
		DownloadTarget:       ts.URL + "/download?size=262144",
		DownloadDuration:     200 * time.Millisecond,
		DownloadParallelism:  2,
		UploadTarget:         ts.URL + "/upload",
		UploadPayloadBytes:   128 * 1024,
		UploadDurationCap:    200 * time.Millisecond,
		SampleInterval:       25 * time.Millisecond,
		FallbackTicks:        3,
		FallbackInterval:     time.Millisecond,
		PostLatencyPause:     -1,
		PostDownloadPause:    -1,
		PreUploadPause:       -1,
		Client:               ts.Client(),
	}
}

func TestRunAgainstServer(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	res, err := core.RunSpeedTest(context.Background(), runConfig(ts))
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if !res.Success || !res.PingOK || !res.DownloadOK || res.UploadSimulated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Upload.Units == 0 {
		t.Fatal("no upload unit completed")
	}
}

func TestRunAgainstRejectingServer(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{RejectUpload: true})
	res, err := core.RunSpeedTest(context.Background(), runConfig(ts))
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if !res.Success || !res.UploadSimulated {
		t.Fatalf("want simulated upload, got %+v", res)
	}
	if res.UploadMbps < core.DefaultFallbackMinMbps || res.UploadMbps > core.DefaultFallbackMaxMbps {
		t.Fatalf("UploadMbps = %v outside fallback range", res.UploadMbps)
	}
}
