package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeClock is a manually advanced clock safe for concurrent use.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeTransfer runs do for every unit.
type fakeTransfer struct {
	dir Direction
	do  func(ctx context.Context, c *TransferCounter) (int64, error)
}

func (f *fakeTransfer) Direction() Direction { return f.dir }

func (f *fakeTransfer) Do(ctx context.Context, c *TransferCounter) (int64, error) {
	return f.do(ctx, c)
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// endpoint is a local measurement endpoint for end-to-end tests.
type endpoint struct {
	*httptest.Server
	pings   atomic.Int64
	uploads atomic.Int64
}

func newEndpoint(t *testing.T, rejectUpload bool) *endpoint {
	t.Helper()
	e := &endpoint{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		e.pings.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		size, err := strconv.Atoi(r.URL.Query().Get("size"))
		if err != nil || size <= 0 {
			size = 256 * 1024
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		buf := make([]byte, 32*1024)
		for size > 0 {
			n := min(size, len(buf))
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			size -= n
		}
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if rejectUpload {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		e.uploads.Add(n)
		w.Header().Set(PayloadDigestHeader, r.Header.Get(PayloadDigestHeader))
		w.WriteHeader(http.StatusOK)
	})
	e.Server = httptest.NewServer(mux)
	t.Cleanup(e.Close)
	return e
}

// closedURL returns the URL of a server that is no longer listening.
func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func testLogEntry() *logrus.Entry {
	return logrus.WithField("test", true)
}
