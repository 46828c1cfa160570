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
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"

	"github.com/x-stp/rxspeed/internal/metrics"
)

// PayloadDigestHeader carries the xxh3 digest of an upload body, hex encoded.
// The rxspeed server echoes it back so the client can check the payload arrived intact.
const PayloadDigestHeader = "X-Payload-Digest"

// Transfer performs one transfer unit. Implementations add the bytes they move to counter
// and return the byte count of the unit. They must be safe for concurrent use by all
// workers of a phase.
type Transfer interface {
	Direction() Direction
	Do(ctx context.Context, counter *TransferCounter) (int64, error)
}

// drainPool holds the buffers download units discard bodies into.
var drainPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, DefaultNetworkBufferSize)
		return &b
	},
}

// downloadTransfer fetches one resource body and discards it. Body bytes are added to the
// counter as they are read, so a unit cut short by a timeout still counts what it received.
type downloadTransfer struct {
	client  *http.Client
	target  string
	buster  *cacheBuster
	limiter *rate.Limiter
}

func (d *downloadTransfer) Direction() Direction { return Download }

func (d *downloadTransfer) Do(ctx context.Context, counter *TransferCounter) (int64, error) {
	u, err := d.buster.URL(d.target)
	if err != nil {
		return 0, NewError(KindFatal, "download unit", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, NewError(KindFatal, "download unit", fmt.Errorf("error creating request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Cache-Control", "no-store")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, classifyTransportError("download unit", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, NewError(KindStructural, "download unit",
			fmt.Errorf("%w: HTTP %d", ErrChannelRejected, resp.StatusCode))
	}

	var received int64
	body := &progressReader{
		r: limitReader(ctx, resp.Body, d.limiter),
		onProgress: func(loaded int64) {
			counter.Add(loaded - received)
			received = loaded
		},
	}
	bufp := drainPool.Get().(*[]byte)
	defer drainPool.Put(bufp)
	if _, err := io.CopyBuffer(discardWriter{}, body, *bufp); err != nil {
		return received, classifyTransportError("download body", err)
	}
	return received, nil
}

// uploadTransfer sends one fixed payload per unit. Progress is reported as the transport
// reads the body, and each delta is added to the counter immediately.
type uploadTransfer struct {
	client  *http.Client
	target  string
	payload []byte
	digest  string
	limiter *rate.Limiter
	log     *logrus.Entry
}

// newUploadTransfer builds the random payload shared by every unit of the phase.
func newUploadTransfer(httpClient *http.Client, target string, size int, limiter *rate.Limiter) (*uploadTransfer, error) {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return nil, NewError(KindFatal, "upload payload", err)
	}
	return &uploadTransfer{
		client:  httpClient,
		target:  target,
		payload: payload,
		digest:  strconv.FormatUint(xxh3.Hash(payload), 16),
		limiter: limiter,
		log:     logrus.WithField("phase", PhaseUpload.String()),
	}, nil
}

func (u *uploadTransfer) Direction() Direction { return Upload }

func (u *uploadTransfer) Do(ctx context.Context, counter *TransferCounter) (int64, error) {
	// The transport may still be reading the body after Do returns, so sent is atomic.
	var sent atomic.Int64
	body := &progressReader{
		r: limitReader(ctx, bytes.NewReader(u.payload), u.limiter),
		onProgress: func(loaded int64) {
			counter.Add(loaded - sent.Swap(loaded))
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.target, body)
	if err != nil {
		return 0, NewError(KindFatal, "upload unit", fmt.Errorf("error creating request: %w", err))
	}
	req.ContentLength = int64(len(u.payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(PayloadDigestHeader, u.digest)

	resp, err := u.client.Do(req)
	if err != nil {
		return sent.Load(), classifyTransportError("upload unit", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= http.StatusBadRequest {
		return sent.Load(), NewError(KindStructural, "upload unit",
			fmt.Errorf("%w: HTTP %d", ErrChannelRejected, resp.StatusCode))
	}
	if echoed := resp.Header.Get(PayloadDigestHeader); echoed != "" && echoed != u.digest {
		metrics.GetMetrics().IncDigestMismatch()
		u.log.Warnf("[Throughput] upload digest mismatch: sent %s, endpoint saw %s", u.digest, echoed)
	}
	return sent.Load(), nil
}

// discardWriter drops everything written to it. Unlike io.Discard it has no ReadFrom, so
// io.CopyBuffer reads through the pooled buffer.
type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }

// progressReader reports the cumulative bytes read from r after every Read.
type progressReader struct {
	r          io.Reader
	loaded     int64
	onProgress func(loaded int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.onProgress(p.loaded)
	}
	return n, err
}

// rateLimitedReader paces reads through a shared token bucket measured in bytes.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// limitReader wraps r with limiter; a nil limiter returns r unchanged.
func limitReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (l *rateLimitedReader) Read(b []byte) (int, error) {
	if burst := l.limiter.Burst(); len(b) > burst {
		b = b[:burst]
	}
	n, err := l.r.Read(b)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			if cerr := l.ctx.Err(); cerr != nil {
				return n, cerr
			}
			// WaitN refuses early when the wait would outlast the deadline.
			return n, context.DeadlineExceeded
		}
	}
	return n, err
}

// newBandwidthLimiter converts a cap in Mbps into a byte token bucket. Zero disables the cap.
func newBandwidthLimiter(mbps float64) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSec := mbps * 1_000_000 / 8
	burst := int(bytesPerSec / 10) // 100ms worth of tokens
	if burst < 16*1024 {
		burst = 16 * 1024
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
