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
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/x-stp/rxspeed/internal/metrics"
)

// transferWorker repeatedly performs one transfer unit until the phase deadline passes,
// the phase is cancelled, or a unit fails.
type transferWorker struct {
	id          int
	transfer    Transfer
	counter     *TransferCounter
	deadline    time.Time
	unitTimeout time.Duration
	// retries is how many structural failures are retried before the worker reports one.
	// Only upload workers report structural failures; download workers just stop.
	retries int
	now     func() time.Time
	log     *logrus.Entry

	units  int
	failed bool
}

// run is the worker loop. The external stop signal is checked before every unit; a unit
// already in flight is never preempted by it and runs until it completes, fails, hits
// unitTimeout or reaches the phase deadline. A unit ended by the deadline is not a failure.
// run returns a non-nil error only for a structural upload failure (after retries) or a
// recovered panic; every other failure ends this worker quietly.
func (w *transferWorker) run(ctx context.Context) (err error) {
	dir := w.transfer.Direction()
	m := metrics.GetMetrics()
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("[Throughput] panic recovered in worker %d: %v\n%s", w.id, r, debug.Stack())
			m.IncWorkerPanic(dir.String())
			err = NewError(KindFatal, "transfer worker", fmt.Errorf("%w: %v", ErrWorkerPanic, r))
		}
	}()

	retriesLeft := w.retries
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !w.now().Before(w.deadline) {
			return nil
		}

		// A unit never outlives the phase window. Bytes it moved before the cut stay counted.
		timeout, windowBound := w.unitTimeout, false
		if remaining := w.deadline.Sub(w.now()); remaining < timeout {
			timeout, windowBound = remaining, true
		}
		unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		n, uerr := w.transfer.Do(unitCtx, w.counter)
		cutByWindow := windowBound && (unitCtx.Err() != nil || errors.Is(uerr, context.DeadlineExceeded))
		cancel()

		if n > 0 {
			m.AddTransferBytes(dir.String(), n)
		}
		if uerr == nil {
			w.units++
			m.IncTransferUnit(dir.String(), "ok")
			continue
		}
		if cutByWindow && !IsFatal(uerr) {
			m.IncTransferUnit(dir.String(), "cut")
			w.log.Debugf("[Throughput] worker %d: unit cut at phase deadline after %d bytes", w.id, n)
			return nil
		}

		m.IncTransferUnit(dir.String(), KindOf(uerr).String())
		if dir == Upload && IsStructural(uerr) {
			if retriesLeft > 0 {
				retriesLeft--
				w.log.Debugf("[Throughput] worker %d retrying after structural failure: %v", w.id, uerr)
				continue
			}
			w.failed = true
			return uerr
		}
		if IsFatal(uerr) {
			w.failed = true
			return uerr
		}
		w.failed = true
		w.log.Debugf("[Throughput] worker %d stopped after unit error: %v", w.id, uerr)
		return nil
	}
}
