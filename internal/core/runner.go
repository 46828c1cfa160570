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
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/x-stp/rxspeed/internal/events"
	"github.com/x-stp/rxspeed/internal/metrics"
)

// runContext is the state of one RunSpeedTest call: the current phase, the result being
// assembled and the event bus feeding the observers. Nothing in it outlives the call.
type runContext struct {
	id         string
	cfg        *RunConfig
	phase      Phase
	phaseStart time.Time
	result     *RunResult
	bus        *events.Bus[Event]
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	log        *logrus.Entry
}

func newRunContext(cfg *RunConfig, observers []Observer) *runContext {
	id := uuid.NewString()
	rc := &runContext{
		id:    id,
		cfg:   cfg,
		phase: PhaseIdle,
		bus:   events.New[Event](),
		now:   time.Now,
		sleep: sleepContext,
		log:   logrus.WithField("run_id", id),
	}
	for _, o := range observers {
		if o == nil {
			continue
		}
		rc.bus.Subscribe(func(e Event) { dispatch(o, e) })
	}
	rc.phaseStart = rc.now()
	rc.result = &RunResult{RunID: id, StartedAt: rc.phaseStart}
	return rc
}

// transition moves the run to next, enforcing the phase order, records how long the
// previous phase took and notifies observers.
func (rc *runContext) transition(next Phase) error {
	if !rc.phase.canTransition(next) {
		return NewError(KindFatal, "phase transition", fmt.Errorf("%w: %s -> %s", ErrPhaseOrder, rc.phase, next))
	}
	now := rc.now()
	if rc.phase != PhaseIdle {
		metrics.GetMetrics().ObservePhase(rc.phase.String(), now.Sub(rc.phaseStart).Seconds())
	}
	rc.log.Infof("[Run] %s -> %s", rc.phase, next)
	rc.phase, rc.phaseStart = next, now
	rc.bus.Publish(Event{Type: EventPhase, RunID: rc.id, Time: now, Phase: next})
	return nil
}

// sampler returns the SampleFunc that forwards rate samples of phase to observers.
func (rc *runContext) sampler(phase Phase) SampleFunc {
	return func(s RateSample) {
		rc.bus.Publish(Event{Type: EventSample, RunID: rc.id, Time: s.Timestamp, Phase: phase, Sample: &s})
	}
}

// fail ends the run in PhaseFailed. It returns err so callers can `return nil, rc.fail(err)`.
func (rc *runContext) fail(err error) error {
	failedIn := rc.phase
	if !rc.phase.Terminal() {
		// Failed is reachable from every non-terminal phase.
		_ = rc.transition(PhaseFailed)
	}
	status := "failed"
	if errors.Is(err, ErrRunCancelled) {
		status = "cancelled"
	}
	metrics.GetMetrics().IncRun(status)
	rc.log.WithField("phase", failedIn.String()).Errorf("[Run] run failed: %v", err)
	rc.bus.Publish(Event{Type: EventError, RunID: rc.id, Time: rc.now(), Phase: failedIn, Err: err, Message: err.Error()})
	return err
}

// pause waits between phases and turns an interrupted wait into ErrRunCancelled.
func (rc *runContext) pause(ctx context.Context, d time.Duration) error {
	if err := rc.sleep(ctx, d); err != nil {
		return fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}
	return nil
}

// RunSpeedTest measures latency, download and upload in that order and returns the run's result.
// A nil cfg runs with DefaultRunConfig. Observers receive phase changes, rate samples and the
// terminal result or error.
//
// A run either reaches PhaseComplete, in which case the result has Success set, or ends in
// PhaseFailed and returns a nil result with an error: invalid configuration, cancellation of ctx
// (ErrRunCancelled) or an unexpected failure in the latency or download phase. Upload problems
// never fail a run; an unusable upload channel yields a simulated value flagged UploadSimulated.
func RunSpeedTest(ctx context.Context, cfg *RunConfig, observers ...Observer) (*RunResult, error) {
	c := DefaultRunConfig()
	if cfg != nil {
		c = new(RunConfig)
		*c = *cfg
	}
	rc := newRunContext(c, observers)
	if err := c.Validate(); err != nil {
		return nil, rc.fail(err)
	}
	return rc.run(ctx)
}

func (rc *runContext) run(ctx context.Context) (*RunResult, error) {
	c := rc.cfg
	res := rc.result

	// Latency
	if err := cancelled(ctx); err != nil {
		return nil, rc.fail(err)
	}
	if err := rc.transition(PhaseLatency); err != nil {
		return nil, rc.fail(err)
	}
	lat, err := MeasureLatency(ctx, c.LatencyConfig())
	if err != nil {
		return nil, rc.fail(err)
	}
	res.Latency = lat
	res.PingMs = lat.MeanMs
	res.PingOK = !lat.NoData
	if lat.NoData {
		rc.log.Warnf("[Run] latency: %v from %s, continuing", ErrNoSamples, c.PingTarget)
	}
	if err := rc.pause(ctx, resolvePause(c.PostLatencyPause, DefaultPostLatencyPause)); err != nil {
		return nil, rc.fail(err)
	}

	// Download
	if err := rc.transition(PhaseDownload); err != nil {
		return nil, rc.fail(err)
	}
	down, err := rc.measure(ctx, c.DownloadConfig())
	if err != nil {
		return nil, rc.fail(err)
	}
	res.Download = down
	res.DownloadMbps = down.Mbps
	res.DownloadOK = down.Bytes > 0
	if !res.DownloadOK {
		rc.log.Warnf("[Run] download: %v, %d of %d workers failed", ErrNoSamples, down.FailedWorkers, down.Workers)
	}
	if err := rc.pause(ctx, resolvePause(c.PostDownloadPause, DefaultPostDownloadPause)); err != nil {
		return nil, rc.fail(err)
	}

	// Non-scoring gauge reset between the throughput phases.
	rc.bus.Publish(Event{
		Type:   EventSample,
		RunID:  rc.id,
		Time:   rc.now(),
		Phase:  rc.phase,
		Sample: &RateSample{Timestamp: rc.now(), Reset: true},
	})
	if err := rc.pause(ctx, resolvePause(c.PreUploadPause, DefaultPreUploadPause)); err != nil {
		return nil, rc.fail(err)
	}

	// Upload
	if err := rc.transition(PhaseUpload); err != nil {
		return nil, rc.fail(err)
	}
	upCfg, err := c.UploadConfig()
	if err != nil {
		return nil, rc.fail(err)
	}
	up, err := rc.measure(ctx, upCfg)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunCancelled), IsFatal(err):
		return nil, rc.fail(err)
	default:
		// Fallback disabled: report what was measured before the channel broke.
		rc.log.Warnf("[Run] upload channel unusable, reporting measured partial result: %v", err)
	}
	res.Upload = up
	res.UploadMbps = up.Mbps
	res.UploadSimulated = up.Simulated

	// Complete
	if err := rc.transition(PhaseComplete); err != nil {
		return nil, rc.fail(err)
	}
	res.Success = true
	res.Duration = rc.now().Sub(res.StartedAt)
	metrics.GetMetrics().IncRun("success")
	rc.log.WithFields(logrus.Fields{
		"ping_ms":          res.PingMs,
		"download_mbps":    res.DownloadMbps,
		"upload_mbps":      res.UploadMbps,
		"upload_simulated": res.UploadSimulated,
	}).Info("[Run] run complete")
	rc.bus.Publish(Event{Type: EventResult, RunID: rc.id, Time: rc.now(), Phase: PhaseComplete, Result: res})
	return res, nil
}

// measure runs one throughput phase. Any error other than a structural upload failure with
// fallback disabled is returned as fatal or cancelled.
func (rc *runContext) measure(ctx context.Context, cfg ThroughputConfig) (*ThroughputResult, error) {
	engine, err := NewThroughputEngine(cfg)
	if err != nil {
		return nil, err
	}
	res, err := engine.Measure(ctx, rc.sampler(cfg.Direction.Phase()))
	if err != nil && res == nil {
		return nil, err
	}
	if err != nil && cfg.Direction == Download && !errors.Is(err, ErrRunCancelled) {
		return nil, NewError(KindFatal, "download phase", err)
	}
	return res, err
}
