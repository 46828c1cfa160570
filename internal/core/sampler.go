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
	"sync"
	"sync/atomic"
	"time"
)

// SampleSource reports the bytes accumulated so far and the time elapsed since the phase started.
type SampleSource func() (bytes int64, elapsed time.Duration)

// RateSampler turns a running byte total into instantaneous throughput values on a fixed tick.
// It runs until Stop is called or its context ends.
type RateSampler struct {
	tick     time.Duration
	source   SampleSource
	onSample SampleFunc
	now      func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	emitted  atomic.Int64
}

// NewRateSampler creates a sampler. A non-positive tick falls back to DefaultSampleInterval
// and a nil onSample discards samples.
func NewRateSampler(tick time.Duration, source SampleSource, onSample SampleFunc) *RateSampler {
	if tick <= 0 {
		tick = DefaultSampleInterval
	}
	if onSample == nil {
		onSample = func(RateSample) {}
	}
	return &RateSampler{
		tick:     tick,
		source:   source,
		onSample: onSample,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins sampling in the background. Calling Start more than once has no effect.
func (s *RateSampler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(s.tick)
	go func() {
		defer close(s.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop ends sampling and waits until the sampling goroutine has returned, so no
// sample is delivered after Stop returns.
func (s *RateSampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.doneCh
	}
}

// Emitted returns how many samples have been delivered.
func (s *RateSampler) Emitted() int64 {
	return s.emitted.Load()
}

func (s *RateSampler) sample() {
	bytes, elapsed := s.source()
	s.emitted.Add(1)
	s.onSample(RateSample{
		Timestamp: s.now(),
		Elapsed:   elapsed,
		Mbps:      Mbps(bytes, elapsed),
	})
}
