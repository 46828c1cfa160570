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
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// FallbackSimulator synthesizes a plausible upload rate curve when the real upload channel is
// structurally unusable, so a run still ends with a result. Every sample it emits, and every
// result built from its return value, is flagged Simulated.
type FallbackSimulator struct {
	Ticks    int
	Interval time.Duration
	MinMbps  float64
	MaxMbps  float64

	mu    sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFallbackSimulator returns a simulator drawing Ticks values uniformly from [minMbps, maxMbps],
// one every interval. Zero values select the defaults.
func NewFallbackSimulator(ticks int, interval time.Duration, minMbps, maxMbps float64) (*FallbackSimulator, error) {
	if ticks < 0 || interval < 0 || minMbps < 0 || maxMbps < 0 {
		return nil, fmt.Errorf("%w: negative fallback setting", ErrInvalidConfig)
	}
	if ticks == 0 {
		ticks = DefaultFallbackTicks
	}
	if interval == 0 {
		interval = DefaultFallbackInterval
	}
	if minMbps == 0 && maxMbps == 0 {
		minMbps, maxMbps = DefaultFallbackMinMbps, DefaultFallbackMaxMbps
	}
	if maxMbps < minMbps {
		return nil, fmt.Errorf("%w: fallback range [%g, %g] is empty", ErrInvalidConfig, minMbps, maxMbps)
	}
	now := time.Now()
	return &FallbackSimulator{
		Ticks:    ticks,
		Interval: interval,
		MinMbps:  minMbps,
		MaxMbps:  maxMbps,
		rng:      rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(now.Nanosecond()))),
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// Simulate emits up to Ticks simulated samples through onSample and returns the last one.
// Cancellation cuts the curve short, but at least one sample is always emitted so the
// returned value is never outside [MinMbps, MaxMbps].
func (f *FallbackSimulator) Simulate(ctx context.Context, onSample SampleFunc) float64 {
	if onSample == nil {
		onSample = func(RateSample) {}
	}
	start := f.now()
	var last float64
	for i := 0; i < f.Ticks; i++ {
		if i > 0 {
			if err := f.sleep(ctx, f.Interval); err != nil {
				break
			}
		}
		last = f.draw()
		onSample(RateSample{
			Timestamp: f.now(),
			Elapsed:   f.now().Sub(start),
			Mbps:      last,
			Simulated: true,
		})
	}
	return last
}

func (f *FallbackSimulator) draw() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.MinMbps + f.rng.Float64()*(f.MaxMbps-f.MinMbps)
}
