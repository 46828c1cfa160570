package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateSamplerEmitsUntilStopped(t *testing.T) {
	t.Parallel()

	var bytes atomic.Int64
	start := time.Now()
	var mu sync.Mutex
	var samples []RateSample

	s := NewRateSampler(5*time.Millisecond, func() (int64, time.Duration) {
		return bytes.Add(1000), time.Since(start)
	}, func(r RateSample) {
		mu.Lock()
		samples = append(samples, r)
		mu.Unlock()
	})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Emitted() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	after := s.Emitted()
	time.Sleep(20 * time.Millisecond)
	if s.Emitted() != after {
		t.Fatalf("sampler emitted after Stop: %d -> %d", after, s.Emitted())
	}
	if after < 3 {
		t.Fatalf("emitted %d samples, want >= 3", after)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, r := range samples {
		if r.Mbps < 0 {
			t.Fatalf("sample %d has negative rate %v", i, r.Mbps)
		}
		if r.Simulated || r.Reset {
			t.Fatalf("sample %d carries unexpected flags", i)
		}
	}
}

func TestRateSamplerZeroElapsed(t *testing.T) {
	t.Parallel()

	got := make(chan RateSample, 1)
	s := NewRateSampler(time.Millisecond, func() (int64, time.Duration) {
		return 1 << 20, 0
	}, func(r RateSample) {
		select {
		case got <- r:
		default:
		}
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case r := <-got:
		if r.Mbps != 0 {
			t.Fatalf("zero elapsed produced %v Mbps, want 0", r.Mbps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample emitted")
	}
}

func TestRateSamplerStopsOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewRateSampler(time.Millisecond, func() (int64, time.Duration) { return 0, 0 }, nil)
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestRateSamplerStopWithoutStart(t *testing.T) {
	t.Parallel()

	s := NewRateSampler(0, func() (int64, time.Duration) { return 0, 0 }, nil)
	s.Stop()
	if s.tick != DefaultSampleInterval {
		t.Fatalf("tick = %v, want default %v", s.tick, DefaultSampleInterval)
	}
}
