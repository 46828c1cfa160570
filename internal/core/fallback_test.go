package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFallbackSimulatorRange(t *testing.T) {
	t.Parallel()

	f, err := NewFallbackSimulator(20, time.Microsecond, 15, 35)
	if err != nil {
		t.Fatalf("NewFallbackSimulator() error = %v", err)
	}
	f.sleep = noSleep

	var samples []RateSample
	got := f.Simulate(context.Background(), func(s RateSample) { samples = append(samples, s) })

	if len(samples) != 20 {
		t.Fatalf("emitted %d samples, want 20", len(samples))
	}
	for i, s := range samples {
		if !s.Simulated {
			t.Fatalf("sample %d not flagged simulated", i)
		}
		if s.Mbps < 15 || s.Mbps > 35 {
			t.Fatalf("sample %d = %v outside [15, 35]", i, s.Mbps)
		}
	}
	if got != samples[len(samples)-1].Mbps {
		t.Fatalf("Simulate() = %v, want last sample %v", got, samples[len(samples)-1].Mbps)
	}
}

func TestFallbackSimulatorCancelledStillProducesValue(t *testing.T) {
	t.Parallel()

	f, err := NewFallbackSimulator(0, time.Hour, 0, 0)
	if err != nil {
		t.Fatalf("NewFallbackSimulator() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := 0
	got := f.Simulate(ctx, func(RateSample) { n++ })
	if n != 1 {
		t.Fatalf("emitted %d samples after cancellation, want exactly 1", n)
	}
	if got < DefaultFallbackMinMbps || got > DefaultFallbackMaxMbps {
		t.Fatalf("Simulate() = %v outside default range", got)
	}
}

func TestFallbackSimulatorDegenerateRange(t *testing.T) {
	t.Parallel()

	f, err := NewFallbackSimulator(3, time.Microsecond, 20, 20)
	if err != nil {
		t.Fatalf("NewFallbackSimulator() error = %v", err)
	}
	f.sleep = noSleep
	if got := f.Simulate(context.Background(), nil); got != 20 {
		t.Fatalf("Simulate() = %v, want 20", got)
	}
}

func TestNewFallbackSimulatorRejectsInvalid(t *testing.T) {
	t.Parallel()

	if _, err := NewFallbackSimulator(5, time.Second, 30, 10); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("inverted range error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewFallbackSimulator(-1, time.Second, 10, 20); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative ticks error = %v, want ErrInvalidConfig", err)
	}
}
