package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects run events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observer() Observer {
	return ObserverFunc(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, e := range r.events {
		if e.Type == EventPhase {
			out = append(out, e.Phase)
		}
	}
	return out
}

func (r *recorder) samples(phase Phase) []RateSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RateSample
	for _, e := range r.events {
		if e.Type == EventSample && e.Phase == phase {
			out = append(out, *e.Sample)
		}
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func fastConfig(ep *endpoint) *RunConfig {
	return &RunConfig{
		PingTarget:           ep.URL + "/ping",
		PingSampleCount:      3,
		PingInterSampleDelay: -1,
		PingTimeout:          500 * time.Millisecond,
		DownloadTarget:       ep.URL + "/download?size=65536",
		DownloadDuration:     150 * time.Millisecond,
		DownloadParallelism:  2,
		UploadTarget:         ep.URL + "/upload",
		UploadPayloadBytes:   32 * 1024,
		UploadDurationCap:    150 * time.Millisecond,
		SampleInterval:       20 * time.Millisecond,
		UnitTimeout:          2 * time.Second,
		FallbackTicks:        4,
		FallbackInterval:     time.Millisecond,
		PostLatencyPause:     -1,
		PostDownloadPause:    -1,
		PreUploadPause:       -1,
		Client:               ep.Client(),
	}
}

func samePhases(got, want []Phase) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunSpeedTestComplete(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, false)
	rec := &recorder{}
	res, err := RunSpeedTest(context.Background(), fastConfig(ep), rec.observer())
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if !res.Success || !res.PingOK || !res.DownloadOK || res.UploadSimulated {
		t.Fatalf("unexpected flags: %+v", res)
	}
	if res.PingMs <= 0 || res.DownloadMbps <= 0 || res.UploadMbps <= 0 {
		t.Fatalf("unexpected scalars: ping %v, down %v, up %v", res.PingMs, res.DownloadMbps, res.UploadMbps)
	}
	if res.RunID == "" || res.Duration <= 0 {
		t.Fatalf("run id %q, duration %v", res.RunID, res.Duration)
	}

	want := []Phase{PhaseLatency, PhaseDownload, PhaseUpload, PhaseComplete}
	if got := rec.phases(); !samePhases(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	if rec.count(EventResult) != 1 || rec.count(EventError) != 0 {
		t.Fatalf("result events %d, error events %d", rec.count(EventResult), rec.count(EventError))
	}

	resets := 0
	for _, s := range rec.samples(PhaseDownload) {
		if s.Reset {
			resets++
			if s.Mbps != 0 {
				t.Fatalf("gauge reset carries rate %v", s.Mbps)
			}
		}
	}
	if resets != 1 {
		t.Fatalf("got %d gauge resets, want 1", resets)
	}
}

func TestRunSpeedTestPingUnreachable(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, false)
	cfg := fastConfig(ep)
	cfg.PingTarget = closedURL(t)
	cfg.PingSampleCount = 5

	res, err := RunSpeedTest(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if res.PingOK || res.PingMs != 0 || !res.Latency.NoData {
		t.Fatalf("ping: ok %v, ms %v, no data %v", res.PingOK, res.PingMs, res.Latency.NoData)
	}
	if res.Latency.Failed != 5 {
		t.Fatalf("failed samples = %d, want 5", res.Latency.Failed)
	}
	if !res.Success || !res.DownloadOK {
		t.Fatal("run did not proceed past an unreachable ping target")
	}
}

func TestRunSpeedTestUploadRejectedFallsBack(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, true)
	rec := &recorder{}
	res, err := RunSpeedTest(context.Background(), fastConfig(ep), rec.observer())
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if !res.Success || !res.UploadSimulated || !res.Upload.Simulated {
		t.Fatalf("want successful run with simulated upload, got %+v", res)
	}
	if res.UploadMbps < 15 || res.UploadMbps > 35 {
		t.Fatalf("UploadMbps = %v outside [15, 35]", res.UploadMbps)
	}

	var simulated []RateSample
	for _, s := range rec.samples(PhaseUpload) {
		if s.Simulated {
			simulated = append(simulated, s)
		}
	}
	if len(simulated) == 0 {
		t.Fatal("no simulated samples observed")
	}
	if last := simulated[len(simulated)-1].Mbps; last != res.UploadMbps {
		t.Fatalf("UploadMbps = %v, want last simulated sample %v", res.UploadMbps, last)
	}
	want := []Phase{PhaseLatency, PhaseDownload, PhaseUpload, PhaseComplete}
	if got := rec.phases(); !samePhases(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
}

func TestRunSpeedTestUploadRejectedFallbackDisabled(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, true)
	cfg := fastConfig(ep)
	cfg.DisableFallback = true

	res, err := RunSpeedTest(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if !res.Success || res.UploadSimulated {
		t.Fatalf("want measured upload result, got %+v", res)
	}
}

func TestRunSpeedTestDownloadUnreachable(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, false)
	cfg := fastConfig(ep)
	cfg.DownloadTarget = closedURL(t)

	res, err := RunSpeedTest(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunSpeedTest() error = %v", err)
	}
	if res.DownloadOK || res.DownloadMbps != 0 {
		t.Fatalf("download: ok %v, mbps %v", res.DownloadOK, res.DownloadMbps)
	}
	if res.Download.FailedWorkers != res.Download.Workers {
		t.Fatalf("failed workers %d of %d", res.Download.FailedWorkers, res.Download.Workers)
	}
}

func TestRunSpeedTestInvalidConfig(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	res, err := RunSpeedTest(context.Background(), &RunConfig{PingTarget: "gopher://x"}, rec.observer())
	if res != nil {
		t.Fatalf("want nil result, got %+v", res)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	if got := rec.phases(); !samePhases(got, []Phase{PhaseFailed}) {
		t.Fatalf("phases = %v, want [failed]", got)
	}
	if rec.count(EventError) != 1 {
		t.Fatalf("error events = %d, want 1", rec.count(EventError))
	}
}

func TestRunSpeedTestCancelledDuringDownload(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, false)
	cfg := fastConfig(ep)
	cfg.DownloadDuration = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	var once sync.Once
	stopper := ObserverFunc(func(e Event) {
		if e.Type == EventSample && e.Phase == PhaseDownload {
			once.Do(cancel)
		}
	})

	start := time.Now()
	res, err := RunSpeedTest(ctx, cfg, rec.observer(), stopper)
	if res != nil {
		t.Fatalf("want nil result, got %+v", res)
	}
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("error = %v, want ErrRunCancelled", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("cancellation was not honored before the download deadline")
	}
	want := []Phase{PhaseLatency, PhaseDownload, PhaseFailed}
	if got := rec.phases(); !samePhases(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
}

func TestRunSpeedTestCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ep := newEndpoint(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := RunSpeedTest(ctx, fastConfig(ep))
	if res != nil || !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("RunSpeedTest() = %+v, %v; want nil, ErrRunCancelled", res, err)
	}
	if ep.pings.Load() != 0 {
		t.Fatal("cancelled run still probed latency")
	}
}

func TestRunContextRejectsOutOfOrderTransition(t *testing.T) {
	t.Parallel()

	rc := newRunContext(DefaultRunConfig(), nil)
	if err := rc.transition(PhaseDownload); !errors.Is(err, ErrPhaseOrder) {
		t.Fatalf("Idle -> Download error = %v, want ErrPhaseOrder", err)
	}
	if err := rc.transition(PhaseLatency); err != nil {
		t.Fatalf("Idle -> Latency error = %v", err)
	}
	if err := rc.transition(PhaseFailed); err != nil {
		t.Fatalf("Latency -> Failed error = %v", err)
	}
	if err := rc.transition(PhaseFailed); !errors.Is(err, ErrPhaseOrder) {
		t.Fatalf("Failed -> Failed error = %v, want ErrPhaseOrder", err)
	}
}
