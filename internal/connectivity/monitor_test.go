package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycache/internal/offlinesync"
)

type fakeProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *fakeProber) Ping(context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("dial tcp: network is unreachable")
}

type fakeDrainer struct {
	calls atomic.Int32
}

func (d *fakeDrainer) Drain(context.Context) offlinesync.DrainResult {
	d.calls.Add(1)
	return offlinesync.DrainResult{Success: true, SyncedCount: 2}
}

type chanSignal chan struct{}

func (s chanSignal) Changes(context.Context) <-chan struct{} {
	return s
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestReportFiresOncePerTransitionAndDrainsOnOnline(t *testing.T) {
	drainer := &fakeDrainer{}
	monitor := NewMonitor(Options{Drainer: drainer})
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)
	ctx := context.Background()

	if !monitor.IsOffline() {
		t.Fatalf("expected monitor to start offline")
	}
	monitor.Report(ctx, false)
	monitor.Report(ctx, true)
	monitor.Report(ctx, true)
	monitor.Report(ctx, false)
	monitor.Report(ctx, false)

	events := recorder.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 transitions, got %+v", events)
	}
	if events[0].Type != EventOnline || events[0].SyncResult == nil || events[0].SyncResult.SyncedCount != 2 {
		t.Fatalf("expected online event with drain result, got %+v", events[0])
	}
	if events[1].Type != EventOffline || events[1].SyncResult != nil {
		t.Fatalf("expected bare offline event, got %+v", events[1])
	}
	if drainer.calls.Load() != 1 {
		t.Fatalf("expected one drain, got %d", drainer.calls.Load())
	}
	if !monitor.IsOffline() {
		t.Fatalf("expected offline at the end")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	monitor := NewMonitor(Options{})
	var count atomic.Int32
	cancel := monitor.Subscribe(func(Event) { count.Add(1) })
	monitor.Report(context.Background(), true)
	cancel()
	monitor.Report(context.Background(), false)
	if count.Load() != 1 {
		t.Fatalf("expected one delivered event, got %d", count.Load())
	}
}

func TestRunProbesOnSignal(t *testing.T) {
	prober := &fakeProber{}
	signal := make(chanSignal, 1)
	monitor := NewMonitor(Options{Prober: prober, Signal: signal, PollInterval: time.Hour})
	recorder := &eventRecorder{}
	monitor.Subscribe(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = monitor.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return prober.calls.Load() >= 1 })
	if !monitor.IsOffline() {
		t.Fatalf("expected offline after failed probe")
	}
	prober.up.Store(true)
	signal <- struct{}{}
	waitFor(t, func() bool { return !monitor.IsOffline() })

	events := recorder.snapshot()
	if len(events) != 1 || events[0].Type != EventOnline {
		t.Fatalf("expected single online event, got %+v", events)
	}
	cancel()
	<-done
}

func TestRunFallsBackToPolling(t *testing.T) {
	prober := &fakeProber{}
	monitor := NewMonitor(Options{Prober: prober, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = monitor.Run(ctx) }()

	waitFor(t, func() bool { return prober.calls.Load() >= 3 })
	prober.up.Store(true)
	waitFor(t, func() bool { return !monitor.IsOffline() })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
