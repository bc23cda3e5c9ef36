package hwbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

func newTestPoller(t *testing.T, fn PollFunc) *Poller {
	t.Helper()
	p, err := NewPoller(PollerConfig{
		Interval:     2 * time.Millisecond,
		IdleInterval: time.Millisecond,
	}, fn, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}
	t.Cleanup(func() {
		p.Kill()
		p.Wait()
	})
	return p
}

func countingPoll(n *atomic.Int64) PollFunc {
	return func(context.Context) error {
		n.Inc()
		return nil
	}
}

func TestNewPollerValidation(t *testing.T) {
	noop := func(context.Context) error { return nil }

	if _, err := NewPoller(PollerConfig{}, noop, zerolog.Nop()); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := NewPoller(PollerConfig{Interval: time.Second, IdleInterval: -1}, noop, zerolog.Nop()); err == nil {
		t.Fatal("expected error for negative idle interval")
	}
	if _, err := NewPoller(PollerConfig{Interval: time.Second}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil poll function")
	}

	p, err := NewPoller(PollerConfig{Interval: time.Second}, noop, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}
	if p.cfg.IdleInterval != DefaultIdleInterval {
		t.Fatalf("expected default idle interval, got %v", p.cfg.IdleInterval)
	}
}

func TestPollerCreatedPaused(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, countingPoll(&n))

	if p.Running() {
		t.Fatal("new poller should be paused")
	}
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("poll called %d times before Start", got)
	}
}

func TestPollerStartCallsPoll(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, countingPoll(&n))

	p.Start()
	if !p.Running() {
		t.Fatal("poller should be running after Start")
	}
	waitFor(t, time.Second, func() bool { return n.Load() >= 5 }, "poll calls")
	if p.Calls() < 5 {
		t.Fatalf("Calls() = %d, want >= 5", p.Calls())
	}
}

func TestPollerPauseResume(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, countingPoll(&n))
	p.Start()
	waitFor(t, time.Second, func() bool { return n.Load() >= 2 }, "polls before pause")

	p.Pause()
	if p.Running() {
		t.Fatal("Running() should be false after Pause")
	}
	// one in-flight call may still complete
	time.Sleep(10 * time.Millisecond)
	paused := n.Load()
	time.Sleep(30 * time.Millisecond)
	if got := n.Load(); got != paused {
		t.Fatalf("poll called while paused: %d -> %d", paused, got)
	}

	resumedAt := time.Now()
	p.Resume()
	waitFor(t, time.Second, func() bool { return n.Load() > paused }, "poll after resume")
	// resume latency is bounded by the idle interval plus scheduling slack
	if elapsed := time.Since(resumedAt); elapsed > 200*time.Millisecond {
		t.Fatalf("resume took %v", elapsed)
	}
}

func TestPollerKillStabilisesCallCount(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, countingPoll(&n))
	p.Start()
	waitFor(t, time.Second, func() bool { return n.Load() >= 3 }, "polls before kill")

	p.Kill()
	p.Wait()
	final := n.Load()
	time.Sleep(30 * time.Millisecond)
	if got := n.Load(); got != final {
		t.Fatalf("poll called after Kill: %d -> %d", final, got)
	}
	if !p.Killed() {
		t.Fatal("Killed() should be true")
	}
}

func TestPollerKillWakesLongSleep(t *testing.T) {
	var n atomic.Int64
	p, err := NewPoller(PollerConfig{Interval: time.Hour}, countingPoll(&n), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}
	p.Start()
	waitFor(t, time.Second, func() bool { return n.Load() == 1 }, "first poll")

	done := make(chan struct{})
	go func() {
		p.Kill()
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Kill did not interrupt the interval sleep")
	}
}

func TestPollerKillWhilePaused(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, countingPoll(&n))
	p.Start()
	p.Pause()
	time.Sleep(5 * time.Millisecond)

	p.Kill()
	p.Wait()
	before := n.Load()

	p.Resume()
	if p.Running() {
		t.Fatal("Resume after Kill must not set running")
	}
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != before {
		t.Fatalf("poll called after Kill and Resume: %d -> %d", before, got)
	}
}

func TestPollerKillBeforeStart(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, countingPoll(&n))

	p.Kill()
	p.Wait()
	p.Start()
	time.Sleep(10 * time.Millisecond)

	if got := n.Load(); got != 0 {
		t.Fatalf("Start after Kill polled %d times", got)
	}
}

func TestPollerSurvivesErrors(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, func(context.Context) error {
		n.Inc()
		return errors.New("read failed")
	})
	p.Start()

	waitFor(t, time.Second, func() bool { return n.Load() >= 5 }, "polls despite errors")
	if p.Failures() < 5 {
		t.Fatalf("Failures() = %d, want >= 5", p.Failures())
	}
}

func TestPollerSurvivesPanics(t *testing.T) {
	var n atomic.Int64
	p := newTestPoller(t, func(context.Context) error {
		if n.Inc()%2 == 1 {
			panic("decode blew up")
		}
		return nil
	})
	p.Start()

	waitFor(t, time.Second, func() bool { return n.Load() >= 6 }, "polls despite panics")
	if p.Failures() < 3 {
		t.Fatalf("Failures() = %d, want >= 3", p.Failures())
	}
}

func TestPollerContextCancelledOnKill(t *testing.T) {
	entered := make(chan struct{})
	var once atomic.Bool
	p := newTestPoller(t, func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(entered)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	p.Start()
	<-entered

	done := make(chan struct{})
	go func() {
		p.Kill()
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked poll was not released by Kill")
	}
	if p.Failures() != 0 {
		t.Fatalf("cancellation on Kill should not count as failure, got %d", p.Failures())
	}
}
