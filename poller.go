package hwbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// DefaultIdleInterval is how often a paused Poller re-checks its run flag.
	// It bounds the latency of Resume.
	DefaultIdleInterval = 10 * time.Millisecond
)

// PollFunc is called once per poll cycle. The context is cancelled by Kill.
type PollFunc func(ctx context.Context) error

// PollerConfig holds the cadence of a Poller.
type PollerConfig struct {
	// Interval is the sleep between two poll calls while running.
	Interval time.Duration
	// IdleInterval is the sleep between run-flag checks while paused.
	// Zero means DefaultIdleInterval.
	IdleInterval time.Duration
}

// Poller runs a PollFunc on a fixed cadence in a background goroutine until
// it is killed. It is created paused; Start sets it running.
type Poller struct {
	cfg    PollerConfig
	poll   PollFunc
	logger zerolog.Logger

	runFlag atomic.Bool
	killed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	killOnce  sync.Once

	calls    atomic.Int64
	failures atomic.Int64
}

// NewPoller returns a paused Poller. Nothing runs until Start is called.
func NewPoller(cfg PollerConfig, poll PollFunc, logger zerolog.Logger) (*Poller, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("hwbridge: poll interval must be > 0, got %v", cfg.Interval)
	}
	if cfg.IdleInterval < 0 {
		return nil, fmt.Errorf("hwbridge: idle interval cannot be negative: %v", cfg.IdleInterval)
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if poll == nil {
		return nil, errors.New("hwbridge: " + ErrMsgNilPoll)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:    cfg,
		poll:   poll,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start sets the run flag and launches the scheduling goroutine.
// Only the first call has any effect, and Start after Kill does nothing.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.runFlag.Store(true)
		go p.run()
	})
}

// Pause clears the run flag. A poll already in flight completes; the next
// tick observes the flag.
func (p *Poller) Pause() {
	p.runFlag.Store(false)
}

// Resume sets the run flag. It has no effect once the Poller is killed.
func (p *Poller) Resume() {
	if p.killed.Load() {
		return
	}
	p.runFlag.Store(true)
}

// Running reports the run flag. The value may be stale by the time the
// caller looks at it.
func (p *Poller) Running() bool {
	return p.runFlag.Load() && !p.killed.Load()
}

// Kill stops the scheduling loop. It wakes a sleeping or paused loop
// immediately, never interrupts a poll mid-call, and is safe to call more
// than once. Use Wait to join the goroutine.
func (p *Poller) Kill() {
	p.killOnce.Do(func() {
		p.killed.Store(true)
		p.runFlag.Store(false)
		p.cancel()
		// A Poller killed before Start has no goroutine to close done.
		p.startOnce.Do(func() { close(p.done) })
		p.logger.Debug().Msg("poller kill requested")
	})
}

// Wait blocks until the scheduling goroutine has exited. It must be called
// after Kill, and never from inside the PollFunc.
func (p *Poller) Wait() {
	<-p.done
}

// Killed reports whether Kill has been called.
func (p *Poller) Killed() bool {
	return p.killed.Load()
}

// Calls returns the number of PollFunc invocations so far.
func (p *Poller) Calls() int64 {
	return p.calls.Load()
}

// Failures returns the number of poll calls that returned an error or panicked.
func (p *Poller) Failures() int64 {
	return p.failures.Load()
}

func (p *Poller) run() {
	defer close(p.done)

	p.logger.Debug().
		Dur("interval", p.cfg.Interval).
		Dur("idle_interval", p.cfg.IdleInterval).
		Msg("poller started")

	for !p.killed.Load() {
		wait := p.cfg.IdleInterval
		if p.runFlag.Load() {
			p.pollOnce()
			wait = p.cfg.Interval
		}
		if !p.sleep(wait) {
			break
		}
	}

	p.logger.Debug().
		Int64("calls", p.calls.Load()).
		Int64("failures", p.failures.Load()).
		Msg("poller stopped")
}

// sleep waits for d or until the Poller is killed. It returns false on kill.
func (p *Poller) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pollOnce calls the PollFunc behind a recover so that neither an error nor a
// panic ends the loop.
func (p *Poller) pollOnce() {
	if p.ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.failures.Inc()
			p.logger.Error().Interface("panic", r).Msg("poll function panicked")
		}
	}()

	p.calls.Inc()
	if err := p.poll(p.ctx); err != nil {
		if p.ctx.Err() != nil {
			// killed while waiting for the port
			return
		}
		p.failures.Inc()
		p.logger.Warn().Err(err).Msg("poll failed")
	}
}
