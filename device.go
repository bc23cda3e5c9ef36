package hwbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	ServiceName = "hwbridge"

	// lineTerminator ends every command sent to the device.
	lineTerminator = '\n'

	// maxZeroWrites is how many consecutive zero-byte writes are tolerated
	// before a command is abandoned as a short write.
	maxZeroWrites = 3
)

// ResponseHandler receives each decoded response. It runs on the polling
// goroutine and delays the next poll for as long as it takes.
type ResponseHandler func(response string)

// Status is the outcome of a single poll.
type Status int

const (
	StatusNoData Status = iota
	StatusOK
)

func (s Status) String() string {
	switch s {
	case StatusNoData:
		return "no data"
	case StatusOK:
		return "ok"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// portLock is a single-slot token that grants exclusive use of the
// connection. Waiters queue on the channel, so a steady stream of polls
// cannot starve a writer.
type portLock chan struct{}

func newPortLock() portLock {
	return make(portLock, 1)
}

func (l portLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	default:
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l portLock) unlock() {
	<-l
}

// Device bridges a half-duplex serial device and its callers. A background
// Poller reads the connection; Write sends commands from any goroutine.
// Reads and writes never overlap on the connection.
type Device struct {
	cfg    PollConfig
	logger zerolog.Logger
	poller *Poller

	// lock guards conn.
	lock portLock
	conn Connection

	response    atomic.String
	hasResponse atomic.Bool

	cbMu     sync.RWMutex
	callback ResponseHandler

	errMu     sync.RWMutex
	errCh     chan error
	errClosed bool

	started  atomic.Bool
	killed   atomic.Bool
	killOnce sync.Once

	metrics *Metrics
}

// New wires a Device around an already-open connection. The device does not
// poll until Start is called, and never closes conn.
func New(conn Connection, cfg PollConfig, logger zerolog.Logger) (*Device, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	cfg = cfg.withDefaults()
	if err := ValidatePollConfig(&cfg); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:     cfg,
		logger:  logger.With().Str("component", ServiceName).Logger(),
		lock:    newPortLock(),
		conn:    conn,
		errCh:   make(chan error, cfg.ErrorBuffer),
		metrics: &Metrics{},
	}

	p, err := NewPoller(PollerConfig{
		Interval:     cfg.Interval,
		IdleInterval: cfg.IdleInterval,
	}, d.pollFunc, d.logger)
	if err != nil {
		return nil, err
	}
	d.poller = p

	return d, nil
}

// Start launches the polling goroutine. Calling Start again is a no-op.
func (d *Device) Start() error {
	if d.killed.Load() {
		return ErrKilled
	}
	if d.started.CompareAndSwap(false, true) {
		d.metrics.StartTime.Store(time.Now().UnixNano())
		d.poller.Start()
		d.logger.Info().Dur("interval", d.cfg.Interval).Msg("device polling started")
	}
	return nil
}

// Write sends command followed by a newline. It waits for exclusive use of
// the connection for at most the configured write timeout (never past ctx;
// a negative timeout leaves only ctx), so a write is either sent whole or
// not at all.
func (d *Device) Write(ctx context.Context, command string) (err error) {
	start := time.Now()
	var (
		n    int
		wait time.Duration
	)
	defer func() {
		d.metrics.recordWrite(n, err, wait)
	}()

	if command == "" || strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	if d.killed.Load() {
		return ErrKilled
	}

	if d.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.WriteTimeout)
		defer cancel()
	}

	if err = d.lock.lock(ctx); err != nil {
		wait = time.Since(start)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrWriteTimeout, wait.Round(time.Millisecond))
		}
		return err
	}
	wait = time.Since(start)
	defer d.lock.unlock()

	if d.conn == nil {
		return ErrKilled
	}

	data := make([]byte, 0, len(command)+1)
	data = append(data, command...)
	data = append(data, lineTerminator)

	n, err = writeAll(d.conn, data)
	if err != nil {
		d.logger.Error().Err(err).Str("command", command).Int("written", n).Msg("write failed")
		return fmt.Errorf("writing command %q: %w", command, err)
	}

	d.logger.Debug().Str("command", command).Dur("wait", wait).Msg("command sent")
	return nil
}

// writeAll keeps writing until data is sent, the connection errors, or it
// makes no progress maxZeroWrites times in a row.
func writeAll(conn Connection, data []byte) (int, error) {
	total := 0
	zeros := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			zeros++
			if zeros >= maxZeroWrites {
				return total, io.ErrShortWrite
			}
			continue
		}
		zeros = 0
	}
	return total, nil
}

// pollFunc adapts poll to the Poller.
func (d *Device) pollFunc(ctx context.Context) error {
	_, err := d.poll(ctx)
	return err
}

// poll reads at most one unit from the device. The connection is released
// before the data is decoded or handed to the callback.
func (d *Device) poll(ctx context.Context) (Status, error) {
	if err := d.lock.lock(ctx); err != nil {
		return StatusNoData, err
	}
	if d.conn == nil {
		d.lock.unlock()
		return StatusNoData, ErrKilled
	}
	d.metrics.Polls.Inc()
	raw, err := d.conn.ReadAvailable(d.cfg.ReadSize)
	d.lock.unlock()

	if err != nil {
		d.metrics.recordPollError()
		d.publishError(err)
		return StatusNoData, fmt.Errorf("polling device: %w", err)
	}
	if len(raw) == 0 {
		d.metrics.EmptyPolls.Inc()
		return StatusNoData, nil
	}

	response, ok := decodeResponse(raw)
	if !ok {
		d.metrics.DecodeFailures.Inc()
		d.logger.Debug().Hex("raw", raw).Msg("discarding undecodable response")
		return StatusNoData, nil
	}
	if response == "" {
		d.metrics.EmptyPolls.Inc()
		return StatusNoData, nil
	}

	d.response.Store(response)
	d.hasResponse.Store(true)
	d.metrics.recordResponse(len(raw))

	if d.cfg.Verbose {
		d.logger.Info().Str("response", response).Msg("poll response")
	}

	if cb := d.currentCallback(); cb != nil {
		cb(response)
	}
	return StatusOK, nil
}

// decodeResponse turns raw bytes into trimmed text. It reports false for
// bytes that are not valid UTF-8.
func decodeResponse(raw []byte) (string, bool) {
	if !utf8.Valid(raw) {
		return "", false
	}
	return strings.TrimSpace(string(raw)), true
}

// RegisterCallback replaces the response handler. A nil handler stops
// delivery.
func (d *Device) RegisterCallback(fn ResponseHandler) {
	d.cbMu.Lock()
	d.callback = fn
	d.cbMu.Unlock()
}

func (d *Device) currentCallback() ResponseHandler {
	d.cbMu.RLock()
	defer d.cbMu.RUnlock()
	return d.callback
}

// LastResponse returns the most recent response and whether one has been
// received yet. It is a snapshot; the polling goroutine may replace it at any
// moment.
func (d *Device) LastResponse() (string, bool) {
	if !d.hasResponse.Load() {
		return "", false
	}
	return d.response.Load(), true
}

// Errors delivers connection errors seen while polling. Errors are dropped
// when the buffer is full. The channel is closed by Kill.
func (d *Device) Errors() <-chan error {
	return d.errCh
}

func (d *Device) publishError(err error) {
	d.errMu.RLock()
	defer d.errMu.RUnlock()
	if d.errClosed {
		return
	}
	select {
	case d.errCh <- err:
	default:
		d.metrics.DroppedErrors.Inc()
	}
}

// Pause stops polling until Resume. A poll in flight completes.
func (d *Device) Pause() {
	d.poller.Pause()
	d.logger.Debug().Msg("polling paused")
}

// Resume restarts polling after Pause. It has no effect after Kill.
func (d *Device) Resume() {
	d.poller.Resume()
	d.logger.Debug().Msg("polling resumed")
}

// Running reports whether the device is actively polling.
func (d *Device) Running() bool {
	return d.started.Load() && d.poller.Running()
}

// Kill stops polling, waits for the polling goroutine to exit and for any
// write in progress to finish, then drops the connection. The connection is
// not closed; that stays with whoever opened it. Kill must not be called from
// a ResponseHandler.
func (d *Device) Kill() {
	d.killOnce.Do(func() {
		d.killed.Store(true)
		d.poller.Kill()
		d.poller.Wait()

		// Background never expires, so this waits out an in-flight write.
		_ = d.lock.lock(context.Background())
		d.conn = nil
		d.lock.unlock()

		d.errMu.Lock()
		d.errClosed = true
		close(d.errCh)
		d.errMu.Unlock()

		d.logger.Info().
			Int64("polls", d.metrics.Polls.Load()).
			Int64("responses", d.metrics.Responses.Load()).
			Msg("device killed")
	})
}

// Metrics returns the live counters.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// MetricsSnapshot returns the current counters with derived rates and health.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot(d.Running())
}

// StartMetricsBroadcasting publishes a snapshot every interval until the
// returned broadcaster is stopped.
func (d *Device) StartMetricsBroadcasting(interval time.Duration, channelSize int) (*MetricsBroadcaster, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("metrics interval must be > 0, got %v", interval)
	}
	if channelSize <= 0 {
		channelSize = 50
	} else if channelSize > 10000 {
		return nil, fmt.Errorf("metrics channel size too large: %d (max 10000)", channelSize)
	}

	mb := NewMetricsBroadcaster(d.MetricsSnapshot, channelSize, interval)
	mb.Start()
	return mb, nil
}
