package hwbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks poll and write statistics for a Device.
type Metrics struct {
	// Poll path
	Polls            atomic.Int64 // Poll cycles that reached the port
	Responses        atomic.Int64 // Polls that produced a response
	EmptyPolls       atomic.Int64 // Polls with nothing (or only whitespace) to read
	DecodeFailures   atomic.Int64 // Reads that were not valid UTF-8
	ReadErrors       atomic.Int64 // Connection errors while reading
	BytesRead        atomic.Int64 // Total bytes read
	LastResponseTime atomic.Int64 // Unix nano timestamp of the last response

	// Write path
	WriteOperations  atomic.Int64 // Total write attempts
	SuccessfulWrites atomic.Int64 // Writes that sent the whole line
	WriteErrors      atomic.Int64 // Connection errors while writing
	WriteTimeouts    atomic.Int64 // Writes that gave up waiting for the port
	BytesWritten     atomic.Int64 // Total bytes written
	RejectedWrites   atomic.Int64 // Writes refused before reaching the port

	// Port access
	TotalLockWait atomic.Int64 // Time writers spent waiting for the port (ns)
	MaxLockWait   atomic.Int64 // Longest wait for the port (ns)

	// Health indicators
	ConsecutiveFailures atomic.Int64 // Consecutive read/write failures
	DroppedErrors       atomic.Int64 // Errors not delivered because the channel was full
	LastErrorTime       atomic.Int64 // Unix nano timestamp of the last error
	StartTime           atomic.Int64 // Unix nano timestamp of Device.Start
}

// HealthStatus represents the overall health of the device link
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	Timestamp time.Time
	IsRunning bool

	Polls          int64
	Responses      int64
	EmptyPolls     int64
	DecodeFailures int64
	ReadErrors     int64
	BytesRead      int64

	Writes           int64
	WriteSuccessRate float64
	WriteErrors      int64
	WriteTimeouts    int64
	BytesWritten     int64
	RejectedWrites   int64

	AverageLockWait time.Duration
	MaxLockWait     time.Duration

	ErrorRate           float64 // percentage of polls and writes that failed
	ConsecutiveFailures int64
	DroppedErrors       int64
	LastResponse        time.Time
	UptimeSeconds       float64

	HealthStatus HealthStatus
	HealthScore  float64
}

// Reset zeroes every counter. StartTime is kept so uptime stays meaningful.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Int64{
		&m.Polls, &m.Responses, &m.EmptyPolls, &m.DecodeFailures, &m.ReadErrors,
		&m.BytesRead, &m.LastResponseTime, &m.WriteOperations, &m.SuccessfulWrites,
		&m.WriteErrors, &m.WriteTimeouts, &m.BytesWritten, &m.RejectedWrites, &m.TotalLockWait,
		&m.MaxLockWait, &m.ConsecutiveFailures, &m.DroppedErrors, &m.LastErrorTime,
	} {
		c.Store(0)
	}
}

func (m *Metrics) recordPollError() {
	m.ReadErrors.Inc()
	m.recordFailure()
}

func (m *Metrics) recordResponse(n int) {
	m.Responses.Inc()
	m.BytesRead.Add(int64(n))
	m.LastResponseTime.Store(time.Now().UnixNano())
	m.ConsecutiveFailures.Store(0)
}

// recordWrite classifies a finished Write. Rejections on the caller side
// (bad command, killed device, cancelled context) never reached the link and
// are kept out of the write and lock-wait figures.
func (m *Metrics) recordWrite(n int, err error, wait time.Duration) {
	if errors.Is(err, ErrInvalidCommand) || errors.Is(err, ErrKilled) || errors.Is(err, context.Canceled) {
		m.RejectedWrites.Inc()
		return
	}

	m.WriteOperations.Inc()
	m.recordLockWait(wait)

	switch {
	case err == nil:
		m.SuccessfulWrites.Inc()
		m.BytesWritten.Add(int64(n))
		m.ConsecutiveFailures.Store(0)
	case errors.Is(err, ErrWriteTimeout):
		m.WriteTimeouts.Inc()
		m.recordFailure()
	default:
		m.WriteErrors.Inc()
		m.BytesWritten.Add(int64(n))
		m.recordFailure()
	}
}

func (m *Metrics) recordLockWait(d time.Duration) {
	ns := d.Nanoseconds()
	m.TotalLockWait.Add(ns)
	for {
		current := m.MaxLockWait.Load()
		if ns <= current {
			break
		}
		if m.MaxLockWait.CompareAndSwap(current, ns) {
			break
		}
	}
}

func (m *Metrics) recordFailure() {
	m.ConsecutiveFailures.Inc()
	m.LastErrorTime.Store(time.Now().UnixNano())
}

// Snapshot copies the counters and computes rates and health.
func (m *Metrics) Snapshot(isRunning bool) MetricsSnapshot {
	now := time.Now()
	s := MetricsSnapshot{
		Timestamp:           now,
		IsRunning:           isRunning,
		Polls:               m.Polls.Load(),
		Responses:           m.Responses.Load(),
		EmptyPolls:          m.EmptyPolls.Load(),
		DecodeFailures:      m.DecodeFailures.Load(),
		ReadErrors:          m.ReadErrors.Load(),
		BytesRead:           m.BytesRead.Load(),
		Writes:              m.WriteOperations.Load(),
		WriteErrors:         m.WriteErrors.Load(),
		WriteTimeouts:       m.WriteTimeouts.Load(),
		BytesWritten:        m.BytesWritten.Load(),
		RejectedWrites:      m.RejectedWrites.Load(),
		MaxLockWait:         time.Duration(m.MaxLockWait.Load()),
		ConsecutiveFailures: m.ConsecutiveFailures.Load(),
		DroppedErrors:       m.DroppedErrors.Load(),
	}

	s.WriteSuccessRate = 100.0
	if s.Writes > 0 {
		s.WriteSuccessRate = float64(m.SuccessfulWrites.Load()) / float64(s.Writes) * 100
		s.AverageLockWait = time.Duration(m.TotalLockWait.Load() / s.Writes)
	}
	if ops := s.Polls + s.Writes; ops > 0 {
		failed := s.ReadErrors + s.WriteErrors + s.WriteTimeouts
		s.ErrorRate = float64(failed) / float64(ops) * 100
	}
	if last := m.LastResponseTime.Load(); last > 0 {
		s.LastResponse = time.Unix(0, last)
	}
	if start := m.StartTime.Load(); isRunning && start > 0 {
		s.UptimeSeconds = now.Sub(time.Unix(0, start)).Seconds()
	}

	s.HealthStatus = assessHealthStatus(&s)
	s.HealthScore = calculateHealthScore(&s)
	return s
}

func assessHealthStatus(s *MetricsSnapshot) HealthStatus {
	if !s.IsRunning {
		return HealthStatusDown
	}

	// Check for critical issues
	if s.ErrorRate > 50.0 || s.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}

	// Check for degradation
	if s.ErrorRate > 10.0 || s.WriteSuccessRate < 80.0 || s.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}

	return HealthStatusHealthy
}

func calculateHealthScore(s *MetricsSnapshot) float64 {
	if !s.IsRunning {
		return 0.0
	}

	score := 100.0
	score -= s.ErrorRate * 2
	score -= (100.0 - s.WriteSuccessRate) / 2
	score -= float64(s.ConsecutiveFailures) * 10

	if score < 0 {
		score = 0
	}
	return score
}

// MetricsBroadcaster publishes snapshots on a channel at a fixed interval.
type MetricsBroadcaster struct {
	snapshot         func() MetricsSnapshot
	metricsChannel   chan MetricsSnapshot
	enabled          atomic.Bool
	stopCh           chan struct{}
	doneCh           chan struct{}
	emissionInterval time.Duration
	stopOnce         sync.Once

	// mu guards sends against the close in Stop.
	mu     sync.Mutex
	closed bool
}

// NewMetricsBroadcaster creates a broadcaster that calls snapshot once per interval.
func NewMetricsBroadcaster(snapshot func() MetricsSnapshot, channelSize int, interval time.Duration) *MetricsBroadcaster {
	return &MetricsBroadcaster{
		snapshot:         snapshot,
		metricsChannel:   make(chan MetricsSnapshot, channelSize),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		emissionInterval: interval,
	}
}

// Start begins broadcasting metrics to the channel
func (mb *MetricsBroadcaster) Start() {
	if !mb.enabled.CompareAndSwap(false, true) {
		return // Already running
	}

	ticker := time.NewTicker(mb.emissionInterval)
	go func() {
		defer close(mb.doneCh)
		defer ticker.Stop()

		for {
			select {
			case <-mb.stopCh:
				return
			case <-ticker.C:
				mb.broadcast()
			}
		}
	}()
}

// Stop stops broadcasting and closes the channel once the ticker goroutine
// has exited.
func (mb *MetricsBroadcaster) Stop() {
	mb.stopOnce.Do(func() {
		close(mb.stopCh)
		if mb.enabled.CompareAndSwap(true, false) {
			<-mb.doneCh
		}
		mb.mu.Lock()
		mb.closed = true
		close(mb.metricsChannel)
		mb.mu.Unlock()
	})
}

// C returns the read-only snapshot channel.
func (mb *MetricsBroadcaster) C() <-chan MetricsSnapshot {
	return mb.metricsChannel
}

// BroadcastImmediate sends a snapshot now instead of waiting for the next
// tick. It does nothing after Stop.
func (mb *MetricsBroadcaster) BroadcastImmediate() {
	mb.broadcast()
}

func (mb *MetricsBroadcaster) broadcast() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	// Non-blocking send; a slow consumer misses snapshots rather than
	// stalling the ticker.
	select {
	case mb.metricsChannel <- mb.snapshot():
	default:
	}
}
