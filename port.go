package hwbridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobug "go.bug.st/serial"
	"go.uber.org/atomic"
)

// Connection is a non-blocking, half-duplex byte channel to a device.
// Implementations need not be safe for concurrent use; Device serialises
// every call.
type Connection interface {
	// ReadAvailable returns at most limit bytes that are already available,
	// or an empty slice when there are none. It must not block. The
	// returned slice is only valid until the next call.
	ReadAvailable(limit int) ([]byte, error)
	// Write sends p and returns the number of bytes written.
	Write(p []byte) (int, error)
}

// allow tests to override external dependencies
var (
	openPort     = func(name string, mode *gobug.Mode) (portHandle, error) { return gobug.Open(name, mode) }
	getPortsList = gobug.GetPortsList
)

type portHandle interface {
	SetReadTimeout(timeout time.Duration) error
	SetDTR(bool) error
	SetRTS(bool) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}

// Port is a Connection backed by go.bug.st/serial.
type Port struct {
	name   string
	handle portHandle
	mu     sync.RWMutex
	isOpen atomic.Bool

	closeOnce sync.Once
	closeErr  error

	buf    []byte
	logger zerolog.Logger
}

// OpenPort opens and configures the serial port described by cfg. A zero
// ReadTimeout makes reads return immediately, which is what Device expects.
func OpenPort(cfg SerialConfig, logger zerolog.Logger) (*Port, error) {
	if err := ValidateSerialConfig(&cfg); err != nil {
		return nil, err
	}

	parity, _ := ParseParity(cfg.Parity)
	stopBits, _ := ParseStopBits(cfg.StopBits)
	mode := &gobug.Mode{
		BaudRate: BaudRate(cfg.BaudRate).Int(),
		DataBits: DataBits(cfg.DataBits).Int(),
		Parity:   parity.Get(),
		StopBits: stopBits.Get(),
	}

	handle, err := openPort(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.PortName, err)
	}

	p := &Port{
		name:   cfg.PortName,
		handle: handle,
		buf:    make([]byte, DefaultReadSize),
		logger: logger.With().Str("port", cfg.PortName).Logger(),
	}

	if err = handle.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, p.handleOpenError(fmt.Errorf("setting read timeout: %w", err))
	}
	if cfg.DTR != nil {
		if err = handle.SetDTR(*cfg.DTR); err != nil {
			return nil, p.handleOpenError(fmt.Errorf("setting DTR: %w", err))
		}
	}
	if cfg.RTS != nil {
		if err = handle.SetRTS(*cfg.RTS); err != nil {
			return nil, p.handleOpenError(fmt.Errorf("setting RTS: %w", err))
		}
	}

	p.isOpen.Store(true)
	p.logger.Info().
		Int("baud", mode.BaudRate).
		Int("data_bits", mode.DataBits).
		Msg("serial port opened")
	return p, nil
}

// Name returns the device path the port was opened with.
func (p *Port) Name() string {
	return p.name
}

// ReadAvailable implements Connection.
func (p *Port) ReadAvailable(limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultReadSize
	}
	if limit > MaxReadSize {
		limit = MaxReadSize
	}

	// Hold the read lock so Close cannot release the handle mid-read.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isOpen.Load() || p.handle == nil {
		return nil, ErrPortNotOpen
	}
	if cap(p.buf) < limit {
		p.buf = make([]byte, limit)
	}

	n, err := p.handle.Read(p.buf[:limit])
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.name, err)
	}
	return p.buf[:n], nil
}

// Write implements Connection.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isOpen.Load() || p.handle == nil {
		return 0, ErrPortNotOpen
	}
	n, err := p.handle.Write(b)
	if err != nil {
		return n, fmt.Errorf("writing %s: %w", p.name, err)
	}
	return n, nil
}

// Close closes the underlying port. It is safe to call multiple times.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closeErr = p.closeWithoutLock()
		p.logger.Info().Msg("serial port closed")
	})
	return p.closeErr
}

// handleOpenError closes the handle and joins any error from closing with err.
func (p *Port) handleOpenError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.closeWithoutLock(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

// closeWithoutLock assumes p.mu is held.
func (p *Port) closeWithoutLock() error {
	h := p.handle
	p.handle = nil
	p.isOpen.Store(false)
	if h != nil {
		return h.Close()
	}
	return nil
}

// AvailablePorts lists the serial ports the OS reports.
func AvailablePorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// IsPortAvailable reports whether portName is a well-formed name that the OS
// currently lists. Pseudo terminals are never listed.
func IsPortAvailable(portName string) (bool, error) {
	if err := checkPortName(portName); err != nil {
		return false, err
	}

	ports, err := AvailablePorts()
	if err != nil {
		return false, err
	}
	for _, port := range ports {
		if port == portName {
			return true, nil
		}
	}
	return false, nil
}
