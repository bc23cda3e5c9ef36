package hwbridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultReadSize     = 1
	DefaultWriteTimeout = time.Second
	DefaultErrorBuffer  = 16

	// MaxReadSize caps a single ReadAvailable request.
	MaxReadSize = 4096
)

// Config is the on-disk configuration of a bridge: where the device is, how
// often to poll it and where to log.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	Poll   PollConfig   `yaml:"poll"`
	Log    LogConfig    `yaml:"log"`
}

// SerialConfig describes the serial line. DTR and RTS are left untouched
// when nil.
type SerialConfig struct {
	PortName    string        `yaml:"port_name" validate:"required"`
	BaudRate    int           `yaml:"baud_rate" validate:"required"`
	DataBits    int           `yaml:"data_bits" validate:"min=5,max=8"`
	Parity      string        `yaml:"parity" validate:"omitempty,oneof=N O E M S n o e m s"`
	StopBits    float64       `yaml:"stop_bits"`
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"min=0"`
	DTR         *bool         `yaml:"dtr"`
	RTS         *bool         `yaml:"rts"`
}

// PollConfig controls the Device and its Poller.
type PollConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	IdleInterval time.Duration `yaml:"idle_interval" validate:"min=0"`
	// ReadSize is the most bytes taken from the connection per poll.
	ReadSize int `yaml:"read_size" validate:"min=1,max=4096"`
	// WriteTimeout bounds how long Write waits for port access. Zero means
	// DefaultWriteTimeout; a negative value waits for as long as the
	// caller's context allows.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ErrorBuffer is the capacity of the Errors channel. Zero means
	// DefaultErrorBuffer.
	ErrorBuffer int  `yaml:"error_buffer" validate:"min=0,max=1024"`
	Verbose     bool `yaml:"verbose"`
}

// LogConfig selects the log level and sink. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns a 9600 8N1 configuration polling every 100ms.
// PortName is left empty and must be supplied.
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			BaudRate: Baud9600.Int(),
			DataBits: DataBits8.Int(),
			Parity:   "N",
			StopBits: 1,
		},
		Poll: DefaultPollConfig(),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultPollConfig returns the polling defaults used by DefaultConfig.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:     DefaultPollInterval,
		IdleInterval: DefaultIdleInterval,
		ReadSize:     DefaultReadSize,
		WriteTimeout: DefaultWriteTimeout,
		ErrorBuffer:  DefaultErrorBuffer,
	}
}

// withDefaults fills zero fields that have no meaningful zero value.
func (c PollConfig) withDefaults() PollConfig {
	if c.Interval == 0 {
		c.Interval = DefaultPollInterval
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.ReadSize == 0 {
		c.ReadSize = DefaultReadSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ErrorBuffer == 0 {
		c.ErrorBuffer = DefaultErrorBuffer
	}
	return c
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err = ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ReadConfig reads a YAML file on top of DefaultConfig without validating
// it, so the caller can apply overrides before calling ValidateConfig.
func ReadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	cfg, err := decodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeConfig decodes YAML from r on top of DefaultConfig and validates the
// result. Unknown keys are rejected.
func DecodeConfig(r io.Reader) (*Config, error) {
	cfg, err := decodeConfig(r)
	if err != nil {
		return nil, err
	}
	if err = ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err = dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}
