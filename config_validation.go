package hwbridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig validates the whole configuration. Struct tags are checked
// first, then the rules tags cannot express (baud rate list, stop bits, port
// name pattern).
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateSerialRules(&cfg.Serial); err != nil {
		return err
	}
	return nil
}

// ValidateSerialConfig validates serial port parameters on their own.
func ValidateSerialConfig(cfg *SerialConfig) error {
	if cfg == nil {
		return errors.New("serial config is nil")
	}
	if cfg.PortName == "" {
		return fmt.Errorf("port name cannot be empty")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid serial configuration: %w", err)
	}
	return validateSerialRules(cfg)
}

// ValidatePollConfig validates polling parameters on their own.
func ValidatePollConfig(cfg *PollConfig) error {
	if cfg == nil {
		return errors.New("poll config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid poll configuration: %w", err)
	}
	return nil
}

func validateSerialRules(cfg *SerialConfig) error {
	if !BaudRate(cfg.BaudRate).Valid() {
		return fmt.Errorf("invalid baud rate %d, must be one of: %v", cfg.BaudRate, validBaudRates)
	}
	if _, err := ParseParity(cfg.Parity); err != nil {
		return err
	}
	if _, err := ParseStopBits(cfg.StopBits); err != nil {
		return err
	}
	if err := checkPortName(cfg.PortName); err != nil {
		return err
	}
	return nil
}

// checkPortName rejects names that cannot be a serial device.
func checkPortName(portName string) error {
	if strings.Contains(portName, "..") {
		return fmt.Errorf("%w: contains path traversal", ErrInvalidPortName)
	}
	if !isValidPortPattern(portName) {
		return fmt.Errorf("%w: %q doesn't match expected pattern", ErrInvalidPortName, portName)
	}
	return nil
}

func isValidPortPattern(portName string) bool {
	// Windows: COM1-COM999 (must have at least one digit after COM)
	if strings.HasPrefix(portName, "COM") && len(portName) >= 4 && len(portName) <= 6 {
		return true
	}
	// Unix: /dev/tty*, /dev/cu* (macOS) and pseudo terminals
	for _, prefix := range []string{"/dev/tty", "/dev/cu", "/dev/pts/"} {
		if strings.HasPrefix(portName, prefix) {
			return true
		}
	}
	return false
}
