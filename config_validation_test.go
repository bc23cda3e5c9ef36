package hwbridge

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Serial.PortName = "COM1"
	return cfg
}

// failedFields returns the struct fields named in a validator error.
func failedFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fields
}

func hasField(err error, field string) bool {
	for _, f := range failedFields(err) {
		if f == field {
			return true
		}
	}
	return false
}

func TestValidateConfig_ValidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Serial.ReadTimeout = 0
	cfg.Poll.WriteTimeout = time.Second

	if err := ValidateConfig(&cfg); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	if err := ValidateConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestValidateConfig_EmptyPortName(t *testing.T) {
	cfg := validConfig()
	cfg.Serial.PortName = ""

	err := ValidateConfig(&cfg)
	if err == nil {
		t.Fatal("expected error for empty port name")
	}
	if !hasField(err, "PortName") {
		t.Fatalf("expected PortName to fail, got: %v", err)
	}
}

func TestValidateConfig_InvalidBaudRate(t *testing.T) {
	tests := []struct {
		baudRate int
		wantErr  bool
	}{
		{1200, false},   // Valid
		{9600, false},   // Valid
		{115200, false}, // Valid
		{12345, true},   // Invalid
		{0, true},       // Invalid (missing)
		{-9600, true},   // Invalid
		{1000000, true}, // Invalid (too high)
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.Serial.BaudRate = tt.baudRate

		err := ValidateConfig(&cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("baudRate=%d: wantErr=%v, got=%v", tt.baudRate, tt.wantErr, err)
		}
		if tt.wantErr && tt.baudRate != 0 && !strings.Contains(err.Error(), "invalid baud rate") {
			t.Fatalf("baudRate=%d: expected 'invalid baud rate' error, got: %v", tt.baudRate, err)
		}
	}
}

func TestValidateConfig_InvalidDataBits(t *testing.T) {
	tests := []struct {
		dataBits int
		wantErr  bool
	}{
		{4, true},  // Too small
		{5, false}, // Valid
		{6, false}, // Valid
		{7, false}, // Valid
		{8, false}, // Valid
		{9, true},  // Too large
		{0, true},  // Invalid
		{-1, true}, // Invalid
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.Serial.DataBits = tt.dataBits

		err := ValidateConfig(&cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("dataBits=%d: wantErr=%v, got=%v", tt.dataBits, tt.wantErr, err)
		}
		if tt.wantErr && !hasField(err, "DataBits") {
			t.Fatalf("dataBits=%d: expected DataBits to fail, got: %v", tt.dataBits, err)
		}
	}
}

func TestValidateConfig_InvalidParity(t *testing.T) {
	tests := []struct {
		parity  string
		wantErr bool
	}{
		{"", false},    // Valid (none)
		{"N", false},   // Valid
		{"o", false},   // Valid
		{"E", false},   // Valid
		{"M", false},   // Valid
		{"S", false},   // Valid
		{"X", true},    // Invalid
		{"None", true}, // Invalid
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.Serial.Parity = tt.parity

		err := ValidateConfig(&cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parity=%q: wantErr=%v, got=%v", tt.parity, tt.wantErr, err)
		}
		if tt.wantErr && !hasField(err, "Parity") {
			t.Fatalf("parity=%q: expected Parity to fail, got: %v", tt.parity, err)
		}
	}
}

func TestValidateConfig_InvalidStopBits(t *testing.T) {
	tests := []struct {
		stopBits float64
		wantErr  bool
	}{
		{1, false},   // Valid
		{1.5, false}, // Valid
		{2, false},   // Valid
		{0, false},   // Valid (defaults to 1)
		{0.5, true},  // Invalid
		{3, true},    // Invalid
		{-1, true},   // Invalid
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.Serial.StopBits = tt.stopBits

		err := ValidateConfig(&cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("stopBits=%.1f: wantErr=%v, got=%v", tt.stopBits, tt.wantErr, err)
		}
		if tt.wantErr && !strings.Contains(err.Error(), "stop bits must be") {
			t.Fatalf("stopBits=%.1f: expected 'stop bits' error, got: %v", tt.stopBits, err)
		}
	}
}

func TestValidateConfig_NegativeTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.Serial.ReadTimeout = -1 * time.Second

	err := ValidateConfig(&cfg)
	if err == nil {
		t.Fatal("expected error for negative read timeout")
	}
	if !hasField(err, "ReadTimeout") {
		t.Fatalf("expected ReadTimeout to fail, got: %v", err)
	}

	// a negative write timeout means no bound
	cfg = validConfig()
	cfg.Poll.WriteTimeout = -1 * time.Second

	if err = ValidateConfig(&cfg); err != nil {
		t.Fatalf("negative write timeout should be accepted, got: %v", err)
	}
}

func TestValidateConfig_PollSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PollConfig)
		field  string
	}{
		{"zero interval", func(p *PollConfig) { p.Interval = 0 }, "Interval"},
		{"negative idle", func(p *PollConfig) { p.IdleInterval = -time.Millisecond }, "IdleInterval"},
		{"zero read size", func(p *PollConfig) { p.ReadSize = 0 }, "ReadSize"},
		{"huge read size", func(p *PollConfig) { p.ReadSize = MaxReadSize + 1 }, "ReadSize"},
		{"huge error buffer", func(p *PollConfig) { p.ErrorBuffer = 2048 }, "ErrorBuffer"},
	}

	for _, tt := range tests {
		cfg := validConfig()
		tt.mutate(&cfg.Poll)

		err := ValidateConfig(&cfg)
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if !hasField(err, tt.field) {
			t.Fatalf("%s: expected %s to fail, got: %v", tt.name, tt.field, err)
		}

		if err = ValidatePollConfig(&cfg.Poll); !hasField(err, tt.field) {
			t.Fatalf("%s: ValidatePollConfig expected %s to fail, got: %v", tt.name, tt.field, err)
		}
	}
}

func TestValidateConfig_LogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Level = "verbose"
	if err := ValidateConfig(&cfg); !hasField(err, "Level") {
		t.Fatalf("expected Level to fail, got: %v", err)
	}

	cfg.Log.Level = ""
	if err := ValidateConfig(&cfg); err != nil {
		t.Fatalf("empty level should be valid, got: %v", err)
	}
}

func TestValidateConfig_PortNamePattern(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"COM1", false},
		{"COM12", false},
		{"/dev/ttyUSB0", false},
		{"/dev/ttyACM0", false},
		{"/dev/cu.usbmodem1411", false},
		{"/dev/pts/3", false},
		{"COM", true},
		{"/etc/passwd", true},
		{"/dev/tty/../../etc/passwd", true},
		{"arduino", true},
	}

	for _, tt := range tests {
		cfg := validConfig()
		cfg.Serial.PortName = tt.name

		err := ValidateConfig(&cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("port=%q: wantErr=%v, got=%v", tt.name, tt.wantErr, err)
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidPortName) {
			t.Fatalf("port=%q: expected ErrInvalidPortName, got: %v", tt.name, err)
		}
	}
}

func TestValidateSerialConfig(t *testing.T) {
	if err := ValidateSerialConfig(nil); err == nil {
		t.Fatal("expected error for nil serial config")
	}

	cfg := validConfig().Serial
	cfg.PortName = ""
	err := ValidateSerialConfig(&cfg)
	if err == nil || !strings.Contains(err.Error(), "port name cannot be empty") {
		t.Fatalf("expected 'port name cannot be empty', got: %v", err)
	}

	cfg.PortName = "/dev/ttyUSB0"
	if err = ValidateSerialConfig(&cfg); err != nil {
		t.Fatalf("expected valid serial config, got: %v", err)
	}
}

func TestParseParityAndStopBits(t *testing.T) {
	if p, err := ParseParity("e"); err != nil || p != ParityEven {
		t.Fatalf("ParseParity(e) = %v, %v", p, err)
	}
	if p, err := ParseParity(""); err != nil || p != ParityNone {
		t.Fatalf("ParseParity(\"\") = %v, %v", p, err)
	}
	if _, err := ParseParity("Q"); err == nil {
		t.Fatal("expected error for parity Q")
	}

	if sb, err := ParseStopBits(1.5); err != nil || sb != StopBits1Half {
		t.Fatalf("ParseStopBits(1.5) = %v, %v", sb, err)
	}
	if sb, err := ParseStopBits(0); err != nil || sb != StopBits1 {
		t.Fatalf("ParseStopBits(0) = %v, %v", sb, err)
	}
}
