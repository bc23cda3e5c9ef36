package hwbridge

import (
	"fmt"
	"slices"
	"strings"

	gobug "go.bug.st/serial"
)

// BaudRate is a line speed in bits per second.
type BaudRate int

const (
	Baud1200   BaudRate = 1200
	Baud2400   BaudRate = 2400
	Baud4800   BaudRate = 4800
	Baud9600   BaudRate = 9600
	Baud19200  BaudRate = 19200
	Baud38400  BaudRate = 38400
	Baud57600  BaudRate = 57600
	Baud115200 BaudRate = 115200
	Baud230400 BaudRate = 230400
	Baud460800 BaudRate = 460800
	Baud921600 BaudRate = 921600
)

var validBaudRates = []BaudRate{
	Baud1200, Baud2400, Baud4800, Baud9600, Baud19200, Baud38400,
	Baud57600, Baud115200, Baud230400, Baud460800, Baud921600,
}

func (b BaudRate) Int() int { return int(b) }

// Valid reports whether b is one of the supported line speeds.
func (b BaudRate) Valid() bool {
	return slices.Contains(validBaudRates, b)
}

// DataBits is the character size, 5 to 8.
type DataBits int

const (
	DataBits5 DataBits = 5
	DataBits6 DataBits = 6
	DataBits7 DataBits = 7
	DataBits8 DataBits = 8
)

func (d DataBits) Int() int { return int(d) }

// Parity selects the parity bit mode of the line.
type Parity gobug.Parity

const (
	ParityNone  = Parity(gobug.NoParity)
	ParityOdd   = Parity(gobug.OddParity)
	ParityEven  = Parity(gobug.EvenParity)
	ParityMark  = Parity(gobug.MarkParity)
	ParitySpace = Parity(gobug.SpaceParity)
)

func (pa Parity) Get() gobug.Parity { return gobug.Parity(pa) }

var parityByLetter = map[string]Parity{
	"":  ParityNone,
	"N": ParityNone,
	"O": ParityOdd,
	"E": ParityEven,
	"M": ParityMark,
	"S": ParitySpace,
}

// ParseParity maps the config letter (N, O, E, M or S, any case) to a Parity.
// An empty string means no parity.
func ParseParity(s string) (Parity, error) {
	if p, ok := parityByLetter[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return ParityNone, fmt.Errorf("unsupported parity %q (use N, O, E, M or S)", s)
}

// StopBits is the number of stop bits framing each character.
type StopBits gobug.StopBits

const (
	StopBits1     = StopBits(gobug.OneStopBit)
	StopBits1Half = StopBits(gobug.OnePointFiveStopBits)
	StopBits2     = StopBits(gobug.TwoStopBits)
)

func (sb StopBits) Get() gobug.StopBits { return gobug.StopBits(sb) }

// ParseStopBits maps the numeric config value to StopBits. Zero is read as
// one stop bit.
func ParseStopBits(f float64) (StopBits, error) {
	switch f {
	case 0, 1:
		return StopBits1, nil
	case 1.5:
		return StopBits1Half, nil
	case 2:
		return StopBits2, nil
	}
	return StopBits1, fmt.Errorf("stop bits must be 0, 1, 1.5, or 2, got: %.1f", f)
}
