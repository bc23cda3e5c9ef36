package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Station-Manager/hwbridge"
	"github.com/rs/zerolog"
)

const help = `Interactive mode. Commands:
  r to get last response byte
  s <str> to send the first character of <str>
    's 1' turns on Arduino LED
    's 0' turns LED off
  p to pause polling, g to resume
  m to print link metrics
  l to list serial ports
  h for this help
  x to exit`

type options struct {
	configPath      string
	device          string
	baud            int
	interval        time.Duration
	logLevel        string
	logFile         string
	verbose         bool
	metricsInterval time.Duration
}

func newFlagSet() (*flag.FlagSet, *options) {
	o := &options{}
	fs := flag.NewFlagSet("hwcli", flag.ExitOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.device, "device", "/dev/ttyUSB0", "serial device path")
	fs.IntVar(&o.baud, "baud", 9600, "baud rate")
	fs.DurationVar(&o.interval, "interval", hwbridge.DefaultPollInterval, "poll interval")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.StringVar(&o.logFile, "log-file", "", "write rotated JSON logs to this file instead of stderr")
	fs.BoolVar(&o.verbose, "verbose", false, "log every response")
	fs.DurationVar(&o.metricsInterval, "metrics-interval", 0, "log a metrics snapshot this often (0 disables)")
	return fs, o
}

// overrides copies the flags that were set explicitly on the command line
// into cfg.
func (o *options) overrides(fs *flag.FlagSet) func(*hwbridge.Config) {
	return func(cfg *hwbridge.Config) {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "device":
				cfg.Serial.PortName = o.device
			case "baud":
				cfg.Serial.BaudRate = o.baud
			case "interval":
				cfg.Poll.Interval = o.interval
			case "log-level":
				cfg.Log.Level = o.logLevel
			case "log-file":
				cfg.Log.File = o.logFile
			case "verbose":
				cfg.Poll.Verbose = o.verbose
			}
		})
	}
}

func main() {
	fs, opts := newFlagSet()
	_ = fs.Parse(os.Args[1:])

	cfg, err := resolveConfig(opts.configPath, opts.overrides(fs), opts.device)
	if err != nil {
		fatalf("config: %v", err)
	}

	logger, closer, err := hwbridge.NewLogger(cfg.Log)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer closer.Close()

	port, err := hwbridge.OpenPort(cfg.Serial, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open failed")
		return
	}
	defer port.Close()
	fmt.Printf("opened port %s at %d baud\n", port.Name(), cfg.Serial.BaudRate)

	dev, err := hwbridge.New(port, cfg.Poll, logger)
	if err != nil {
		logger.Error().Err(err).Msg("device setup failed")
		return
	}
	defer dev.Kill()

	dev.RegisterCallback(func(response string) {
		fmt.Printf("got HW response \"%s\"\n", response)
	})

	go func() {
		for err := range dev.Errors() {
			logger.Warn().Err(err).Msg("poll error")
		}
	}()

	if opts.metricsInterval > 0 {
		mb, err := dev.StartMetricsBroadcasting(opts.metricsInterval, 0)
		if err != nil {
			logger.Error().Err(err).Msg("metrics broadcasting disabled")
		} else {
			defer mb.Stop()
			go logMetrics(logger, mb.C())
		}
	}

	if err = dev.Start(); err != nil {
		logger.Error().Err(err).Msg("start failed")
		return
	}

	s := &session{dev: dev, out: os.Stdout, listPorts: hwbridge.AvailablePorts}
	s.run(os.Stdin)
}

// resolveConfig reads the file at path (or starts from DefaultConfig with
// defaultPort when path is empty), applies the overrides and only then
// validates, so flags can complete a partial file.
func resolveConfig(path string, override func(*hwbridge.Config), defaultPort string) (hwbridge.Config, error) {
	cfg := hwbridge.DefaultConfig()
	cfg.Serial.PortName = defaultPort
	if path != "" {
		loaded, err := hwbridge.ReadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if override != nil {
		override(&cfg)
	}
	if err := hwbridge.ValidateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func logMetrics(logger zerolog.Logger, ch <-chan hwbridge.MetricsSnapshot) {
	for snap := range ch {
		logger.Info().
			Str("health", string(snap.HealthStatus)).
			Int64("polls", snap.Polls).
			Int64("responses", snap.Responses).
			Int64("writes", snap.Writes).
			Float64("error_rate", snap.ErrorRate).
			Msg("metrics")
	}
}

// device is the part of *hwbridge.Device the command loop drives.
type device interface {
	Write(ctx context.Context, command string) error
	LastResponse() (string, bool)
	Pause()
	Resume()
	Running() bool
	MetricsSnapshot() hwbridge.MetricsSnapshot
}

type session struct {
	dev       device
	out       io.Writer
	listPorts func() ([]string, error)
}

// run reads commands until x or end of input.
func (s *session) run(in io.Reader) {
	fmt.Fprintln(s.out, help)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "--> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(s.out, "stdin error: %v\n", err)
			}
			return
		}
		if s.execute(scanner.Text()) {
			return
		}
	}
}

// execute runs one command line and reports whether the loop should end.
func (s *session) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "r":
		resp, _ := s.dev.LastResponse()
		fmt.Fprintf(s.out, "Last response: \"%s\"\n", resp)

	case "s":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: s <str>")
			return false
		}
		r, _ := utf8.DecodeRuneInString(fields[1])
		val := string(r)
		fmt.Fprintf(s.out, "sending command %s\n", val)
		if err := s.dev.Write(context.Background(), val); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}

	case "p":
		s.dev.Pause()
		fmt.Fprintln(s.out, "polling paused")

	case "g":
		s.dev.Resume()
		fmt.Fprintf(s.out, "polling resumed (running=%v)\n", s.dev.Running())

	case "m":
		snap := s.dev.MetricsSnapshot()
		fmt.Fprintf(s.out, "health=%s score=%.0f polls=%d responses=%d writes=%d errors=%.1f%% lock_wait_max=%v\n",
			snap.HealthStatus, snap.HealthScore, snap.Polls, snap.Responses, snap.Writes,
			snap.ErrorRate, snap.MaxLockWait.Round(time.Microsecond))

	case "l":
		ports, err := s.listPorts()
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return false
		}
		if len(ports) == 0 {
			fmt.Fprintln(s.out, "no serial ports found")
		}
		for _, p := range ports {
			fmt.Fprintln(s.out, p)
		}

	case "h":
		fmt.Fprintln(s.out, help)

	case "x":
		fmt.Fprintln(s.out, "exiting...")
		return true

	default:
		fmt.Fprintf(s.out, "No such command: %s\n", strings.Join(fields, " "))
	}
	return false
}
