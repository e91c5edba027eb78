package spmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultProcesses is used when the arguments carry no -n flag.
const DefaultProcesses = 8

// Config controls how the launcher starts workers.
type Config struct {
	// Processes is the group size N. Workers ignore it and use the size their
	// parent announced.
	Processes int
	// Executable is re-run for every worker; empty means os.Executable.
	Executable string
	// Args are the worker's arguments; nil means os.Args[1:].
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Stdout and Stderr default to the launcher's.
	Stdout io.Writer
	Stderr io.Writer
	// Timeout bounds World.Wait per child. When it elapses the child is sent
	// SIGABRT, then SIGKILL. Zero waits forever.
	Timeout time.Duration
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// DefaultConfig returns the configuration Init uses before parsing arguments.
func DefaultConfig() Config {
	return Config{
		Processes: DefaultProcesses,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

// VerifyConfig checks cfg.
func VerifyConfig(cfg Config) error {
	if cfg.Processes < 1 {
		return fmt.Errorf("%w: process count must be positive, got %d", ErrLaunch, cfg.Processes)
	}
	if cfg.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// ParseArgs finds `-n <N>` (or `-n=<N>`) in args. Other arguments belong to
// the program and are skipped. Without the flag it returns DefaultProcesses.
func ParseArgs(args []string) (int, error) {
	n := DefaultProcesses
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		var value string
		switch {
		case arg == "-n":
			if i+1 >= len(args) {
				return 0, fmt.Errorf("%w: -n needs a value", ErrLaunch)
			}
			i++
			value = args[i]
		case strings.HasPrefix(arg, "-n="):
			value = strings.TrimPrefix(arg, "-n=")
		default:
			continue
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%w: bad -n value %q", ErrLaunch, value)
		}
		if v < 1 {
			return 0, fmt.Errorf("%w: -n must be positive, got %d", ErrLaunch, v)
		}
		n = v
	}
	return n, nil
}
