// Package supervise waits for peer processes to terminate and, when they take
// too long, signals them.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shmchan/api"
)

var (
	// ErrTimeout is returned by WaitForProcess when the deadline passed first.
	ErrTimeout = errors.New("process did not terminate before the deadline")

	errStillRunning = errors.New("still running")
)

const (
	defaultInitialInterval = time.Millisecond
	defaultMaxInterval     = 100 * time.Millisecond
)

// Action runs when a wait times out; Kill is the usual choice.
type Action func(pid int32)

type waitConfig struct {
	timeout         time.Duration
	action          Action
	initialInterval time.Duration
	maxInterval     time.Duration
}

// WaitOption configures WaitForProcess.
type WaitOption func(*waitConfig)

// WithTimeout bounds the wait. When d elapses action runs once (it may be nil)
// and WaitForProcess returns ErrTimeout.
func WithTimeout(d time.Duration, action Action) WaitOption {
	return func(c *waitConfig) {
		c.timeout = d
		c.action = action
	}
}

// WithPollInterval sets the first and the largest delay between polls.
func WithPollInterval(initial, max time.Duration) WaitOption {
	return func(c *waitConfig) {
		c.initialInterval = initial
		c.maxInterval = max
	}
}

// Terminated reports whether pid is a zombie or no longer exists.
func Terminated(ctx context.Context, pid int32) (bool, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// The process may have been reaped between the two calls.
		if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
			return true, nil
		}
		return false, err
	}
	for _, s := range status {
		if s == process.Zombie {
			return true, nil
		}
	}
	return false, nil
}

// WaitForProcess polls until pid terminates. It does not reap the process.
func WaitForProcess(ctx context.Context, pid int32, opts ...WaitOption) error {
	cfg := waitConfig{
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.initialInterval
	b.MaxInterval = cfg.maxInterval
	b.MaxElapsedTime = cfg.timeout

	op := func() error {
		done, err := Terminated(ctx, pid)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errStillRunning
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if errors.Is(err, errStillRunning) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.action != nil {
			cfg.action(pid)
		}
		return fmt.Errorf("%w: pid %d after %s", ErrTimeout, pid, cfg.timeout)
	}
	return err
}

// Kill sends SIGABRT and falls back to SIGKILL if the first signal is refused.
func Kill(pid int32) {
	_ = Signal(pid)
}

// Signal is Kill reporting the error of the last signal sent.
func Signal(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	if err := p.SendSignal(syscall.SIGABRT); err != nil {
		return p.Kill()
	}
	return nil
}

// Process adapts a pid to api.Health.
type Process struct {
	Pid int32
}

var _ api.Health = Process{}

func (p Process) Alive() (bool, error) {
	done, err := Terminated(context.Background(), p.Pid)
	return !done, err
}
